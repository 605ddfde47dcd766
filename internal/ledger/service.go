// Package ledger maintains the per-participant event log. Events are
// append/overwrite-by-timestamp rather than a true immutable log: later
// values win, enrollment-type events never regress.
package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/observability"
)

// EventRepository captures persistence operations for participant events.
// UpsertEvent applies later-wins ordering inside the write itself when asked
// to, reporting whether a row actually changed, so concurrent publishers for
// the same participant cannot race a stale value past a fresher one.
type EventRepository interface {
	UpsertEvent(ctx context.Context, event domain.ActivityEvent, enforceOrdering bool) (bool, error)
	ListEvents(ctx context.Context, healthCode string) ([]domain.ActivityEvent, error)
	DeleteEvent(ctx context.Context, healthCode, eventID string) error
	DeleteAllEvents(ctx context.Context, healthCode string) error
}

// Service owns publish and read semantics for the event log.
type Service struct {
	repo  EventRepository
	rules []domain.CalculatedEventRule
	log   zerolog.Logger
}

// NewService constructs a Service. The calculated-event rules come from study
// configuration and are applied on every read.
func NewService(repo EventRepository, rules []domain.CalculatedEventRule, log zerolog.Logger) *Service {
	return &Service{repo: repo, rules: rules, log: log}
}

// Publish persists a new fact. With enforceOrdering set (every production
// path), the write is a no-op unless the timestamp is strictly later than the
// stored event with the same identifier. Administrative backfill passes
// false and overwrites unconditionally, except for immutable-origin events
// which never regress.
func (s *Service) Publish(ctx context.Context, event domain.ActivityEvent, enforceOrdering bool) error {
	if err := event.Validate(); err != nil {
		return err
	}

	enforce := enforceOrdering || domain.ImmutableOrigin(event.EventID)
	applied, err := s.repo.UpsertEvent(ctx, event, enforce)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug().
			Str("eventID", event.EventID).
			Time("submitted", event.Timestamp).
			Msg("event publish skipped, not later than stored value")
		return nil
	}
	observability.RecordEventPublished(event.Timestamp)
	return nil
}

// EventMap returns every stored base event for the participant plus every
// calculated event the configured rules yield. Recomputation is idempotent
// and side-effect free.
func (s *Service) EventMap(ctx context.Context, healthCode string) (domain.EventMap, error) {
	if healthCode == "" {
		return nil, domain.ErrMissingHealthCode
	}
	events, err := s.repo.ListEvents(ctx, healthCode)
	if err != nil {
		return nil, err
	}
	out := make(domain.EventMap, len(events))
	for _, ev := range events {
		out[ev.EventID] = ev.Timestamp
	}
	return domain.ApplyCalculatedEvents(out, s.rules), nil
}

// DeleteEvent physically removes one event. Correction path only. Immutable
// events such as enrollment stay put until the participant is deleted.
func (s *Service) DeleteEvent(ctx context.Context, healthCode, eventID string) error {
	if healthCode == "" {
		return domain.ErrMissingHealthCode
	}
	if domain.ImmutableOrigin(eventID) {
		return fmt.Errorf("%w: %s", domain.ErrImmutableEvent, eventID)
	}
	return s.repo.DeleteEvent(ctx, healthCode, eventID)
}

// DeleteAll physically removes every event for the participant. Account
// deletion path only.
func (s *Service) DeleteAll(ctx context.Context, healthCode string) error {
	if healthCode == "" {
		return domain.ErrMissingHealthCode
	}
	return s.repo.DeleteAllEvents(ctx, healthCode)
}
