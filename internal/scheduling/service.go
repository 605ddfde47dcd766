// Package scheduling orchestrates the per-participant scheduling cycle:
// publish events into the ledger, fold them into a schedule context, generate
// candidates from the active plans, and reconcile against persisted state.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/scheduler/internal/cache"
	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/ledger"
	"example.com/scheduler/internal/observability"
	"example.com/scheduler/internal/reconcile"
	"example.com/scheduler/internal/schedule"
)

// defaultWindowAhead bounds generation when the caller does not supply an
// upper bound.
const defaultWindowAhead = 4 * 24 * time.Hour

// PlanRepository supplies the current, possibly just-edited, schedule plans.
// Treated as read-only input per call.
type PlanRepository interface {
	ActivePlans(ctx context.Context) ([]domain.SchedulePlan, error)
}

// Service wires the ledger, plan repository, generator, and reconciliation
// store into the request-driven operations the API exposes.
type Service struct {
	ledger  *ledger.Service
	plans   PlanRepository
	store   *reconcile.Store
	views   cache.ViewCache
	viewTTL time.Duration
	log     zerolog.Logger
}

// NewService constructs a Service. A nil views cache disables caching.
func NewService(ledgerSvc *ledger.Service, plans PlanRepository, store *reconcile.Store, views cache.ViewCache, viewTTL time.Duration, log zerolog.Logger) *Service {
	if views == nil {
		views = cache.Noop{}
	}
	return &Service{
		ledger:  ledgerSvc,
		plans:   plans,
		store:   store,
		views:   views,
		viewTTL: viewTTL,
		log:     log,
	}
}

// PublishEvent records one participant event with monotonic ordering
// enforced.
func (s *Service) PublishEvent(ctx context.Context, event domain.ActivityEvent) error {
	return s.ledger.Publish(ctx, event, true)
}

// BackfillEvent records one event without ordering enforcement.
// Administrative correction path only.
func (s *Service) BackfillEvent(ctx context.Context, event domain.ActivityEvent) error {
	return s.ledger.Publish(ctx, event, false)
}

// EventMap returns the participant's derived event view.
func (s *Service) EventMap(ctx context.Context, healthCode string) (domain.EventMap, error) {
	return s.ledger.EventMap(ctx, healthCode)
}

// ActivityListResult is the outcome of one scheduling pass.
type ActivityListResult struct {
	Activities []domain.ScheduledActivity
	PlanErrors []schedule.PlanError
	FromCache  bool
}

// ScheduledActivities runs the demand-driven cycle for one participant and
// returns the authoritative activity list for the window. Reads may be served
// from the view cache, stale by at most one write cycle.
func (s *Service) ScheduledActivities(ctx context.Context, healthCode string, zone *time.Location, minTime, maxTime time.Time) (ActivityListResult, error) {
	now := time.Now().UTC()
	if minTime.IsZero() {
		minTime = now
	}
	if maxTime.IsZero() {
		maxTime = now.Add(defaultWindowAhead)
	}

	key := cache.Key(cache.ActivitiesKey(healthCode), fmt.Sprintf("%d", minTime.Unix()), fmt.Sprintf("%d", maxTime.Unix()))
	if cached, ok := s.views.Get(ctx, key); ok {
		var activities []domain.ScheduledActivity
		if err := json.Unmarshal(cached, &activities); err == nil {
			return ActivityListResult{Activities: activities, FromCache: true}, nil
		}
		s.views.Invalidate(ctx, key)
	}

	events, err := s.ledger.EventMap(ctx, healthCode)
	if err != nil {
		return ActivityListResult{}, err
	}
	persisted, err := s.store.ListByParticipant(ctx, healthCode)
	if err != nil {
		return ActivityListResult{}, err
	}
	sctx, err := schedule.NewContext(schedule.ContextParams{
		HealthCode: healthCode,
		Zone:       zone,
		Events:     events,
		Persisted:  persisted,
		MinTime:    minTime,
		MaxTime:    maxTime,
		Now:        now,
	})
	if err != nil {
		return ActivityListResult{}, err
	}

	plans, err := s.plans.ActivePlans(ctx)
	if err != nil {
		return ActivityListResult{}, err
	}

	start := time.Now()
	generated := schedule.Generate(plans, sctx)
	observability.ObserveGeneration(time.Since(start), len(generated.Errors))
	for _, planErr := range generated.Errors {
		s.log.Warn().Str("planGUID", planErr.PlanGUID).Err(planErr.Err).Msg("schedule plan skipped during generation")
	}

	reconciled, err := s.store.Reconcile(ctx, sctx, generated.Activities)
	if err != nil {
		return ActivityListResult{}, err
	}

	if body, err := json.Marshal(reconciled.Activities); err == nil {
		s.views.Set(ctx, key, body, s.viewTTL)
	}

	return ActivityListResult{Activities: reconciled.Activities, PlanErrors: generated.Errors}, nil
}

// UpdateActivities applies participant start/finish reports. A finish lands a
// chaining event back in the ledger so plans keyed off completion can fire.
func (s *Service) UpdateActivities(ctx context.Context, healthCode string, updates []reconcile.ActivityUpdate) (reconcile.UpdateResult, error) {
	result, err := s.store.UpdateActivities(ctx, healthCode, updates)
	if err != nil {
		return result, err
	}

	finished := make(map[string]*time.Time, len(updates))
	for _, update := range updates {
		if update.FinishedOn != nil {
			finished[update.GUID] = update.FinishedOn
		}
	}
	for _, guid := range result.Updated {
		finishedOn, ok := finished[guid]
		if !ok {
			continue
		}
		event := domain.ActivityEvent{
			HealthCode: healthCode,
			EventID:    domain.ActivityFinishedEventID(guid),
			Timestamp:  *finishedOn,
		}
		if err := s.ledger.Publish(ctx, event, true); err != nil {
			s.log.Warn().Str("guid", guid).Err(err).Msg("failed to publish activity finished event")
		}
	}
	return result, nil
}

// DeletePlanActivities removes pending work for a deleted or edited plan.
func (s *Service) DeletePlanActivities(ctx context.Context, planGUID string) (int64, error) {
	return s.store.DeleteActivitiesForSchedulePlan(ctx, planGUID)
}

// DeleteEvent removes one event. Correction path only.
func (s *Service) DeleteEvent(ctx context.Context, healthCode, eventID string) error {
	return s.ledger.DeleteEvent(ctx, healthCode, eventID)
}

// DeleteParticipant removes every event and activity for the participant.
// Account deletion path only.
func (s *Service) DeleteParticipant(ctx context.Context, healthCode string) error {
	if err := s.store.DeleteActivitiesForUser(ctx, healthCode); err != nil {
		return err
	}
	return s.ledger.DeleteAll(ctx, healthCode)
}
