// Package reconcile merges generated candidate activities with persisted
// state and owns the durable record of scheduled activities.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"example.com/scheduler/internal/cache"
	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/observability"
	"example.com/scheduler/internal/schedule"
)

// ActivityRepository captures the persistence contract: insert-if-absent by
// GUID, update of the restricted field subset, deletes scoped by state, and
// per-participant listing. The storage layer rejects a second insert of the
// same GUID, which this store treats as "already exists, skip".
// UpdateTimestamps coalesces per column inside the write (nil leaves the
// stored value alone) and refuses to touch a finished record.
type ActivityRepository interface {
	ListByParticipant(ctx context.Context, healthCode string) ([]domain.ScheduledActivity, error)
	GetActivity(ctx context.Context, guid string) (*domain.ScheduledActivity, error)
	InsertIfAbsent(ctx context.Context, activities []domain.ScheduledActivity) (inserted int, err error)
	UpdateTimestamps(ctx context.Context, healthCode, guid string, startedOn, finishedOn *time.Time) (bool, error)
	DeletePendingByPlan(ctx context.Context, planGUID string) (int64, error)
	DeletePendingByGUIDs(ctx context.Context, healthCode string, guids []string) (int64, error)
	DeleteByParticipant(ctx context.Context, healthCode string) error
	WithParticipantLock(ctx context.Context, healthCode string, fn func(context.Context) error) error
}

// Store applies the save/update/delete policy for scheduled activities.
type Store struct {
	repo  ActivityRepository
	views cache.ViewCache
	edge  cache.EdgeInvalidator
	log   zerolog.Logger
}

// NewStore constructs a Store.
func NewStore(repo ActivityRepository, views cache.ViewCache, log zerolog.Logger) *Store {
	if views == nil {
		views = cache.Noop{}
	}
	return &Store{repo: repo, views: views, edge: cache.NoopInvalidator{}, log: log}
}

// WithEdgeInvalidator attaches an upstream cache tier that is purged whenever
// a participant's activity view changes.
func (s *Store) WithEdgeInvalidator(edge cache.EdgeInvalidator) *Store {
	if edge != nil {
		s.edge = edge
	}
	return s
}

// ListByParticipant returns the persisted records for one participant.
func (s *Store) ListByParticipant(ctx context.Context, healthCode string) ([]domain.ScheduledActivity, error) {
	return s.repo.ListByParticipant(ctx, healthCode)
}

// GetActivities merges persisted records with freshly generated candidates.
// Persisted state wins for any GUID that exists in both; started or finished
// records stay in the merge even when their rule no longer fires. Pure read,
// no writes.
func (s *Store) GetActivities(sctx schedule.Context, candidates []domain.ScheduledActivity) []domain.ScheduledActivity {
	merged := make([]domain.ScheduledActivity, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))

	for _, candidate := range candidates {
		seen[candidate.GUID] = struct{}{}
		if persisted, ok := sctx.Persisted(candidate.GUID); ok {
			merged = append(merged, persisted)
			continue
		}
		merged = append(merged, candidate)
	}

	for _, persisted := range sctx.PersistedAll() {
		if _, ok := seen[persisted.GUID]; ok {
			continue
		}
		if persisted.Started() {
			merged = append(merged, persisted)
		}
	}

	sortActivities(merged)
	return merged
}

// SaveActivities persists candidates whose GUID does not already exist.
// Existing GUIDs are skipped so recorded start/finish timestamps are never
// clobbered.
func (s *Store) SaveActivities(ctx context.Context, activities []domain.ScheduledActivity) (int, error) {
	if len(activities) == 0 {
		return 0, nil
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, activities)
	if err != nil {
		return 0, err
	}
	if skipped := len(activities) - inserted; skipped > 0 {
		s.log.Debug().Int("skipped", skipped).Msg("existing activity GUIDs skipped on save")
		observability.RecordActivitiesSkipped(skipped)
	}
	observability.RecordActivitiesSaved(inserted)
	s.invalidateViews(ctx, activities)
	return inserted, nil
}

// ActivityUpdate is a participant-driven start/finish report. Every other
// field of the submitted activity is ignored.
type ActivityUpdate struct {
	GUID       string
	StartedOn  *time.Time
	FinishedOn *time.Time
}

// UpdateFailure records a per-item update rejection.
type UpdateFailure struct {
	GUID   string
	Reason string
}

// UpdateResult separates applied updates from per-item failures.
type UpdateResult struct {
	Updated []string
	Failed  []UpdateFailure
}

// UpdateActivities applies startedOn/finishedOn for each item with a known
// GUID belonging to the participant. Unknown or foreign GUIDs and records
// already finished are reported as partial failures, never an abort.
func (s *Store) UpdateActivities(ctx context.Context, healthCode string, updates []ActivityUpdate) (UpdateResult, error) {
	var result UpdateResult
	for _, update := range updates {
		if update.StartedOn == nil && update.FinishedOn == nil {
			result.Failed = append(result.Failed, UpdateFailure{GUID: update.GUID, Reason: "no timestamps to apply"})
			continue
		}

		existing, err := s.repo.GetActivity(ctx, update.GUID)
		if err != nil {
			return result, err
		}
		if existing == nil || existing.HealthCode != healthCode {
			result.Failed = append(result.Failed, UpdateFailure{GUID: update.GUID, Reason: "activity not found"})
			continue
		}
		if existing.FinishedOn != nil {
			result.Failed = append(result.Failed, UpdateFailure{GUID: update.GUID, Reason: "activity already finished"})
			continue
		}

		// The write coalesces per column and guards on finished_on itself;
		// the pre-read only classifies failures and never feeds values into
		// the update, so concurrent reports cannot blank each other.
		applied, err := s.repo.UpdateTimestamps(ctx, healthCode, update.GUID, update.StartedOn, update.FinishedOn)
		if err != nil {
			return result, err
		}
		if !applied {
			result.Failed = append(result.Failed, UpdateFailure{GUID: update.GUID, Reason: "activity already finished"})
			continue
		}
		result.Updated = append(result.Updated, update.GUID)
	}

	if len(result.Updated) > 0 {
		s.invalidateParticipant(ctx, healthCode)
	}
	return result, nil
}

// DeleteActivitiesForSchedulePlan removes every pending record whose
// provenance is the plan. Started and finished records are retained
// untouched.
func (s *Store) DeleteActivitiesForSchedulePlan(ctx context.Context, planGUID string) (int64, error) {
	deleted, err := s.repo.DeletePendingByPlan(ctx, planGUID)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		// Plan provenance fans out across participants; drop the whole view.
		s.views.InvalidateAll(ctx)
		observability.RecordActivitiesReconciled(deleted)
	}
	return deleted, nil
}

// DeleteActivitiesForUser removes every record for the participant. Account
// deletion path only.
func (s *Store) DeleteActivitiesForUser(ctx context.Context, healthCode string) error {
	if err := s.repo.DeleteByParticipant(ctx, healthCode); err != nil {
		return err
	}
	s.invalidateParticipant(ctx, healthCode)
	return nil
}

// ReconcileResult reports one generate-and-save cycle.
type ReconcileResult struct {
	Activities []domain.ScheduledActivity
	Saved      int
	Deleted    int64
}

// Reconcile runs the write half of a scheduling pass under the participant
// lock: persist the candidate delta, delete orphaned pending records whose
// GUID no longer regenerates, and return the authoritative merged list.
// Started and finished records are never deleted here, whatever happened to
// their rule.
func (s *Store) Reconcile(ctx context.Context, sctx schedule.Context, candidates []domain.ScheduledActivity) (ReconcileResult, error) {
	var result ReconcileResult

	err := s.repo.WithParticipantLock(ctx, sctx.HealthCode(), func(ctx context.Context) error {
		generated := make(map[string]struct{}, len(candidates))
		fresh := make([]domain.ScheduledActivity, 0, len(candidates))
		for _, candidate := range candidates {
			generated[candidate.GUID] = struct{}{}
			if _, ok := sctx.Persisted(candidate.GUID); !ok {
				fresh = append(fresh, candidate)
			}
		}

		saved, err := s.SaveActivities(ctx, fresh)
		if err != nil {
			return err
		}
		result.Saved = saved

		var orphans []string
		for _, persisted := range sctx.PersistedAll() {
			if _, ok := generated[persisted.GUID]; ok {
				continue
			}
			if persisted.Started() {
				continue
			}
			orphans = append(orphans, persisted.GUID)
		}
		if len(orphans) > 0 {
			deleted, err := s.repo.DeletePendingByGUIDs(ctx, sctx.HealthCode(), orphans)
			if err != nil {
				return err
			}
			result.Deleted = deleted
			observability.RecordActivitiesReconciled(deleted)
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	result.Activities = s.GetActivities(sctx, candidates)
	if result.Saved > 0 || result.Deleted > 0 {
		s.invalidateParticipant(ctx, sctx.HealthCode())
	}
	return result, nil
}

func (s *Store) invalidateViews(ctx context.Context, activities []domain.ScheduledActivity) {
	seen := make(map[string]struct{}, 1)
	for _, act := range activities {
		if _, ok := seen[act.HealthCode]; ok {
			continue
		}
		seen[act.HealthCode] = struct{}{}
		s.invalidateParticipant(ctx, act.HealthCode)
	}
}

func (s *Store) invalidateParticipant(ctx context.Context, healthCode string) {
	s.views.Invalidate(ctx, cache.ActivitiesKey(healthCode))
	if err := s.edge.Invalidate(ctx, healthCode); err != nil {
		s.log.Warn().Err(err).Str("health_code", healthCode).Msg("edge cache invalidation failed")
	}
}

func sortActivities(activities []domain.ScheduledActivity) {
	sort.SliceStable(activities, func(i, j int) bool {
		a, b := activities[i], activities[j]
		if !a.ScheduledOn.Equal(b.ScheduledOn) {
			return a.ScheduledOn.Before(b.ScheduledOn)
		}
		if a.SchedulePlanGUID != b.SchedulePlanGUID {
			return a.SchedulePlanGUID < b.SchedulePlanGUID
		}
		return a.Occurrence < b.Occurrence
	})
}
