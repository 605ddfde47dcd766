package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"example.com/scheduler/internal/domain"
)

// defaultMaxOccurrences caps recurrence expansion per plan so a runaway
// RRULE cannot stall a request.
const defaultMaxOccurrences = 500

// activityNamespace seeds UUIDv5 derivation for scheduled activities.
var activityNamespace = uuid.MustParse("5ba1ef2e-81d0-4c29-9bd5-3a5f59dd0c1a")

// ActivityGUID derives the stable identity for one occurrence. Repeated
// generation against the same inputs reproduces the same GUID, which is what
// makes save-after-generate retries safe.
func ActivityGUID(healthCode, planGUID string, trigger time.Time, occurrence int) string {
	seed := fmt.Sprintf("%s|%s|%d|%d", healthCode, planGUID, trigger.UnixMilli(), occurrence)
	return uuid.NewSHA1(activityNamespace, []byte(seed)).String()
}

// PlanError records a per-plan generation failure. A malformed plan never
// aborts generation for the others.
type PlanError struct {
	PlanGUID string
	Err      error
}

func (e PlanError) Error() string {
	return fmt.Sprintf("plan %s: %v", e.PlanGUID, e.Err)
}

func (e PlanError) Unwrap() error { return e.Err }

// Result carries the candidate list plus any per-plan diagnostics.
type Result struct {
	Activities []domain.ScheduledActivity
	Errors     []PlanError
}

// Generate evaluates every active plan against the context and returns the
// candidate scheduled activities, sorted by scheduledOn ascending with ties
// broken by plan GUID then occurrence order.
func Generate(plans []domain.SchedulePlan, sctx Context) Result {
	var res Result
	for _, plan := range plans {
		if !plan.Active {
			continue
		}
		candidates, err := expandPlan(plan, sctx)
		if err != nil {
			res.Errors = append(res.Errors, PlanError{PlanGUID: plan.GUID, Err: err})
			continue
		}
		res.Activities = append(res.Activities, candidates...)
	}

	sort.SliceStable(res.Activities, func(i, j int) bool {
		a, b := res.Activities[i], res.Activities[j]
		if !a.ScheduledOn.Equal(b.ScheduledOn) {
			return a.ScheduledOn.Before(b.ScheduledOn)
		}
		if a.SchedulePlanGUID != b.SchedulePlanGUID {
			return a.SchedulePlanGUID < b.SchedulePlanGUID
		}
		return a.Occurrence < b.Occurrence
	})
	return res
}

func expandPlan(plan domain.SchedulePlan, sctx Context) ([]domain.ScheduledActivity, error) {
	sched := plan.Schedule
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	trigger, ok := sctx.EventTime(sched.EventID)
	if !ok {
		return nil, nil
	}
	first := trigger.Add(sched.Delay.Std()).In(sctx.Zone())

	starts, err := occurrenceTimes(sched, first, sctx.MaxTime())
	if err != nil {
		return nil, err
	}

	out := make([]domain.ScheduledActivity, 0, len(starts))
	for idx, scheduledOn := range starts {
		var expiresOn *time.Time
		if sched.Expires > 0 {
			exp := scheduledOn.Add(sched.Expires.Std())
			expiresOn = &exp
		}

		candidate := domain.ScheduledActivity{
			GUID:             ActivityGUID(sctx.HealthCode(), plan.GUID, trigger, idx),
			HealthCode:       sctx.HealthCode(),
			SchedulePlanGUID: plan.GUID,
			Occurrence:       idx,
			ActivityType:     sched.Activity.Type,
			ActivityRef:      sched.Activity.Ref,
			Label:            sched.Activity.Label,
			ScheduledOn:      scheduledOn,
			ExpiresOn:        expiresOn,
		}

		// Candidates already expired, or whose window closed before the
		// query's lower bound, stay visible only when the persisted record
		// is started, so in-progress work is never hidden.
		windowClosed := expiresOn != nil && expiresOn.Before(sctx.MinTime())
		if windowClosed || candidate.ExpiredAt(sctx.Now()) {
			persisted, found := sctx.Persisted(candidate.GUID)
			if !found || !persisted.Started() {
				continue
			}
		}

		out = append(out, candidate)
	}
	return out, nil
}

// occurrenceTimes lists every occurrence from the first scheduled time
// through the window's upper bound. Expansion always starts at the trigger so
// occurrence indexes stay absolute: a moving query window never renumbers an
// occurrence, and GUID derivation stays stable.
func occurrenceTimes(sched domain.Schedule, first, maxTime time.Time) ([]time.Time, error) {
	if first.After(maxTime) {
		return nil, nil
	}
	if sched.Type == domain.ScheduleTypeOnce {
		return []time.Time{first}, nil
	}

	rule, err := rrule.StrToRRule(sched.RRule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}
	rule.DTStart(first)

	starts := rule.Between(first, maxTime, true)
	limit := sched.MaxOccurrences
	if limit <= 0 || limit > defaultMaxOccurrences {
		limit = defaultMaxOccurrences
	}
	if len(starts) > limit {
		starts = starts[:limit]
	}
	return starts, nil
}
