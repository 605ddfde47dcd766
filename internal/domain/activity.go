package domain

import (
	"errors"
	"time"
)

// ErrActivityNotFound is returned when a scheduled activity cannot be located.
var ErrActivityNotFound = errors.New("scheduled activity not found")

// TaskState is the lifecycle state of a scheduled activity. Transitions run
// pending -> started -> finished; there is no transition out of finished.
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateStarted  TaskState = "started"
	TaskStateFinished TaskState = "finished"
	TaskStateExpired  TaskState = "expired"
)

// ScheduledActivity is the durable unit of work assigned to a participant.
// The GUID is assigned at creation and immutable for the life of the record;
// once StartedOn is set the record may only be removed by full account
// deletion.
type ScheduledActivity struct {
	GUID             string
	HealthCode       string
	SchedulePlanGUID string
	Occurrence       int
	ActivityType     ActivityType
	ActivityRef      string
	Label            string
	ScheduledOn      time.Time
	ExpiresOn        *time.Time
	StartedOn        *time.Time
	FinishedOn       *time.Time
	CreatedAt        time.Time
}

// State derives the lifecycle state from the start/finish timestamps and the
// expiration window.
func (a ScheduledActivity) State(now time.Time) TaskState {
	switch {
	case a.FinishedOn != nil:
		return TaskStateFinished
	case a.StartedOn != nil:
		return TaskStateStarted
	case a.ExpiresOn != nil && a.ExpiresOn.Before(now):
		return TaskStateExpired
	default:
		return TaskStatePending
	}
}

// Started reports whether the participant has interacted with the record.
// Started records are protected from every reconciliation delete path.
func (a ScheduledActivity) Started() bool {
	return a.StartedOn != nil || a.FinishedOn != nil
}

// ExpiredAt reports whether the visibility window has closed.
func (a ScheduledActivity) ExpiredAt(now time.Time) bool {
	return a.ExpiresOn != nil && a.ExpiresOn.Before(now)
}
