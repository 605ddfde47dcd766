package api

import (
	"time"

	"example.com/scheduler/internal/domain"
)

// PublishEventRequest is the payload for POST /v1/events.
type PublishEventRequest struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	AnswerValue string    `json:"answer_value,omitempty"`
	// HealthCode may only be set by service tokens acting on behalf of a
	// participant.
	HealthCode string `json:"health_code,omitempty"`
	// Backfill suppresses the later-wins ordering check. Admin only.
	Backfill bool `json:"backfill,omitempty"`
}

// PublishEventResponse acknowledges an accepted event.
type PublishEventResponse struct {
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
}

// EventMapResponse carries the merged stored plus calculated event map.
type EventMapResponse struct {
	Events domain.EventMap `json:"events"`
}

// ActivityView exposes one scheduled activity.
type ActivityView struct {
	GUID             string     `json:"guid"`
	SchedulePlanGUID string     `json:"schedule_plan_guid"`
	ActivityType     string     `json:"activity_type"`
	ActivityRef      string     `json:"activity_ref"`
	Label            string     `json:"label,omitempty"`
	ScheduledOn      time.Time  `json:"scheduled_on"`
	ExpiresOn        *time.Time `json:"expires_on,omitempty"`
	StartedOn        *time.Time `json:"started_on,omitempty"`
	FinishedOn       *time.Time `json:"finished_on,omitempty"`
	Status           string     `json:"status"`
}

// PlanErrorView reports a plan whose schedule could not be expanded.
type PlanErrorView struct {
	PlanGUID string `json:"plan_guid"`
	Detail   string `json:"detail"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView  `json:"items"`
	PlanErrors []PlanErrorView `json:"plan_errors,omitempty"`
	FromCache  bool            `json:"from_cache"`
}

// ActivityUpdateItem marks one activity started or finished.
type ActivityUpdateItem struct {
	GUID       string     `json:"guid"`
	StartedOn  *time.Time `json:"started_on,omitempty"`
	FinishedOn *time.Time `json:"finished_on,omitempty"`
}

// UpdateActivitiesRequest is the payload for POST /v1/activities.
type UpdateActivitiesRequest struct {
	HealthCode string               `json:"health_code,omitempty"`
	Updates    []ActivityUpdateItem `json:"updates"`
}

// UpdateFailureView reports one rejected update item.
type UpdateFailureView struct {
	GUID   string `json:"guid"`
	Reason string `json:"reason"`
}

// UpdateActivitiesResponse separates applied updates from rejections.
type UpdateActivitiesResponse struct {
	Updated []string            `json:"updated"`
	Failed  []UpdateFailureView `json:"failed,omitempty"`
}

// DeleteActivitiesResponse reports how many records a delete removed.
type DeleteActivitiesResponse struct {
	Deleted int64 `json:"deleted"`
}

func toActivityView(activity domain.ScheduledActivity, now time.Time) ActivityView {
	return ActivityView{
		GUID:             activity.GUID,
		SchedulePlanGUID: activity.SchedulePlanGUID,
		ActivityType:     string(activity.ActivityType),
		ActivityRef:      activity.ActivityRef,
		Label:            activity.Label,
		ScheduledOn:      activity.ScheduledOn,
		ExpiresOn:        activity.ExpiresOn,
		StartedOn:        activity.StartedOn,
		FinishedOn:       activity.FinishedOn,
		Status:           string(activity.State(now)),
	}
}
