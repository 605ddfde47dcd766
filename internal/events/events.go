// Package events defines the payloads emitted through the outbox and
// consumed from upstream topics.
package events

import "time"

// EventPublished is emitted when a participant event lands in the ledger.
type EventPublished struct {
	HealthCode string    `json:"health_code"`
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActivityStateChanged tracks scheduled-activity lifecycle transitions
// (pending, started, finished) for downstream consumers.
type ActivityStateChanged struct {
	GUID       string    `json:"guid"`
	HealthCode string    `json:"health_code"`
	PlanGUID   string    `json:"plan_guid"`
	State      string    `json:"state"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SurveyResponse is the upstream message ingested from the survey topic; each
// answered question becomes a ledger event.
type SurveyResponse struct {
	HealthCode  string    `json:"health_code"`
	SurveyGUID  string    `json:"survey_guid"`
	QuestionID  string    `json:"question_id"`
	AnswerValue string    `json:"answer_value"`
	AnsweredAt  time.Time `json:"answered_at"`
}
