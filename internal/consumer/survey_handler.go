package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/events"
	"example.com/scheduler/internal/ledger"
)

// SurveyResponseEventType is the upstream event type this handler accepts.
const SurveyResponseEventType = "survey.response_recorded"

// SurveyResponseHandler turns survey responses into ledger events, so
// schedule plans keyed off answered questions can fire.
type SurveyResponseHandler struct {
	ledger *ledger.Service
}

// NewSurveyResponseHandler constructs a handler backed by the ledger.
func NewSurveyResponseHandler(ledgerSvc *ledger.Service) *SurveyResponseHandler {
	return &SurveyResponseHandler{ledger: ledgerSvc}
}

// Handle publishes the answered-question event with ordering enforced, so a
// replayed older response never moves the ledger backwards.
func (h *SurveyResponseHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != SurveyResponseEventType {
		return nil
	}

	var response events.SurveyResponse
	if err := json.Unmarshal(msg.Payload, &response); err != nil {
		return fmt.Errorf("decode survey response: %w", err)
	}

	event := domain.ActivityEvent{
		HealthCode:  response.HealthCode,
		EventID:     domain.QuestionAnsweredEventID(response.QuestionID, response.AnswerValue),
		Timestamp:   response.AnsweredAt,
		AnswerValue: response.AnswerValue,
	}
	return h.ledger.Publish(ctx, event, true)
}
