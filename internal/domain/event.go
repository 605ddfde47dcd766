// Package domain defines the core types for participant scheduling.
package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Well-known event identifiers. Every identifier is either a bare name
// ("enrollment") or a colon-separated compound such as
// "custom:studyBurstStart", "question:Q1:answered=yes", or
// "activity:<guid>:finished".
const (
	EventEnrollment = "enrollment"

	eventNamespaceCustom   = "custom"
	eventNamespaceQuestion = "question"
	eventNamespaceActivity = "activity"
)

var (
	// ErrMissingHealthCode indicates the owning participant was not identified.
	ErrMissingHealthCode = errors.New("health code is required")
	// ErrInvalidEventID indicates an event identifier outside the grammar.
	ErrInvalidEventID = errors.New("invalid event identifier")
	// ErrMissingTimestamp indicates an event without a timestamp.
	ErrMissingTimestamp = errors.New("event timestamp is required")
	// ErrImmutableEvent indicates an attempt to delete an immutable event.
	ErrImmutableEvent = errors.New("event is immutable")
)

var eventIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+(:[A-Za-z0-9_.=-]+){0,2}$`)

// ActivityEvent is an immutable fact about one participant. Events are
// created only through the ledger's publish path and are never mutated.
type ActivityEvent struct {
	HealthCode  string
	EventID     string
	Timestamp   time.Time
	AnswerValue string
}

// Validate rejects malformed events before any write.
func (e ActivityEvent) Validate() error {
	if strings.TrimSpace(e.HealthCode) == "" {
		return ErrMissingHealthCode
	}
	if !eventIDPattern.MatchString(e.EventID) {
		return fmt.Errorf("%w: %q", ErrInvalidEventID, e.EventID)
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// ImmutableOrigin reports whether the identifier marks a fact that must
// never regress once recorded, even on administrative backfill. Enrollment
// is the canonical case: a participant cannot be re-enrolled earlier.
func ImmutableOrigin(eventID string) bool {
	return eventID == EventEnrollment
}

// CustomEventID builds the identifier for a study-defined custom event.
func CustomEventID(name string) string {
	return eventNamespaceCustom + ":" + name
}

// QuestionAnsweredEventID builds the identifier recorded when a survey
// question is answered with a specific value.
func QuestionAnsweredEventID(questionID, answer string) string {
	return eventNamespaceQuestion + ":" + questionID + ":answered=" + answer
}

// ActivityFinishedEventID builds the identifier recorded when a scheduled
// activity is finished, allowing plans to chain off completed work.
func ActivityFinishedEventID(guid string) string {
	return eventNamespaceActivity + ":" + guid + ":finished"
}

// EventMap is the derived read view of a participant's events: identifier to
// timestamp, including calculated entries. Rebuilt on every read, never
// persisted as a whole.
type EventMap map[string]time.Time

// CalculatedEventRule synthesizes an event at a fixed offset from a stored
// base event. Calculated entries are deterministic and side-effect free.
type CalculatedEventRule struct {
	EventID     string
	BaseEventID string
	Offset      time.Duration
}

// Apply folds the calculated entries the rules produce into the map. A rule
// whose base event is absent contributes nothing. Stored events win over
// calculated ones with the same identifier.
func ApplyCalculatedEvents(events EventMap, rules []CalculatedEventRule) EventMap {
	for _, rule := range rules {
		base, ok := events[rule.BaseEventID]
		if !ok {
			continue
		}
		if _, exists := events[rule.EventID]; exists {
			continue
		}
		events[rule.EventID] = base.Add(rule.Offset)
	}
	return events
}
