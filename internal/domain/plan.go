package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActivityType identifies the kind of task a schedule assigns.
type ActivityType string

const (
	ActivityTypeSurvey     ActivityType = "survey"
	ActivityTypeAssessment ActivityType = "assessment"
	ActivityTypeTask       ActivityType = "task"
)

// ScheduleType is the discriminant for the schedule variant.
type ScheduleType string

const (
	ScheduleTypeOnce      ScheduleType = "once"
	ScheduleTypeRecurring ScheduleType = "recurring"
)

// ErrInvalidSchedule is returned for schedules outside the variant grammar.
var ErrInvalidSchedule = errors.New("invalid schedule")

// SchedulePlan is a versioned, study-authored definition of triggered tasks.
// Plans are supplied whole by the plan repository and never mutated here.
type SchedulePlan struct {
	GUID     string   `json:"guid"`
	Label    string   `json:"label"`
	Version  int64    `json:"version"`
	Active   bool     `json:"active"`
	Schedule Schedule `json:"schedule"`
}

// ActivityRef names the payload a generated activity points at.
type ActivityRef struct {
	Type  ActivityType `json:"type"`
	Ref   string       `json:"ref"`
	Label string       `json:"label"`
}

// Schedule is the trigger rule for a plan, keyed off an event identifier.
// A "once" schedule yields a single occurrence at trigger+delay; a
// "recurring" schedule expands an RFC 5545 RRULE from that point.
type Schedule struct {
	Type           ScheduleType `json:"type"`
	EventID        string       `json:"event_id"`
	Delay          Duration     `json:"delay,omitempty"`
	Expires        Duration     `json:"expires,omitempty"`
	RRule          string       `json:"rrule,omitempty"`
	MaxOccurrences int          `json:"max_occurrences,omitempty"`
	Activity       ActivityRef  `json:"activity"`
}

// UnmarshalJSON decodes a schedule, inferring the variant from shape for
// legacy payloads that predate the type discriminant: anything carrying an
// RRULE is recurring, everything else is one-shot.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	type alias Schedule
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Type == "" {
		if decoded.RRule != "" {
			decoded.Type = ScheduleTypeRecurring
		} else {
			decoded.Type = ScheduleTypeOnce
		}
	}
	*s = Schedule(decoded)
	return nil
}

// Validate checks variant consistency.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleTypeOnce:
		if s.RRule != "" {
			return fmt.Errorf("%w: one-shot schedule carries an rrule", ErrInvalidSchedule)
		}
	case ScheduleTypeRecurring:
		if s.RRule == "" {
			return fmt.Errorf("%w: recurring schedule missing rrule", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
	if strings.TrimSpace(s.EventID) == "" {
		return fmt.Errorf("%w: missing trigger event id", ErrInvalidSchedule)
	}
	if s.Delay < 0 || s.Expires < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidSchedule)
	}
	if s.Activity.Ref == "" {
		return fmt.Errorf("%w: missing activity ref", ErrInvalidSchedule)
	}
	switch s.Activity.Type {
	case ActivityTypeSurvey, ActivityTypeAssessment, ActivityTypeTask:
	default:
		return fmt.Errorf("%w: unknown activity type %q", ErrInvalidSchedule, s.Activity.Type)
	}
	return nil
}

// Duration wraps time.Duration with JSON encoding as a Go duration string
// ("72h", "15m").
type Duration time.Duration

// MarshalJSON renders the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration: %v", raw)
	}
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
