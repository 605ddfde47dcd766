// Package schedule derives candidate scheduled activities from a
// participant's event map and the study's schedule plans.
package schedule

import (
	"errors"
	"time"

	"example.com/scheduler/internal/domain"
)

// ErrInvalidWindow is returned when the generation window is inverted.
var ErrInvalidWindow = errors.New("window max precedes window min")

// Context freezes a consistent snapshot of one participant's scheduling
// inputs. Generation is a pure function of this value plus the plan
// definitions; nothing mutable is read mid-pass.
type Context struct {
	healthCode string
	zone       *time.Location
	events     domain.EventMap
	persisted  map[string]domain.ScheduledActivity
	minTime    time.Time
	maxTime    time.Time
	now        time.Time
}

// ContextParams collects the inputs for NewContext.
type ContextParams struct {
	HealthCode string
	Zone       *time.Location
	Events     domain.EventMap
	Persisted  []domain.ScheduledActivity
	MinTime    time.Time
	MaxTime    time.Time
	Now        time.Time
}

// NewContext validates and freezes the snapshot. Maps are copied so later
// mutation of the inputs cannot leak into an in-flight pass.
func NewContext(p ContextParams) (Context, error) {
	if p.HealthCode == "" {
		return Context{}, domain.ErrMissingHealthCode
	}
	if p.MaxTime.Before(p.MinTime) {
		return Context{}, ErrInvalidWindow
	}
	if p.Zone == nil {
		p.Zone = time.UTC
	}
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}

	events := make(domain.EventMap, len(p.Events))
	for id, ts := range p.Events {
		events[id] = ts
	}
	persisted := make(map[string]domain.ScheduledActivity, len(p.Persisted))
	for _, act := range p.Persisted {
		persisted[act.GUID] = act
	}

	return Context{
		healthCode: p.HealthCode,
		zone:       p.Zone,
		events:     events,
		persisted:  persisted,
		minTime:    p.MinTime,
		maxTime:    p.MaxTime,
		now:        p.Now,
	}, nil
}

// HealthCode identifies the participant.
func (c Context) HealthCode() string { return c.healthCode }

// Zone is the participant's time zone.
func (c Context) Zone() *time.Location { return c.zone }

// EventTime looks up one event in the frozen map.
func (c Context) EventTime(eventID string) (time.Time, bool) {
	ts, ok := c.events[eventID]
	return ts, ok
}

// Persisted looks up a previously saved activity by GUID.
func (c Context) Persisted(guid string) (domain.ScheduledActivity, bool) {
	act, ok := c.persisted[guid]
	return act, ok
}

// PersistedAll returns the persisted snapshot.
func (c Context) PersistedAll() []domain.ScheduledActivity {
	out := make([]domain.ScheduledActivity, 0, len(c.persisted))
	for _, act := range c.persisted {
		out = append(out, act)
	}
	return out
}

// MinTime is the lower generation bound.
func (c Context) MinTime() time.Time { return c.minTime }

// MaxTime is the upper generation bound.
func (c Context) MaxTime() time.Time { return c.maxTime }

// Now is the frozen evaluation instant.
func (c Context) Now() time.Time { return c.now }
