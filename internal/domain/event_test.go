package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActivityEventValidate(t *testing.T) {
	now := time.Now().UTC()

	valid := ActivityEvent{HealthCode: "hc-1", EventID: "enrollment", Timestamp: now}
	require.NoError(t, valid.Validate())

	compound := ActivityEvent{HealthCode: "hc-1", EventID: "question:Q1:answered=yes", Timestamp: now}
	require.NoError(t, compound.Validate())

	missingHC := ActivityEvent{EventID: "enrollment", Timestamp: now}
	require.ErrorIs(t, missingHC.Validate(), ErrMissingHealthCode)

	missingTS := ActivityEvent{HealthCode: "hc-1", EventID: "enrollment"}
	require.ErrorIs(t, missingTS.Validate(), ErrMissingTimestamp)

	for _, id := range []string{"", "a:b:c:d", "has space", "bad$char", ":leading"} {
		ev := ActivityEvent{HealthCode: "hc-1", EventID: id, Timestamp: now}
		require.ErrorIs(t, ev.Validate(), ErrInvalidEventID, "event id %q", id)
	}
}

func TestEventIDBuilders(t *testing.T) {
	require.Equal(t, "custom:studyBurstStart", CustomEventID("studyBurstStart"))
	require.Equal(t, "question:Q1:answered=yes", QuestionAnsweredEventID("Q1", "yes"))
	require.Equal(t, "activity:guid-1:finished", ActivityFinishedEventID("guid-1"))

	require.True(t, ImmutableOrigin(EventEnrollment))
	require.False(t, ImmutableOrigin(CustomEventID("x")))
}

func TestApplyCalculatedEvents(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := EventMap{EventEnrollment: base}

	rules := []CalculatedEventRule{
		{EventID: "custom:week1", BaseEventID: EventEnrollment, Offset: 7 * 24 * time.Hour},
		{EventID: "custom:orphan", BaseEventID: "custom:absent", Offset: time.Hour},
	}

	out := ApplyCalculatedEvents(events, rules)
	require.Equal(t, base.Add(7*24*time.Hour), out["custom:week1"])
	require.NotContains(t, out, "custom:orphan")
}

func TestApplyCalculatedEventsStoredWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := base.Add(time.Hour)
	events := EventMap{
		EventEnrollment: base,
		"custom:week1":  stored,
	}

	rules := []CalculatedEventRule{
		{EventID: "custom:week1", BaseEventID: EventEnrollment, Offset: 7 * 24 * time.Hour},
	}

	out := ApplyCalculatedEvents(events, rules)
	require.Equal(t, stored, out["custom:week1"])
}
