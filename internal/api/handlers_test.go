package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/scheduler/internal/auth"
	"example.com/scheduler/internal/cache"
	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/ledger"
	"example.com/scheduler/internal/reconcile"
	"example.com/scheduler/internal/scheduling"
)

type fakeEventRepo struct {
	events map[string]domain.ActivityEvent
}

func (r *fakeEventRepo) key(hc, id string) string { return hc + "|" + id }

func (r *fakeEventRepo) GetEvent(_ context.Context, hc, id string) (*domain.ActivityEvent, error) {
	if ev, ok := r.events[r.key(hc, id)]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (r *fakeEventRepo) UpsertEvent(_ context.Context, ev domain.ActivityEvent, enforceOrdering bool) (bool, error) {
	key := r.key(ev.HealthCode, ev.EventID)
	if existing, ok := r.events[key]; ok && enforceOrdering && !ev.Timestamp.After(existing.Timestamp) {
		return false, nil
	}
	r.events[key] = ev
	return true, nil
}

func (r *fakeEventRepo) ListEvents(_ context.Context, hc string) ([]domain.ActivityEvent, error) {
	var out []domain.ActivityEvent
	for _, ev := range r.events {
		if ev.HealthCode == hc {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) DeleteEvent(_ context.Context, hc, id string) error {
	delete(r.events, r.key(hc, id))
	return nil
}

func (r *fakeEventRepo) DeleteAllEvents(_ context.Context, hc string) error {
	for key, ev := range r.events {
		if ev.HealthCode == hc {
			delete(r.events, key)
		}
	}
	return nil
}

type fakeActivityRepo struct {
	activities map[string]domain.ScheduledActivity
}

func (r *fakeActivityRepo) ListByParticipant(_ context.Context, hc string) ([]domain.ScheduledActivity, error) {
	var out []domain.ScheduledActivity
	for _, act := range r.activities {
		if act.HealthCode == hc {
			out = append(out, act)
		}
	}
	return out, nil
}

func (r *fakeActivityRepo) GetActivity(_ context.Context, guid string) (*domain.ScheduledActivity, error) {
	if act, ok := r.activities[guid]; ok {
		return &act, nil
	}
	return nil, nil
}

func (r *fakeActivityRepo) InsertIfAbsent(_ context.Context, activities []domain.ScheduledActivity) (int, error) {
	inserted := 0
	for _, act := range activities {
		if _, exists := r.activities[act.GUID]; exists {
			continue
		}
		r.activities[act.GUID] = act
		inserted++
	}
	return inserted, nil
}

func (r *fakeActivityRepo) UpdateTimestamps(_ context.Context, hc, guid string, startedOn, finishedOn *time.Time) (bool, error) {
	act, ok := r.activities[guid]
	if !ok || act.HealthCode != hc || act.FinishedOn != nil {
		return false, nil
	}
	if startedOn != nil {
		act.StartedOn = startedOn
	}
	if finishedOn != nil {
		act.FinishedOn = finishedOn
	}
	r.activities[guid] = act
	return true, nil
}

func (r *fakeActivityRepo) DeletePendingByPlan(_ context.Context, planGUID string) (int64, error) {
	var deleted int64
	for guid, act := range r.activities {
		if act.SchedulePlanGUID == planGUID && !act.Started() {
			delete(r.activities, guid)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeActivityRepo) DeletePendingByGUIDs(_ context.Context, hc string, guids []string) (int64, error) {
	var deleted int64
	for _, guid := range guids {
		act, ok := r.activities[guid]
		if !ok || act.HealthCode != hc || act.Started() {
			continue
		}
		delete(r.activities, guid)
		deleted++
	}
	return deleted, nil
}

func (r *fakeActivityRepo) DeleteByParticipant(_ context.Context, hc string) error {
	for guid, act := range r.activities {
		if act.HealthCode == hc {
			delete(r.activities, guid)
		}
	}
	return nil
}

func (r *fakeActivityRepo) WithParticipantLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakePlanRepo struct {
	plans []domain.SchedulePlan
}

func (r *fakePlanRepo) ActivePlans(context.Context) ([]domain.SchedulePlan, error) {
	return r.plans, nil
}

func newTestHandler(plans ...domain.SchedulePlan) (*Handler, *fakeEventRepo, *fakeActivityRepo) {
	events := &fakeEventRepo{events: make(map[string]domain.ActivityEvent)}
	repo := &fakeActivityRepo{activities: make(map[string]domain.ScheduledActivity)}

	ledgerSvc := ledger.NewService(events, nil, zerolog.Nop())
	store := reconcile.NewStore(repo, cache.Noop{}, zerolog.Nop())
	service := scheduling.NewService(ledgerSvc, &fakePlanRepo{plans: plans}, store, cache.Noop{}, 0, zerolog.Nop())
	return NewHandler(service), events, repo
}

func participantClaims(healthCode string, scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return &auth.Claims{
		Subject:    "participant",
		HealthCode: healthCode,
		Scopes:     set,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func adminClaims() *auth.Claims {
	return &auth.Claims{
		Subject:   "study-admin",
		Scopes:    map[string]struct{}{auth.ScopeAdmin: {}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func seedEvent(t *testing.T, repo *fakeEventRepo, ev domain.ActivityEvent) {
	t.Helper()
	_, err := repo.UpsertEvent(context.Background(), ev, false)
	require.NoError(t, err)
}

func doRequest(handler http.HandlerFunc, method, target string, body string, claims *auth.Claims) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestPublishEventAccepted(t *testing.T) {
	handler, events, _ := newTestHandler()

	body := `{"event_id": "custom:checkin", "timestamp": "2026-03-01T12:00:00Z"}`
	rr := doRequest(handler.events, http.MethodPost, "/v1/events", body, participantClaims("hc-1", auth.ScopeEventsWrite))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	stored, err := events.GetEvent(context.Background(), "hc-1", "custom:checkin")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestPublishEventRejectsInvalidBody(t *testing.T) {
	handler, _, _ := newTestHandler()

	rr := doRequest(handler.events, http.MethodPost, "/v1/events", `{"event_id": "bad id", "timestamp": "2026-03-01T12:00:00Z"}`, participantClaims("hc-1", auth.ScopeEventsWrite))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPublishEventScopeEnforced(t *testing.T) {
	handler, _, _ := newTestHandler()

	rr := doRequest(handler.events, http.MethodPost, "/v1/events", `{}`, participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(handler.events, http.MethodPost, "/v1/events", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPublishEventBackfillRequiresAdmin(t *testing.T) {
	handler, _, _ := newTestHandler()

	body := `{"event_id": "custom:checkin", "timestamp": "2026-03-01T12:00:00Z", "backfill": true}`
	rr := doRequest(handler.events, http.MethodPost, "/v1/events", body, participantClaims("hc-1", auth.ScopeEventsWrite))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEventMapReturnsEvents(t *testing.T) {
	handler, events, _ := newTestHandler()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEvent(t, events, domain.ActivityEvent{
		HealthCode: "hc-1", EventID: domain.EventEnrollment, Timestamp: ts,
	})

	rr := doRequest(handler.events, http.MethodGet, "/v1/events", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp EventMapResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Events[domain.EventEnrollment].Equal(ts))
}

func TestParticipantCannotActOnOthers(t *testing.T) {
	handler, _, _ := newTestHandler()

	rr := doRequest(handler.events, http.MethodGet, "/v1/events?health_code=hc-other", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminActsOnNamedParticipant(t *testing.T) {
	handler, events, _ := newTestHandler()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEvent(t, events, domain.ActivityEvent{
		HealthCode: "hc-1", EventID: domain.EventEnrollment, Timestamp: ts,
	})

	rr := doRequest(handler.events, http.MethodGet, "/v1/events?health_code=hc-1", "", adminClaims())
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(handler.events, http.MethodGet, "/v1/events", "", adminClaims())
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListActivitiesGenerates(t *testing.T) {
	plan := domain.SchedulePlan{
		GUID:   "plan-1",
		Active: true,
		Schedule: domain.Schedule{
			Type:    domain.ScheduleTypeOnce,
			EventID: domain.EventEnrollment,
			Activity: domain.ActivityRef{
				Type: domain.ActivityTypeSurvey,
				Ref:  "intake",
			},
		},
	}
	handler, events, _ := newTestHandler(plan)
	seedEvent(t, events, domain.ActivityEvent{
		HealthCode: "hc-1", EventID: domain.EventEnrollment, Timestamp: time.Now().UTC().Add(-time.Hour),
	})

	rr := doRequest(handler.activities, http.MethodGet, "/v1/activities", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp ListActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "plan-1", resp.Items[0].SchedulePlanGUID)
	require.Equal(t, string(domain.TaskStatePending), resp.Items[0].Status)
}

func TestListActivitiesRejectsBadWindow(t *testing.T) {
	handler, _, _ := newTestHandler()

	rr := doRequest(handler.activities, http.MethodGet, "/v1/activities?min_ts=2026-03-02T00:00:00Z&max_ts=2026-03-01T00:00:00Z", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(handler.activities, http.MethodGet, "/v1/activities?zone=Not/AZone", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// max_ts alone in the past inverts the window once min_ts defaults to
	// now; still the caller's input, so 400 rather than 500.
	rr = doRequest(handler.activities, http.MethodGet, "/v1/activities?max_ts=2020-01-01T00:00:00Z", "", participantClaims("hc-1", auth.ScopeActivitiesRead))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "validation_failed")
}

func TestUpdateActivitiesPartialFailure(t *testing.T) {
	handler, _, repo := newTestHandler()
	scheduledOn := time.Now().UTC()
	repo.activities["g-1"] = domain.ScheduledActivity{
		GUID: "g-1", HealthCode: "hc-1", SchedulePlanGUID: "plan-1", ScheduledOn: scheduledOn,
	}

	body := `{"updates": [
		{"guid": "g-1", "started_on": "2026-03-01T12:00:00Z"},
		{"guid": "g-missing", "started_on": "2026-03-01T12:00:00Z"}
	]}`
	rr := doRequest(handler.activities, http.MethodPost, "/v1/activities", body, participantClaims("hc-1", auth.ScopeActivitiesWrite))
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

	var resp UpdateActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []string{"g-1"}, resp.Updated)
	require.Len(t, resp.Failed, 1)
	require.Equal(t, "g-missing", resp.Failed[0].GUID)
}

func TestDeletePlanActivities(t *testing.T) {
	handler, _, repo := newTestHandler()
	repo.activities["g-1"] = domain.ScheduledActivity{GUID: "g-1", HealthCode: "hc-1", SchedulePlanGUID: "plan-1"}

	rr := doRequest(handler.schedulePlan, http.MethodDelete, "/v1/scheduleplans/plan-1/activities", "", adminClaims())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp DeleteActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp.Deleted)

	rr = doRequest(handler.schedulePlan, http.MethodDelete, "/v1/scheduleplans/plan-1/activities", "", participantClaims("hc-1", auth.ScopeActivitiesWrite))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestDeleteParticipant(t *testing.T) {
	handler, events, repo := newTestHandler()
	seedEvent(t, events, domain.ActivityEvent{
		HealthCode: "hc-1", EventID: domain.EventEnrollment, Timestamp: time.Now().UTC(),
	})
	repo.activities["g-1"] = domain.ScheduledActivity{GUID: "g-1", HealthCode: "hc-1"}

	rr := doRequest(handler.participant, http.MethodDelete, "/v1/participants/hc-1", "", adminClaims())
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, repo.activities)
	require.Empty(t, events.events)
}

func TestDeleteEventRefusesEnrollment(t *testing.T) {
	handler, events, _ := newTestHandler()
	seedEvent(t, events, domain.ActivityEvent{
		HealthCode: "hc-1", EventID: domain.EventEnrollment, Timestamp: time.Now().UTC(),
	})

	rr := doRequest(handler.eventByID, http.MethodDelete, "/v1/events/enrollment?health_code=hc-1", "", adminClaims())
	require.Equal(t, http.StatusConflict, rr.Code)
}
