// Package api exposes HTTP handlers for the scheduler service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/scheduler/internal/auth"
	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/reconcile"
	"example.com/scheduler/internal/schedule"
	"example.com/scheduler/internal/scheduling"
)

// Handler coordinates HTTP requests with the scheduling service.
type Handler struct {
	service *scheduling.Service
}

// NewHandler builds a Handler.
func NewHandler(service *scheduling.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", h.events)
	mux.HandleFunc("/v1/events/", h.eventByID)
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/scheduleplans/", h.schedulePlan)
	mux.HandleFunc("/v1/participants/", h.participant)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.publishEvent(w, r)
	case http.MethodGet:
		h.eventMap(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeEventsWrite) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope events:write required")
		return
	}

	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	healthCode, err := resolveHealthCode(claims, req.HealthCode)
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	event := domain.ActivityEvent{
		HealthCode:  healthCode,
		EventID:     req.EventID,
		Timestamp:   req.Timestamp,
		AnswerValue: req.AnswerValue,
	}

	publish := h.service.PublishEvent
	if req.Backfill {
		if !claims.HasScope(auth.ScopeAdmin) {
			writeError(w, http.StatusForbidden, "forbidden", "scope admin required for backfill")
			return
		}
		publish = h.service.BackfillEvent
	}

	if err := publish(r.Context(), event); err != nil {
		if errors.Is(err, domain.ErrMissingHealthCode) ||
			errors.Is(err, domain.ErrInvalidEventID) ||
			errors.Is(err, domain.ErrMissingTimestamp) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, PublishEventResponse{EventID: event.EventID, Accepted: true})
}

func (h *Handler) eventMap(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeActivitiesRead) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:read required")
		return
	}

	healthCode, err := resolveHealthCode(claims, r.URL.Query().Get("health_code"))
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	events, err := h.service.EventMap(r.Context(), healthCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, EventMapResponse{Events: events})
}

func (h *Handler) eventByID(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing event id")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope admin required")
		return
	}

	healthCode, err := resolveHealthCode(claims, r.URL.Query().Get("health_code"))
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	if err := h.service.DeleteEvent(r.Context(), healthCode, eventID); err != nil {
		if errors.Is(err, domain.ErrImmutableEvent) {
			writeError(w, http.StatusConflict, "immutable_event", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listActivities(w, r)
	case http.MethodPost:
		h.updateActivities(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeActivitiesRead) && !claims.HasScope(auth.ScopeActivitiesWrite) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:read required")
		return
	}

	healthCode, err := resolveHealthCode(claims, r.URL.Query().Get("health_code"))
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	zone := time.UTC
	if name := r.URL.Query().Get("zone"); name != "" {
		loaded, err := time.LoadLocation(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown time zone")
			return
		}
		zone = loaded
	}

	var minTime, maxTime time.Time
	if raw := r.URL.Query().Get("min_ts"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "min_ts must be RFC 3339")
			return
		}
		minTime = parsed
	}
	if raw := r.URL.Query().Get("max_ts"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "max_ts must be RFC 3339")
			return
		}
		maxTime = parsed
	}
	if !minTime.IsZero() && !maxTime.IsZero() && !maxTime.After(minTime) {
		writeError(w, http.StatusBadRequest, "validation_failed", "max_ts must be after min_ts")
		return
	}

	result, err := h.service.ScheduledActivities(r.Context(), healthCode, zone, minTime, maxTime)
	if err != nil {
		// A max_ts in the past yields an inverted window once the service
		// defaults min_ts to now; that is the caller's input, not a fault.
		if errors.Is(err, schedule.ErrInvalidWindow) {
			writeError(w, http.StatusBadRequest, "validation_failed", "requested window is empty")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ListActivitiesResponse{
		Items:     make([]ActivityView, 0, len(result.Activities)),
		FromCache: result.FromCache,
	}
	now := time.Now().UTC()
	for _, activity := range result.Activities {
		resp.Items = append(resp.Items, toActivityView(activity, now))
	}
	for _, planErr := range result.PlanErrors {
		resp.PlanErrors = append(resp.PlanErrors, PlanErrorView{
			PlanGUID: planErr.PlanGUID,
			Detail:   planErr.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) updateActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeActivitiesWrite) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:write required")
		return
	}

	var req UpdateActivitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "updates must not be empty")
		return
	}

	healthCode, err := resolveHealthCode(claims, req.HealthCode)
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	updates := make([]reconcile.ActivityUpdate, 0, len(req.Updates))
	for _, item := range req.Updates {
		if strings.TrimSpace(item.GUID) == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "update guid is required")
			return
		}
		updates = append(updates, reconcile.ActivityUpdate{
			GUID:       item.GUID,
			StartedOn:  item.StartedOn,
			FinishedOn: item.FinishedOn,
		})
	}

	result, err := h.service.UpdateActivities(r.Context(), healthCode, updates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := UpdateActivitiesResponse{Updated: result.Updated}
	for _, failure := range result.Failed {
		resp.Failed = append(resp.Failed, UpdateFailureView{GUID: failure.GUID, Reason: failure.Reason})
	}
	status := http.StatusOK
	if len(resp.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (h *Handler) schedulePlan(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/scheduleplans/")
	planGUID, tail, found := strings.Cut(rest, "/")
	if planGUID == "" || !found || tail != "activities" {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope admin required")
		return
	}

	deleted, err := h.service.DeletePlanActivities(r.Context(), planGUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DeleteActivitiesResponse{Deleted: deleted})
}

func (h *Handler) participant(w http.ResponseWriter, r *http.Request) {
	healthCode := strings.TrimPrefix(r.URL.Path, "/v1/participants/")
	if healthCode == "" || strings.Contains(healthCode, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope admin required")
		return
	}

	if err := h.service.DeleteParticipant(r.Context(), healthCode); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// resolveHealthCode picks the participant the request acts on. Participant
// tokens are pinned to their own health code; admin tokens may name any
// participant explicitly.
func resolveHealthCode(claims *auth.Claims, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if claims.HealthCode != "" {
		if requested != "" && requested != claims.HealthCode {
			return "", errors.New("token is not authorized for the requested participant")
		}
		return claims.HealthCode, nil
	}
	if !claims.HasScope(auth.ScopeAdmin) {
		return "", errors.New("token carries no health code")
	}
	if requested == "" {
		return "", errors.New("health_code is required for service tokens")
	}
	return requested, nil
}
