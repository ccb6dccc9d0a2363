// Package agentapi exposes the agent's loopback HTTP API. It is the
// surface a device UI talks to; everything it accepts lands in the
// durable queue before the response is written.
package agentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/fieldsync/internal/attendance"
	"example.com/fieldsync/internal/connectivity"
	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/geofence"
	"example.com/fieldsync/internal/location"
	"example.com/fieldsync/internal/outbox"
	"example.com/fieldsync/internal/patrol"
	"example.com/fieldsync/internal/syncsched"
)

// Handler coordinates the loopback API with the agent's components.
type Handler struct {
	userID    string
	gate      *attendance.Gate
	verifier  *patrol.Verifier
	store     outbox.Store
	scheduler *syncsched.Scheduler
	monitor   *connectivity.Monitor
	fixes     *location.Source
}

// NewHandler builds a Handler.
func NewHandler(userID string, gate *attendance.Gate, verifier *patrol.Verifier, store outbox.Store, scheduler *syncsched.Scheduler, monitor *connectivity.Monitor, fixes *location.Source) *Handler {
	return &Handler{
		userID:    userID,
		gate:      gate,
		verifier:  verifier,
		store:     store,
		scheduler: scheduler,
		monitor:   monitor,
		fixes:     fixes,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/attendance/clock-in", h.clockIn)
	mux.HandleFunc("/v1/attendance/clock-out", h.clockOut)
	mux.HandleFunc("/v1/attendance/session", h.session)
	mux.HandleFunc("/v1/patrols/start", h.startPatrol)
	mux.HandleFunc("/v1/patrols/confirm", h.confirmCheckpoint)
	mux.HandleFunc("/v1/patrols/end", h.endPatrol)
	mux.HandleFunc("/v1/patrols/active", h.activePatrol)
	mux.HandleFunc("/v1/forms", h.submitForm)
	mux.HandleFunc("/v1/location", h.reportLocation)
	mux.HandleFunc("/v1/sync", h.syncNow)
	mux.HandleFunc("/v1/lifecycle", h.lifecycle)
	mux.HandleFunc("/v1/status", h.status)
}

func (h *Handler) clockIn(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	session, err := h.gate.ClockIn(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) clockOut(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	session, err := h.gate.ClockOut(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SessionResponse reports the current attendance state.
type SessionResponse struct {
	Open    bool                      `json:"open"`
	Session *domain.AttendanceSession `json:"session,omitempty"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	session := h.gate.Session()
	writeJSON(w, http.StatusOK, SessionResponse{Open: session.Open(), Session: session})
}

// StartPatrolRequest names the site whose checkpoints the round
// covers.
type StartPatrolRequest struct {
	SiteID string `json:"site_id"`
}

func (h *Handler) startPatrol(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req StartPatrolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.SiteID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "site_id is required")
		return
	}
	p, err := h.verifier.Start(r.Context(), req.SiteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ConfirmRequest carries a checkpoint reference, either the scanned
// code or the checkpoint id for a manual confirmation.
type ConfirmRequest struct {
	Ref    string `json:"ref"`
	Manual bool   `json:"manual"`
}

// ConfirmResponse reports round progress after a confirmation.
type ConfirmResponse struct {
	Confirmed int `json:"confirmed"`
	Total     int `json:"total"`
}

func (h *Handler) confirmCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Ref) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "ref is required")
		return
	}

	method := domain.ConfirmScanned
	if req.Manual {
		method = domain.ConfirmManual
	}

	progress, err := h.verifier.Confirm(r.Context(), req.Ref, method)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{Confirmed: progress.Confirmed, Total: progress.Total})
}

// EndPatrolResponse reports the closed round and how much of it was
// covered.
type EndPatrolResponse struct {
	Patrol    *domain.Patrol `json:"patrol"`
	Confirmed int            `json:"confirmed"`
	Total     int            `json:"total"`
}

func (h *Handler) endPatrol(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	p, progress, err := h.verifier.End(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EndPatrolResponse{Patrol: p, Confirmed: progress.Confirmed, Total: progress.Total})
}

// SyncedProgress is the backend's confirmation count for the active
// patrol, present once at least one scan has been applied remotely.
// It can run ahead of the local logs when another device covers part
// of the same round.
type SyncedProgress struct {
	Confirmed int `json:"confirmed"`
	Total     int `json:"total"`
}

// ActivePatrolResponse reports the in-progress round, if any.
type ActivePatrolResponse struct {
	Patrol *domain.Patrol         `json:"patrol,omitempty"`
	Logs   []domain.CheckpointLog `json:"logs,omitempty"`
	Synced *SyncedProgress        `json:"synced,omitempty"`
}

func (h *Handler) activePatrol(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	resp := ActivePatrolResponse{
		Patrol: h.verifier.Active(),
		Logs:   h.verifier.Logs(),
	}
	if remote, ok := h.verifier.RemoteProgress(); ok {
		resp.Synced = &SyncedProgress{Confirmed: remote.Confirmed, Total: remote.Total}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitFormRequest is a filled field form.
type SubmitFormRequest struct {
	FormID string            `json:"form_id"`
	Fields map[string]string `json:"fields"`
}

// SubmitFormResponse acknowledges the queued submission.
type SubmitFormResponse struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

func (h *Handler) submitForm(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req SubmitFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.FormID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "form_id is required")
		return
	}

	action, err := h.store.Enqueue(r.Context(), h.userID, domain.ActionSubmitForm, domain.FormSubmission{
		FormID:      req.FormID,
		Fields:      req.Fields,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitFormResponse{
		ActionID: action.ID,
		Status:   string(action.Status),
	})
}

// ReportLocationRequest is a position fix from the device UI.
type ReportLocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *Handler) reportLocation(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req ReportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	h.fixes.Report(geofence.Position{Latitude: req.Latitude, Longitude: req.Longitude})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.scheduler.SyncNow()
	w.WriteHeader(http.StatusAccepted)
}

// LifecycleRequest reports an app foreground transition.
type LifecycleRequest struct {
	Foreground bool `json:"foreground"`
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	h.monitor.SetForeground(req.Foreground)
	w.WriteHeader(http.StatusNoContent)
}

// StatusResponse summarizes the queue and link state.
type StatusResponse struct {
	Reachable   bool           `json:"reachable"`
	Pending     int            `json:"pending"`
	Quarantined int            `json:"quarantined"`
	ByKind      map[string]int `json:"by_kind"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	actions, err := h.store.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := StatusResponse{
		Reachable: h.monitor.Reachable(),
		ByKind:    make(map[string]int),
	}
	for _, action := range actions {
		if action.Status == domain.ActionQuarantined {
			resp.Quarantined++
			continue
		}
		resp.Pending++
		resp.ByKind[string(action.Kind)]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return false
	}
	return true
}

// writeDomainError maps gate and verifier sentinels onto HTTP codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOutOfRange):
		writeError(w, http.StatusConflict, "out_of_range", err.Error())
	case errors.Is(err, domain.ErrAlreadyClockedIn),
		errors.Is(err, domain.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "already_active", err.Error())
	case errors.Is(err, domain.ErrNoOpenSession),
		errors.Is(err, domain.ErrNoActivePatrol):
		writeError(w, http.StatusConflict, "not_active", err.Error())
	case errors.Is(err, domain.ErrLocationUnavailable):
		writeError(w, http.StatusServiceUnavailable, "location_unavailable", err.Error())
	case errors.Is(err, domain.ErrUnknownCheckpoint):
		writeError(w, http.StatusNotFound, "unknown_checkpoint", err.Error())
	case errors.Is(err, domain.ErrManualNotAllowed):
		writeError(w, http.StatusForbidden, "manual_not_allowed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
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
