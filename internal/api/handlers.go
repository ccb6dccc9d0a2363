// Package api exposes HTTP handlers for the apply endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/fieldsync/internal/auth"
	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/events"
	"example.com/fieldsync/internal/persistence"
	"example.com/fieldsync/internal/persistence/postgres"
)

// Repository is the persistence surface the handlers need.
type Repository interface {
	ApplyEntries(ctx context.Context, entries []postgres.Entry) ([]string, error)
	ApplyEntry(ctx context.Context, entry postgres.Entry) error
	RecordCheckpoint(ctx context.Context, entry postgres.Entry, scan domain.CheckpointScanEvent) (postgres.Progress, error)
	Reference(ctx context.Context, orgID string) ([]domain.Site, []domain.Checkpoint, error)
	ListEntries(ctx context.Context, orgID, userID string, cursor *persistence.Cursor, limit int) ([]postgres.Entry, *persistence.Cursor, error)
	LatestSession(ctx context.Context, orgID, userID string) (*domain.AttendanceSession, error)
}

// Handler coordinates HTTP requests with persistence and event fan-out.
type Handler struct {
	repo     Repository
	producer events.Producer
	logger   *log.Logger
}

// NewHandler builds a Handler. producer may be nil when fan-out is
// disabled.
func NewHandler(repo Repository, producer events.Producer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{repo: repo, producer: producer, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/apply/batch", h.applyBatch)
	mux.HandleFunc("/v1/apply", h.applySingle)
	mux.HandleFunc("/v1/reference", h.reference)
	mux.HandleFunc("/v1/entries", h.listEntries)
	mux.HandleFunc("/v1/session", h.session)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks and
// device reachability probes.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// WireAction is a queued client action as sent over the wire. The id
// is client-generated and is the idempotency key.
type WireAction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate ensures the action is structurally sound and of a known
// kind.
func (a WireAction) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return errors.New("user_id is required")
	}
	if a.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	switch domain.ActionKind(a.Kind) {
	case domain.ActionSubmitForm, domain.ActionClockIn, domain.ActionClockOut, domain.ActionCheckpointScan:
	default:
		return errors.New("unknown action kind")
	}
	if len(a.Payload) == 0 {
		return errors.New("payload is required")
	}
	if !json.Valid(a.Payload) {
		return errors.New("payload is not valid JSON")
	}
	return nil
}

// ApplyBatchRequest is the payload for POST /v1/apply/batch.
type ApplyBatchRequest struct {
	Actions []WireAction `json:"actions"`
}

// RejectedItem names one action refused on validation grounds.
type RejectedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ApplyBatchResponse reports per-item outcomes for a batch.
type ApplyBatchResponse struct {
	Accepted []string       `json:"accepted"`
	Rejected []RejectedItem `json:"rejected"`
}

func (h *Handler) applyBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeFieldWrite)
	if !ok {
		return
	}

	var req ApplyBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "actions must not be empty")
		return
	}

	resp := ApplyBatchResponse{Accepted: []string{}, Rejected: []RejectedItem{}}
	valid := make([]postgres.Entry, 0, len(req.Actions))
	for _, action := range req.Actions {
		if err := action.Validate(); err != nil {
			resp.Rejected = append(resp.Rejected, RejectedItem{ID: action.ID, Reason: err.Error()})
			continue
		}
		valid = append(valid, toEntry(action, claims.OrgID))
	}

	if len(valid) > 0 {
		accepted, err := h.repo.ApplyEntries(r.Context(), valid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp.Accepted = accepted
		h.publishAccepted(r.Context(), valid)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ApplySingleResponse is the payload for POST /v1/apply. Progress is
// present only for checkpoint scans.
type ApplySingleResponse struct {
	Accepted bool              `json:"accepted"`
	Progress *ProgressResponse `json:"progress,omitempty"`
}

// ProgressResponse mirrors the canonical checkpoint count for a patrol.
type ProgressResponse struct {
	Confirmed int `json:"confirmed"`
	Total     int `json:"total"`
}

func (h *Handler) applySingle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeFieldWrite)
	if !ok {
		return
	}

	var action WireAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := action.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	entry := toEntry(action, claims.OrgID)

	if domain.ActionKind(action.Kind) == domain.ActionCheckpointScan {
		var scan domain.CheckpointScanEvent
		if err := json.Unmarshal(action.Payload, &scan); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "malformed checkpoint payload")
			return
		}
		if scan.PatrolID == "" || scan.CheckpointID == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "patrol_id and checkpoint_id are required")
			return
		}
		progress, err := h.repo.RecordCheckpoint(r.Context(), entry, scan)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		h.publishCheckpoint(r.Context(), entry, scan, progress)
		writeJSON(w, http.StatusOK, ApplySingleResponse{
			Accepted: true,
			Progress: &ProgressResponse{Confirmed: progress.Confirmed, Total: progress.Total},
		})
		return
	}

	if err := h.repo.ApplyEntry(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	h.publishAccepted(r.Context(), []postgres.Entry{entry})
	writeJSON(w, http.StatusOK, ApplySingleResponse{Accepted: true})
}

// ReferenceResponse is the site/checkpoint snapshot for the caller's
// organization.
type ReferenceResponse struct {
	Sites       []domain.Site       `json:"sites"`
	Checkpoints []domain.Checkpoint `json:"checkpoints"`
}

func (h *Handler) reference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeFieldRead, auth.ScopeFieldWrite)
	if !ok {
		return
	}

	sites, checkpoints, err := h.repo.Reference(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if sites == nil {
		sites = []domain.Site{}
	}
	if checkpoints == nil {
		checkpoints = []domain.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, ReferenceResponse{Sites: sites, Checkpoints: checkpoints})
}

// SessionResponse is the authoritative attendance view for the caller.
// Session is omitted when the user has no recorded shift.
type SessionResponse struct {
	Open    bool                      `json:"open"`
	Session *domain.AttendanceSession `json:"session,omitempty"`
}

// session rebuilds the caller's attendance session from applied clock
// entries. Devices reconcile their provisional session against this
// after reconnecting.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeFieldRead, auth.ScopeFieldWrite)
	if !ok {
		return
	}

	session, err := h.repo.LatestSession(r.Context(), claims.OrgID, claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Open: session.Open(), Session: session})
}

// EntryView exposes one applied action.
type EntryView struct {
	ActionID   string          `json:"action_id"`
	UserID     string          `json:"user_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ListEntriesResponse packages list results.
type ListEntriesResponse struct {
	Items      []EntryView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeFieldRead, auth.ScopeFieldWrite)
	if !ok {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.repo.ListEntries(r.Context(), claims.OrgID, userID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		items = append(items, EntryView{
			ActionID:   entry.ActionID,
			UserID:     entry.UserID,
			Kind:       string(entry.Kind),
			Payload:    entry.Payload,
			CreatedAt:  entry.CreatedAt,
			ReceivedAt: entry.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListEntriesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// publishAccepted fans accepted entries out to Kafka. Fan-out failure
// never fails the request: the row is already durable.
func (h *Handler) publishAccepted(ctx context.Context, entries []postgres.Entry) {
	if h.producer == nil {
		return
	}
	for _, entry := range entries {
		event := events.EntryAccepted{
			ActionID:   entry.ActionID,
			OrgID:      entry.OrgID,
			UserID:     entry.UserID,
			Kind:       string(entry.Kind),
			CreatedAt:  entry.CreatedAt,
			ReceivedAt: time.Now().UTC(),
		}
		if err := h.producer.Publish(ctx, entry.UserID, event); err != nil {
			h.logger.Printf("event fan-out failed for action %s: %v", entry.ActionID, err)
		}
	}
}

func (h *Handler) publishCheckpoint(ctx context.Context, entry postgres.Entry, scan domain.CheckpointScanEvent, progress postgres.Progress) {
	if h.producer == nil {
		return
	}
	event := events.CheckpointConfirmed{
		PatrolID:     scan.PatrolID,
		CheckpointID: scan.CheckpointID,
		OrgID:        entry.OrgID,
		UserID:       entry.UserID,
		Method:       string(scan.Method),
		Confirmed:    progress.Confirmed,
		Total:        progress.Total,
		ScannedAt:    scan.ScannedAt,
	}
	if err := h.producer.Publish(ctx, scan.PatrolID, event); err != nil {
		h.logger.Printf("event fan-out failed for patrol %s: %v", scan.PatrolID, err)
	}
}

func toEntry(action WireAction, orgID string) postgres.Entry {
	return postgres.Entry{
		ActionID:  action.ID,
		OrgID:     orgID,
		UserID:    action.UserID,
		Kind:      domain.ActionKind(action.Kind),
		Payload:   action.Payload,
		CreatedAt: action.CreatedAt,
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
