package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/fieldsync/internal/auth"
	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/persistence"
	"example.com/fieldsync/internal/persistence/postgres"
)

type mockRepo struct {
	applied    []postgres.Entry
	singles    []postgres.Entry
	scans      []domain.CheckpointScanEvent
	progress   postgres.Progress
	sites      []domain.Site
	listResult []postgres.Entry
	listNext   *persistence.Cursor
	session    *domain.AttendanceSession
}

func (m *mockRepo) ApplyEntries(_ context.Context, entries []postgres.Entry) ([]string, error) {
	m.applied = append(m.applied, entries...)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ActionID
	}
	return ids, nil
}

func (m *mockRepo) ApplyEntry(_ context.Context, entry postgres.Entry) error {
	m.singles = append(m.singles, entry)
	return nil
}

func (m *mockRepo) RecordCheckpoint(_ context.Context, entry postgres.Entry, scan domain.CheckpointScanEvent) (postgres.Progress, error) {
	m.singles = append(m.singles, entry)
	m.scans = append(m.scans, scan)
	return m.progress, nil
}

func (m *mockRepo) Reference(_ context.Context, _ string) ([]domain.Site, []domain.Checkpoint, error) {
	return m.sites, nil, nil
}

func (m *mockRepo) ListEntries(_ context.Context, _, _ string, _ *persistence.Cursor, _ int) ([]postgres.Entry, *persistence.Cursor, error) {
	return m.listResult, m.listNext, nil
}

func (m *mockRepo) LatestSession(_ context.Context, _, _ string) (*domain.AttendanceSession, error) {
	return m.session, nil
}

func writerClaims() *auth.Claims {
	return &auth.Claims{
		Subject: "guard-1",
		OrgID:   "org-1",
		Scopes: map[string]struct{}{
			auth.ScopeFieldWrite: {},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func authed(req *http.Request, claims *auth.Claims) *http.Request {
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func TestApplyBatchPerItemResults(t *testing.T) {
	repo := &mockRepo{}
	handler := NewHandler(repo, nil, nil)

	body := ApplyBatchRequest{Actions: []WireAction{
		{
			ID:        "a-1",
			UserID:    "guard-1",
			Kind:      string(domain.ActionSubmitForm),
			Payload:   json.RawMessage(`{"form_id":"f1"}`),
			CreatedAt: time.Now().UTC(),
		},
		{
			ID:        "a-2",
			UserID:    "guard-1",
			Kind:      "teleport",
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		},
	}}
	raw, _ := json.Marshal(body)

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/apply/batch", bytes.NewReader(raw)), writerClaims())
	rr := httptest.NewRecorder()
	handler.applyBatch(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ApplyBatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "a-1" {
		t.Fatalf("expected a-1 accepted, got %v", resp.Accepted)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].ID != "a-2" {
		t.Fatalf("expected a-2 rejected, got %v", resp.Rejected)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected only valid actions persisted, got %d", len(repo.applied))
	}
	if repo.applied[0].OrgID != "org-1" {
		t.Fatalf("org must come from the token, got %q", repo.applied[0].OrgID)
	}
}

func TestApplyBatchRequiresWriteScope(t *testing.T) {
	handler := NewHandler(&mockRepo{}, nil, nil)

	claims := writerClaims()
	claims.Scopes = map[string]struct{}{auth.ScopeFieldRead: {}}

	raw, _ := json.Marshal(ApplyBatchRequest{Actions: []WireAction{{ID: "a-1"}}})
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/apply/batch", bytes.NewReader(raw)), claims)
	rr := httptest.NewRecorder()
	handler.applyBatch(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestApplySingleCheckpointReturnsProgress(t *testing.T) {
	repo := &mockRepo{progress: postgres.Progress{Confirmed: 2, Total: 5}}
	handler := NewHandler(repo, nil, nil)

	scan := domain.CheckpointScanEvent{
		PatrolID:     "patrol-1",
		SiteID:       "site-1",
		CheckpointID: "cp-2",
		Method:       domain.ConfirmScanned,
		ScannedAt:    time.Now().UTC(),
	}
	payload, _ := json.Marshal(scan)

	action := WireAction{
		ID:        "a-9",
		UserID:    "guard-1",
		Kind:      string(domain.ActionCheckpointScan),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(action)

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/apply", bytes.NewReader(raw)), writerClaims())
	rr := httptest.NewRecorder()
	handler.applySingle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ApplySingleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Progress == nil || resp.Progress.Confirmed != 2 || resp.Progress.Total != 5 {
		t.Fatalf("expected progress 2/5, got %+v", resp.Progress)
	}
	if len(repo.scans) != 1 || repo.scans[0].CheckpointID != "cp-2" {
		t.Fatalf("scan not recorded: %+v", repo.scans)
	}
}

func TestApplySingleRejectsMalformedPayload(t *testing.T) {
	handler := NewHandler(&mockRepo{}, nil, nil)

	action := WireAction{
		ID:        "a-3",
		UserID:    "guard-1",
		Kind:      string(domain.ActionCheckpointScan),
		Payload:   json.RawMessage(`{"patrol_id":""}`),
		CreatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(action)

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/apply", bytes.NewReader(raw)), writerClaims())
	rr := httptest.NewRecorder()
	handler.applySingle(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReferenceRequiresAuth(t *testing.T) {
	handler := NewHandler(&mockRepo{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/reference", nil)
	rr := httptest.NewRecorder()
	handler.reference(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}

func TestReferenceReturnsOrgSnapshot(t *testing.T) {
	repo := &mockRepo{sites: []domain.Site{{ID: "site-1", OrgID: "org-1", Name: "Depot", RadiusMeters: 150}}}
	handler := NewHandler(repo, nil, nil)

	claims := writerClaims()
	claims.Scopes = map[string]struct{}{auth.ScopeFieldRead: {}}

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/reference", nil), claims)
	rr := httptest.NewRecorder()
	handler.reference(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ReferenceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sites) != 1 || resp.Sites[0].Name != "Depot" {
		t.Fatalf("unexpected sites: %+v", resp.Sites)
	}
	if resp.Checkpoints == nil {
		t.Fatalf("checkpoints must encode as an empty array, not null")
	}
}

func TestListEntriesEncodesCursor(t *testing.T) {
	next := &persistence.Cursor{ReceivedAt: time.Now().UTC(), ActionID: "a-5"}
	repo := &mockRepo{
		listResult: []postgres.Entry{{
			ActionID:  "a-5",
			OrgID:     "org-1",
			UserID:    "guard-1",
			Kind:      domain.ActionSubmitForm,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		}},
		listNext: next,
	}
	handler := NewHandler(repo, nil, nil)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/entries?user_id=guard-1", nil), writerClaims())
	rr := httptest.NewRecorder()
	handler.listEntries(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ListEntriesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(resp.Items))
	}
	if resp.NextCursor == "" {
		t.Fatalf("expected a next_cursor token")
	}

	decoded, err := persistence.DecodeCursor(resp.NextCursor)
	if err != nil {
		t.Fatalf("cursor round trip: %v", err)
	}
	if decoded.ActionID != "a-5" {
		t.Fatalf("cursor action id mismatch: %q", decoded.ActionID)
	}
}

func TestSessionReturnsOpenShift(t *testing.T) {
	repo := &mockRepo{session: &domain.AttendanceSession{
		UserID:    "guard-1",
		SiteID:    "site-1",
		ClockInAt: time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC),
	}}
	handler := NewHandler(repo, nil, nil)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/session", nil), writerClaims())
	rr := httptest.NewRecorder()
	handler.session(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp SessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Open {
		t.Fatalf("expected an open session")
	}
	if resp.Session == nil || resp.Session.SiteID != "site-1" {
		t.Fatalf("unexpected session: %+v", resp.Session)
	}
}

func TestSessionWithoutShift(t *testing.T) {
	handler := NewHandler(&mockRepo{}, nil, nil)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/session", nil), writerClaims())
	rr := httptest.NewRecorder()
	handler.session(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp SessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Open || resp.Session != nil {
		t.Fatalf("expected no session, got %+v", resp.Session)
	}
}
