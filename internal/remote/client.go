// Package remote is the HTTP client for the remote apply endpoint and
// reference data fetch.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/syncsched"
)

// Client talks to the backend. All calls carry the device's bearer
// token and the client-generated action ids the backend deduplicates
// on.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	progress func(patrolID string, confirmed, total int)
}

// ClientOption adjusts optional client behaviour.
type ClientOption func(*Client)

// WithProgressHandler registers a sink for the canonical checkpoint
// progress the backend returns when a scan is applied.
func WithProgressHandler(fn func(patrolID string, confirmed, total int)) ClientOption {
	return func(c *Client) { c.progress = fn }
}

// NewClient constructs a Client. The per-call deadline is supplied by
// the caller's context; the http.Client timeout is a backstop.
func NewClient(baseURL, token string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response. 4xx responses are permanent:
// retrying an unchanged payload cannot succeed.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

type wireAction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type applyBatchRequest struct {
	Actions []wireAction `json:"actions"`
}

type applyBatchResponse struct {
	Accepted []string `json:"accepted"`
	Rejected []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

type applySingleResponse struct {
	Progress *struct {
		Confirmed int `json:"confirmed"`
		Total     int `json:"total"`
	} `json:"progress,omitempty"`
}

// ApplyBatch implements syncsched.Applier for form submissions.
func (c *Client) ApplyBatch(ctx context.Context, actions []domain.QueuedAction) (syncsched.BatchResult, error) {
	req := applyBatchRequest{Actions: make([]wireAction, len(actions))}
	for i, action := range actions {
		req.Actions[i] = toWire(action)
	}

	var resp applyBatchResponse
	if err := c.post(ctx, "/v1/apply/batch", req, &resp); err != nil {
		return syncsched.BatchResult{}, err
	}

	result := syncsched.BatchResult{Accepted: resp.Accepted}
	for _, rej := range resp.Rejected {
		result.Rejected = append(result.Rejected, syncsched.RejectedAction{
			ID:     rej.ID,
			Reason: rej.Reason,
			// Item-level rejection means the backend understood the
			// batch and refused this payload on validation grounds.
			Permanent: true,
		})
	}
	return result, nil
}

// ApplySingle implements syncsched.Applier for attendance and
// checkpoint events. Canonical checkpoint progress returned for scans
// is forwarded to the registered progress handler.
func (c *Client) ApplySingle(ctx context.Context, action domain.QueuedAction) error {
	var resp applySingleResponse
	if err := c.post(ctx, "/v1/apply", toWire(action), &resp); err != nil {
		return err
	}

	if resp.Progress != nil && c.progress != nil && action.Kind == domain.ActionCheckpointScan {
		var scan domain.CheckpointScanEvent
		if err := json.Unmarshal(action.Payload, &scan); err == nil && scan.PatrolID != "" {
			c.progress(scan.PatrolID, resp.Progress.Confirmed, resp.Progress.Total)
		}
	}
	return nil
}

// Reference is the site/checkpoint snapshot pulled from the backend.
type Reference struct {
	Sites       []domain.Site       `json:"sites"`
	Checkpoints []domain.Checkpoint `json:"checkpoints"`
}

// FetchReference pulls the reference data for the caller's
// organization.
func (c *Client) FetchReference(ctx context.Context) (Reference, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/reference", nil)
	if err != nil {
		return Reference{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Reference{}, err
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return Reference{}, err
	}

	var ref Reference
	if err := json.NewDecoder(httpResp.Body).Decode(&ref); err != nil {
		return Reference{}, fmt.Errorf("decoding reference data: %w", err)
	}
	return ref, nil
}

type sessionResponse struct {
	Open    bool                      `json:"open"`
	Session *domain.AttendanceSession `json:"session,omitempty"`
}

// FetchSession pulls the authoritative attendance session derived from
// the entries the backend has accepted. A nil session means no clock
// event is on record.
func (c *Client) FetchSession(ctx context.Context) (*domain.AttendanceSession, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/session", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}

	var resp sessionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return resp.Session, nil
}

// Probe implements connectivity.Prober: a cheap end-to-end check that
// the backend is actually reachable, not merely that a radio is up.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return err
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &syncsched.PermanentError{Err: statusErr}
	}
	return statusErr
}

func toWire(action domain.QueuedAction) wireAction {
	return wireAction{
		ID:        action.ID,
		UserID:    action.UserID,
		Kind:      string(action.Kind),
		Payload:   action.Payload,
		CreatedAt: action.CreatedAt,
	}
}
