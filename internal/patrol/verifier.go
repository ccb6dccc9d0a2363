// Package patrol tracks checkpoint confirmation per patrol round.
package patrol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/fieldsync/internal/domain"
)

// Enqueuer is the slice of the outbox the verifier needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error)
}

// CheckpointSource supplies the cached checkpoints of a site, ordered
// by their order index.
type CheckpointSource interface {
	Checkpoints(siteID string) []domain.Checkpoint
}

// Progress reports confirmed versus total checkpoints.
type Progress struct {
	Confirmed int `json:"confirmed"`
	Total     int `json:"total"`
}

// Verifier is the per-user patrol state machine. One patrol may be
// started at a time; checkpoint confirmation is idempotent because the
// same physical code is routinely scanned twice in quick succession
// and a retried action after a timeout must not double-count.
type Verifier struct {
	mu          sync.Mutex
	userID      string
	source      CheckpointSource
	queue       Enqueuer
	allowManual bool

	active      *domain.Patrol
	checkpoints []domain.Checkpoint
	logs        map[string]domain.CheckpointLog
	remote      *Progress
}

// NewVerifier constructs a Verifier. allowManual reflects organization
// policy on manual (non-scanned) confirmation.
func NewVerifier(userID string, source CheckpointSource, queue Enqueuer, allowManual bool) *Verifier {
	return &Verifier{
		userID:      userID,
		source:      source,
		queue:       queue,
		allowManual: allowManual,
	}
}

// Start begins a patrol at the given site and loads its checkpoint
// list. Fails with ErrAlreadyActive while another patrol is started.
func (v *Verifier) Start(ctx context.Context, siteID string) (*domain.Patrol, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.active != nil && v.active.Status == domain.PatrolStarted {
		return nil, domain.ErrAlreadyActive
	}

	patrol := &domain.Patrol{
		ID:        uuid.NewString(),
		SiteID:    siteID,
		UserID:    v.userID,
		Status:    domain.PatrolStarted,
		StartedAt: time.Now().UTC(),
	}
	v.active = patrol
	v.checkpoints = v.source.Checkpoints(siteID)
	v.logs = make(map[string]domain.CheckpointLog)
	v.remote = nil

	copied := *patrol
	return &copied, nil
}

// Confirm records a checkpoint as verified. The presented ref matches
// a checkpoint's code (scan path) or id (manual path). A checkpoint
// already confirmed in this patrol is a no-op success. Returns updated
// progress.
func (v *Verifier) Confirm(ctx context.Context, ref string, method domain.ConfirmMethod) (Progress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.active == nil || v.active.Status != domain.PatrolStarted {
		return Progress{}, domain.ErrNoActivePatrol
	}

	checkpoint, ok := v.lookup(ref)
	if !ok {
		return v.progress(), domain.ErrUnknownCheckpoint
	}

	// The no-op check precedes method policy: a re-presented
	// checkpoint is already verified, however it is re-presented.
	if _, confirmed := v.logs[checkpoint.ID]; confirmed {
		return v.progress(), nil
	}

	if method == domain.ConfirmManual && !v.allowManual {
		return v.progress(), domain.ErrManualNotAllowed
	}

	now := time.Now().UTC()
	entry := domain.CheckpointLog{
		PatrolID:     v.active.ID,
		CheckpointID: checkpoint.ID,
		ScannedAt:    now,
		Method:       method,
	}
	if _, err := v.queue.Enqueue(ctx, v.userID, domain.ActionCheckpointScan, domain.CheckpointScanEvent{
		PatrolID:     v.active.ID,
		SiteID:       v.active.SiteID,
		CheckpointID: checkpoint.ID,
		Method:       method,
		ScannedAt:    now,
	}); err != nil {
		return v.progress(), err
	}
	v.logs[checkpoint.ID] = entry

	return v.progress(), nil
}

// End completes the active patrol. Unconfirmed checkpoints do not
// block completion; partial coverage is reported, not enforced, since
// checkpoints can become physically inaccessible.
func (v *Verifier) End(ctx context.Context) (*domain.Patrol, Progress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.active == nil || v.active.Status != domain.PatrolStarted {
		return nil, Progress{}, domain.ErrNoActivePatrol
	}

	now := time.Now().UTC()
	v.active.Status = domain.PatrolCompleted
	v.active.EndedAt = &now

	copied := *v.active
	return &copied, v.progress(), nil
}

// Active returns the current patrol, or nil when none is started.
func (v *Verifier) Active() *domain.Patrol {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return nil
	}
	copied := *v.active
	return &copied
}

// Logs returns the confirmation logs of the current patrol.
func (v *Verifier) Logs() []domain.CheckpointLog {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.CheckpointLog, 0, len(v.logs))
	for _, entry := range v.logs {
		out = append(out, entry)
	}
	return out
}

// ObserveRemote records the backend's canonical progress for a patrol
// as reported by the apply endpoint. On a multi-device patrol the
// backend can know confirmations this device never made.
func (v *Verifier) ObserveRemote(patrolID string, confirmed, total int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil || v.active.ID != patrolID {
		return
	}
	v.remote = &Progress{Confirmed: confirmed, Total: total}
}

// RemoteProgress returns the last canonical progress observed for the
// current patrol, if any.
func (v *Verifier) RemoteProgress() (Progress, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.remote == nil {
		return Progress{}, false
	}
	return *v.remote, true
}

func (v *Verifier) lookup(ref string) (domain.Checkpoint, bool) {
	for _, cp := range v.checkpoints {
		if cp.Code == ref || cp.ID == ref {
			return cp, true
		}
	}
	return domain.Checkpoint{}, false
}

func (v *Verifier) progress() Progress {
	return Progress{Confirmed: len(v.logs), Total: len(v.checkpoints)}
}
