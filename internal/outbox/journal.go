package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"example.com/fieldsync/internal/domain"
)

// Compaction kicks in once the log holds several times more records
// than live actions, so steady-state disk use stays proportional to
// the backlog rather than to total history.
const (
	compactMinRecords = 256
	compactDeadRatio  = 4
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: the same logical record always
	// produces identical bytes, which keeps replay and compaction
	// comparable across versions. Timestamps keep nanosecond precision
	// so replay preserves FIFO order between close enqueues.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("outbox: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored for forward compatibility.
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("outbox: CBOR decoder initialization failed: " + err.Error())
	}
}

type recordOp string

const (
	opEnqueue recordOp = "enqueue"
	opCommit  recordOp = "commit"
	opFail    recordOp = "fail"
)

// journalRecord is one entry in the append-only log. Enqueue carries
// the full action; commit and fail reference ids. Drain transitions
// are deliberately not logged: an in-flight action that was never
// committed must revert to pending after a crash anyway.
type journalRecord struct {
	Op        recordOp             `cbor:"op"`
	Action    *domain.QueuedAction `cbor:"action,omitempty"`
	IDs       []string             `cbor:"ids,omitempty"`
	Reason    string               `cbor:"reason,omitempty"`
	Permanent bool                 `cbor:"permanent,omitempty"`
	At        time.Time            `cbor:"at"`
}

// JournalStore is a durable Store backed by an append-only CBOR log.
// Every append is fsynced before the call returns, so an action
// acknowledged to the caller survives process kill and power loss.
// State is rebuilt by replaying the log on open.
type JournalStore struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	actions     map[string]*domain.QueuedAction
	recordCount int
	backoffCap  time.Duration
	parkDelay   time.Duration
	closed      bool
}

// JournalOption adjusts store tunables.
type JournalOption func(*JournalStore)

// WithBackoffCap overrides the retry delay ceiling.
func WithBackoffCap(d time.Duration) JournalOption {
	return func(s *JournalStore) { s.backoffCap = d }
}

// WithParkDelay overrides how long quarantined actions stay excluded
// from drains.
func WithParkDelay(d time.Duration) JournalOption {
	return func(s *JournalStore) { s.parkDelay = d }
}

// OpenJournal opens or creates the queue log at path and rebuilds the
// in-memory index from it. A truncated trailing record (crash during
// append, before sync) is discarded.
func OpenJournal(path string, opts ...JournalOption) (*JournalStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening queue journal %q: %w", path, err)
	}

	store := &JournalStore{
		path:       path,
		file:       file,
		actions:    make(map[string]*domain.QueuedAction),
		backoffCap: defaultBackoffCap,
		parkDelay:  defaultParkDelay,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.replay(); err != nil {
		file.Close()
		return nil, err
	}
	queueDepth.Set(float64(len(store.actions)))
	return store, nil
}

func (s *JournalStore) replay() error {
	decoder := decMode.NewDecoder(s.file)
	var lastGood int64
	for {
		var rec journalRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Partial trailing record: drop it and everything after.
			if truncErr := s.file.Truncate(lastGood); truncErr != nil {
				return fmt.Errorf("truncating corrupt journal tail: %w", truncErr)
			}
			break
		}
		lastGood = int64(decoder.NumBytesRead())
		s.apply(rec)
		s.recordCount++
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seeking journal end: %w", err)
	}
	return nil
}

func (s *JournalStore) apply(rec journalRecord) {
	switch rec.Op {
	case opEnqueue:
		if rec.Action != nil {
			action := *rec.Action
			s.actions[action.ID] = &action
		}
	case opCommit:
		for _, id := range rec.IDs {
			delete(s.actions, id)
		}
	case opFail:
		for _, id := range rec.IDs {
			action, ok := s.actions[id]
			if !ok {
				continue
			}
			action.Attempts++
			action.LastError = rec.Reason
			if rec.Permanent {
				action.Status = domain.ActionQuarantined
				action.NextAttemptAt = rec.At.Add(s.parkDelay)
			} else {
				action.Status = domain.ActionFailed
				action.NextAttemptAt = rec.At.Add(backoffDelay(action.Attempts, s.backoffCap))
			}
		}
	}
}

// append writes a record and syncs the file. Records are visible to
// replay even if the process dies immediately after.
func (s *JournalStore) append(rec journalRecord) error {
	if err := encMode.NewEncoder(s.file).Encode(rec); err != nil {
		return fmt.Errorf("appending queue record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing queue journal: %w", err)
	}
	s.recordCount++
	return nil
}

// Enqueue implements Store.
func (s *JournalStore) Enqueue(ctx context.Context, userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error) {
	action, err := newAction(userID, kind, payload)
	if err != nil {
		return domain.QueuedAction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.QueuedAction{}, os.ErrClosed
	}

	if err := s.append(journalRecord{Op: opEnqueue, Action: &action, At: action.CreatedAt}); err != nil {
		return domain.QueuedAction{}, err
	}
	stored := action
	s.actions[action.ID] = &stored

	enqueuedCounter.WithLabelValues(string(kind)).Inc()
	queueDepth.Set(float64(len(s.actions)))
	return action, nil
}

// Drain implements Store.
func (s *JournalStore) Drain(ctx context.Context, kind domain.ActionKind, limit int) ([]domain.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	candidates := make([]domain.QueuedAction, 0, limit)
	for _, action := range s.actions {
		if action.Kind == kind && due(action, now) {
			candidates = append(candidates, *action)
		}
	}
	sortFIFO(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		s.actions[candidates[i].ID].Status = domain.ActionInFlight
		candidates[i].Status = domain.ActionInFlight
	}
	return candidates, nil
}

// Commit implements Store.
func (s *JournalStore) Commit(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(journalRecord{Op: opCommit, IDs: ids, At: time.Now().UTC()}); err != nil {
		return err
	}
	for _, id := range ids {
		if action, ok := s.actions[id]; ok {
			committedCounter.WithLabelValues(string(action.Kind)).Inc()
			delete(s.actions, id)
		}
	}
	queueDepth.Set(float64(len(s.actions)))
	return s.maybeCompact()
}

// Fail implements Store.
func (s *JournalStore) Fail(ctx context.Context, ids []string, reason string, permanent bool) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := journalRecord{Op: opFail, IDs: ids, Reason: reason, Permanent: permanent, At: time.Now().UTC()}
	if err := s.append(rec); err != nil {
		return err
	}
	s.apply(rec)
	failedCounter.WithLabelValues(string(statusLabel(permanent))).Add(float64(len(ids)))
	return nil
}

// Requeue implements Store. In-flight state is memory-only, so this
// matters for entries drained earlier in the same process lifetime.
func (s *JournalStore) Requeue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, action := range s.actions {
		if action.Status == domain.ActionInFlight {
			action.Status = domain.ActionPending
		}
	}
	return nil
}

// Pending implements Store.
func (s *JournalStore) Pending(ctx context.Context) ([]domain.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueuedAction, 0, len(s.actions))
	for _, action := range s.actions {
		out = append(out, *action)
	}
	sortFIFO(out)
	return out, nil
}

// maybeCompact rewrites the log to just the live actions once dead
// records dominate. The rewrite goes to a temp file which is synced
// and renamed over the old log, so a crash at any point leaves a
// complete journal on disk.
func (s *JournalStore) maybeCompact() error {
	if s.recordCount < compactMinRecords || s.recordCount < compactDeadRatio*len(s.actions) {
		return nil
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating compaction file: %w", err)
	}

	live := make([]domain.QueuedAction, 0, len(s.actions))
	for _, action := range s.actions {
		live = append(live, *action)
	}
	sortFIFO(live)

	encoder := encMode.NewEncoder(tmp)
	for i := range live {
		if err := encoder.Encode(journalRecord{Op: opEnqueue, Action: &live[i], At: live[i].CreatedAt}); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing compacted journal: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing queue journal: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	s.file.Close()
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopening compacted journal: %w", err)
	}
	s.file = file
	s.recordCount = len(live)
	compactionCounter.Inc()
	return nil
}

// Close flushes and closes the journal. Idempotent.
func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func statusLabel(permanent bool) domain.ActionStatus {
	if permanent {
		return domain.ActionQuarantined
	}
	return domain.ActionFailed
}
