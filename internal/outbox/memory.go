package outbox

import (
	"context"
	"sync"
	"time"

	"example.com/fieldsync/internal/domain"
)

// MemoryStore implements Store without durability. It backs unit
// tests and simulated-restart scenarios where persistence is supplied
// by snapshotting.
type MemoryStore struct {
	mu         sync.Mutex
	actions    map[string]*domain.QueuedAction
	backoffCap time.Duration
	parkDelay  time.Duration
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions:    make(map[string]*domain.QueuedAction),
		backoffCap: defaultBackoffCap,
		parkDelay:  defaultParkDelay,
	}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(ctx context.Context, userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error) {
	action, err := newAction(userID, kind, payload)
	if err != nil {
		return domain.QueuedAction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := action
	s.actions[action.ID] = &stored
	return action, nil
}

// Drain implements Store.
func (s *MemoryStore) Drain(ctx context.Context, kind domain.ActionKind, limit int) ([]domain.QueuedAction, error) {
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
func (s *MemoryStore) Commit(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.actions, id)
	}
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(ctx context.Context, ids []string, reason string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		action, ok := s.actions[id]
		if !ok {
			continue
		}
		action.Attempts++
		action.LastError = reason
		if permanent {
			action.Status = domain.ActionQuarantined
			action.NextAttemptAt = now.Add(s.parkDelay)
		} else {
			action.Status = domain.ActionFailed
			action.NextAttemptAt = now.Add(backoffDelay(action.Attempts, s.backoffCap))
		}
	}
	return nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(ctx context.Context) error {
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
func (s *MemoryStore) Pending(ctx context.Context) ([]domain.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueuedAction, 0, len(s.actions))
	for _, action := range s.actions {
		out = append(out, *action)
	}
	sortFIFO(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
