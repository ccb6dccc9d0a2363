// Package outbox persists pending side-effecting actions until the
// backend confirms acceptance.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/fieldsync/internal/domain"
)

const (
	// defaultBackoffCap bounds the exponential retry delay. It limits
	// delay growth only; actions are never discarded however many
	// attempts accumulate.
	defaultBackoffCap = 5 * time.Minute
	// defaultParkDelay is how long a quarantined action is excluded
	// from drains after the backend rejects its payload as invalid.
	defaultParkDelay = time.Hour
)

// Store is the durable action queue. Enqueue must commit to stable
// storage before returning; Drain, Commit and Fail are serialized by
// the sync scheduler, while Enqueue may be called concurrently from
// action handlers.
type Store interface {
	// Enqueue durably appends a new pending action and returns it.
	Enqueue(ctx context.Context, userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error)
	// Drain returns up to limit due actions of the given kind in FIFO
	// order and marks them in flight.
	Drain(ctx context.Context, kind domain.ActionKind, limit int) ([]domain.QueuedAction, error)
	// Commit permanently removes actions the backend confirmed.
	Commit(ctx context.Context, ids []string) error
	// Fail returns in-flight actions to the retriable pool, increments
	// their attempt counter and schedules the next attempt. Permanent
	// failures are quarantined: kept, surfaced, and parked for much
	// longer than the transient backoff.
	Fail(ctx context.Context, ids []string, reason string, permanent bool) error
	// Requeue reverts any in-flight actions to pending. Called once on
	// startup so a crash mid-cycle cannot strand entries.
	Requeue(ctx context.Context) error
	// Pending returns a copy of every not-yet-committed action ordered
	// by creation time.
	Pending(ctx context.Context) ([]domain.QueuedAction, error)
	Close() error
}

// backoffDelay computes min(2^attempts, ceiling) seconds.
func backoffDelay(attempts int, ceiling time.Duration) time.Duration {
	if attempts > 30 {
		return ceiling
	}
	delay := time.Duration(1<<uint(attempts)) * time.Second
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

func newAction(userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.QueuedAction{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return domain.QueuedAction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
		Status:    domain.ActionPending,
	}, nil
}

// due reports whether the action may be drained now. Quarantined
// entries become due again once their park interval elapses so a
// poisoned payload is excluded from selection without ever being
// dropped.
func due(a *domain.QueuedAction, now time.Time) bool {
	switch a.Status {
	case domain.ActionPending, domain.ActionFailed, domain.ActionQuarantined:
		return !a.NextAttemptAt.After(now)
	default:
		return false
	}
}

func sortFIFO(actions []domain.QueuedAction) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
