// Package syncsched drains the outbox opportunistically and applies
// batches to the backend.
package syncsched

import (
	"context"
	"errors"
	"log"
	"time"

	"example.com/fieldsync/internal/connectivity"
	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/outbox"
)

const (
	defaultBatchSize      = 25
	defaultWakeInterval   = 15 * time.Minute
	defaultNetworkTimeout = 15 * time.Second
)

// RejectedAction is one item the backend refused within an otherwise
// delivered batch.
type RejectedAction struct {
	ID        string
	Reason    string
	Permanent bool
}

// BatchResult reports per-item outcomes of a batched apply call.
// Batch-level success does not imply every payload was accepted.
type BatchResult struct {
	Accepted []string
	Rejected []RejectedAction
}

// Applier is the remote apply endpoint as the scheduler sees it.
type Applier interface {
	// ApplyBatch submits homogeneous form-submission actions in one
	// round trip.
	ApplyBatch(ctx context.Context, actions []domain.QueuedAction) (BatchResult, error)
	// ApplySingle submits one attendance or checkpoint action.
	ApplySingle(ctx context.Context, action domain.QueuedAction) error
}

// PermanentError marks a failure automatic retry cannot fix, such as
// the backend rejecting a payload as structurally invalid.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Reconciler pulls authoritative backend state after each sync cycle,
// so server-side projections (reference data, attendance) catch up
// whenever connectivity is restored.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Trigger identifies why a sync cycle was requested.
type Trigger string

const (
	TriggerOnline     Trigger = "online"
	TriggerForeground Trigger = "foreground"
	TriggerPeriodic   Trigger = "periodic"
	TriggerManual     Trigger = "manual"
)

// Scheduler runs sync cycles. One goroutine consumes all triggers, so
// "at most one cycle at a time" is structural rather than a checked
// flag; triggers arriving mid-cycle coalesce into at most one queued
// follow-up.
type Scheduler struct {
	store          outbox.Store
	applier        Applier
	monitor        *connectivity.Monitor
	batchSize      int
	wakeInterval   time.Duration
	networkTimeout time.Duration
	logger         *log.Logger
	reconciler     Reconciler

	triggers chan Trigger
	done     chan struct{}
}

// Option adjusts scheduler tunables.
type Option func(*Scheduler)

// WithBatchSize overrides the form-submission batch size.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithWakeInterval overrides the periodic wake-up interval.
func WithWakeInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.wakeInterval = d }
}

// WithNetworkTimeout overrides the per-call network timeout.
func WithNetworkTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.networkTimeout = d }
}

// WithReconciler installs a post-cycle reconciliation step.
func WithReconciler(r Reconciler) Option {
	return func(s *Scheduler) { s.reconciler = r }
}

// WithLogger overrides the logger used to report cycle errors.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler constructs a Scheduler. monitor may be nil, in which
// case connectivity gating is skipped (tests drive cycles directly).
func NewScheduler(store outbox.Store, applier Applier, monitor *connectivity.Monitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		applier:        applier,
		monitor:        monitor,
		batchSize:      defaultBatchSize,
		wakeInterval:   defaultWakeInterval,
		networkTimeout: defaultNetworkTimeout,
		logger:         log.New(log.Writer(), "[sync] ", log.LstdFlags),
		triggers:       make(chan Trigger, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncNow requests an immediate cycle on behalf of the user.
func (s *Scheduler) SyncNow() { s.trigger(TriggerManual) }

// trigger coalesces: if a trigger is already queued, the new one is
// dropped rather than stacked.
func (s *Scheduler) trigger(t Trigger) {
	select {
	case s.triggers <- t:
	default:
	}
}

// Start consumes triggers until ctx is cancelled. It should be called
// in a goroutine. A crash recovery requeue runs first so actions left
// in flight by a previous process resume as pending.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	if err := s.store.Requeue(ctx); err != nil {
		s.logger.Printf("requeue on startup: %v", err)
	}

	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	var events <-chan connectivity.Event
	if s.monitor != nil {
		events = s.monitor.Events()
	}

	wasReachable := false
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			// The offline-to-online edge starts work whether or not
			// the app is foregrounded; a backgrounded device with a
			// live link should not sit on its queue. Foregrounding
			// while online also starts work; going offline never does.
			online := event.Reachable && !wasReachable
			wasReachable = event.Reachable
			if !event.Reachable {
				continue
			}
			if online {
				s.trigger(TriggerOnline)
			} else if event.Foreground {
				s.trigger(TriggerForeground)
			}
		case <-ticker.C:
			s.trigger(TriggerPeriodic)
		case trig := <-s.triggers:
			if s.monitor != nil && !s.monitor.Reachable() {
				continue
			}
			s.RunCycle(ctx, trig)
		}
	}
}

// Wait blocks until the scheduler loop has stopped.
func (s *Scheduler) Wait() { <-s.done }

// RunCycle drains and applies every kind once. A failure in one kind
// stops that kind for the cycle but never the others; ids are
// committed per batch/action as soon as the backend confirms them, so
// a partial cycle failure cannot re-send accepted actions.
func (s *Scheduler) RunCycle(ctx context.Context, trig Trigger) {
	start := time.Now()
	cycleCounter.WithLabelValues(string(trig)).Inc()

	for _, kind := range domain.AllActionKinds {
		var err error
		if kind == domain.ActionSubmitForm {
			err = s.applyBatched(ctx, kind)
		} else {
			err = s.applySequential(ctx, kind)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("cycle(%s): kind %s: %v", trig, kind, err)
		}
	}

	if s.reconciler != nil {
		reconCtx, cancel := context.WithTimeout(ctx, s.networkTimeout)
		if err := s.reconciler.Reconcile(reconCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("cycle(%s): reconcile: %v", trig, err)
		}
		cancel()
	}

	cycleDuration.Observe(time.Since(start).Seconds())
	lastCycleTimestamp.SetToCurrentTime()
}

// applyBatched drains up to the batch size and submits in one call,
// honoring per-item results.
func (s *Scheduler) applyBatched(ctx context.Context, kind domain.ActionKind) error {
	actions, err := s.store.Drain(ctx, kind, s.batchSize)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.networkTimeout)
	result, err := s.applier.ApplyBatch(callCtx, actions)
	cancel()
	if err != nil {
		ids := actionIDs(actions)
		if failErr := s.store.Fail(ctx, ids, err.Error(), isPermanent(err)); failErr != nil {
			return failErr
		}
		return err
	}

	if err := s.store.Commit(ctx, result.Accepted); err != nil {
		return err
	}
	appliedCounter.WithLabelValues(string(kind)).Add(float64(len(result.Accepted)))

	for _, rejected := range result.Rejected {
		if err := s.store.Fail(ctx, []string{rejected.ID}, rejected.Reason, rejected.Permanent); err != nil {
			return err
		}
	}
	return nil
}

// applySequential delivers one action per round trip in FIFO order and
// stops at the first failure, leaving the remainder for the next
// cycle.
func (s *Scheduler) applySequential(ctx context.Context, kind domain.ActionKind) error {
	for {
		actions, err := s.store.Drain(ctx, kind, 1)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}
		action := actions[0]

		callCtx, cancel := context.WithTimeout(ctx, s.networkTimeout)
		err = s.applier.ApplySingle(callCtx, action)
		cancel()
		if err != nil {
			if failErr := s.store.Fail(ctx, []string{action.ID}, err.Error(), isPermanent(err)); failErr != nil {
				return failErr
			}
			return err
		}

		if err := s.store.Commit(ctx, []string{action.ID}); err != nil {
			return err
		}
		appliedCounter.WithLabelValues(string(kind)).Inc()
	}
}

func isPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

func actionIDs(actions []domain.QueuedAction) []string {
	ids := make([]string, len(actions))
	for i, action := range actions {
		ids[i] = action.ID
	}
	return ids
}
