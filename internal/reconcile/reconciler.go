// Package reconcile pulls authoritative state from the backend after a
// successful sync pass and folds it back into the local caches. It is
// the read half of the sync loop: the outbox pushes queued actions up,
// the reconciler brings reference data and session truth down.
package reconcile

import (
	"context"
	"fmt"
	"log"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/remote"
)

// Backend is the subset of the remote client the reconciler reads from.
type Backend interface {
	FetchReference(ctx context.Context) (remote.Reference, error)
	FetchSession(ctx context.Context) (*domain.AttendanceSession, error)
}

// RefStore receives refreshed reference data.
type RefStore interface {
	Refresh(sites []domain.Site, checkpoints []domain.Checkpoint) error
}

// SessionSink receives the authoritative session view.
type SessionSink interface {
	Reconcile(session *domain.AttendanceSession)
}

// PendingLister reports actions still queued for upload. Session
// reconciliation is skipped while clock actions are pending so a
// queued-but-unapplied clock-in is not clobbered by stale server state.
type PendingLister interface {
	Pending(ctx context.Context) ([]domain.QueuedAction, error)
}

// Reconciler refreshes reference data and the attendance session from
// the backend. It runs at the end of every sync cycle, which covers
// both the periodic case and the connectivity-restored edge.
type Reconciler struct {
	backend Backend
	refs    RefStore
	session SessionSink
	pending PendingLister
	logger  *log.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger used for partial-failure reports.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func New(backend Backend, refs RefStore, session SessionSink, pending PendingLister, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend: backend,
		refs:    refs,
		session: session,
		pending: pending,
		logger:  log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile refreshes the reference cache and, when no clock actions
// remain queued, replaces the provisional session with the backend's
// view. Reference and session refresh are independent: a failure in
// one does not stop the other, and the first error is returned.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var firstErr error

	ref, err := r.backend.FetchReference(ctx)
	if err != nil {
		firstErr = fmt.Errorf("fetch reference: %w", err)
	} else if err := r.refs.Refresh(ref.Sites, ref.Checkpoints); err != nil {
		firstErr = fmt.Errorf("refresh reference: %w", err)
	}

	if err := r.reconcileSession(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		} else {
			r.logger.Printf("session: %v", err)
		}
	}
	return firstErr
}

func (r *Reconciler) reconcileSession(ctx context.Context) error {
	queued, err := r.pending.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, action := range queued {
		if action.Kind == domain.ActionClockIn || action.Kind == domain.ActionClockOut {
			// Local truth is ahead of the backend; keep it.
			return nil
		}
	}

	session, err := r.backend.FetchSession(ctx)
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}
	r.session.Reconcile(session)
	return nil
}
