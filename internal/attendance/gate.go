// Package attendance enforces geofence-gated clock-in/out semantics.
package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/geofence"
)

// defaultFixTimeout bounds the wait for a position fix. Clock-in fails
// with ErrLocationUnavailable instead of hanging past it.
const defaultFixTimeout = 3 * time.Second

// LocationProvider yields the device's current position. Current must
// respect ctx cancellation.
type LocationProvider interface {
	Current(ctx context.Context) (geofence.Position, error)
}

// Enqueuer is the slice of the outbox the gate needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, kind domain.ActionKind, payload any) (domain.QueuedAction, error)
}

// SiteSource supplies the cached reference sites.
type SiteSource interface {
	Sites() []domain.Site
}

// Gate is the per-user attendance state machine. The local session is
// provisional: it drives the UI immediately, while the enqueued action
// carries the event to the backend, which remains the source of truth.
type Gate struct {
	mu         sync.Mutex
	userID     string
	location   LocationProvider
	sites      SiteSource
	queue      Enqueuer
	fixTimeout time.Duration
	session    *domain.AttendanceSession
}

// Option adjusts gate tunables.
type Option func(*Gate)

// WithFixTimeout overrides the position fix wait bound.
func WithFixTimeout(d time.Duration) Option {
	return func(g *Gate) { g.fixTimeout = d }
}

// NewGate constructs a Gate for one user.
func NewGate(userID string, location LocationProvider, sites SiteSource, queue Enqueuer, opts ...Option) *Gate {
	g := &Gate{
		userID:     userID,
		location:   location,
		sites:      sites,
		queue:      queue,
		fixTimeout: defaultFixTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ClockIn validates position against the nearest site's geofence and,
// when admitted, opens a provisional session and enqueues a clock-in
// action before returning. The caller may attempt a clock-in from
// anywhere; an out-of-range attempt is answered with ErrOutOfRange as
// user feedback rather than silently blocked.
func (g *Gate) ClockIn(ctx context.Context) (*domain.AttendanceSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session.Open() {
		return nil, domain.ErrAlreadyClockedIn
	}

	fixCtx, cancel := context.WithTimeout(ctx, g.fixTimeout)
	defer cancel()
	pos, err := g.location.Current(fixCtx)
	if err != nil {
		return nil, domain.ErrLocationUnavailable
	}

	verdict, err := geofence.Evaluate(pos, g.sites.Sites())
	if err != nil {
		if errors.Is(err, geofence.ErrNoSites) {
			return nil, domain.ErrOutOfRange
		}
		return nil, err
	}
	if !verdict.WithinRadius {
		return nil, domain.ErrOutOfRange
	}

	now := time.Now().UTC()
	session := &domain.AttendanceSession{
		UserID:    g.userID,
		SiteID:    verdict.Site.ID,
		ClockInAt: now,
	}

	if _, err := g.queue.Enqueue(ctx, g.userID, domain.ActionClockIn, domain.ClockEvent{
		SiteID:    verdict.Site.ID,
		At:        now,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
	}); err != nil {
		return nil, err
	}

	g.session = session
	return session, nil
}

// ClockOut closes the open session unconditionally and enqueues a
// clock-out action. No geofence check applies on the way out.
func (g *Gate) ClockOut(ctx context.Context) (*domain.AttendanceSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.session.Open() {
		return nil, domain.ErrNoOpenSession
	}

	now := time.Now().UTC()
	if _, err := g.queue.Enqueue(ctx, g.userID, domain.ActionClockOut, domain.ClockEvent{
		SiteID: g.session.SiteID,
		At:     now,
	}); err != nil {
		return nil, err
	}

	closed := *g.session
	closed.ClockOutAt = &now
	g.session = &closed
	return &closed, nil
}

// Session returns the current provisional session, or nil.
func (g *Gate) Session() *domain.AttendanceSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil
	}
	copied := *g.session
	return &copied
}

// Reconcile replaces the provisional view with the authoritative one
// fetched from the backend after connectivity is restored.
func (g *Gate) Reconcile(session *domain.AttendanceSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = session
}
