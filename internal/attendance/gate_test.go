package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/geofence"
	"example.com/fieldsync/internal/outbox"
)

type stubLocation struct {
	pos   geofence.Position
	err   error
	delay time.Duration
}

func (s *stubLocation) Current(ctx context.Context) (geofence.Position, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return geofence.Position{}, ctx.Err()
		}
	}
	return s.pos, s.err
}

type stubSites struct {
	sites []domain.Site
}

func (s *stubSites) Sites() []domain.Site { return s.sites }

func newTestGate(t *testing.T, loc *stubLocation, sites []domain.Site, opts ...Option) (*Gate, *outbox.MemoryStore) {
	t.Helper()
	store := outbox.NewMemoryStore()
	gate := NewGate("user-1", loc, &stubSites{sites: sites}, store, opts...)
	return gate, store
}

func TestClockInWithinRadius(t *testing.T) {
	ctx := context.Background()
	sites := []domain.Site{{ID: "hq", Latitude: 0, Longitude: 0, RadiusMeters: 50}}
	gate, store := newTestGate(t, &stubLocation{}, sites)

	session, err := gate.ClockIn(ctx)
	require.NoError(t, err)
	require.Equal(t, "hq", session.SiteID)
	require.True(t, session.Open())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, domain.ActionClockIn, pending[0].Kind)
}

func TestClockInOutOfRange(t *testing.T) {
	ctx := context.Background()
	// Site roughly 200m north, radius 100m.
	sites := []domain.Site{{ID: "s1", Latitude: 0.0018, Longitude: 0, RadiusMeters: 100}}
	gate, store := newTestGate(t, &stubLocation{}, sites)

	_, err := gate.ClockIn(ctx)
	require.ErrorIs(t, err, domain.ErrOutOfRange)
	require.Nil(t, gate.Session())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "rejected clock-in must not be enqueued")
}

func TestClockInTwiceFails(t *testing.T) {
	ctx := context.Background()
	sites := []domain.Site{{ID: "hq", Latitude: 0, Longitude: 0, RadiusMeters: 50}}
	gate, _ := newTestGate(t, &stubLocation{}, sites)

	_, err := gate.ClockIn(ctx)
	require.NoError(t, err)

	_, err = gate.ClockIn(ctx)
	require.ErrorIs(t, err, domain.ErrAlreadyClockedIn)
}

func TestClockInLocationTimeout(t *testing.T) {
	ctx := context.Background()
	sites := []domain.Site{{ID: "hq", Latitude: 0, Longitude: 0, RadiusMeters: 50}}
	loc := &stubLocation{delay: time.Second}
	gate, store := newTestGate(t, loc, sites, WithFixTimeout(10*time.Millisecond))

	start := time.Now()
	_, err := gate.ClockIn(ctx)
	require.ErrorIs(t, err, domain.ErrLocationUnavailable)
	require.Less(t, time.Since(start), 500*time.Millisecond, "fix wait must be bounded")

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestClockInNoSites(t *testing.T) {
	gate, _ := newTestGate(t, &stubLocation{}, nil)
	_, err := gate.ClockIn(context.Background())
	require.ErrorIs(t, err, domain.ErrOutOfRange)
}

func TestClockOutWithoutSession(t *testing.T) {
	gate, _ := newTestGate(t, &stubLocation{}, nil)
	_, err := gate.ClockOut(context.Background())
	require.ErrorIs(t, err, domain.ErrNoOpenSession)
}

func TestClockOutClosesSessionAndEnqueues(t *testing.T) {
	ctx := context.Background()
	sites := []domain.Site{{ID: "hq", Latitude: 0, Longitude: 0, RadiusMeters: 50}}
	gate, store := newTestGate(t, &stubLocation{}, sites)

	_, err := gate.ClockIn(ctx)
	require.NoError(t, err)

	session, err := gate.ClockOut(ctx)
	require.NoError(t, err)
	require.NotNil(t, session.ClockOutAt)
	require.False(t, gate.Session().Open())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, domain.ActionClockOut, pending[1].Kind)

	// A fresh clock-in is legal again after clocking out.
	_, err = gate.ClockIn(ctx)
	require.NoError(t, err)
}

func TestClockInProviderError(t *testing.T) {
	sites := []domain.Site{{ID: "hq", Latitude: 0, Longitude: 0, RadiusMeters: 50}}
	gate, _ := newTestGate(t, &stubLocation{err: errors.New("gps off")}, sites)

	_, err := gate.ClockIn(context.Background())
	require.ErrorIs(t, err, domain.ErrLocationUnavailable)
}
