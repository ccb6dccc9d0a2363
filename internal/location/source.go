// Package location holds the last position fix reported by the device
// and serves it to geofence checks.
package location

import (
	"context"
	"sync"
	"time"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/geofence"
)

// defaultMaxAge bounds how old a fix may be before a fresh report is
// required. GPS fixes drift; an hour-old fix says nothing about where
// the device is now.
const defaultMaxAge = 2 * time.Minute

// Source is a LocationProvider fed by reports from the device UI.
type Source struct {
	mu         sync.Mutex
	latest     geofence.Position
	reportedAt time.Time
	maxAge     time.Duration
	waiters    []chan geofence.Position
}

// Option adjusts source tunables.
type Option func(*Source)

// WithMaxAge overrides the fix staleness bound.
func WithMaxAge(d time.Duration) Option {
	return func(s *Source) { s.maxAge = d }
}

// NewSource constructs a Source with no fix yet.
func NewSource(opts ...Option) *Source {
	s := &Source{maxAge: defaultMaxAge}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report records a fresh fix and wakes any blocked Current calls.
func (s *Source) Report(pos geofence.Position) {
	s.mu.Lock()
	s.latest = pos
	s.reportedAt = time.Now()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w <- pos
	}
}

// Current returns the last fix if it is fresh enough, otherwise blocks
// for the next report or until ctx expires.
func (s *Source) Current(ctx context.Context) (geofence.Position, error) {
	s.mu.Lock()
	if !s.reportedAt.IsZero() && time.Since(s.reportedAt) <= s.maxAge {
		pos := s.latest
		s.mu.Unlock()
		return pos, nil
	}
	wait := make(chan geofence.Position, 1)
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	select {
	case pos := <-wait:
		return pos, nil
	case <-ctx.Done():
		s.drop(wait)
		return geofence.Position{}, domain.ErrLocationUnavailable
	}
}

func (s *Source) drop(wait chan geofence.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == wait {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}
