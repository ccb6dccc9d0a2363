package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorEmitsOnReachabilityTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var online atomic.Bool
	monitor := NewMonitor(ProberFunc(func(context.Context) bool {
		return online.Load()
	}), 5*time.Millisecond)

	go monitor.Start(ctx)

	online.Store(true)
	select {
	case event := <-monitor.Events():
		require.True(t, event.Reachable)
	case <-time.After(time.Second):
		t.Fatal("no transition event after going online")
	}
	require.True(t, monitor.Reachable())

	online.Store(false)
	select {
	case event := <-monitor.Events():
		require.False(t, event.Reachable)
	case <-time.After(time.Second):
		t.Fatal("no transition event after going offline")
	}

	cancel()
	monitor.Wait()
}

func TestMonitorForegroundTransitions(t *testing.T) {
	monitor := NewMonitor(ProberFunc(func(context.Context) bool { return false }), time.Minute)

	// Starts in the foreground; repeating the same state emits nothing.
	monitor.SetForeground(true)
	select {
	case <-monitor.Events():
		t.Fatal("no event expected without a transition")
	default:
	}

	monitor.SetForeground(false)
	monitor.SetForeground(true)

	event := <-monitor.Events()
	require.False(t, event.Foreground)
	event = <-monitor.Events()
	require.True(t, event.Foreground)
}

func TestMonitorDropsEventsWhenSubscriberLags(t *testing.T) {
	monitor := NewMonitor(ProberFunc(func(context.Context) bool { return false }), time.Minute)

	// Many more transitions than the buffer holds must not block.
	for i := 0; i < 100; i++ {
		monitor.SetForeground(i%2 == 0)
	}
}
