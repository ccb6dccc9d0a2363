package syncsched

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fieldsync/internal/connectivity"
	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/outbox"
)

type stubApplier struct {
	batchCalls  []int
	singleCalls []domain.QueuedAction
	batchErr    error
	batchResult func(actions []domain.QueuedAction) BatchResult
	singleErr   map[string]error
}

func (a *stubApplier) ApplyBatch(_ context.Context, actions []domain.QueuedAction) (BatchResult, error) {
	a.batchCalls = append(a.batchCalls, len(actions))
	if a.batchErr != nil {
		return BatchResult{}, a.batchErr
	}
	if a.batchResult != nil {
		return a.batchResult(actions), nil
	}
	return BatchResult{Accepted: actionIDs(actions)}, nil
}

func (a *stubApplier) ApplySingle(_ context.Context, action domain.QueuedAction) error {
	a.singleCalls = append(a.singleCalls, action)
	if err, ok := a.singleErr[action.ID]; ok {
		return err
	}
	return nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func enqueueForms(t *testing.T, store outbox.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		action, err := store.Enqueue(context.Background(), "user-1", domain.ActionSubmitForm, domain.FormSubmission{FormID: "f"})
		require.NoError(t, err)
		ids = append(ids, action.ID)
	}
	return ids
}

func TestCycleBatchesFormsInOneCall(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 5)

	applier := &stubApplier{}
	scheduler := NewScheduler(store, applier, nil, WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerOnline)

	require.Equal(t, []int{5}, applier.batchCalls, "five submissions must travel in one batched call")
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCycleFailureInOneKindDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 2)
	clockOut, err := store.Enqueue(ctx, "user-1", domain.ActionClockOut, domain.ClockEvent{SiteID: "s1"})
	require.NoError(t, err)

	applier := &stubApplier{batchErr: errors.New("backend down")}
	scheduler := NewScheduler(store, applier, nil, WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerPeriodic)

	require.Len(t, applier.singleCalls, 1, "clock-out must still sync in the same cycle")
	require.Equal(t, clockOut.ID, applier.singleCalls[0].ID)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "failed forms stay queued, clock-out is gone")
	for _, action := range pending {
		require.Equal(t, domain.ActionSubmitForm, action.Kind)
		require.Equal(t, 1, action.Attempts)
	}
}

func TestCycleHonorsPerItemResults(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	ids := enqueueForms(t, store, 3)

	applier := &stubApplier{
		batchResult: func(actions []domain.QueuedAction) BatchResult {
			return BatchResult{
				Accepted: []string{actions[0].ID, actions[2].ID},
				Rejected: []RejectedAction{{ID: actions[1].ID, Reason: "missing field", Permanent: true}},
			}
		},
	}
	scheduler := NewScheduler(store, applier, nil, WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerManual)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ids[1], pending[0].ID)
	require.Equal(t, domain.ActionQuarantined, pending[0].Status)
	require.Equal(t, "missing field", pending[0].LastError)
}

func TestSequentialKindStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	first, err := store.Enqueue(ctx, "user-1", domain.ActionCheckpointScan, domain.CheckpointScanEvent{CheckpointID: "cp1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Enqueue(ctx, "user-1", domain.ActionCheckpointScan, domain.CheckpointScanEvent{CheckpointID: "cp2"})
	require.NoError(t, err)

	applier := &stubApplier{singleErr: map[string]error{first.ID: errors.New("timeout")}}
	scheduler := NewScheduler(store, applier, nil, WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerPeriodic)

	require.Len(t, applier.singleCalls, 1, "FIFO order: the second scan must wait behind the failed first")

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestTransientFailureIsRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	action, err := store.Enqueue(ctx, "user-1", domain.ActionClockIn, domain.ClockEvent{SiteID: "s1"})
	require.NoError(t, err)

	applier := &stubApplier{singleErr: map[string]error{action.ID: errors.New("503")}}
	scheduler := NewScheduler(store, applier, nil, WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerPeriodic)
	require.Len(t, applier.singleCalls, 1)

	// Second cycle inside the backoff window: no call.
	scheduler.RunCycle(ctx, TriggerPeriodic)
	require.Len(t, applier.singleCalls, 1, "backoff must delay the retry")

	// After the backoff elapses the action goes out again.
	delete(applier.singleErr, action.ID)
	time.Sleep(2100 * time.Millisecond)
	scheduler.RunCycle(ctx, TriggerPeriodic)
	require.Len(t, applier.singleCalls, 2)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSchedulerSkipsCyclesWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 1)

	var online atomic.Bool
	monitor := connectivity.NewMonitor(connectivity.ProberFunc(func(context.Context) bool {
		return online.Load()
	}), 5*time.Millisecond)
	go monitor.Start(ctx)

	applier := &stubApplier{}
	scheduler := NewScheduler(store, applier, monitor, WithLogger(testLogger(t)))
	go scheduler.Start(ctx)

	scheduler.SyncNow()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, applier.batchCalls, "offline: no network calls")

	// Going online triggers a cycle without an explicit SyncNow.
	online.Store(true)
	require.Eventually(t, func() bool {
		pending, err := store.Pending(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	scheduler.Wait()
	monitor.Wait()
}

func TestTriggerCoalesces(t *testing.T) {
	store := outbox.NewMemoryStore()
	scheduler := NewScheduler(store, &stubApplier{}, nil, WithLogger(testLogger(t)))

	// With no consumer running, repeated triggers must not block and
	// must collapse into a single queued trigger.
	for i := 0; i < 10; i++ {
		scheduler.SyncNow()
	}
	require.Len(t, scheduler.triggers, 1)
}

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestCycleRunsReconcilerAfterApplies(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 2)

	applier := &stubApplier{}
	reconciler := &countingReconciler{}
	scheduler := NewScheduler(store, applier, nil,
		WithReconciler(reconciler), WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerManual)

	require.Equal(t, int32(1), reconciler.calls.Load())
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "applies ran before reconciliation")
}

func TestReconcilerFailureDoesNotFailCycle(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 1)

	reconciler := &countingReconciler{err: errors.New("backend flapped")}
	scheduler := NewScheduler(store, &stubApplier{}, nil,
		WithReconciler(reconciler), WithLogger(testLogger(t)))

	scheduler.RunCycle(ctx, TriggerManual)
	scheduler.RunCycle(ctx, TriggerManual)

	require.Equal(t, int32(2), reconciler.calls.Load(), "reconcile keeps being attempted")
}

func TestOnlineEdgeTriggersWhileBackgrounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := outbox.NewMemoryStore()
	enqueueForms(t, store, 1)

	var online atomic.Bool
	monitor := connectivity.NewMonitor(connectivity.ProberFunc(func(context.Context) bool {
		return online.Load()
	}), 5*time.Millisecond)
	monitor.SetForeground(false)
	go monitor.Start(ctx)

	applier := &stubApplier{}
	reconciler := &countingReconciler{}
	scheduler := NewScheduler(store, applier, monitor,
		WithReconciler(reconciler), WithLogger(testLogger(t)))
	go scheduler.Start(ctx)

	// Backgrounded and offline: nothing moves.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, applier.batchCalls)

	// The backgrounded device regains connectivity: the queue drains
	// and reconciliation runs without waiting for the periodic wake.
	online.Store(true)
	require.Eventually(t, func() bool {
		pending, err := store.Pending(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return reconciler.calls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	scheduler.Wait()
	monitor.Wait()
}
