package replay

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebill/claimflow/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.SQLStore) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "claimflow-replay-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	store, err := storage.NewSQLiteStore(tmpPath)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(tmpPath)
	})
	return NewEngine(store, nil, "test-worker", time.Minute), store
}

func createRun(t *testing.T, store *storage.SQLStore, runID string, status storage.RunStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateRun(context.Background(), &storage.Run{
		RunID:     runID,
		Workflow:  "test-workflow",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestDispatchCompletesRun(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		return map[string]string{"result": "done"}, nil
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, run.Status)
	assert.JSONEq(t, `{"result":"done"}`, string(run.OutputData))
}

func TestDispatchSkipsNonRunningRuns(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusCompleted)

	invoked := false
	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		invoked = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, invoked, "terminal runs must not be re-executed")
}

func TestDispatchFailureRecordsRunAndNotification(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		return nil, errors.New("claim validation blew up")
	})
	require.NoError(t, err, "a recorded run failure is a successful dispatch")

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, run.Status)
	assert.Equal(t, "claim validation blew up", run.ErrorMessage)

	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, storage.NotificationRunFailed, pending[0].Kind)
}

func TestDispatchWaitSuspendPersistsRegistration(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	var registered *storage.WaitRegistration
	engine.SetWaitRegisteredFunc(func(_ context.Context, reg *storage.WaitRegistration) {
		registered = reg
	})

	timeoutAt := time.Now().Add(time.Hour)
	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		return nil, NewWaitSuspend("run-1", "wait:payer.ack:1", "payer.ack",
			"payload.claim_id == correlation", []byte(`"C-1"`), timeoutAt)
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, run.Status)

	reg, err := store.GetWaitRegistration(ctx, "run-1", "wait:payer.ack:1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, storage.WaitPending, reg.Resolution)
	require.NotNil(t, registered, "the matcher callback must see the new registration")
	assert.Equal(t, "wait:payer.ack:1", registered.WaitID)

	// The timeout is backed by a timer row naming the wait.
	timers, err := store.FindExpiredTimers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, timers, "the timeout is an hour out")
	require.NoError(t, store.RemoveTimer(ctx, "run-1", "wait:payer.ack:1"))
}

func TestDispatchWaitSuspendAfterCancelResolvesWait(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	var registered *storage.WaitRegistration
	engine.SetWaitRegisteredFunc(func(_ context.Context, reg *storage.WaitRegistration) {
		registered = reg
	})

	// Expired already, so a leftover row would surface below.
	timeoutAt := time.Now().Add(-time.Second)
	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		// An operator cancel lands while the pass is still executing.
		applied, err := store.TransitionRunStatus(ctx, "run-1",
			[]storage.RunStatus{storage.StatusRunning}, storage.StatusCancelled, "operator request")
		require.NoError(t, err)
		require.True(t, applied)
		return nil, NewWaitSuspend("run-1", "wait:payer.ack:1", "payer.ack",
			"payload.claim_id == correlation", []byte(`"C-1"`), timeoutAt)
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, run.Status)

	// The registration written during the pass must not stay pending,
	// or it would consume a live event meant for another run.
	reg, err := store.GetWaitRegistration(ctx, "run-1", "wait:payer.ack:1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, storage.WaitCancelled, reg.Resolution)
	assert.Nil(t, registered, "the matcher must not see a wait for a cancelled run")

	timers, err := store.FindExpiredTimers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, timers, "the timeout timer must not survive the cancel")
}

func TestDispatchTimerSuspendAfterCancelRemovesTimer(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	expiresAt := time.Now().Add(-time.Second)
	err := engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		applied, err := store.TransitionRunStatus(ctx, "run-1",
			[]storage.RunStatus{storage.StatusRunning}, storage.StatusCancelled, "operator request")
		require.NoError(t, err)
		require.True(t, applied)
		return nil, NewTimerSuspend("run-1", "sleep:1", expiresAt)
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, run.Status)

	timers, err := store.FindExpiredTimers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, timers, "the timer must not fire for a cancelled run")
}

func TestDispatchLockContention(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	acquired, err := store.TryAcquireLock(ctx, "run-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestHandleExpiredTimerResolvesWaitTimeout(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusWaiting)

	expiresAt := time.Now().Add(-time.Second)
	require.NoError(t, store.CreateWaitRegistration(ctx, &storage.WaitRegistration{
		RunID:     "run-1",
		WaitID:    "wait:payer.ack:1",
		EventName: "payer.ack",
		MatchExpr: "true",
		TimeoutAt: expiresAt,
	}))
	require.NoError(t, store.RegisterTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "wait:payer.ack:1", ExpiresAt: expiresAt,
	}))

	woken, err := engine.HandleExpiredTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "wait:payer.ack:1", ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	assert.True(t, woken)

	reg, err := store.GetWaitRegistration(ctx, "run-1", "wait:payer.ack:1")
	require.NoError(t, err)
	assert.Equal(t, storage.WaitByTimeout, reg.Resolution)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, run.Status)
}

func TestHandleExpiredTimerLosesToEvent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusWaiting)

	expiresAt := time.Now().Add(-time.Second)
	require.NoError(t, store.CreateWaitRegistration(ctx, &storage.WaitRegistration{
		RunID:     "run-1",
		WaitID:    "wait:payer.ack:1",
		EventName: "payer.ack",
		MatchExpr: "true",
		TimeoutAt: expiresAt,
	}))
	require.NoError(t, store.RegisterTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "wait:payer.ack:1", ExpiresAt: expiresAt,
	}))

	// The event resolves the wait before the timer check gets to it.
	won, err := store.ResolveWait(ctx, "run-1", "wait:payer.ack:1", storage.WaitByEvent, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, won)

	woken, err := engine.HandleExpiredTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "wait:payer.ack:1", ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	assert.False(t, woken, "a lost timeout has no observable effect")

	reg, err := store.GetWaitRegistration(ctx, "run-1", "wait:payer.ack:1")
	require.NoError(t, err)
	assert.Equal(t, storage.WaitByEvent, reg.Resolution)

	// The timer row is gone either way.
	timers, err := store.FindExpiredTimers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestHandleExpiredSleepTimerMemoizesStep(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusWaiting)

	expiresAt := time.Now().Add(-time.Second)
	require.NoError(t, store.RegisterTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "sleep:1", ExpiresAt: expiresAt,
	}))

	woken, err := engine.HandleExpiredTimer(ctx, &storage.Timer{
		RunID: "run-1", TimerID: "sleep:1", ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	assert.True(t, woken)

	rec, err := store.GetStepRecord(ctx, "run-1", "sleep:1")
	require.NoError(t, err)
	assert.Equal(t, storage.StepSucceeded, rec.Status)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, run.Status)
}

func TestStepIDsAreDeterministic(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	createRun(t, store, "run-1", storage.StatusRunning)

	var firstPass, secondPass []string
	record := func(ec *ExecutionContext, ids *[]string) {
		*ids = append(*ids, ec.NextStepID("submit"), ec.NextStepID("post"), ec.NextStepID("submit"))
	}

	require.NoError(t, engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		record(ec, &firstPass)
		return nil, NewTimerSuspend("run-1", "sleep:1", time.Now().Add(time.Hour))
	}))

	_, err := engine.WakeRun(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, engine.Dispatch(ctx, "run-1", func(ec *ExecutionContext) (any, error) {
		record(ec, &secondPass)
		return "done", nil
	}))

	assert.Equal(t, []string{"submit:1", "post:1", "submit:2"}, firstPass)
	assert.Equal(t, firstPass, secondPass, "replay must produce identical step IDs")
}
