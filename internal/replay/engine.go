// Package replay implements the replay-based dispatcher: every trigger
// re-runs the workflow function from its entry point, and memoized step
// records make already-completed work free of side effects.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebill/claimflow/hooks"
	"github.com/carebill/claimflow/internal/storage"
)

// ErrLockNotAcquired indicates another worker holds the run's lock.
// The caller should retry later; the resumption loop is the backstop.
var ErrLockNotAcquired = errors.New("run lock not acquired")

// Engine executes runs with deterministic replay. It is stateless
// between dispatch passes; all durable information lives in the store.
type Engine struct {
	store       storage.Store
	hooks       hooks.RunHooks
	workerID    string
	lockTimeout time.Duration

	// waitRegistered is invoked after a wait registration is persisted,
	// so the correlation matcher can check the event buffer for an
	// event that arrived before the registration.
	waitRegistered func(ctx context.Context, reg *storage.WaitRegistration)
}

// NewEngine creates a new replay engine.
func NewEngine(s storage.Store, h hooks.RunHooks, workerID string, lockTimeout time.Duration) *Engine {
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Minute
	}
	return &Engine{
		store:       s,
		hooks:       h,
		workerID:    workerID,
		lockTimeout: lockTimeout,
	}
}

// SetWaitRegisteredFunc sets the callback invoked after a wait
// registration is persisted.
func (e *Engine) SetWaitRegisteredFunc(fn func(ctx context.Context, reg *storage.WaitRegistration)) {
	e.waitRegistered = fn
}

// Store returns the engine's store.
func (e *Engine) Store() storage.Store { return e.store }

// Hooks returns the engine's hooks.
func (e *Engine) Hooks() hooks.RunHooks { return e.hooks }

// WorkerID returns the engine's worker ID.
func (e *Engine) WorkerID() string { return e.workerID }

// RunnerFunc executes the workflow logic for one dispatch pass.
type RunnerFunc func(ec *ExecutionContext) (any, error)

// ExecutionContext carries per-pass replay state: the memoized step
// records and wait registrations loaded at the start of the pass, plus
// the deterministic step-ID counters.
type ExecutionContext struct {
	ctx    context.Context
	runID  string
	engine *Engine

	mu       sync.Mutex
	counters map[string]int

	steps     map[string]*storage.StepRecord
	waits     map[string]*storage.WaitRegistration
	replaying bool

	cacheHits int
	newSteps  int
}

// Context returns the pass's context.Context.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// RunID returns the run being executed.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// IsReplaying reports whether prior records exist for this run.
func (ec *ExecutionContext) IsReplaying() bool { return ec.replaying }

// NextStepID returns the deterministic ID for the next call with the
// given name: "name:n" where n counts calls within one pass. The same
// sequence of calls always yields the same IDs across replays; this is
// the central correctness requirement of the replay model.
func (ec *ExecutionContext) NextStepID(name string) string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.counters[name]++
	return fmt.Sprintf("%s:%d", name, ec.counters[name])
}

// StepRecord returns the memoized record for stepID, if any.
func (ec *ExecutionContext) StepRecord(stepID string) (*storage.StepRecord, bool) {
	rec, ok := ec.steps[stepID]
	if ok {
		ec.mu.Lock()
		ec.cacheHits++
		ec.mu.Unlock()
	}
	return rec, ok
}

// WaitRegistration returns the registration for waitID, if any.
func (ec *ExecutionContext) WaitRegistration(waitID string) (*storage.WaitRegistration, bool) {
	reg, ok := ec.waits[waitID]
	return reg, ok
}

// RecordStep persists a step outcome and adds it to the pass cache.
// A concurrent or crash-recovered duplicate surfaces as
// storage.ErrStepAlreadyRecorded; callers must then read the existing
// record instead of using their own result.
func (ec *ExecutionContext) RecordStep(ctx context.Context, rec *storage.StepRecord) error {
	rec.RunID = ec.runID
	if err := ec.engine.store.AppendStepRecord(ctx, rec); err != nil {
		return err
	}
	ec.mu.Lock()
	ec.newSteps++
	ec.mu.Unlock()
	ec.steps[rec.StepID] = rec
	return nil
}

// Store returns the durable store.
func (ec *ExecutionContext) Store() storage.Store { return ec.engine.store }

// Hooks returns the run hooks.
func (ec *ExecutionContext) Hooks() hooks.RunHooks { return ec.engine.hooks }

// Dispatch executes one replay pass for runID under the run's
// exclusive lock. It is invoked on every trigger: run creation, event
// resolution, timer expiry, manual retry. Passes for terminal runs and
// runs with nothing new are no-ops.
func (e *Engine) Dispatch(ctx context.Context, runID string, runner RunnerFunc) error {
	acquired, err := e.store.TryAcquireLock(ctx, runID, e.workerID, e.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer func() { _ = e.store.ReleaseLock(ctx, runID, e.workerID) }()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != storage.StatusRunning {
		// Terminal, cancelled, or still waiting with nothing new.
		return nil
	}

	ec, err := e.newExecutionContext(ctx, runID)
	if err != nil {
		return err
	}

	startTime := time.Now()
	if ec.replaying {
		e.hooks.OnReplayStart(ctx, hooks.ReplayStartInfo{
			RunID:         runID,
			Workflow:      run.Workflow,
			CachedRecords: len(ec.steps) + len(ec.waits),
		})
	}
	e.hooks.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:     runID,
		Workflow:  run.Workflow,
		StartTime: startTime,
	})

	result, runErr := runner(ec)
	duration := time.Since(startTime)

	if runErr != nil {
		if sig := AsSuspendSignal(runErr); sig != nil {
			if err := e.handleSuspend(ctx, runID, sig); err != nil {
				return err
			}
			e.hooks.OnRunSuspended(ctx, hooks.RunSuspendedInfo{
				RunID:    runID,
				Workflow: run.Workflow,
				Reason:   sig.Type.String(),
			})
			return nil
		}
		return e.failRun(ctx, run, runErr, duration)
	}

	outputData, err := json.Marshal(result)
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("failed to serialize result: %w", err), duration)
	}
	if err := e.store.UpdateRunOutput(ctx, runID, outputData); err != nil {
		return fmt.Errorf("failed to record output: %w", err)
	}
	if _, err := e.store.TransitionRunStatus(ctx, runID,
		[]storage.RunStatus{storage.StatusRunning}, storage.StatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	if ec.replaying {
		e.hooks.OnReplayComplete(ctx, hooks.ReplayCompleteInfo{
			RunID:     runID,
			Workflow:  run.Workflow,
			CacheHits: ec.cacheHits,
			NewSteps:  ec.newSteps,
			Duration:  duration,
		})
	}
	e.hooks.OnRunComplete(ctx, hooks.RunCompleteInfo{
		RunID:    runID,
		Workflow: run.Workflow,
		Output:   result,
		Duration: duration,
	})
	return nil
}

// newExecutionContext loads the run's memoized records into the pass.
func (e *Engine) newExecutionContext(ctx context.Context, runID string) (*ExecutionContext, error) {
	steps, err := e.store.ListStepRecords(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step records: %w", err)
	}
	waits, err := e.store.ListWaitRegistrations(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wait registrations: %w", err)
	}

	ec := &ExecutionContext{
		ctx:       ctx,
		runID:     runID,
		engine:    e,
		counters:  make(map[string]int),
		steps:     make(map[string]*storage.StepRecord, len(steps)),
		waits:     make(map[string]*storage.WaitRegistration, len(waits)),
		replaying: len(steps) > 0 || len(waits) > 0,
	}
	for _, rec := range steps {
		ec.steps[rec.StepID] = rec
	}
	for _, reg := range waits {
		ec.waits[reg.WaitID] = reg
	}
	return ec, nil
}

// failRun marks the run failed and enqueues the run-failure
// notification in the same transaction. The conditional transition
// makes the notification exactly-once even if two passes race.
func (e *Engine) failRun(ctx context.Context, run *storage.Run, runErr error, duration time.Duration) error {
	txCtx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	applied, err := e.store.TransitionRunStatus(txCtx, run.RunID,
		[]storage.RunStatus{storage.StatusRunning, storage.StatusWaiting},
		storage.StatusFailed, runErr.Error())
	if err != nil {
		_ = e.store.RollbackTx(txCtx)
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	if applied {
		payload, _ := json.Marshal(map[string]any{
			"run_id":   run.RunID,
			"workflow": run.Workflow,
			"error":    runErr.Error(),
		})
		if err := e.store.AddNotification(txCtx, &storage.Notification{
			NotificationID: uuid.NewString(),
			RunID:          run.RunID,
			Kind:           storage.NotificationRunFailed,
			Payload:        payload,
		}); err != nil {
			_ = e.store.RollbackTx(txCtx)
			return fmt.Errorf("failed to enqueue failure notification: %w", err)
		}
	}
	if err := e.store.CommitTx(txCtx); err != nil {
		return fmt.Errorf("failed to commit failure: %w", err)
	}

	e.hooks.OnRunFailed(ctx, hooks.RunFailedInfo{
		RunID:    run.RunID,
		Workflow: run.Workflow,
		Error:    runErr,
		Duration: duration,
	})
	// The failure is recorded on the run; the dispatch itself succeeded.
	return nil
}

// handleSuspend persists the suspension before the lock is released.
func (e *Engine) handleSuspend(ctx context.Context, runID string, sig *SuspendSignal) error {
	switch sig.Type {
	case SuspendForWait:
		return e.handleWaitSuspend(ctx, runID, sig)
	case SuspendForTimer:
		return e.handleTimerSuspend(ctx, runID, sig)
	default:
		return fmt.Errorf("unknown suspend type: %v", sig.Type)
	}
}

func (e *Engine) handleWaitSuspend(ctx context.Context, runID string, sig *SuspendSignal) error {
	reg := &storage.WaitRegistration{
		RunID:            runID,
		WaitID:           sig.WaitID,
		EventName:        sig.EventName,
		MatchExpr:        sig.MatchExpr,
		CorrelationValue: sig.CorrelationValue,
		TimeoutAt:        sig.TimeoutAt,
		Resolution:       storage.WaitPending,
	}
	if err := e.store.CreateWaitRegistration(ctx, reg); err != nil {
		return fmt.Errorf("failed to register wait: %w", err)
	}

	if !sig.TimeoutAt.IsZero() {
		// The wait's timeout is a timer row naming the wait.
		if err := e.store.RegisterTimer(ctx, &storage.Timer{
			RunID:     runID,
			TimerID:   sig.WaitID,
			ExpiresAt: sig.TimeoutAt,
		}); err != nil {
			return fmt.Errorf("failed to register wait timeout: %w", err)
		}
	}

	applied, err := e.store.TransitionRunStatus(ctx, runID,
		[]storage.RunStatus{storage.StatusRunning}, storage.StatusWaiting, "")
	if err != nil {
		return fmt.Errorf("failed to suspend run: %w", err)
	}
	if !applied {
		// A cancellation won between the pass and this write. The
		// fresh registration must not stay pending on a dead run, or
		// it would swallow a live event.
		if _, err := e.store.ResolveWait(ctx, runID, sig.WaitID, storage.WaitCancelled, nil); err != nil {
			return fmt.Errorf("failed to cancel orphaned wait: %w", err)
		}
		if !sig.TimeoutAt.IsZero() {
			if err := e.store.RemoveTimer(ctx, runID, sig.WaitID); err != nil {
				return fmt.Errorf("failed to remove orphaned timer: %w", err)
			}
		}
		return nil
	}

	if e.waitRegistered != nil {
		e.waitRegistered(ctx, reg)
	}
	return nil
}

func (e *Engine) handleTimerSuspend(ctx context.Context, runID string, sig *SuspendSignal) error {
	if err := e.store.RegisterTimer(ctx, &storage.Timer{
		RunID:     runID,
		TimerID:   sig.TimerID,
		ExpiresAt: sig.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("failed to register timer: %w", err)
	}
	applied, err := e.store.TransitionRunStatus(ctx, runID,
		[]storage.RunStatus{storage.StatusRunning}, storage.StatusWaiting, "")
	if err != nil {
		return fmt.Errorf("failed to suspend run: %w", err)
	}
	if !applied {
		// Cancelled mid-pass; the timer must not fire for a dead run.
		if err := e.store.RemoveTimer(ctx, runID, sig.TimerID); err != nil {
			return fmt.Errorf("failed to remove orphaned timer: %w", err)
		}
	}
	return nil
}

// HandleExpiredTimer processes one fired timer. A timer naming a wait
// registration drives that wait's timeout branch through the same
// conditional write an event would use, so event and timeout can only
// have one winner. Returns true if the run was woken.
func (e *Engine) HandleExpiredTimer(ctx context.Context, t *storage.Timer) (bool, error) {
	reg, err := e.store.GetWaitRegistration(ctx, t.RunID, t.TimerID)
	if err != nil {
		return false, err
	}

	if reg != nil {
		won, err := e.store.ResolveWait(ctx, t.RunID, t.TimerID, storage.WaitByTimeout, nil)
		if err != nil {
			return false, err
		}
		if rmErr := e.store.RemoveTimer(ctx, t.RunID, t.TimerID); rmErr != nil {
			return false, rmErr
		}
		if !won {
			// An event (or cancellation) got there first; the timer
			// expiry has no observable effect.
			return false, nil
		}
		e.hooks.OnWaitTimeout(ctx, hooks.WaitTimeoutInfo{
			RunID:     t.RunID,
			WaitID:    t.TimerID,
			EventName: reg.EventName,
		})
		return e.wakeRun(ctx, t.RunID)
	}

	// Plain sleep timer: memoize the elapsed timer as a step record so
	// the replay skips the sleep.
	err = e.store.AppendStepRecord(ctx, &storage.StepRecord{
		RunID:  t.RunID,
		StepID: t.TimerID,
		Status: storage.StepSucceeded,
	})
	if err != nil && !errors.Is(err, storage.ErrStepAlreadyRecorded) {
		return false, err
	}
	if err := e.store.RemoveTimer(ctx, t.RunID, t.TimerID); err != nil {
		return false, err
	}
	e.hooks.OnTimerFired(ctx, hooks.TimerFiredInfo{RunID: t.RunID, TimerID: t.TimerID})
	return e.wakeRun(ctx, t.RunID)
}

// wakeRun moves a waiting run back to running so the resumption loop
// (or an immediate dispatch) picks it up.
func (e *Engine) wakeRun(ctx context.Context, runID string) (bool, error) {
	return e.store.TransitionRunStatus(ctx, runID,
		[]storage.RunStatus{storage.StatusWaiting}, storage.StatusRunning, "")
}

// WakeRun is the exported form used by the matcher and the app.
func (e *Engine) WakeRun(ctx context.Context, runID string) (bool, error) {
	return e.wakeRun(ctx, runID)
}
