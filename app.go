package claimflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/carebill/claimflow/hooks"
	"github.com/carebill/claimflow/internal/match"
	"github.com/carebill/claimflow/internal/replay"
	"github.com/carebill/claimflow/internal/storage"
	"github.com/carebill/claimflow/notify"
)

// App is the workflow application: it owns the durable store, the
// replay engine, the correlation matcher, and the background tasks
// that drive timers, resumption, and notification delivery.
type App struct {
	config  *appConfig
	store   storage.Store
	engine  *replay.Engine
	matcher *match.Matcher
	relayer *notify.Relayer

	mu            sync.RWMutex
	runners       map[string]replay.RunnerFunc
	triggerEvents map[string]string // event name → workflow name

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resumptionSem *semaphore.Weighted
	timerSem      *semaphore.Weighted

	httpServer *http.Server
	started    bool
}

// NewApp creates a new App with the given options.
func NewApp(opts ...Option) *App {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.workerID == "" {
		config.workerID = uuid.NewString()
	}

	return &App{
		config:        config,
		runners:       make(map[string]replay.RunnerFunc),
		triggerEvents: make(map[string]string),
		resumptionSem: semaphore.NewWeighted(int64(config.maxConcurrentResumptions)),
		timerSem:      semaphore.NewWeighted(int64(config.maxConcurrentTimers)),
	}
}

// Start initializes storage and launches the background tasks. It does
// not block; use Shutdown to stop.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}

	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.initStore(); err != nil {
		return err
	}

	a.engine = replay.NewEngine(a.store, a.config.hooks, a.config.workerID, a.config.staleLockTimeout)
	a.matcher = match.NewMatcher(a.store, a.config.logger, a.config.bufferWindow)

	// A wait registered after its event arrived claims the buffered
	// copy; an event that wins a wait redispatches the run.
	a.engine.SetWaitRegisteredFunc(func(ctx context.Context, reg *storage.WaitRegistration) {
		if _, err := a.matcher.MatchBuffered(ctx, reg); err != nil {
			a.config.logger.Error("failed to match buffered events",
				"run_id", reg.RunID, "wait_id", reg.WaitID, "error", err)
		}
	})
	a.matcher.SetResolvedFunc(func(ctx context.Context, runID string) {
		a.dispatchAsync(runID)
	})

	a.startBackgroundTasks()

	if a.config.listenAddr != "" {
		a.startHTTPServer()
	}

	a.started = true
	a.config.logger.Info("claimflow started",
		"service", a.config.serviceName, "worker_id", a.config.workerID)
	return nil
}

// Shutdown stops background tasks and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, a.config.shutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.config.logger.Error("http server shutdown failed", "error", err)
		}
	}

	if a.relayer != nil {
		a.relayer.Stop()
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.config.shutdownTimeout):
		a.config.logger.Warn("shutdown timed out waiting for background tasks")
	}

	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *App) initStore() error {
	url := a.config.databaseURL

	var (
		store storage.Store
		err   error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err = storage.NewPostgresStore(url)
	case strings.HasPrefix(url, "sqlite://"):
		store, err = storage.NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	default:
		store, err = storage.NewSQLiteStore(url)
	}
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if a.config.autoMigrate {
		if err := store.Initialize(a.ctx); err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
	}
	a.store = store
	return nil
}

// registerRunner wires a workflow runner, and its trigger event if any.
func (a *App) registerRunner(name string, runner replay.RunnerFunc, triggerEvent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runners[name] = runner
	if triggerEvent != "" {
		a.triggerEvents[triggerEvent] = name
	}
}

func (a *App) runnerFor(workflow string) (replay.RunnerFunc, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	runner, ok := a.runners[workflow]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, workflow)
	}
	return runner, nil
}

// startRun creates the run row and dispatches the first pass.
func (a *App) startRun(ctx context.Context, workflow string, inputData []byte, runID string) (string, error) {
	if _, err := a.runnerFor(workflow); err != nil {
		return "", err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	if err := a.store.CreateRun(ctx, &storage.Run{
		RunID:     runID,
		Workflow:  workflow,
		Status:    storage.StatusRunning,
		InputData: inputData,
	}); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	if err := a.dispatchRun(ctx, runID); err != nil && !errors.Is(err, replay.ErrLockNotAcquired) {
		// The run row exists; the resumption task will pick it up if
		// this first pass could not run.
		a.config.logger.Error("initial dispatch failed", "run_id", runID, "error", err)
	}
	return runID, nil
}

// dispatchRun executes one replay pass for the run.
func (a *App) dispatchRun(ctx context.Context, runID string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	runner, err := a.runnerFor(run.Workflow)
	if err != nil {
		return err
	}
	return a.engine.Dispatch(ctx, runID, runner)
}

// dispatchAsync dispatches a run on a background goroutine, retrying
// briefly if another worker still holds the lock. The resumption task
// is the backstop when all retries lose.
func (a *App) dispatchAsync(runID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for attempt := 0; attempt < 3; attempt++ {
			err := a.engine.Dispatch(a.ctx, runID, a.mustRunner(runID))
			if !errors.Is(err, replay.ErrLockNotAcquired) {
				return
			}
			select {
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// mustRunner resolves the runner for a run, returning a failing runner
// when the workflow is unknown so the error surfaces on the run.
func (a *App) mustRunner(runID string) replay.RunnerFunc {
	return func(ec *replay.ExecutionContext) (any, error) {
		run, err := a.store.GetRun(ec.Context(), runID)
		if err != nil {
			return nil, err
		}
		runner, err := a.runnerFor(run.Workflow)
		if err != nil {
			return nil, err
		}
		return runner(ec)
	}
}

// GetRun retrieves a run by ID.
func (a *App) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return a.store.GetRun(ctx, runID)
}

// ListRuns lists runs with cursor pagination.
func (a *App) ListRuns(ctx context.Context, opts storage.ListRunsOptions) (*storage.RunPage, error) {
	return a.store.ListRuns(ctx, opts)
}

// RunHistory is the recorded execution of one run: its memoized steps
// and wait registrations.
type RunHistory struct {
	Run   *storage.Run                `json:"run"`
	Steps []*storage.StepRecord       `json:"steps"`
	Waits []*storage.WaitRegistration `json:"waits"`
}

// GetRunHistory returns the run with its step records and waits.
func (a *App) GetRunHistory(ctx context.Context, runID string) (*RunHistory, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := a.store.ListStepRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	waits, err := a.store.ListWaitRegistrations(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunHistory{Run: run, Steps: steps, Waits: waits}, nil
}

// cancelRun moves a non-terminal run to cancelled, resolves its pending
// waits, and drops its timers.
func (a *App) cancelRun(ctx context.Context, runID, reason string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return storage.ErrRunNotCancellable
	}

	txCtx, err := a.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	applied, err := a.store.TransitionRunStatus(txCtx, runID,
		[]storage.RunStatus{storage.StatusRunning, storage.StatusWaiting},
		storage.StatusCancelled, reason)
	if err != nil {
		_ = a.store.RollbackTx(txCtx)
		return err
	}
	if !applied {
		_ = a.store.RollbackTx(txCtx)
		return storage.ErrRunNotCancellable
	}
	if _, err := a.store.CancelPendingWaits(txCtx, runID); err != nil {
		_ = a.store.RollbackTx(txCtx)
		return err
	}
	if _, err := a.store.RemoveRunTimers(txCtx, runID); err != nil {
		_ = a.store.RollbackTx(txCtx)
		return err
	}
	if err := a.store.CommitTx(txCtx); err != nil {
		return err
	}

	a.config.hooks.OnRunCancelled(ctx, hooks.RunCancelledInfo{RunID: runID, Reason: reason})
	a.config.logger.Info("run cancelled", "run_id", runID, "reason", reason)
	return nil
}

// retryRun redispatches a failed run after clearing its failed step
// records. Succeeded records stay memoized.
func (a *App) retryRun(ctx context.Context, runID string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != storage.StatusFailed {
		return fmt.Errorf("%w: status is %s", ErrRunNotRetryable, run.Status)
	}

	if _, err := a.store.DeleteFailedStepRecords(ctx, runID); err != nil {
		return fmt.Errorf("failed to clear failed steps: %w", err)
	}
	applied, err := a.store.TransitionRunStatus(ctx, runID,
		[]storage.RunStatus{storage.StatusFailed}, storage.StatusRunning, "")
	if err != nil {
		return err
	}
	if !applied {
		return ErrRunNotRetryable
	}

	a.dispatchAsync(runID)
	return nil
}

// SubmitEvent offers an event to pending waits. If no wait claims it,
// the event either starts a run of a workflow registered with a
// matching trigger event, or is buffered for the grace window.
func (a *App) SubmitEvent(ctx context.Context, eventName string, payload []byte) error {
	matched, err := a.matcher.SubmitEvent(ctx, eventName, payload)
	if err != nil {
		return err
	}
	if matched {
		return nil
	}

	a.mu.RLock()
	workflow, ok := a.triggerEvents[eventName]
	a.mu.RUnlock()
	if ok {
		_, err := a.startRun(ctx, workflow, payload, "")
		return err
	}
	return a.matcher.Buffer(ctx, eventName, payload)
}

// Store returns the durable store.
func (a *App) Store() storage.Store { return a.store }

// WorkerID returns this worker's ID.
func (a *App) WorkerID() string { return a.config.workerID }

// addJitter spreads background polling across workers.
func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d) / 10))
	return d + jitter
}

func (a *App) startBackgroundTasks() {
	a.wg.Add(1)
	go a.runStaleLockCleanup()

	a.wg.Add(1)
	go a.runTimerCheck()

	a.wg.Add(1)
	go a.runResumption()

	a.wg.Add(1)
	go a.runBufferExpiry()

	if a.config.notifyEnabled {
		a.relayer = notify.NewRelayer(a.store, notify.RelayerConfig{
			TargetURL:    a.config.brokerURL,
			Source:       a.config.serviceName,
			PollInterval: a.config.notifyInterval,
			BatchSize:    a.config.notifyBatchSize,
			MaxAttempts:  a.config.notifyMaxAttempts,
			Logger:       a.config.logger,
		})
		a.relayer.Start(a.ctx)
	}
}

// runStaleLockCleanup periodically clears expired locks and
// redispatches the runs a crashed worker left behind.
func (a *App) runStaleLockCleanup() {
	defer a.wg.Done()

	ticker := time.NewTicker(addJitter(a.config.staleLockInterval))
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			staleRuns, err := a.store.CleanupStaleLocks(a.ctx)
			if err != nil {
				a.config.logger.Error("stale lock cleanup failed", "error", err)
				continue
			}
			for _, runID := range staleRuns {
				a.dispatchWithSem(runID)
			}
		}
	}
}

// runTimerCheck periodically fires expired timers.
func (a *App) runTimerCheck() {
	defer a.wg.Done()

	ticker := time.NewTicker(addJitter(a.config.timerCheckInterval))
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.checkExpiredTimers(); err != nil {
				a.config.logger.Error("timer check failed", "error", err)
			}
		}
	}
}

func (a *App) checkExpiredTimers() error {
	timers, err := a.store.FindExpiredTimers(a.ctx, a.config.maxTimersPerBatch)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, timer := range timers {
		if a.ctx.Err() != nil {
			break
		}
		if err := a.timerSem.Acquire(a.ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t *storage.Timer) {
			defer wg.Done()
			defer a.timerSem.Release(1)

			woken, err := a.engine.HandleExpiredTimer(a.ctx, t)
			if err != nil {
				a.config.logger.Error("timer handling failed",
					"run_id", t.RunID, "timer_id", t.TimerID, "error", err)
				return
			}
			if woken {
				err := a.dispatchRun(a.ctx, t.RunID)
				if err != nil && !errors.Is(err, replay.ErrLockNotAcquired) {
					a.config.logger.Error("dispatch after timer failed",
						"run_id", t.RunID, "error", err)
				}
			}
		}(timer)
	}
	wg.Wait()
	return nil
}

// runResumption periodically dispatches runs with status=running that
// no worker holds a live lock on. This is both the multi-worker load
// balancing path and the safety net for lost wakeups.
func (a *App) runResumption() {
	defer a.wg.Done()

	ticker := time.NewTicker(addJitter(a.config.resumptionInterval))
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			runs, err := a.store.FindResumableRuns(a.ctx, a.config.maxRunsPerBatch)
			if err != nil {
				a.config.logger.Error("resumption scan failed", "error", err)
				continue
			}
			for _, run := range runs {
				a.dispatchWithSem(run.RunID)
			}
		}
	}
}

func (a *App) dispatchWithSem(runID string) {
	if err := a.resumptionSem.Acquire(a.ctx, 1); err != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.resumptionSem.Release(1)
		err := a.dispatchRun(a.ctx, runID)
		if err != nil && !errors.Is(err, replay.ErrLockNotAcquired) {
			a.config.logger.Error("resumption dispatch failed", "run_id", runID, "error", err)
		}
	}()
}

// runBufferExpiry drops buffered events past their grace window.
func (a *App) runBufferExpiry() {
	defer a.wg.Done()

	ticker := time.NewTicker(addJitter(a.config.bufferExpiryInterval))
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.matcher.ExpireBuffered(a.ctx); err != nil {
				a.config.logger.Error("buffer expiry failed", "error", err)
			} else if n > 0 {
				a.config.logger.Debug("dropped expired buffered events", "count", n)
			}
		}
	}
}
