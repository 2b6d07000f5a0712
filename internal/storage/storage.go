package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrStepAlreadyRecorded indicates that a step record for the key
// already exists. This is the at-most-once enforcement point: the
// caller must read the existing record instead of re-executing.
var ErrStepAlreadyRecorded = errors.New("step record already exists")

// ErrRunNotFound indicates that no run exists for the given ID.
var ErrRunNotFound = errors.New("run not found")

// ErrRunNotCancellable indicates the run is already in a terminal state.
var ErrRunNotCancellable = errors.New("run cannot be cancelled")

// Executor is a database executor that can be either *sql.DB or *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store defines the durable store contract. Implementations must be
// safe for concurrent use. Cross-component coordination happens only
// through the conditional-write primitives here, never through shared
// in-memory state.
type Store interface {
	// Initialize creates the schema.
	Initialize(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error

	// DB returns the underlying database handle.
	DB() *sql.DB

	TransactionManager
	RunManager
	LockManager
	StepManager
	WaitManager
	TimerManager
	EventBufferManager
	NotificationManager
}

// TransactionManager handles transaction scoping via context.
type TransactionManager interface {
	// BeginTx starts a transaction and returns a context carrying it.
	BeginTx(ctx context.Context) (context.Context, error)

	// CommitTx commits the transaction carried by ctx.
	CommitTx(ctx context.Context) error

	// RollbackTx rolls back the transaction carried by ctx.
	RollbackTx(ctx context.Context) error

	// Conn returns the executor for ctx: the transaction if one is
	// active, otherwise the database.
	Conn(ctx context.Context) Executor
}

// RunManager handles run lifecycle writes. Every mutation bumps the
// run's version counter.
type RunManager interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// TransitionRunStatus sets status only if the current status is
	// one of from. Returns true if the write was applied. Used for
	// exactly-once side effects tied to a transition (e.g. the
	// run-failure notification).
	TransitionRunStatus(ctx context.Context, runID string, from []RunStatus, to RunStatus, errMsg string) (bool, error)

	// UpdateRunOutput records the serialized result of a completed run.
	UpdateRunOutput(ctx context.Context, runID string, output []byte) error

	// ListRuns lists runs with cursor pagination.
	ListRuns(ctx context.Context, opts ListRunsOptions) (*RunPage, error)

	// FindResumableRuns finds runs with status=running that no worker
	// holds a live lock on, ready for a dispatch pass.
	FindResumableRuns(ctx context.Context, limit int) ([]*Run, error)
}

// LockManager implements the per-run exclusive section. The lock is
// held only for the duration of one replay pass.
type LockManager interface {
	// TryAcquireLock attempts to acquire the run's lock. Returns true
	// if acquired (or already held by workerID).
	TryAcquireLock(ctx context.Context, runID, workerID string, timeout time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by workerID.
	ReleaseLock(ctx context.Context, runID, workerID string) error

	// CleanupStaleLocks clears expired locks and returns the IDs of
	// runs that were left status=running by a crashed worker.
	CleanupStaleLocks(ctx context.Context) ([]string, error)
}

// StepManager handles memoized step records.
type StepManager interface {
	// AppendStepRecord inserts a record; returns ErrStepAlreadyRecorded
	// if one exists for (RunID, StepID).
	AppendStepRecord(ctx context.Context, rec *StepRecord) error

	// GetStepRecord retrieves a record, or nil if absent.
	GetStepRecord(ctx context.Context, runID, stepID string) (*StepRecord, error)

	// ListStepRecords returns all records for a run ordered by time.
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// DeleteFailedStepRecords removes failed records so a manual retry
	// resumes from the last succeeded step. Succeeded records are
	// never deleted.
	DeleteFailedStepRecords(ctx context.Context, runID string) (int64, error)
}

// WaitManager handles wait registrations and their single-winner
// resolution.
type WaitManager interface {
	// CreateWaitRegistration persists a pending wait. Idempotent: a
	// second insert for the same key is a no-op.
	CreateWaitRegistration(ctx context.Context, reg *WaitRegistration) error

	// GetWaitRegistration retrieves a registration, or nil if absent.
	GetWaitRegistration(ctx context.Context, runID, waitID string) (*WaitRegistration, error)

	// ListWaitRegistrations returns all registrations for a run.
	ListWaitRegistrations(ctx context.Context, runID string) ([]*WaitRegistration, error)

	// FindPendingWaits returns pending registrations for an event name.
	FindPendingWaits(ctx context.Context, eventName string) ([]*WaitRegistration, error)

	// ResolveWait conditionally writes a resolution: the UPDATE applies
	// only while the current resolution is pending. Returns whether
	// this caller won the race.
	ResolveWait(ctx context.Context, runID, waitID string, res WaitResolution, eventData []byte) (bool, error)

	// CancelPendingWaits resolves every pending wait of a run to
	// cancelled. Returns the number of waits resolved.
	CancelPendingWaits(ctx context.Context, runID string) (int64, error)
}

// TimerManager handles durable timers.
type TimerManager interface {
	// RegisterTimer persists a timer. Idempotent on (RunID, TimerID).
	RegisterTimer(ctx context.Context, t *Timer) error

	// FindExpiredTimers returns timers past their deadline.
	FindExpiredTimers(ctx context.Context, limit int) ([]*Timer, error)

	// RemoveTimer deletes a timer.
	RemoveTimer(ctx context.Context, runID, timerID string) error

	// RemoveRunTimers deletes all timers for a run (cancellation).
	RemoveRunTimers(ctx context.Context, runID string) (int64, error)
}

// EventBufferManager holds events that arrived before their wait was
// registered, for a bounded grace window.
type EventBufferManager interface {
	// BufferEvent stores an unmatched event until ExpiresAt.
	BufferEvent(ctx context.Context, ev *BufferedEvent) error

	// FindBufferedEvents returns unexpired buffered events for an
	// event name, oldest first.
	FindBufferedEvents(ctx context.Context, eventName string) ([]*BufferedEvent, error)

	// RemoveBufferedEvent deletes a buffered event after it matched.
	RemoveBufferedEvent(ctx context.Context, eventID string) error

	// ExpireBufferedEvents drops events past their grace window.
	ExpireBufferedEvents(ctx context.Context) (int64, error)
}

// NotificationManager is the outbox for run-failure and review
// notifications.
type NotificationManager interface {
	// AddNotification appends a pending notification.
	AddNotification(ctx context.Context, n *Notification) error

	// PendingNotifications returns undelivered notifications.
	PendingNotifications(ctx context.Context, limit int) ([]*Notification, error)

	// MarkNotificationSent records successful delivery.
	MarkNotificationSent(ctx context.Context, notificationID string) error

	// MarkNotificationFailed increments attempts; past maxAttempts the
	// notification is marked dead.
	MarkNotificationFailed(ctx context.Context, notificationID string, maxAttempts int) error
}
