package claimflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carebill/claimflow/hooks"
	"github.com/carebill/claimflow/internal/replay"
	"github.com/carebill/claimflow/internal/storage"
)

// DefaultMatchExpr correlates on a top-level "correlation_id" field
// when no correlation option is given.
const DefaultMatchExpr = "payload.correlation_id == correlation"

// Notification kinds accepted by Notify.
const (
	NotificationRunFailed  = storage.NotificationRunFailed
	NotificationRunReview  = storage.NotificationRunReview
	NotificationWaitExpiry = storage.NotificationWaitExpiry
)

// WaitOption configures an event wait.
type WaitOption func(*waitOptions)

type waitOptions struct {
	matchExpr   string
	correlation any
	timeout     time.Duration
}

// WithCorrelation waits for an event whose payload field equals value.
// The field is a dot path into the event payload.
func WithCorrelation(field string, value any) WaitOption {
	return func(o *waitOptions) {
		o.matchExpr = fmt.Sprintf("payload.%s == correlation", field)
		o.correlation = value
	}
}

// WithMatchExpr sets a custom match expression. The expression sees
// "payload" (the event payload) and "correlation" (the given value)
// and must evaluate to bool.
func WithMatchExpr(expr string, correlation any) WaitOption {
	return func(o *waitOptions) {
		o.matchExpr = expr
		o.correlation = correlation
	}
}

// WithWaitTimeout bounds the wait. When the deadline passes before a
// matching event arrives, WaitEvent returns ErrWaitTimeout.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
	}
}

// WaitEvent suspends the run until an event named eventName arrives
// whose payload satisfies the match expression, or the timeout passes.
// Exactly one of the two outcomes is recorded; replay returns the
// recorded outcome without waiting again.
func WaitEvent[T any](rc *RunContext, eventName string, opts ...WaitOption) (T, error) {
	var zero T
	options := &waitOptions{matchExpr: DefaultMatchExpr}
	for _, opt := range opts {
		opt(options)
	}

	waitID := rc.nextStepID("wait:" + eventName)

	if reg, ok := rc.execCtx.WaitRegistration(waitID); ok {
		switch reg.Resolution {
		case storage.WaitByEvent:
			rc.Hooks().OnWaitResolved(rc.Context(), hooks.WaitResolvedInfo{
				RunID:     rc.RunID(),
				WaitID:    waitID,
				EventName: eventName,
				Duration:  reg.ResolvedAt.Sub(reg.RegisteredAt),
			})
			var out T
			if len(reg.EventData) > 0 {
				if err := json.Unmarshal(reg.EventData, &out); err != nil {
					return zero, fmt.Errorf("failed to decode event payload for %s: %w", waitID, err)
				}
			}
			return out, nil
		case storage.WaitByTimeout:
			return zero, ErrWaitTimeout
		case storage.WaitCancelled:
			return zero, ErrRunCancelled
		default:
			// Still pending: the run was woken for something else.
			// Suspend again; the registration write is idempotent.
		}
	}

	correlationData, err := json.Marshal(options.correlation)
	if err != nil {
		return zero, fmt.Errorf("failed to encode correlation value: %w", err)
	}

	var timeoutAt time.Time
	var timeoutPtr *time.Duration
	if options.timeout > 0 {
		timeoutAt = time.Now().Add(options.timeout)
		timeoutPtr = &options.timeout
	}

	rc.Hooks().OnWaitStart(rc.Context(), hooks.WaitStartInfo{
		RunID:     rc.RunID(),
		Workflow:  rc.Workflow(),
		WaitID:    waitID,
		EventName: eventName,
		Timeout:   timeoutPtr,
	})

	return zero, replay.NewWaitSuspend(
		rc.RunID(), waitID, eventName, options.matchExpr, correlationData, timeoutAt)
}

// Sleep suspends the run for at least d using a durable timer. The
// elapsed timer is memoized, so replay falls straight through.
func Sleep(rc *RunContext, d time.Duration) error {
	timerID := rc.nextStepID("sleep")

	if _, ok := rc.execCtx.StepRecord(timerID); ok {
		return nil
	}

	expiresAt := time.Now().Add(d)
	rc.Hooks().OnTimerStart(rc.Context(), hooks.TimerStartInfo{
		RunID:     rc.RunID(),
		TimerID:   timerID,
		ExpiresAt: expiresAt,
	})
	return replay.NewTimerSuspend(rc.RunID(), timerID, expiresAt)
}

// Notify enqueues a review-queue notification as a memoized step: the
// outbox row and the step record commit in one transaction, so the
// notification is written at most once across replays.
func Notify(rc *RunContext, kind string, payload any) error {
	stepID := rc.nextStepID("notify:" + kind)

	if _, ok := rc.execCtx.StepRecord(stepID); ok {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}

	txCtx, err := rc.Store().BeginTx(rc.Context())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := rc.Store().AddNotification(txCtx, &storage.Notification{
		NotificationID: uuid.NewString(),
		RunID:          rc.RunID(),
		Kind:           kind,
		Payload:        data,
	}); err != nil {
		_ = rc.Store().RollbackTx(txCtx)
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	if err := rc.execCtx.RecordStep(txCtx, &storage.StepRecord{
		RunID:  rc.RunID(),
		StepID: stepID,
		Status: storage.StepSucceeded,
	}); err != nil {
		_ = rc.Store().RollbackTx(txCtx)
		return fmt.Errorf("failed to record notification step: %w", err)
	}
	if err := rc.Store().CommitTx(txCtx); err != nil {
		return fmt.Errorf("failed to commit notification: %w", err)
	}
	return nil
}
