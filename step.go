package claimflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carebill/claimflow/hooks"
	"github.com/carebill/claimflow/internal/storage"
	"github.com/carebill/claimflow/retry"
)

// Step represents a single unit of work within a workflow. Steps are
// the only way to perform I/O or side effects in workflow code; the
// memoized record makes a completed step free of side effects on
// replay. I is the input type, O is the output type.
type Step[I, O any] struct {
	name string
	fn   func(ctx context.Context, input I) (O, error)

	retryPolicy   *retry.Policy
	timeout       time.Duration
	transactional bool
}

// StepOption configures a step.
type StepOption[I, O any] func(*Step[I, O])

// DefineStep creates a new step. By default the action runs inside a
// transaction so domain writes, the step record, and any notifications
// commit atomically.
func DefineStep[I, O any](
	name string,
	fn func(ctx context.Context, input I) (O, error),
	opts ...StepOption[I, O],
) *Step[I, O] {
	s := &Step[I, O]{
		name:          name,
		fn:            fn,
		retryPolicy:   retry.DefaultPolicy(),
		transactional: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the step name.
func (s *Step[I, O]) Name() string {
	return s.name
}

// WithRetryPolicy sets the retry policy for the step.
func WithRetryPolicy[I, O any](policy *retry.Policy) StepOption[I, O] {
	return func(s *Step[I, O]) {
		s.retryPolicy = policy
	}
}

// WithStepTimeout sets the timeout for each execution attempt.
func WithStepTimeout[I, O any](d time.Duration) StepOption[I, O] {
	return func(s *Step[I, O]) {
		s.timeout = d
	}
}

// WithTransactional sets whether the action runs inside a database
// transaction. Disable for steps that only call external APIs.
func WithTransactional[I, O any](transactional bool) StepOption[I, O] {
	return func(s *Step[I, O]) {
		s.transactional = transactional
	}
}

// Execute runs the step within a run context. On replay, a recorded
// outcome is returned without invoking the action; a first execution
// retries per the policy and then persists exactly one record. The
// insert is the at-most-once enforcement point: if another pass got
// there first, that record wins and this attempt's result is dropped.
func (s *Step[I, O]) Execute(rc *RunContext, input I) (O, error) {
	stepID := rc.nextStepID(s.name)

	rc.Hooks().OnStepStart(rc.Context(), hooks.StepStartInfo{
		RunID:    rc.RunID(),
		Workflow: rc.Workflow(),
		StepID:   stepID,
		StepName: s.name,
		Input:    input,
		IsReplay: rc.IsReplaying(),
	})

	if rec, ok := rc.execCtx.StepRecord(stepID); ok {
		rc.Hooks().OnStepCacheHit(rc.Context(), hooks.StepCacheHitInfo{
			RunID:    rc.RunID(),
			Workflow: rc.Workflow(),
			StepID:   stepID,
			StepName: s.name,
		})
		return decodeStepRecord[O](rec, s.name)
	}

	if s.transactional {
		return s.executeInTransaction(rc, input, stepID)
	}
	return s.executeAndRecord(rc, input, stepID)
}

// executeInTransaction runs the action and its step record in one
// transaction so domain writes commit atomically with the memoization.
// On failure the domain writes roll back, but the exhausted-step record
// is still persisted so replay does not re-execute.
func (s *Step[I, O]) executeInTransaction(rc *RunContext, input I, stepID string) (O, error) {
	var zero O
	startTime := time.Now()

	txCtx, err := rc.Store().BeginTx(rc.Context())
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	txRC := rc.WithContext(txCtx)
	result, attempts, execErr := s.executeWithRetry(txRC, input, stepID)
	if execErr != nil {
		_ = rc.Store().RollbackTx(txCtx)
		return s.recordOutcome(rc, stepID, zero, attempts, execErr, startTime)
	}

	out, recErr := s.recordOutcome(txRC, stepID, result, attempts, nil, startTime)
	if recErr != nil {
		_ = rc.Store().RollbackTx(txCtx)
		return out, recErr
	}
	if err := rc.Store().CommitTx(txCtx); err != nil {
		return zero, fmt.Errorf("failed to commit step: %w", err)
	}
	return out, nil
}

// executeAndRecord runs the retry loop and persists the outcome without
// a transaction wrapper.
func (s *Step[I, O]) executeAndRecord(rc *RunContext, input I, stepID string) (O, error) {
	startTime := time.Now()
	result, attempts, execErr := s.executeWithRetry(rc, input, stepID)
	return s.recordOutcome(rc, stepID, result, attempts, execErr, startTime)
}

// recordOutcome persists the step record and translates it into the
// caller-facing result.
func (s *Step[I, O]) recordOutcome(rc *RunContext, stepID string, result O, attempts int, execErr error, startTime time.Time) (O, error) {
	var zero O

	rec := &storage.StepRecord{
		RunID:    rc.RunID(),
		StepID:   stepID,
		Attempts: attempts,
	}
	if execErr != nil {
		rec.Status = storage.StepFailed
		rec.ErrorMessage = execErr.Error()
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			return zero, fmt.Errorf("failed to serialize step result: %w", err)
		}
		rec.Status = storage.StepSucceeded
		rec.ResultData = data
	}

	if err := rc.execCtx.RecordStep(rc.Context(), rec); err != nil {
		if errors.Is(err, storage.ErrStepAlreadyRecorded) {
			// A concurrent pass or a crash-recovered one already
			// recorded this step. Its outcome is authoritative.
			existing, getErr := rc.Store().GetStepRecord(rc.Context(), rc.RunID(), stepID)
			if getErr != nil {
				return zero, getErr
			}
			return decodeStepRecord[O](existing, s.name)
		}
		return zero, fmt.Errorf("failed to record step result: %w", err)
	}

	if execErr != nil {
		rc.Hooks().OnStepFailed(rc.Context(), hooks.StepFailedInfo{
			RunID:    rc.RunID(),
			Workflow: rc.Workflow(),
			StepID:   stepID,
			StepName: s.name,
			Error:    execErr,
			Attempts: attempts,
			Duration: time.Since(startTime),
		})
		return zero, &StepError{
			StepID:   stepID,
			StepName: s.name,
			Attempts: attempts,
			Message:  execErr.Error(),
		}
	}

	rc.Hooks().OnStepComplete(rc.Context(), hooks.StepCompleteInfo{
		RunID:    rc.RunID(),
		Workflow: rc.Workflow(),
		StepID:   stepID,
		StepName: s.name,
		Output:   result,
		Duration: time.Since(startTime),
	})
	return result, nil
}

// executeWithRetry invokes the action until it succeeds, the policy is
// exhausted, or the error is fatal. Returns the attempt count.
func (s *Step[I, O]) executeWithRetry(rc *RunContext, input I, stepID string) (O, int, error) {
	var zero O
	policy := s.retryPolicy
	if policy == nil {
		policy = retry.NoRetry()
	}

	attempts := 0
	for {
		attempts++
		result, err := s.invoke(rc, input)
		if err == nil {
			return result, attempts, nil
		}
		if !policy.ShouldRetry(attempts, err) {
			return zero, attempts, err
		}

		delay := policy.GetDelay(attempts)
		rc.Hooks().OnStepRetry(rc.Context(), hooks.StepRetryInfo{
			RunID:       rc.RunID(),
			Workflow:    rc.Workflow(),
			StepID:      stepID,
			StepName:    s.name,
			Attempt:     attempts,
			MaxAttempts: policy.MaxAttempts,
			NextDelay:   delay,
			Error:       err,
		})

		select {
		case <-time.After(delay):
		case <-rc.Context().Done():
			return zero, attempts, rc.Context().Err()
		}
	}
}

func (s *Step[I, O]) invoke(rc *RunContext, input I) (O, error) {
	ctx := ContextWithRunContext(rc.Context(), rc)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.fn(ctx, input)
}

// decodeStepRecord converts a stored record back into the step's
// result type, or the memoized failure.
func decodeStepRecord[O any](rec *storage.StepRecord, stepName string) (O, error) {
	var zero O
	if rec.Status == storage.StepFailed {
		return zero, &StepError{
			StepID:   rec.StepID,
			StepName: stepName,
			Attempts: rec.Attempts,
			Message:  rec.ErrorMessage,
		}
	}
	var out O
	if len(rec.ResultData) > 0 {
		if err := json.Unmarshal(rec.ResultData, &out); err != nil {
			return zero, fmt.Errorf("failed to decode recorded result for %s: %w", rec.StepID, err)
		}
	}
	return out, nil
}
