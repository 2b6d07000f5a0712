// Package claimflow is a durable workflow engine for claim billing
// pipelines. Workflows are ordinary Go functions re-executed from the
// top on every trigger; memoized steps, durable timers, and correlated
// event waits make the re-execution converge on where the run left off.
package claimflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/carebill/claimflow/internal/replay"
	"github.com/carebill/claimflow/internal/storage"
)

// Workflow defines the interface for a durable workflow.
// I is the input type, O is the output type.
type Workflow[I, O any] interface {
	// Name returns the unique name of the workflow.
	Name() string

	// Execute runs the workflow logic.
	Execute(rc *RunContext, input I) (O, error)
}

// WorkflowFunc is a convenience type for workflows defined as functions.
type WorkflowFunc[I, O any] struct {
	name string
	fn   func(rc *RunContext, input I) (O, error)
}

// Name returns the workflow name.
func (w *WorkflowFunc[I, O]) Name() string {
	return w.name
}

// Execute runs the workflow function.
func (w *WorkflowFunc[I, O]) Execute(rc *RunContext, input I) (O, error) {
	return w.fn(rc, input)
}

// DefineWorkflow creates a new workflow from a function.
func DefineWorkflow[I, O any](name string, fn func(rc *RunContext, input I) (O, error)) *WorkflowFunc[I, O] {
	return &WorkflowFunc[I, O]{
		name: name,
		fn:   fn,
	}
}

// WorkflowOption configures workflow registration.
type WorkflowOption func(*workflowOptions)

type workflowOptions struct {
	triggerEvent string
}

// WithTriggerEvent starts a new run of the workflow whenever an event
// with the given name arrives and no pending wait claims it. The event
// payload becomes the run input.
func WithTriggerEvent(eventName string) WorkflowOption {
	return func(o *workflowOptions) {
		o.triggerEvent = eventName
	}
}

// RegisterWorkflow registers a workflow with the application. Runs of
// the workflow can then be started by name or through a trigger event.
func RegisterWorkflow[I, O any](app *App, workflow Workflow[I, O], opts ...WorkflowOption) {
	options := &workflowOptions{}
	for _, opt := range opts {
		opt(options)
	}

	name := workflow.Name()

	// Bridge the generic workflow to the replay engine.
	runner := func(execCtx *replay.ExecutionContext) (any, error) {
		run, err := execCtx.Store().GetRun(execCtx.Context(), execCtx.RunID())
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}

		var input I
		if len(run.InputData) > 0 {
			if err := json.Unmarshal(run.InputData, &input); err != nil {
				return nil, fmt.Errorf("failed to deserialize input: %w", err)
			}
		}

		rc := newRunContext(execCtx, name, app)
		return workflow.Execute(rc, input)
	}

	app.registerRunner(name, runner, options.triggerEvent)
}

// StartOption configures run start options.
type StartOption func(*startOptions)

type startOptions struct {
	runID string
}

// WithRunID specifies a custom run ID. If not provided, a UUID is
// generated. Starting twice with the same ID is rejected by the store,
// which gives callers idempotent submission.
func WithRunID(id string) StartOption {
	return func(o *startOptions) {
		o.runID = id
	}
}

// StartRun starts a new run of the workflow and dispatches its first
// pass. Returns the run ID.
func StartRun[I, O any](
	ctx context.Context,
	app *App,
	workflow Workflow[I, O],
	input I,
	opts ...StartOption,
) (string, error) {
	options := &startOptions{}
	for _, opt := range opts {
		opt(options)
	}

	inputData, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize input: %w", err)
	}
	return app.startRun(ctx, workflow.Name(), inputData, options.runID)
}

// RunResult represents the outcome of a run.
type RunResult[O any] struct {
	RunID  string
	Status string
	Output O
	Error  error
}

// GetRunResult retrieves the current outcome of a run.
func GetRunResult[O any](ctx context.Context, app *App, runID string) (*RunResult[O], error) {
	run, err := app.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	result := &RunResult[O]{
		RunID:  run.RunID,
		Status: string(run.Status),
	}
	if run.ErrorMessage != "" {
		result.Error = fmt.Errorf("%s", run.ErrorMessage)
	}
	if run.Status == storage.StatusCompleted && len(run.OutputData) > 0 {
		var output O
		if err := json.Unmarshal(run.OutputData, &output); err != nil {
			return nil, fmt.Errorf("failed to deserialize output: %w", err)
		}
		result.Output = output
	}
	return result, nil
}

// CancelRun cancels a non-terminal run: pending waits resolve to
// cancelled, timers are dropped, and the run moves to the cancelled
// state. Already-completed steps are never undone.
func CancelRun(ctx context.Context, app *App, runID, reason string) error {
	return app.cancelRun(ctx, runID, reason)
}

// RetryRun redispatches a failed run. Failed step records are cleared
// so execution resumes from the last succeeded step; succeeded records
// stay memoized and are not re-executed.
func RetryRun(ctx context.Context, app *App, runID string) error {
	return app.retryRun(ctx, runID)
}
