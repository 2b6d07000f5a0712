package claimflow

import (
	"context"

	"github.com/carebill/claimflow/hooks"
	"github.com/carebill/claimflow/internal/replay"
	"github.com/carebill/claimflow/internal/storage"
)

// runContextKey is the key used to store RunContext in context.Context.
type runContextKey struct{}

// ContextWithRunContext returns a new context carrying the RunContext.
// Used internally to pass the RunContext to step actions.
func ContextWithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// GetRunContext retrieves the RunContext from a context.Context, or nil.
// Step actions can use it to reach the store session of the enclosing
// transaction.
func GetRunContext(ctx context.Context) *RunContext {
	if v := ctx.Value(runContextKey{}); v != nil {
		if rc, ok := v.(*RunContext); ok {
			return rc
		}
	}
	return nil
}

// RunContext is the handle workflow code receives. It carries the
// replay state for the current dispatch pass: step-ID generation, the
// memoized record cache, and the run's identity. Workflow code must
// only perform I/O through steps and waits; everything else has to be
// deterministic across replays.
type RunContext struct {
	ctx      context.Context
	execCtx  *replay.ExecutionContext
	workflow string
	app      *App
}

func newRunContext(execCtx *replay.ExecutionContext, workflow string, app *App) *RunContext {
	return &RunContext{
		ctx:      execCtx.Context(),
		execCtx:  execCtx,
		workflow: workflow,
		app:      app,
	}
}

// Context returns the underlying context.Context.
func (c *RunContext) Context() context.Context {
	return c.ctx
}

// WithContext returns a copy of the RunContext with a new underlying
// context. Used to thread transaction contexts into storage calls.
func (c *RunContext) WithContext(ctx context.Context) *RunContext {
	return &RunContext{
		ctx:      ctx,
		execCtx:  c.execCtx,
		workflow: c.workflow,
		app:      c.app,
	}
}

// RunID returns the run ID.
func (c *RunContext) RunID() string {
	return c.execCtx.RunID()
}

// Workflow returns the workflow name.
func (c *RunContext) Workflow() string {
	return c.workflow
}

// IsReplaying reports whether prior records exist for this run.
func (c *RunContext) IsReplaying() bool {
	return c.execCtx.IsReplaying()
}

// nextStepID generates the deterministic ID for the next call with the
// given name. The same sequence of calls always yields the same IDs,
// which is what makes replay line up with the recorded history.
func (c *RunContext) nextStepID(name string) string {
	return c.execCtx.NextStepID(name)
}

// Store returns the durable store for advanced operations.
func (c *RunContext) Store() storage.Store {
	return c.execCtx.Store()
}

// Session returns the database executor for the current context: the
// transaction when called inside a transactional step, otherwise the
// database. Lets step actions write domain tables atomically with the
// step record.
func (c *RunContext) Session() storage.Executor {
	return c.execCtx.Store().Conn(c.ctx)
}

// Hooks returns the run hooks.
func (c *RunContext) Hooks() hooks.RunHooks {
	return c.execCtx.Hooks()
}

// App returns the owning App, or nil in direct engine tests.
func (c *RunContext) App() *App {
	return c.app
}
