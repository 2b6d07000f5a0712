package claimflow

import (
	"errors"
	"fmt"

	"github.com/carebill/claimflow/internal/storage"
)

// ErrWaitTimeout is returned by WaitEvent when the wait's deadline
// passed before a matching event arrived. Workflows branch on it with
// errors.Is to take their timeout path.
var ErrWaitTimeout = errors.New("wait timed out")

// ErrRunCancelled is returned from suspension points of a cancelled run.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunNotFound indicates no run exists for the given ID.
var ErrRunNotFound = storage.ErrRunNotFound

// ErrWorkflowNotRegistered indicates a run references a workflow name
// the application does not know.
var ErrWorkflowNotRegistered = errors.New("workflow not registered")

// ErrRunNotRetryable indicates RetryRun was called on a run that is not
// in the failed state.
var ErrRunNotRetryable = errors.New("run is not in a retryable state")

// StepError is the memoized failure of an exhausted step. Replaying a
// run that previously failed surfaces the same error without
// re-invoking the action.
type StepError struct {
	StepID   string
	StepName string
	Attempts int
	Message  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %s", e.StepID, e.Attempts, e.Message)
}
