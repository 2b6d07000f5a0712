// Package hooks defines observability hooks for run execution.
package hooks

import (
	"context"
	"time"
)

// RunHooks receives lifecycle callbacks from the engine. Implementations
// must be safe for concurrent use and must not block.
type RunHooks interface {
	OnRunStart(ctx context.Context, info RunStartInfo)
	OnRunComplete(ctx context.Context, info RunCompleteInfo)
	OnRunFailed(ctx context.Context, info RunFailedInfo)
	OnRunCancelled(ctx context.Context, info RunCancelledInfo)
	OnRunSuspended(ctx context.Context, info RunSuspendedInfo)

	OnStepStart(ctx context.Context, info StepStartInfo)
	OnStepComplete(ctx context.Context, info StepCompleteInfo)
	OnStepFailed(ctx context.Context, info StepFailedInfo)
	OnStepRetry(ctx context.Context, info StepRetryInfo)
	OnStepCacheHit(ctx context.Context, info StepCacheHitInfo)

	OnWaitStart(ctx context.Context, info WaitStartInfo)
	OnWaitResolved(ctx context.Context, info WaitResolvedInfo)
	OnWaitTimeout(ctx context.Context, info WaitTimeoutInfo)

	OnTimerStart(ctx context.Context, info TimerStartInfo)
	OnTimerFired(ctx context.Context, info TimerFiredInfo)

	OnReplayStart(ctx context.Context, info ReplayStartInfo)
	OnReplayComplete(ctx context.Context, info ReplayCompleteInfo)
}

type RunStartInfo struct {
	RunID     string
	Workflow  string
	StartTime time.Time
}

type RunCompleteInfo struct {
	RunID    string
	Workflow string
	Output   any
	Duration time.Duration
}

type RunFailedInfo struct {
	RunID    string
	Workflow string
	Error    error
	Duration time.Duration
}

type RunCancelledInfo struct {
	RunID  string
	Reason string
}

// RunSuspendedInfo marks the end of a dispatch pass that parked the
// run on a wait or timer.
type RunSuspendedInfo struct {
	RunID    string
	Workflow string
	Reason   string
}

type StepStartInfo struct {
	RunID    string
	Workflow string
	StepID   string
	StepName string
	Input    any
	IsReplay bool
}

type StepCompleteInfo struct {
	RunID    string
	Workflow string
	StepID   string
	StepName string
	Output   any
	Duration time.Duration
}

type StepFailedInfo struct {
	RunID    string
	Workflow string
	StepID   string
	StepName string
	Error    error
	Attempts int
	Duration time.Duration
}

type StepRetryInfo struct {
	RunID       string
	Workflow    string
	StepID      string
	StepName    string
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
	Error       error
}

type StepCacheHitInfo struct {
	RunID    string
	Workflow string
	StepID   string
	StepName string
}

type WaitStartInfo struct {
	RunID     string
	Workflow  string
	WaitID    string
	EventName string
	Timeout   *time.Duration
}

type WaitResolvedInfo struct {
	RunID     string
	WaitID    string
	EventName string
	Duration  time.Duration
}

type WaitTimeoutInfo struct {
	RunID     string
	WaitID    string
	EventName string
}

type TimerStartInfo struct {
	RunID     string
	TimerID   string
	ExpiresAt time.Time
}

type TimerFiredInfo struct {
	RunID   string
	TimerID string
}

type ReplayStartInfo struct {
	RunID         string
	Workflow      string
	CachedRecords int
}

type ReplayCompleteInfo struct {
	RunID     string
	Workflow  string
	CacheHits int
	NewSteps  int
	Duration  time.Duration
}

// NoOpHooks is the default RunHooks implementation.
type NoOpHooks struct{}

func (n *NoOpHooks) OnRunStart(ctx context.Context, info RunStartInfo)             {}
func (n *NoOpHooks) OnRunComplete(ctx context.Context, info RunCompleteInfo)       {}
func (n *NoOpHooks) OnRunFailed(ctx context.Context, info RunFailedInfo)           {}
func (n *NoOpHooks) OnRunCancelled(ctx context.Context, info RunCancelledInfo)     {}
func (n *NoOpHooks) OnRunSuspended(ctx context.Context, info RunSuspendedInfo)     {}
func (n *NoOpHooks) OnStepStart(ctx context.Context, info StepStartInfo)           {}
func (n *NoOpHooks) OnStepComplete(ctx context.Context, info StepCompleteInfo)     {}
func (n *NoOpHooks) OnStepFailed(ctx context.Context, info StepFailedInfo)         {}
func (n *NoOpHooks) OnStepRetry(ctx context.Context, info StepRetryInfo)           {}
func (n *NoOpHooks) OnStepCacheHit(ctx context.Context, info StepCacheHitInfo)     {}
func (n *NoOpHooks) OnWaitStart(ctx context.Context, info WaitStartInfo)           {}
func (n *NoOpHooks) OnWaitResolved(ctx context.Context, info WaitResolvedInfo)     {}
func (n *NoOpHooks) OnWaitTimeout(ctx context.Context, info WaitTimeoutInfo)       {}
func (n *NoOpHooks) OnTimerStart(ctx context.Context, info TimerStartInfo)         {}
func (n *NoOpHooks) OnTimerFired(ctx context.Context, info TimerFiredInfo)         {}
func (n *NoOpHooks) OnReplayStart(ctx context.Context, info ReplayStartInfo)       {}
func (n *NoOpHooks) OnReplayComplete(ctx context.Context, info ReplayCompleteInfo) {}
