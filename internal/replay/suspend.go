package replay

import (
	"errors"
	"fmt"
	"time"
)

// SuspendType represents the kind of suspension a run requested.
type SuspendType int

const (
	// SuspendForWait indicates the run is waiting for a correlated event.
	SuspendForWait SuspendType = iota
	// SuspendForTimer indicates the run is waiting for a durable timer.
	SuspendForTimer
)

func (t SuspendType) String() string {
	switch t {
	case SuspendForWait:
		return "wait"
	case SuspendForTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// SuspendSignal is returned when a run needs to suspend. It implements
// the error interface so it can flow through ordinary error returns,
// but it is NOT an error - it is a control flow signal. Workflow code
// must propagate it unchanged; the engine detects it and persists the
// wait or timer before releasing the run's lock.
type SuspendSignal struct {
	Type  SuspendType
	RunID string

	// For SuspendForWait
	WaitID           string
	EventName        string
	MatchExpr        string
	CorrelationValue []byte
	TimeoutAt        time.Time // zero = wait forever

	// For SuspendForTimer
	TimerID   string
	ExpiresAt time.Time
}

func (s *SuspendSignal) Error() string {
	switch s.Type {
	case SuspendForWait:
		return fmt.Sprintf("run suspended: waiting for event %q (wait %s)", s.EventName, s.WaitID)
	case SuspendForTimer:
		return fmt.Sprintf("run suspended: waiting for timer %q until %v", s.TimerID, s.ExpiresAt)
	default:
		return "run suspended"
	}
}

// AsSuspendSignal extracts the SuspendSignal from an error, or nil.
func AsSuspendSignal(err error) *SuspendSignal {
	var sig *SuspendSignal
	if errors.As(err, &sig) {
		return sig
	}
	return nil
}

// NewWaitSuspend creates a SuspendSignal for event waiting.
func NewWaitSuspend(runID, waitID, eventName, matchExpr string, correlation []byte, timeoutAt time.Time) *SuspendSignal {
	return &SuspendSignal{
		Type:             SuspendForWait,
		RunID:            runID,
		WaitID:           waitID,
		EventName:        eventName,
		MatchExpr:        matchExpr,
		CorrelationValue: correlation,
		TimeoutAt:        timeoutAt,
	}
}

// NewTimerSuspend creates a SuspendSignal for timer waiting.
func NewTimerSuspend(runID, timerID string, expiresAt time.Time) *SuspendSignal {
	return &SuspendSignal{
		Type:      SuspendForTimer,
		RunID:     runID,
		TimerID:   timerID,
		ExpiresAt: expiresAt,
	}
}
