// Package match correlates inbound events with pending wait
// registrations using compiled match expressions.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/carebill/claimflow/internal/storage"
)

// DefaultBufferWindow is how long an unmatched event is retained for a
// late-registering wait before being dropped.
const DefaultBufferWindow = 5 * time.Minute

// Matcher resolves pending waits against inbound events. Expressions
// are compiled once and cached; evaluation is side-effect free, so a
// cached program can serve concurrent submissions.
type Matcher struct {
	store        storage.Store
	logger       *slog.Logger
	bufferWindow time.Duration

	// onResolved is invoked after a wait is won by an event, once the
	// run has been moved back to running.
	onResolved func(ctx context.Context, runID string)

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewMatcher creates a Matcher backed by the given store.
func NewMatcher(s storage.Store, logger *slog.Logger, bufferWindow time.Duration) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferWindow <= 0 {
		bufferWindow = DefaultBufferWindow
	}
	return &Matcher{
		store:        s,
		logger:       logger,
		bufferWindow: bufferWindow,
		programs:     make(map[string]*vm.Program),
	}
}

// SetResolvedFunc sets the callback invoked when an event wins a wait.
func (m *Matcher) SetResolvedFunc(fn func(ctx context.Context, runID string)) {
	m.onResolved = fn
}

// SubmitEvent offers an event to every pending wait registered for its
// name. The first registration whose match expression accepts the
// payload is resolved through the conditional write; losing the write
// means a timeout or another submission got there first, and the next
// candidate is tried. Returns true if the event resolved a wait; the
// caller decides whether an unclaimed event is buffered.
func (m *Matcher) SubmitEvent(ctx context.Context, eventName string, payload []byte) (bool, error) {
	var decoded map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return false, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}

	waits, err := m.store.FindPendingWaits(ctx, eventName)
	if err != nil {
		return false, fmt.Errorf("failed to find pending waits: %w", err)
	}

	for _, reg := range waits {
		ok, evalErr := m.evaluate(reg, decoded)
		if evalErr != nil {
			m.logger.Warn("match expression failed",
				"run_id", reg.RunID, "wait_id", reg.WaitID, "error", evalErr)
			continue
		}
		if !ok {
			continue
		}

		won, resErr := m.store.ResolveWait(ctx, reg.RunID, reg.WaitID, storage.WaitByEvent, payload)
		if resErr != nil {
			return false, fmt.Errorf("failed to resolve wait: %w", resErr)
		}
		if !won {
			// Stale registration: already resolved by timeout or a
			// concurrent event. Try the next candidate.
			continue
		}

		if !reg.TimeoutAt.IsZero() {
			if err := m.store.RemoveTimer(ctx, reg.RunID, reg.WaitID); err != nil {
				m.logger.Warn("failed to remove wait timeout timer",
					"run_id", reg.RunID, "wait_id", reg.WaitID, "error", err)
			}
		}

		if _, err := m.store.TransitionRunStatus(ctx, reg.RunID,
			[]storage.RunStatus{storage.StatusWaiting}, storage.StatusRunning, ""); err != nil {
			return false, fmt.Errorf("failed to wake run: %w", err)
		}

		m.logger.Debug("event resolved wait",
			"event", eventName, "run_id", reg.RunID, "wait_id", reg.WaitID)
		if m.onResolved != nil {
			m.onResolved(ctx, reg.RunID)
		}
		return true, nil
	}
	return false, nil
}

// Buffer holds an unclaimed event for a registration that is racing
// submission. The event is dropped after the grace window.
func (m *Matcher) Buffer(ctx context.Context, eventName string, payload []byte) error {
	ev := &storage.BufferedEvent{
		EventID:   uuid.NewString(),
		EventName: eventName,
		Payload:   payload,
		ExpiresAt: time.Now().Add(m.bufferWindow),
	}
	if err := m.store.BufferEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to buffer event: %w", err)
	}
	m.logger.Debug("event buffered", "event", eventName, "event_id", ev.EventID)
	return nil
}

// MatchBuffered checks the event buffer for a just-registered wait.
// Called by the engine after persisting a registration, closing the
// race where the event arrived first.
func (m *Matcher) MatchBuffered(ctx context.Context, reg *storage.WaitRegistration) (bool, error) {
	events, err := m.store.FindBufferedEvents(ctx, reg.EventName)
	if err != nil {
		return false, fmt.Errorf("failed to read event buffer: %w", err)
	}

	for _, ev := range events {
		var decoded map[string]any
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
				continue
			}
		}
		ok, evalErr := m.evaluate(reg, decoded)
		if evalErr != nil || !ok {
			continue
		}

		won, resErr := m.store.ResolveWait(ctx, reg.RunID, reg.WaitID, storage.WaitByEvent, ev.Payload)
		if resErr != nil {
			return false, fmt.Errorf("failed to resolve wait: %w", resErr)
		}
		if !won {
			return false, nil
		}
		if err := m.store.RemoveBufferedEvent(ctx, ev.EventID); err != nil {
			m.logger.Warn("failed to remove buffered event",
				"event_id", ev.EventID, "error", err)
		}
		if !reg.TimeoutAt.IsZero() {
			if err := m.store.RemoveTimer(ctx, reg.RunID, reg.WaitID); err != nil {
				m.logger.Warn("failed to remove wait timeout timer",
					"run_id", reg.RunID, "wait_id", reg.WaitID, "error", err)
			}
		}
		if _, err := m.store.TransitionRunStatus(ctx, reg.RunID,
			[]storage.RunStatus{storage.StatusWaiting}, storage.StatusRunning, ""); err != nil {
			return false, fmt.Errorf("failed to wake run: %w", err)
		}
		m.logger.Debug("buffered event resolved wait",
			"event", reg.EventName, "run_id", reg.RunID, "wait_id", reg.WaitID)
		if m.onResolved != nil {
			m.onResolved(ctx, reg.RunID)
		}
		return true, nil
	}
	return false, nil
}

// ExpireBuffered drops buffered events past their grace window.
func (m *Matcher) ExpireBuffered(ctx context.Context) (int64, error) {
	return m.store.ExpireBufferedEvents(ctx)
}

func (m *Matcher) evaluate(reg *storage.WaitRegistration, payload map[string]any) (bool, error) {
	program, err := m.compile(reg.MatchExpr)
	if err != nil {
		return false, err
	}

	var correlation any
	if len(reg.CorrelationValue) > 0 {
		if err := json.Unmarshal(reg.CorrelationValue, &correlation); err != nil {
			return false, fmt.Errorf("invalid correlation value: %w", err)
		}
	}

	// The environment exposes "payload" (decoded event data) and
	// "correlation" (the value the waiting run registered with).
	out, err := expr.Run(program, map[string]any{
		"payload":     payload,
		"correlation": correlation,
	})
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return result, nil
}

// compile returns the cached program for source, compiling on first use.
func (m *Matcher) compile(source string) (*vm.Program, error) {
	m.mu.RLock()
	program, ok := m.programs[source]
	m.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile match expression %q: %w", source, err)
	}

	m.mu.Lock()
	m.programs[source] = program
	m.mu.Unlock()
	return program, nil
}
