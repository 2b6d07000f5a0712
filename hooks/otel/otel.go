// Package otel provides OpenTelemetry tracing for claimflow run hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebill/claimflow/hooks"
)

const tracerName = "claimflow"

// OTelHooks implements RunHooks with OpenTelemetry tracing. It creates
// spans for run, step, wait, timer, and replay lifecycle events.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex

	// run_id -> active run span and context for child spans
	runSpans    map[string]trace.Span
	runContexts map[string]context.Context

	// run_id:step_id -> active step span
	stepSpans map[string]trace.Span

	// run_id -> active replay span
	replaySpans map[string]trace.Span
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:      tracer,
		runSpans:    make(map[string]trace.Span),
		runContexts: make(map[string]context.Context),
		stepSpans:   make(map[string]trace.Span),
		replaySpans: make(map[string]trace.Span),
	}
}

func (h *OTelHooks) runContext(ctx context.Context, runID string) context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if spanCtx, ok := h.runContexts[runID]; ok {
		return spanCtx
	}
	return ctx
}

// OnRunStart creates a new span when a dispatch pass starts.
func (h *OTelHooks) OnRunStart(ctx context.Context, info hooks.RunStartInfo) {
	spanCtx, span := h.tracer.Start(ctx, fmt.Sprintf("run/%s", info.Workflow),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("claimflow.run_id", info.RunID),
			attribute.String("claimflow.workflow", info.Workflow),
		),
	)
	h.mu.Lock()
	h.runSpans[info.RunID] = span
	h.runContexts[info.RunID] = spanCtx
	h.mu.Unlock()
}

// OnRunComplete ends the run span with success status.
func (h *OTelHooks) OnRunComplete(ctx context.Context, info hooks.RunCompleteInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.Int64("claimflow.duration_ms", info.Duration.Milliseconds()))
		span.SetStatus(codes.Ok, "run completed")
	})
}

// OnRunFailed ends the run span, and any open replay span, with error
// status.
func (h *OTelHooks) OnRunFailed(ctx context.Context, info hooks.RunFailedInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.Int64("claimflow.duration_ms", info.Duration.Milliseconds()))
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
	})
	h.endReplaySpan(info.RunID, func(span trace.Span) {
		span.SetStatus(codes.Error, info.Error.Error())
	})
}

// OnRunSuspended ends the run span, and any open replay span, when the
// pass parks the run on a wait or timer. The next dispatch opens fresh
// spans.
func (h *OTelHooks) OnRunSuspended(ctx context.Context, info hooks.RunSuspendedInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.String("claimflow.suspend", info.Reason))
		span.SetStatus(codes.Ok, "run suspended")
	})
	h.endReplaySpan(info.RunID, func(span trace.Span) {
		span.SetStatus(codes.Ok, "replay suspended")
	})
}

// OnRunCancelled ends the run span with cancellation status.
func (h *OTelHooks) OnRunCancelled(ctx context.Context, info hooks.RunCancelledInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.String("claimflow.cancel_reason", info.Reason))
		span.SetStatus(codes.Error, "run cancelled: "+info.Reason)
	})
}

func (h *OTelHooks) endRunSpan(runID string, finish func(trace.Span)) {
	h.mu.Lock()
	span, ok := h.runSpans[runID]
	if ok {
		delete(h.runSpans, runID)
		delete(h.runContexts, runID)
	}
	h.mu.Unlock()
	if ok {
		finish(span)
		span.End()
	}
}

// OnStepStart creates a child span for the step.
func (h *OTelHooks) OnStepStart(ctx context.Context, info hooks.StepStartInfo) {
	parent := h.runContext(ctx, info.RunID)
	_, span := h.tracer.Start(parent, fmt.Sprintf("step/%s", info.StepName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("claimflow.run_id", info.RunID),
			attribute.String("claimflow.step_id", info.StepID),
			attribute.Bool("claimflow.is_replay", info.IsReplay),
		),
	)
	h.mu.Lock()
	h.stepSpans[info.RunID+":"+info.StepID] = span
	h.mu.Unlock()
}

// OnStepComplete ends the step span with success status.
func (h *OTelHooks) OnStepComplete(ctx context.Context, info hooks.StepCompleteInfo) {
	h.endStepSpan(info.RunID, info.StepID, func(span trace.Span) {
		span.SetAttributes(attribute.Int64("claimflow.duration_ms", info.Duration.Milliseconds()))
		span.SetStatus(codes.Ok, "step completed")
	})
}

// OnStepFailed ends the step span with error status.
func (h *OTelHooks) OnStepFailed(ctx context.Context, info hooks.StepFailedInfo) {
	h.endStepSpan(info.RunID, info.StepID, func(span trace.Span) {
		span.SetAttributes(attribute.Int("claimflow.attempts", info.Attempts))
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
	})
}

// OnStepCacheHit ends the step span immediately as a replay hit.
func (h *OTelHooks) OnStepCacheHit(ctx context.Context, info hooks.StepCacheHitInfo) {
	h.endStepSpan(info.RunID, info.StepID, func(span trace.Span) {
		span.SetAttributes(attribute.Bool("claimflow.cache_hit", true))
		span.SetStatus(codes.Ok, "replayed from record")
	})
}

// OnStepRetry records a retry event on the step span.
func (h *OTelHooks) OnStepRetry(ctx context.Context, info hooks.StepRetryInfo) {
	h.mu.Lock()
	span, ok := h.stepSpans[info.RunID+":"+info.StepID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("claimflow.attempt", info.Attempt),
			attribute.Int("claimflow.max_attempts", info.MaxAttempts),
			attribute.String("claimflow.next_delay", info.NextDelay.String()),
		))
	}
}

func (h *OTelHooks) endStepSpan(runID, stepID string, finish func(trace.Span)) {
	key := runID + ":" + stepID
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()
	if ok {
		finish(span)
		span.End()
	}
}

// OnWaitStart records the suspension on the run span.
func (h *OTelHooks) OnWaitStart(ctx context.Context, info hooks.WaitStartInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.RunID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("wait", trace.WithAttributes(
			attribute.String("claimflow.wait_id", info.WaitID),
			attribute.String("claimflow.event_name", info.EventName),
		))
	}
}

// OnWaitResolved records the resolution on the run span.
func (h *OTelHooks) OnWaitResolved(ctx context.Context, info hooks.WaitResolvedInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.RunID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("wait_resolved", trace.WithAttributes(
			attribute.String("claimflow.wait_id", info.WaitID),
			attribute.String("claimflow.event_name", info.EventName),
		))
	}
}

// OnReplayStart creates a span for the replay phase of a dispatch.
func (h *OTelHooks) OnReplayStart(ctx context.Context, info hooks.ReplayStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("replay/%s", info.Workflow),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("claimflow.run_id", info.RunID),
			attribute.Int("claimflow.cached_records", info.CachedRecords),
		),
	)
	h.mu.Lock()
	h.replaySpans[info.RunID] = span
	h.mu.Unlock()
}

// OnReplayComplete ends the replay span.
func (h *OTelHooks) OnReplayComplete(ctx context.Context, info hooks.ReplayCompleteInfo) {
	h.endReplaySpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(
			attribute.Int("claimflow.cache_hits", info.CacheHits),
			attribute.Int("claimflow.new_steps", info.NewSteps),
			attribute.Int64("claimflow.duration_ms", info.Duration.Milliseconds()),
		)
		span.SetStatus(codes.Ok, "replay complete")
	})
}

func (h *OTelHooks) endReplaySpan(runID string, finish func(trace.Span)) {
	h.mu.Lock()
	span, ok := h.replaySpans[runID]
	if ok {
		delete(h.replaySpans, runID)
	}
	h.mu.Unlock()
	if ok {
		finish(span)
		span.End()
	}
}
