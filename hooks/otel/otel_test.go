package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/carebill/claimflow/hooks"
)

// setupTest creates a test tracer provider and returns the hooks and span recorder.
func setupTest() (*OTelHooks, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := NewOTelHooks(tp)
	return h, sr
}

func TestRunLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:     "run-1",
		Workflow:  "claim-lifecycle",
		StartTime: time.Now(),
	})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		Duration: 100 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name() != "run/claim-lifecycle" {
		t.Errorf("expected span name 'run/claim-lifecycle', got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected status OK, got %v", span.Status().Code)
	}

	attrs := span.Attributes()
	checkAttribute(t, attrs, "claimflow.run_id", "run-1")
	checkAttribute(t, attrs, "claimflow.workflow", "claim-lifecycle")
}

func TestRunSuspendedEndsOpenSpans(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	// A replaying pass opens both a replay span and a run span before
	// the workflow parks on a wait.
	h.OnReplayStart(ctx, hooks.ReplayStartInfo{
		RunID:         "run-1",
		Workflow:      "claim-lifecycle",
		CachedRecords: 3,
	})
	h.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:     "run-1",
		Workflow:  "claim-lifecycle",
		StartTime: time.Now(),
	})
	h.OnRunSuspended(ctx, hooks.RunSuspendedInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		Reason:   "wait",
	})

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Status().Code != codes.Ok {
			t.Errorf("span %s: expected status OK, got %v", span.Name(), span.Status().Code)
		}
	}

	var runSpan sdktrace.ReadOnlySpan
	for _, span := range spans {
		if span.Name() == "run/claim-lifecycle" {
			runSpan = span
		}
	}
	if runSpan == nil {
		t.Fatal("run span was not ended")
	}
	checkAttribute(t, runSpan.Attributes(), "claimflow.suspend", "wait")

	// The next dispatch pass must start from a clean slate.
	h.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:     "run-1",
		Workflow:  "claim-lifecycle",
		StartTime: time.Now(),
	})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		Duration: 10 * time.Millisecond,
	})
	if got := len(sr.Ended()); got != 3 {
		t.Fatalf("expected 3 ended spans after the second pass, got %d", got)
	}
}

func TestRunFailedEndsReplaySpan(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnReplayStart(ctx, hooks.ReplayStartInfo{
		RunID:         "run-1",
		Workflow:      "remittance-posting",
		CachedRecords: 2,
	})
	h.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:     "run-1",
		Workflow:  "remittance-posting",
		StartTime: time.Now(),
	})
	h.OnRunFailed(ctx, hooks.RunFailedInfo{
		RunID:    "run-1",
		Workflow: "remittance-posting",
		Error:    errors.New("ledger rejected posting"),
		Duration: 50 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Status().Code != codes.Error {
			t.Errorf("span %s: expected status Error, got %v", span.Name(), span.Status().Code)
		}
	}
}

func TestStepLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnStepStart(ctx, hooks.StepStartInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		StepID:   "submit-claim:1",
		StepName: "submit-claim",
	})
	h.OnStepComplete(ctx, hooks.StepCompleteInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		StepID:   "submit-claim:1",
		StepName: "submit-claim",
		Duration: 20 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name() != "step/submit-claim" {
		t.Errorf("expected span name 'step/submit-claim', got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected status OK, got %v", span.Status().Code)
	}
	checkAttribute(t, span.Attributes(), "claimflow.step_id", "submit-claim:1")
}

func TestStepRetryRecordsEvent(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnStepStart(ctx, hooks.StepStartInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		StepID:   "submit-claim:1",
		StepName: "submit-claim",
	})
	h.OnStepRetry(ctx, hooks.StepRetryInfo{
		RunID:       "run-1",
		Workflow:    "claim-lifecycle",
		StepID:      "submit-claim:1",
		StepName:    "submit-claim",
		Attempt:     1,
		MaxAttempts: 3,
		NextDelay:   2 * time.Second,
		Error:       errors.New("gateway timeout"),
	})
	h.OnStepFailed(ctx, hooks.StepFailedInfo{
		RunID:    "run-1",
		Workflow: "claim-lifecycle",
		StepID:   "submit-claim:1",
		StepName: "submit-claim",
		Error:    errors.New("gateway timeout"),
		Attempts: 3,
		Duration: 6 * time.Second,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", span.Status().Code)
	}
	events := span.Events()
	if len(events) != 2 {
		// RecordError adds an exception event alongside the retry.
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "retry" {
		t.Errorf("expected event name 'retry', got %s", events[0].Name)
	}
}

func TestReplayLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnReplayStart(ctx, hooks.ReplayStartInfo{
		RunID:         "run-1",
		Workflow:      "claim-lifecycle",
		CachedRecords: 5,
	})
	h.OnReplayComplete(ctx, hooks.ReplayCompleteInfo{
		RunID:     "run-1",
		Workflow:  "claim-lifecycle",
		CacheHits: 3,
		NewSteps:  2,
		Duration:  10 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name() != "replay/claim-lifecycle" {
		t.Errorf("expected span name 'replay/claim-lifecycle', got %s", span.Name())
	}
	checkAttributeInt(t, span.Attributes(), "claimflow.cache_hits", 3)
	checkAttributeInt(t, span.Attributes(), "claimflow.new_steps", 2)
}

func TestImplementsInterface(t *testing.T) {
	var _ hooks.RunHooks = (*OTelHooks)(nil)
}

// Helper functions

func checkAttribute(t *testing.T, attrs []attribute.KeyValue, key, expected string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expected {
				t.Errorf("expected attribute %s=%s, got %s", key, expected, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func checkAttributeInt(t *testing.T, attrs []attribute.KeyValue, key string, expected int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expected) {
				t.Errorf("expected attribute %s=%d, got %d", key, expected, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}
