// Package otel provides OpenTelemetry integration for RowFlow run events.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/runtime"
)

// TracingHandler translates run events into OpenTelemetry spans: one root
// span per run and one child span per stage instance.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	instSpans map[string]trace.Span      // runID/stage.copy -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from run events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		instSpans: make(map[string]trace.Span),
	}
}

func instanceKey(runID, stage string, copyIndex int) string {
	return runID + "/" + stage + "." + strconv.Itoa(copyIndex)
}

// Handle processes a run event and creates or ends spans accordingly.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventInstanceStarted:
		h.handleInstanceStarted(e)
	case runtime.EventInstanceFinished, runtime.EventInstanceFailed:
		h.handleInstanceEnded(e)
	case runtime.EventRunPaused, runtime.EventRunResumed, runtime.EventRunStopped:
		h.handleRunMarker(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	spanName := "run:" + e.RunID
	if e.Graph != "" {
		spanName = "run:" + e.Graph
	}
	attrs := []attribute.KeyValue{
		attribute.String("rowflow.run_id", e.RunID),
		attribute.String("rowflow.graph", e.Graph),
	}
	if mode, ok := e.Payload["mode"].(string); ok {
		attrs = append(attrs, attribute.String("rowflow.mode", mode))
	}
	if batch, ok := e.Payload["batch_id"].(string); ok {
		attrs = append(attrs, attribute.String("rowflow.batch_id", batch))
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleInstanceStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "stage:"+e.Stage,
		trace.WithAttributes(
			attribute.String("rowflow.run_id", e.RunID),
			attribute.String("rowflow.stage", e.Stage),
			attribute.Int("rowflow.copy", e.Copy),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.instSpans[instanceKey(e.RunID, e.Stage, e.Copy)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleInstanceEnded(e runtime.Event) {
	key := instanceKey(e.RunID, e.Stage, e.Copy)

	h.mu.Lock()
	span, ok := h.instSpans[key]
	delete(h.instSpans, key)
	h.mu.Unlock()

	if !ok {
		return
	}
	if state, found := e.Payload["state"].(string); found {
		span.SetAttributes(attribute.String("rowflow.state", state))
	}
	if c, found := e.Payload["counters"].(core.Counters); found {
		span.SetAttributes(counterAttributes(c)...)
	}
	if e.Kind == runtime.EventInstanceFailed {
		errMsg := "instance failed"
		if msg, found := e.Payload["error"].(string); found {
			errMsg = msg
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleRunMarker records control actions as events on the run span.
func (h *TracingHandler) handleRunMarker(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if ok {
		span.AddEvent(e.Kind.String(), trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	h.mu.Unlock()

	if !ok {
		return
	}

	errs, _ := e.Payload["errors"].(int64)
	stopped, _ := e.Payload["stopped"].(bool)
	span.SetAttributes(
		attribute.String("rowflow.duration", e.Elapsed.String()),
		attribute.Int64("rowflow.errors", errs),
		attribute.Bool("rowflow.stopped", stopped),
	)
	if c, found := e.Payload["counters"].(core.Counters); found {
		span.SetAttributes(counterAttributes(c)...)
	}
	if errs > 0 {
		span.SetStatus(codes.Error, "run finished with "+strconv.FormatInt(errs, 10)+" errors")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func counterAttributes(c core.Counters) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("rowflow.rows.read", c.Read),
		attribute.Int64("rowflow.rows.written", c.Written),
		attribute.Int64("rowflow.rows.rejected", c.Rejected),
	}
}

// ActiveInstanceSpanContext returns the SpanContext of the running
// instance span, or an empty SpanContext.
func (h *TracingHandler) ActiveInstanceSpanContext(runID, stage string, copyIndex int) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.instSpans[instanceKey(runID, stage, copyIndex)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
