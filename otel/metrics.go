package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/runtime"
)

// MetricsHandler translates run events into OpenTelemetry metrics: row
// counters per stage, instance failures, and run and instance durations.
type MetricsHandler struct {
	rows             metric.Int64Counter
	instanceFailures metric.Int64Counter
	instanceDuration metric.Float64Histogram
	runs             metric.Int64Counter
	runDuration      metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	rows, err := meter.Int64Counter("rowflow.stage.rows",
		metric.WithDescription("Rows handled by stage instances, by direction"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	fails, err := meter.Int64Counter("rowflow.instance.failures",
		metric.WithDescription("Number of stage instances that ended with errors"),
	)
	if err != nil {
		return nil, err
	}

	instDur, err := meter.Float64Histogram("rowflow.instance.duration",
		metric.WithDescription("Duration of a stage instance in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("rowflow.runs",
		metric.WithDescription("Number of finished runs, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("rowflow.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		rows:             rows,
		instanceFailures: fails,
		instanceDuration: instDur,
		runs:             runs,
		runDuration:      runDur,
	}, nil
}

// Handle processes a run event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventInstanceFinished, runtime.EventInstanceFailed:
		h.handleInstanceEnded(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleInstanceEnded(e runtime.Event) {
	ctx := context.Background()
	stage := attribute.String("stage", e.Stage)

	if e.Kind == runtime.EventInstanceFailed {
		h.instanceFailures.Add(ctx, 1, metric.WithAttributes(stage))
	}
	if _, started := e.Payload["counters"]; !started {
		// init failures carry no counters and never ran
		return
	}
	h.instanceDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(stage))

	c, _ := e.Payload["counters"].(core.Counters)
	for _, d := range []struct {
		name string
		n    int64
	}{
		{"read", c.Read},
		{"written", c.Written},
		{"input", c.Input},
		{"output", c.Output},
		{"updated", c.Updated},
		{"rejected", c.Rejected},
	} {
		if d.n > 0 {
			h.rows.Add(ctx, d.n, metric.WithAttributes(stage, attribute.String("direction", d.name)))
		}
	}
}

func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	ctx := context.Background()
	outcome := "success"
	if errs, _ := e.Payload["errors"].(int64); errs > 0 {
		outcome = "failed"
	} else if stopped, _ := e.Payload["stopped"].(bool); stopped {
		outcome = "stopped"
	}
	attrs := metric.WithAttributes(
		attribute.String("graph", e.Graph),
		attribute.String("outcome", outcome),
	)
	h.runs.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}
