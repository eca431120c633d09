package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/rowflow/core"
	rowotel "github.com/petal-labs/rowflow/otel"
	"github.com/petal-labs/rowflow/runtime"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumWhere(t *testing.T, m *metricdata.Metrics, kvs ...attribute.KeyValue) int64 {
	t.Helper()
	if m == nil {
		t.Fatal("metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range kvs {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				match = false
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func instanceEnded(kind runtime.EventKind, stage string, copyIndex int, c core.Counters) runtime.Event {
	return runtime.NewEvent(kind, "run-1").
		WithInstance(stage, copyIndex).
		WithElapsed(50*time.Millisecond).
		WithPayload("state", "finished").
		WithPayload("counters", c)
}

func TestMetricsHandler_InstanceRows(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := rowotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(instanceEnded(runtime.EventInstanceFinished, "split", 0, core.Counters{Read: 40, Written: 40}))
	h.Handle(instanceEnded(runtime.EventInstanceFinished, "split", 1, core.Counters{Read: 60, Written: 58, Rejected: 2}))
	h.Handle(instanceEnded(runtime.EventInstanceFinished, "sink", 0, core.Counters{Read: 98, Output: 98}))

	rm := collectMetrics(t, reader)
	rows := findMetric(rm, "rowflow.stage.rows")
	tests := []struct {
		stage, dir string
		want       int64
	}{
		{"split", "read", 100},
		{"split", "written", 98},
		{"split", "rejected", 2},
		{"sink", "output", 98},
		{"sink", "written", 0},
	}
	for _, tt := range tests {
		got := sumWhere(t, rows, attribute.String("stage", tt.stage), attribute.String("direction", tt.dir))
		if got != tt.want {
			t.Errorf("%s/%s = %d, want %d", tt.stage, tt.dir, got, tt.want)
		}
	}

	dur := findMetric(rm, "rowflow.instance.duration")
	if dur == nil {
		t.Fatal("instance duration histogram not found")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestMetricsHandler_Failures(t *testing.T) {
	reader, mp := newTestMeter()
	h, _ := rowotel.NewMetricsHandler(mp.Meter("test"))

	h.Handle(instanceEnded(runtime.EventInstanceFailed, "load", 0, core.Counters{Read: 3, Errors: 1}))
	// init failure: no counters, never ran
	h.Handle(runtime.NewEvent(runtime.EventInstanceFailed, "run-1").
		WithInstance("load", 1).
		WithPayload("error", "boom"))

	rm := collectMetrics(t, reader)
	if got := sumWhere(t, findMetric(rm, "rowflow.instance.failures"), attribute.String("stage", "load")); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
	hist := findMetric(rm, "rowflow.instance.duration").Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("only the instance that ran should record a duration: %+v", hist.DataPoints)
	}
}

func TestMetricsHandler_RunOutcome(t *testing.T) {
	reader, mp := newTestMeter()
	h, _ := rowotel.NewMetricsHandler(mp.Meter("test"))

	finished := func(errs int64, stopped bool) runtime.Event {
		return runtime.NewEvent(runtime.EventRunFinished, "run-1").
			WithGraph("orders").
			WithElapsed(2*time.Second).
			WithPayload("errors", errs).
			WithPayload("stopped", stopped)
	}
	h.Handle(finished(0, false))
	h.Handle(finished(0, false))
	h.Handle(finished(3, true))
	h.Handle(finished(0, true))

	runs := findMetric(collectMetrics(t, reader), "rowflow.runs")
	for outcome, want := range map[string]int64{"success": 2, "failed": 1, "stopped": 1} {
		if got := sumWhere(t, runs, attribute.String("outcome", outcome)); got != want {
			t.Errorf("%s runs = %d, want %d", outcome, got, want)
		}
	}
}

func TestMetricsHandler_IgnoresOtherEvents(t *testing.T) {
	reader, mp := newTestMeter()
	h, _ := rowotel.NewMetricsHandler(mp.Meter("test"))

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	h.Handle(runtime.NewEvent(runtime.EventRunSnapshot, "run-1"))

	rm := collectMetrics(t, reader)
	if m := findMetric(rm, "rowflow.stage.rows"); m != nil {
		if sum := m.Data.(metricdata.Sum[int64]); len(sum.DataPoints) != 0 {
			t.Errorf("unexpected data points: %+v", sum.DataPoints)
		}
	}
}
