package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/rowflow/runtime"
)

const instrumentationName = "github.com/petal-labs/rowflow"

// Config configures the telemetry pipeline of a process.
type Config struct {
	// ServiceName is reported as service.name (default: "rowflow").
	ServiceName string

	// Endpoint is the OTLP/HTTP collector (host:port). Empty keeps spans
	// in-process: trace IDs are still assigned to events but nothing is
	// exported.
	Endpoint string

	// URLPath overrides the traces path (default: "/v1/traces").
	URLPath string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// Headers are sent with every export request.
	Headers map[string]string
}

// Telemetry owns the tracer and meter providers and the handlers that
// feed them from run events.
type Telemetry struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader

	Tracing *TracingHandler
	Metrics *MetricsHandler
}

// Setup builds the providers. Metrics are kept in a manual reader and read
// back with Collect.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rowflow"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Endpoint != "" {
		exporter, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	return &Telemetry{
		tp:      tp,
		mp:      mp,
		reader:  reader,
		Tracing: NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics: metrics,
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}

// Handler feeds run events to the tracing and metrics handlers.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator stamps trace and span IDs on emitted events.
func (t *Telemetry) Decorator() runtime.EventEmitterDecorator {
	return Decorator(t.Tracing)
}

// Collect reads the current metric values.
func (t *Telemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.reader.Collect(ctx, &rm)
	return rm, err
}

// StageRows sums the rowflow.stage.rows counter per stage and direction,
// keyed "stage/direction".
func (t *Telemetry) StageRows(ctx context.Context) (map[string]int64, error) {
	rm, err := t.Collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "rowflow.stage.rows" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				stage, _ := dp.Attributes.Value("stage")
				dir, _ := dp.Attributes.Value("direction")
				out[stage.AsString()+"/"+dir.AsString()] += dp.Value
			}
		}
	}
	return out, nil
}

// Shutdown flushes pending spans and releases both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
