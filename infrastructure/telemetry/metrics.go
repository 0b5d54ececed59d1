// Package telemetry records controller activity as OpenTelemetry metrics
// and spans.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// Recorder receives controller events.
type Recorder interface {
	// RecordTransition counts one phase change.
	RecordTransition(ctx context.Context, from, to agent.Phase)

	// RecordPlanOutcome counts a plan leaving the waiting status.
	RecordPlanOutcome(ctx context.Context, status agent.PlanStatus)

	// RecordRun counts a finished run and records its duration.
	RecordRun(ctx context.Context, final agent.Phase, code agent.ErrorCode, d time.Duration)

	// StartPhase opens a span for one step in the given phase. The returned
	// function ends the span, marking it failed when err is non-nil.
	StartPhase(ctx context.Context, phase agent.Phase) (context.Context, func(err error))
}

// MetricsProvider is the OpenTelemetry Recorder.
type MetricsProvider struct {
	meter  metric.Meter
	tracer trace.Tracer
	attrs  []attribute.KeyValue

	transitions metric.Int64Counter
	plans       metric.Int64Counter
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram

	initOnce sync.Once
	initErr  error
}

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// InstrumentationName names the meter and tracer (default: "github.com/felixgeelhaar/planloop").
	InstrumentationName string
	// Version is the instrumentation version.
	Version string
	// Attributes are attached to every measurement.
	Attributes []attribute.KeyValue

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultMetricsConfig returns a default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		InstrumentationName: "github.com/felixgeelhaar/planloop",
		Version:             "1.0.0",
	}
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(config MetricsConfig) *MetricsProvider {
	if config.InstrumentationName == "" {
		config.InstrumentationName = DefaultMetricsConfig().InstrumentationName
	}
	if config.MeterProvider == nil {
		config.MeterProvider = otel.GetMeterProvider()
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	mp := &MetricsProvider{
		meter: config.MeterProvider.Meter(
			config.InstrumentationName,
			metric.WithInstrumentationVersion(config.Version),
		),
		tracer: config.TracerProvider.Tracer(
			config.InstrumentationName,
			trace.WithInstrumentationVersion(config.Version),
		),
		attrs: config.Attributes,
	}

	mp.initOnce.Do(func() {
		mp.initErr = mp.initInstruments()
	})

	return mp
}

func (mp *MetricsProvider) initInstruments() error {
	var err error

	mp.transitions, err = mp.meter.Int64Counter(
		"planloop.transitions",
		metric.WithDescription("Number of controller phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	mp.plans, err = mp.meter.Int64Counter(
		"planloop.plans",
		metric.WithDescription("Number of resolved plans by status"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return err
	}

	mp.runs, err = mp.meter.Int64Counter(
		"planloop.runs",
		metric.WithDescription("Number of finished runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	mp.runDuration, err = mp.meter.Float64Histogram(
		"planloop.run.duration",
		metric.WithDescription("Duration of controller runs"),
		metric.WithUnit("s"),
	)
	return err
}

// Error returns any initialization error.
func (mp *MetricsProvider) Error() error {
	return mp.initErr
}

func (mp *MetricsProvider) with(attrs ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(mp.attrs)+len(attrs))
	all = append(all, mp.attrs...)
	all = append(all, attrs...)
	return metric.WithAttributes(all...)
}

// RecordTransition implements Recorder.
func (mp *MetricsProvider) RecordTransition(ctx context.Context, from, to agent.Phase) {
	if mp.transitions == nil {
		return
	}
	mp.transitions.Add(ctx, 1, mp.with(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordPlanOutcome implements Recorder.
func (mp *MetricsProvider) RecordPlanOutcome(ctx context.Context, status agent.PlanStatus) {
	if mp.plans == nil {
		return
	}
	mp.plans.Add(ctx, 1, mp.with(attribute.String("status", string(status))))
}

// RecordRun implements Recorder.
func (mp *MetricsProvider) RecordRun(ctx context.Context, final agent.Phase, code agent.ErrorCode, d time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("phase", string(final))}
	if code != "" {
		attrs = append(attrs, attribute.String("code", string(code)))
	}
	if mp.runs != nil {
		mp.runs.Add(ctx, 1, mp.with(attrs...))
	}
	if mp.runDuration != nil {
		mp.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(append(mp.attrs, attrs...)...))
	}
}

// StartPhase implements Recorder.
func (mp *MetricsProvider) StartPhase(ctx context.Context, phase agent.Phase) (context.Context, func(error)) {
	ctx, span := mp.tracer.Start(ctx, "planloop."+phase.String(),
		trace.WithAttributes(attribute.String("phase", string(phase))),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

// RecordTransition does nothing.
func (NoopRecorder) RecordTransition(context.Context, agent.Phase, agent.Phase) {}

// RecordPlanOutcome does nothing.
func (NoopRecorder) RecordPlanOutcome(context.Context, agent.PlanStatus) {}

// RecordRun does nothing.
func (NoopRecorder) RecordRun(context.Context, agent.Phase, agent.ErrorCode, time.Duration) {}

// StartPhase returns ctx unchanged.
func (NoopRecorder) StartPhase(ctx context.Context, _ agent.Phase) (context.Context, func(error)) {
	return ctx, func(error) {}
}

var (
	_ Recorder = (*MetricsProvider)(nil)
	_ Recorder = NoopRecorder{}
)
