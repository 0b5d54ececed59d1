package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ExporterType selects the span exporter.
type ExporterType string

// Exporter types.
const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// ErrUnknownExporter indicates an unsupported exporter type.
var ErrUnknownExporter = errors.New("unknown trace exporter type")

// Config configures the telemetry pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter selects where spans go (default: none).
	Exporter ExporterType
	// Endpoint is the OTLP gRPC collector address.
	Endpoint string
	// Insecure disables TLS for the OTLP connection.
	Insecure bool
	// SampleRate is the fraction of runs traced, in [0,1].
	SampleRate float64
	// Writer receives stdout spans (default: os.Stderr).
	Writer io.Writer
}

// DefaultConfig returns a configuration that keeps metrics in memory
// and exports no spans.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "planloop",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       ExporterNone,
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the SDK tracer and meter providers for a process.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	recorder       *MetricsProvider
}

// Setup builds the telemetry pipeline described by config.
func Setup(ctx context.Context, config Config) (*Provider, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultConfig().ServiceName
	}
	if config.Exporter == "" {
		config.Exporter = ExporterNone
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	}

	switch config.Exporter {
	case ExporterNone:
	case ExporterStdout:
		w := config.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	case ExporterOTLP:
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			exporterOpts = append(exporterOpts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		exp, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, config.Exporter)
	}

	reader := sdkmetric.NewManualReader()
	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(opts...),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
		reader:         reader,
	}
	p.recorder = NewMetricsProvider(MetricsConfig{
		InstrumentationName: DefaultMetricsConfig().InstrumentationName,
		Version:             config.ServiceVersion,
		MeterProvider:       p.meterProvider,
		TracerProvider:      p.tracerProvider,
	})
	if err := p.recorder.Error(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("metric instruments: %w", err)
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Recorder returns the Recorder bound to this pipeline.
func (p *Provider) Recorder() *MetricsProvider {
	return p.recorder
}

// Counter is one aggregated counter data point.
type Counter struct {
	Name       string
	Attributes string
	Value      int64
}

// Counters collects the current value of every counter, sorted by name
// and attributes.
func (p *Provider) Counters(ctx context.Context) ([]Counter, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	var out []Counter
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out = append(out, Counter{
					Name:       m.Name,
					Attributes: dp.Attributes.Encoded(attribute.DefaultEncoder()),
					Value:      dp.Value,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attributes < out[j].Attributes
	})
	return out, nil
}

// Shutdown flushes spans and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}
