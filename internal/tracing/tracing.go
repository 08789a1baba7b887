package tracing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "affiliation-extract"

// Config configures trace export. An empty endpoint disables tracing.
type Config struct {
	Endpoint   string
	SampleRate float64
}

// Manager wires the OpenTelemetry tracer provider for a run
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// New creates a tracing manager. With no endpoint configured the returned
// manager hands out a noop tracer and Shutdown does nothing.
func New(config Config, logger *logrus.Logger) (*Manager, error) {
	if config.Endpoint == "" {
		return &Manager{
			config: config,
			logger: logger,
			tracer: noop.NewTracerProvider().Tracer(serviceName),
		}, nil
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = 1.0
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpointURL(config.Endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	logger.WithFields(logrus.Fields{
		"endpoint":    config.Endpoint,
		"sample_rate": config.SampleRate,
	}).Info("Tracing enabled")

	return &Manager{
		config:   config,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// Tracer returns the tracer for run spans
func (m *Manager) Tracer() oteltrace.Tracer {
	return m.tracer
}

// Shutdown flushes any pending spans
func (m *Manager) Shutdown(ctx context.Context) {
	if m.provider == nil {
		return
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		m.logger.WithError(err).Warn("Trace provider shutdown error")
	}
}
