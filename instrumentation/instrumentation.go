package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "oauth-core"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	instrumentationPrefix = "github.com/giantswarm/oauth-core/"
)

// Metric exporters.
const (
	MetricsExporterNone       = "none"
	MetricsExporterPrometheus = "prometheus"
)

// Trace exporters.
const (
	TracesExporterNone = "none"
	TracesExporterOTLP = "otlp"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service, default "oauth-core"
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used and every other field is ignored.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data under GDPR.
	LogClientIPs bool

	// MetricsExporter selects where metrics go: "none" (default) or "prometheus".
	MetricsExporter string

	// TracesExporter selects where spans go: "none" (default) or "otlp".
	TracesExporter string

	// OTLPEndpoint is the host:port of the OTLP/HTTP collector.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool

	// MetricReader, when set, is attached to the meter provider in addition to
	// the configured exporter. Tests use sdkmetric.NewManualReader().
	MetricReader sdkmetric.Reader

	// SpanProcessor, when set, is attached to the tracer provider in addition
	// to the configured exporter. Tests use tracetest.NewSpanRecorder().
	SpanProcessor sdktrace.SpanProcessor

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	promRegistry *prometheus.Registry

	metrics *Metrics

	// registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = MetricsExporterNone
	}
	if config.TracesExporter == "" {
		config.TracesExporter = TracesExporterNone
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(context.Background()); err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	if err := i.initializeMeterProvider(); err != nil {
		return err
	}
	return i.initializeTracerProvider(ctx)
}

func (i *Instrumentation) initializeMeterProvider() error {
	var opts []sdkmetric.Option

	switch i.config.MetricsExporter {
	case MetricsExporterNone:
	case MetricsExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("start prometheus exporter: %w", err)
		}
		i.promRegistry = registry
		opts = append(opts, sdkmetric.WithReader(exporter))
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.MetricReader != nil {
		opts = append(opts, sdkmetric.WithReader(i.config.MetricReader))
	}

	if len(opts) == 0 {
		i.meterProvider = noop.NewMeterProvider()
		return nil
	}

	mp := sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithResource(i.resource))...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	return nil
}

func (i *Instrumentation) initializeTracerProvider(ctx context.Context) error {
	var opts []sdktrace.TracerProviderOption

	switch i.config.TracesExporter {
	case TracesExporterNone:
	case TracesExporterOTLP:
		if i.config.OTLPEndpoint == "" {
			return errors.New("otlp trace exporter requires an endpoint")
		}
		traceOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(i.config.OTLPEndpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if i.config.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return fmt.Errorf("start trace exporter (http): %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	if i.config.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(i.config.SpanProcessor))
	}

	if len(opts) == 0 {
		i.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(i.resource))...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// Meter returns a named meter for the given scope ("http", "server", "storage", "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// PrometheusHandler serves the scrape endpoint. It returns nil unless the
// prometheus exporter is configured.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i.promRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.promRegistry, promhttp.HandlerOpts{})
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizeCallbacks groups the gauges a store can report. Nil callbacks are skipped.
type StorageSizeCallbacks struct {
	AccessTokens  StorageSizeCallback
	RefreshTokens StorageSizeCallback
	Codes         StorageSizeCallback
	Clients       StorageSizeCallback
	Users         StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for the storage size gauges.
// Stores call this from SetInstrumentation.
func (i *Instrumentation) RegisterStorageSizeCallbacks(cb StorageSizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	m := i.metrics
	observe := func(observer metric.Observer, gauge metric.Int64ObservableGauge, fn StorageSizeCallback) {
		if fn != nil {
			observer.ObserveInt64(gauge, fn())
		}
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe(observer, m.StorageAccessTokens, cb.AccessTokens)
			observe(observer, m.StorageRefreshTokens, cb.RefreshTokens)
			observe(observer, m.StorageCodes, cb.Codes)
			observe(observer, m.StorageClients, cb.Clients)
			observe(observer, m.StorageUsers, cb.Users)
			return nil
		},
		m.StorageAccessTokens,
		m.StorageRefreshTokens,
		m.StorageCodes,
		m.StorageClients,
		m.StorageUsers,
	)

	return err
}
