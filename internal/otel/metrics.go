// Package otel provides OpenTelemetry metrics and tracing for h2drill.
package otel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	ServiceName    string
	ServiceVersion string

	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string
	OTLPInsecure bool

	// Attributes are added to the resource of every metric.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "h2drill",
		ExporterType: ExporterNone,
	}
}

// Metrics records load-generator instruments. All methods are safe for
// concurrent use by workers; with metrics disabled they are no-ops.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	phase    atomic.Int64
	phaseReg metric.Registration

	requestLatency metric.Float64Histogram
	failures       metric.Int64Counter
	activeConns    metric.Int64UpDownCounter
	reconnects     metric.Int64Counter
	streamTimeouts metric.Int64Counter
	phaseGauge     metric.Int64ObservableGauge
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return NoopMetrics(), nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	return newMetricsWithReader(cfg, sdkmetric.NewPeriodicReader(exporter), res)
}

func newMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader, res *resource.Resource) (*Metrics, error) {
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// newResource is shared by the meter and tracer providers.
func newResource(service, version string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.requestLatency, err = m.meter.Float64Histogram(
		"h2drill.request.latency",
		metric.WithDescription("Time from request start to stream close"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request latency histogram: %w", err)
	}

	m.failures, err = m.meter.Int64Counter(
		"h2drill.failures",
		metric.WithDescription("Connection and stream failures by kind"),
	)
	if err != nil {
		return fmt.Errorf("failed to create failure counter: %w", err)
	}

	m.activeConns, err = m.meter.Int64UpDownCounter(
		"h2drill.connections.active",
		metric.WithDescription("Number of established client connections"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active connections counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"h2drill.reconnects",
		metric.WithDescription("Count of client reconnections"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	m.streamTimeouts, err = m.meter.Int64Counter(
		"h2drill.stream.timeouts",
		metric.WithDescription("Streams reset after exceeding the stream timeout"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream timeout counter: %w", err)
	}

	m.phaseGauge, err = m.meter.Int64ObservableGauge(
		"h2drill.phase",
		metric.WithDescription("Current run phase (0 idle, 1 warm-up, 2 main, 3 over)"),
	)
	if err != nil {
		return fmt.Errorf("failed to create phase gauge: %w", err)
	}
	m.phaseReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.phaseGauge, m.phase.Load())
			return nil
		},
		m.phaseGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register phase gauge callback: %w", err)
	}
	return nil
}

// RecordRequest records the latency of one closed stream. status is the
// response code, or 0 when no status arrived.
func (m *Metrics) RecordRequest(ctx context.Context, status int, latencyMs float64, success bool) {
	if m.requestLatency == nil {
		return
	}
	class := "none"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.requestLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("status_class", class),
		attribute.Bool("success", success),
	))
}

// RecordFailure counts a failure of the given kind.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	if m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ConnectionOpened increments the active connection count.
func (m *Metrics) ConnectionOpened(ctx context.Context, protocol string) {
	if m.activeConns == nil {
		return
	}
	m.activeConns.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// ConnectionClosed decrements the active connection count.
func (m *Metrics) ConnectionClosed(ctx context.Context, protocol string) {
	if m.activeConns == nil {
		return
	}
	m.activeConns.Add(ctx, -1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// RecordStreamTimeouts adds n reset streams.
func (m *Metrics) RecordStreamTimeouts(ctx context.Context, n int) {
	if m.streamTimeouts == nil || n <= 0 {
		return
	}
	m.streamTimeouts.Add(ctx, int64(n))
}

// SetPhase stores the phase reported by the observable gauge.
func (m *Metrics) SetPhase(phase int) {
	m.phase.Store(int64(phase))
}

// Shutdown flushes pending metrics and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phaseReg != nil {
		if err := m.phaseReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister phase callback: %w", err)
		}
		m.phaseReg = nil
	}
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance, or a no-op instance
// if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that records nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
