package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/otel"
)

// telemetry bundles the OpenTelemetry tracer and meter of a run.
type telemetry struct {
	tracer  *otel.Tracer
	metrics *otel.Metrics
}

func setupTelemetry(ctx context.Context, cfg *config.Config, runID string) (*telemetry, error) {
	exporter, err := otel.ParseExporterType(cfg.Telemetry.Exporter)
	if err != nil {
		return nil, fmt.Errorf("%w: --otel-exporter: %v", config.ErrInvalid, err)
	}
	enabled := exporter != otel.ExporterNone
	attrs := map[string]string{"run_id": runID, "target": cfg.URI()}

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        enabled,
		ServiceName:    "h2drill",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		Attributes:     attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        enabled,
		ServiceName:    "h2drill",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		Attributes:     attrs,
	})
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	otel.SetGlobalTracer(tracer)
	otel.SetGlobalMetrics(metrics)
	return &telemetry{tracer: tracer, metrics: metrics}, nil
}

// Shutdown flushes both exporters.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
