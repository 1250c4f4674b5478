// Package metrics exports session counters and durations over OpenTelemetry.
//
// Setup installs a global MeterProvider that pushes to an OTLP/gRPC
// collector. New builds the instruments from any MeterProvider, and Attach
// feeds them from orchestrator events, so the orchestrator itself carries no
// metrics code.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc flushes and shuts down the meter provider.
type ShutdownFunc func(ctx context.Context) error

// DefaultExportInterval is how often metrics are pushed to the collector.
const DefaultExportInterval = 30 * time.Second

// SetupConfig selects where metrics go.
type SetupConfig struct {
	Enabled  bool
	Endpoint string // host:port of an OTLP/gRPC collector
	Insecure bool
	Interval time.Duration
}

// Setup installs a global MeterProvider exporting over OTLP/gRPC. When
// metrics are disabled the global no-op provider is left in place and the
// returned shutdown does nothing.
func Setup(ctx context.Context, cfg SetupConfig) (*sdkmetric.MeterProvider, ShutdownFunc, error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}
