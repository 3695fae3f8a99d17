// Package obs owns the observability plumbing: one meter provider, the
// bridge instrument set, the configured exporter fan-out, and the in-memory
// log ring the admin API reads.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/audit"
)

// Config selects exporters for the periodic reader.
type Config struct {
	Enabled bool
	// Exporters: any of stdout, otlp-grpc, otlp-http, sqlite.
	Exporters []string
	// Endpoint is the OTLP collector address for the otlp exporters.
	Endpoint string
	Interval time.Duration
	// Audit receives counter flushes when the sqlite exporter is selected.
	Audit *audit.Store
	// Stats, when set, is exposed through observable counters.
	Stats *codex.Stats
}

// Setup holds the meter provider and the bridge instruments. A nil Setup is
// valid and records nothing.
type Setup struct {
	provider *sdkmetric.MeterProvider
	metrics  *BridgeMetrics
}

// NewSetup builds the exporter pipeline and instrument set. Disabled config
// returns (nil, nil); callers use the nil-safe accessors.
func NewSetup(ctx context.Context, cfg Config) (*Setup, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var exporters []sdkmetric.Exporter
	for _, name := range cfg.Exporters {
		switch name {
		case "stdout":
			e, err := stdoutmetric.New()
			if err != nil {
				return nil, fmt.Errorf("stdout exporter: %w", err)
			}
			exporters = append(exporters, e)
		case "otlp-grpc":
			opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
			if cfg.Endpoint != "" {
				opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
			}
			e, err := otlpmetricgrpc.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("otlp-grpc exporter: %w", err)
			}
			exporters = append(exporters, e)
		case "otlp-http":
			opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
			if cfg.Endpoint != "" {
				opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
			}
			e, err := otlpmetrichttp.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("otlp-http exporter: %w", err)
			}
			exporters = append(exporters, e)
		case "sqlite":
			exporters = append(exporters, NewSQLiteExporter(cfg.Audit))
		default:
			return nil, fmt.Errorf("unknown metrics exporter %q", name)
		}
	}
	if len(exporters) == 0 {
		return nil, nil
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	reader := sdkmetric.NewPeriodicReader(
		NewMultiExporter(exporters...),
		sdkmetric.WithInterval(interval),
	)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("relaycode")
	metrics, err := NewBridgeMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("create bridge metrics: %w", err)
	}
	if cfg.Stats != nil {
		if err := registerStatsObservers(meter, cfg.Stats); err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("register subprocess counters: %w", err)
		}
	}

	return &Setup{provider: provider, metrics: metrics}, nil
}

// Metrics returns the bridge instrument set. Safe on a nil Setup.
func (s *Setup) Metrics() *BridgeMetrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// ForceFlush pushes pending metrics through the reader immediately.
func (s *Setup) ForceFlush(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the meter provider.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
