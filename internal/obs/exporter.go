package obs

import (
	"context"
	"sync"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MultiExporter fans one export out to every configured exporter. A slow or
// failing exporter never blocks the others; the first error is reported.
type MultiExporter struct {
	mu        sync.Mutex
	exporters []sdkmetric.Exporter
}

// NewMultiExporter wraps the given exporters.
func NewMultiExporter(exporters ...sdkmetric.Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

// Temporality reports cumulative for every instrument kind.
func (m *MultiExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation defers to the SDK defaults.
func (m *MultiExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export delivers the batch to every exporter, returning the first error.
func (m *MultiExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, e := range m.exporters {
		if err := e.Export(ctx, rm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForceFlush flushes every exporter.
func (m *MultiExporter) ForceFlush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.exporters {
		_ = e.ForceFlush(ctx)
	}
	return nil
}

// Shutdown stops every exporter.
func (m *MultiExporter) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.exporters {
		_ = e.Shutdown(ctx)
	}
	return nil
}
