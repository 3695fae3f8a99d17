package obs

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/relaycode-dev/relaycode/internal/audit"
)

// SQLiteExporter flattens metric batches into the audit database. Counters
// arrive cumulative, so each (name, attrs) row holds the latest total.
type SQLiteExporter struct {
	store *audit.Store
}

// NewSQLiteExporter writes metrics into store. A nil store exports nowhere.
func NewSQLiteExporter(store *audit.Store) *SQLiteExporter {
	return &SQLiteExporter{store: store}
}

// Temporality reports cumulative for every instrument kind.
func (e *SQLiteExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation defers to the SDK defaults.
func (e *SQLiteExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export upserts every data point in the batch.
func (e *SQLiteExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.store == nil {
		return nil
	}
	var values []audit.MetricValue
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			values = append(values, flatten(m)...)
		}
	}
	return e.store.UpsertMetrics(values)
}

// ForceFlush is a no-op; writes are synchronous.
func (e *SQLiteExporter) ForceFlush(context.Context) error { return nil }

// Shutdown is a no-op; the audit store is closed by its owner.
func (e *SQLiteExporter) Shutdown(context.Context) error { return nil }

func flatten(m metricdata.Metrics) []audit.MetricValue {
	var out []audit.MetricValue
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, audit.MetricValue{
				Name: m.Name, Attrs: encodeAttrs(dp.Attributes),
				Value: float64(dp.Value), UpdatedAt: dp.Time,
			})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, audit.MetricValue{
				Name: m.Name, Attrs: encodeAttrs(dp.Attributes),
				Value: dp.Value, UpdatedAt: dp.Time,
			})
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, audit.MetricValue{
				Name: m.Name, Attrs: encodeAttrs(dp.Attributes),
				Value: float64(dp.Value), UpdatedAt: dp.Time,
			})
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, audit.MetricValue{
				Name: m.Name, Attrs: encodeAttrs(dp.Attributes),
				Value: dp.Value, UpdatedAt: dp.Time,
			})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			attrs := encodeAttrs(dp.Attributes)
			out = append(out,
				audit.MetricValue{Name: m.Name + ".count", Attrs: attrs, Value: float64(dp.Count), UpdatedAt: dp.Time},
				audit.MetricValue{Name: m.Name + ".sum", Attrs: attrs, Value: dp.Sum, UpdatedAt: dp.Time},
			)
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			attrs := encodeAttrs(dp.Attributes)
			out = append(out,
				audit.MetricValue{Name: m.Name + ".count", Attrs: attrs, Value: float64(dp.Count), UpdatedAt: dp.Time},
				audit.MetricValue{Name: m.Name + ".sum", Attrs: attrs, Value: float64(dp.Sum), UpdatedAt: dp.Time},
			)
		}
	}
	return out
}

// encodeAttrs renders an attribute set as "k=v,k=v". Sets iterate in key
// order, so the encoding is stable and usable as part of a primary key.
func encodeAttrs(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	var b strings.Builder
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(kv.Key))
		b.WriteByte('=')
		b.WriteString(kv.Value.Emit())
	}
	return b.String()
}
