package obs

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/audit"
)

func openAudit(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBridgeMetricsFlushToSQLite(t *testing.T) {
	store := openAudit(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	metrics, err := NewBridgeMetrics(provider.Meter("relaycode"))
	require.NoError(t, err)

	metrics.TurnStarted(ctx, "gpt-5")
	metrics.TurnStarted(ctx, "gpt-5")
	metrics.TurnFinished(ctx, "completed", "gpt-5", 1500*time.Millisecond, 1200, 300)
	metrics.ApprovalDecided(ctx, "accepted", "rule")
	metrics.ChatRetry(ctx)
	metrics.ActivityPost(ctx)
	metrics.ActivityEdit(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.NoError(t, NewSQLiteExporter(store).Export(ctx, &rm))

	values, err := store.Metrics()
	require.NoError(t, err)

	byKey := map[string]float64{}
	for _, v := range values {
		byKey[v.Name+"|"+v.Attrs] = v.Value
	}
	require.Equal(t, 2.0, byKey["bridge.turns.started|turn.model=gpt-5"])
	require.Equal(t, 1.0, byKey["bridge.turns.finished|turn.model=gpt-5,turn.status=completed"])
	require.Equal(t, 1200.0, byKey["bridge.tokens.used|token.type=input,turn.model=gpt-5"])
	require.Equal(t, 300.0, byKey["bridge.tokens.used|token.type=output,turn.model=gpt-5"])
	require.Equal(t, 1.0, byKey["bridge.approvals.decided|approval.outcome=accepted,approval.source=rule"])
	require.Equal(t, 1.0, byKey["bridge.chat.retries|"])
	require.Equal(t, 1.0, byKey["bridge.turn.duration.count|turn.model=gpt-5,turn.status=completed"])
	require.Equal(t, 1500.0, byKey["bridge.turn.duration.sum|turn.model=gpt-5,turn.status=completed"])
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *BridgeMetrics
	ctx := context.Background()
	m.TurnStarted(ctx, "gpt-5")
	m.TurnFinished(ctx, "failed", "gpt-5", time.Second, 1, 1)
	m.ApprovalDecided(ctx, "declined", "user")
	m.ChatRetry(ctx)
	m.ActivityPost(ctx)
	m.ActivityEdit(ctx)
}

type recordExporter struct {
	exports int
	err     error
}

func (r *recordExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (r *recordExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (r *recordExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	r.exports++
	return r.err
}

func (r *recordExporter) ForceFlush(context.Context) error { return nil }
func (r *recordExporter) Shutdown(context.Context) error   { return nil }

func TestMultiExporterContinuesPastErrors(t *testing.T) {
	failing := &recordExporter{err: errors.New("collector down")}
	healthy := &recordExporter{}
	multi := NewMultiExporter(failing, healthy)

	err := multi.Export(context.Background(), &metricdata.ResourceMetrics{})
	require.EqualError(t, err, "collector down")
	require.Equal(t, 1, failing.exports)
	require.Equal(t, 1, healthy.exports, "later exporters still run")
}

func TestNewSetupPipeline(t *testing.T) {
	store := openAudit(t)
	ctx := context.Background()

	setup, err := NewSetup(ctx, Config{
		Enabled:   true,
		Exporters: []string{"sqlite"},
		Interval:  time.Hour,
		Audit:     store,
		Stats:     &codex.Stats{},
	})
	require.NoError(t, err)
	require.NotNil(t, setup)
	t.Cleanup(func() { _ = setup.Shutdown(ctx) })

	setup.Metrics().TurnStarted(ctx, "gpt-5")
	require.NoError(t, setup.ForceFlush(ctx))

	values, err := store.Metrics()
	require.NoError(t, err)
	require.NotEmpty(t, values)

	names := map[string]bool{}
	for _, v := range values {
		names[v.Name] = true
	}
	require.True(t, names["bridge.turns.started"])
	require.True(t, names["bridge.subprocess.restarts"], "stats observers registered")
}

func TestNewSetupDisabledAndInvalid(t *testing.T) {
	ctx := context.Background()

	setup, err := NewSetup(ctx, Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, setup)
	require.Nil(t, setup.Metrics())
	require.NoError(t, setup.Shutdown(ctx))

	_, err = NewSetup(ctx, Config{Enabled: true, Exporters: []string{"statsd"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "statsd")
}

func TestLogBufferKeepsNewestEntries(t *testing.T) {
	buf := NewLogBuffer(3)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(buf)

	for i := 1; i <= 5; i++ {
		logger.WithField("n", i).Infof("event %d", i)
	}

	all := buf.Recent(0)
	require.Len(t, all, 3)
	require.Equal(t, "event 3", all[0].Message)
	require.Equal(t, "event 5", all[2].Message)
	require.Equal(t, 5, all[2].Fields["n"])
	require.Equal(t, "info", all[2].Level)

	last := buf.Recent(2)
	require.Len(t, last, 2)
	require.Equal(t, "event 4", last[0].Message)
	require.Equal(t, "event 5", last[1].Message)

	require.Empty(t, NewLogBuffer(0).Recent(10))
}
