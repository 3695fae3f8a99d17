package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaycode-dev/relaycode/codex"
)

// Attribute keys shared by the bridge instruments.
var (
	attrStatus    = attribute.Key("turn.status")
	attrModel     = attribute.Key("turn.model")
	attrOutcome   = attribute.Key("approval.outcome")
	attrSource    = attribute.Key("approval.source")
	attrTokenType = attribute.Key("token.type")
)

// BridgeMetrics is the bridge's instrument set. All methods are safe on a
// nil receiver so call sites never need to know whether metrics are enabled.
type BridgeMetrics struct {
	turnsStarted  metric.Int64Counter
	turnsFinished metric.Int64Counter
	turnDuration  metric.Float64Histogram
	tokensUsed    metric.Int64Counter
	approvals     metric.Int64Counter
	chatRetries   metric.Int64Counter
	activityPosts metric.Int64Counter
	activityEdits metric.Int64Counter
}

// NewBridgeMetrics registers the bridge instruments on the meter.
func NewBridgeMetrics(meter metric.Meter) (*BridgeMetrics, error) {
	m := &BridgeMetrics{}
	var err error

	if m.turnsStarted, err = meter.Int64Counter(
		"bridge.turns.started",
		metric.WithDescription("Turns sent to the app server"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, err
	}
	if m.turnsFinished, err = meter.Int64Counter(
		"bridge.turns.finished",
		metric.WithDescription("Turns finished, by terminal status"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram(
		"bridge.turn.duration",
		metric.WithDescription("Turn wall time in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.tokensUsed, err = meter.Int64Counter(
		"bridge.tokens.used",
		metric.WithDescription("Tokens attributed to finished turns, by type"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if m.approvals, err = meter.Int64Counter(
		"bridge.approvals.decided",
		metric.WithDescription("Approval decisions, by outcome and source"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return nil, err
	}
	if m.chatRetries, err = meter.Int64Counter(
		"bridge.chat.retries",
		metric.WithDescription("Chat API calls retried after transient failures"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.activityPosts, err = meter.Int64Counter(
		"bridge.activity.posts",
		metric.WithDescription("Activity thread messages posted"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.activityEdits, err = meter.Int64Counter(
		"bridge.activity.edits",
		metric.WithDescription("Activity thread messages edited in place"),
		metric.WithUnit("{edit}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// TurnStarted counts a turn handed to the app server.
func (m *BridgeMetrics) TurnStarted(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.turnsStarted.Add(ctx, 1, metric.WithAttributes(attrModel.String(model)))
}

// TurnFinished records a terminal turn with its duration and token usage.
func (m *BridgeMetrics) TurnFinished(ctx context.Context, status, model string, duration time.Duration, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attrStatus.String(status), attrModel.String(model))
	m.turnsFinished.Add(ctx, 1, attrs)
	if duration > 0 {
		m.turnDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if inputTokens > 0 {
		m.tokensUsed.Add(ctx, inputTokens, metric.WithAttributes(
			attrModel.String(model), attrTokenType.String("input")))
	}
	if outputTokens > 0 {
		m.tokensUsed.Add(ctx, outputTokens, metric.WithAttributes(
			attrModel.String(model), attrTokenType.String("output")))
	}
}

// ApprovalDecided counts one approval decision.
func (m *BridgeMetrics) ApprovalDecided(ctx context.Context, outcome, source string) {
	if m == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(
		attrOutcome.String(outcome), attrSource.String(source)))
}

// ChatRetry counts one retried chat API call.
func (m *BridgeMetrics) ChatRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.chatRetries.Add(ctx, 1)
}

// ActivityPost counts one posted activity message.
func (m *BridgeMetrics) ActivityPost(ctx context.Context) {
	if m == nil {
		return
	}
	m.activityPosts.Add(ctx, 1)
}

// ActivityEdit counts one in-place activity edit.
func (m *BridgeMetrics) ActivityEdit(ctx context.Context) {
	if m == nil {
		return
	}
	m.activityEdits.Add(ctx, 1)
}

// registerStatsObservers exposes the subprocess client's atomic counters as
// observable instruments, read at collection time.
func registerStatsObservers(meter metric.Meter, stats *codex.Stats) error {
	deduped, err := meter.Int64ObservableCounter(
		"bridge.deltas.deduplicated",
		metric.WithDescription("Delta notifications dropped as duplicates"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return err
	}
	dedupedTurns, err := meter.Int64ObservableCounter(
		"bridge.turn_completions.deduplicated",
		metric.WithDescription("Duplicate turn completions dropped"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return err
	}
	restarts, err := meter.Int64ObservableCounter(
		"bridge.subprocess.restarts",
		metric.WithDescription("App server restarts outside shutdown"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(deduped, stats.DedupedDeltas())
		o.ObserveInt64(dedupedTurns, stats.DedupedTurnCompletions())
		o.ObserveInt64(restarts, stats.Restarts())
		return nil
	}, deduped, dedupedTurns, restarts)
	return err
}
