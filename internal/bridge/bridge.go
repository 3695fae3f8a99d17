// Package bridge wires the Slack client, the app-server subprocess and the
// per-conversation managers into one running service.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/api"
	"github.com/relaycode-dev/relaycode/internal/audit"
	"github.com/relaycode-dev/relaycode/internal/bridge/abort"
	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/reaction"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/bridge/streaming"
	"github.com/relaycode-dev/relaycode/internal/chat"
	"github.com/relaycode-dev/relaycode/internal/chat/slack"
	"github.com/relaycode-dev/relaycode/internal/config"
	"github.com/relaycode-dev/relaycode/internal/markdown"
	"github.com/relaycode-dev/relaycode/internal/obs"
)

// shutdownWatchdog hard-exits the process if graceful teardown wedges.
const shutdownWatchdog = 6 * time.Second

// Bridge owns every long-lived component of the service.
type Bridge struct {
	cfg      *config.Config
	stats    *codex.Stats
	sessions *session.Store
	audit    *audit.Store
	obs      *obs.Setup
	metrics  *obs.BridgeMetrics

	launcher  *codex.Launcher
	slack     *slack.Client
	chat      chat.Client
	streams   *streaming.Manager
	approvals *approval.Handler
	handler   *Handler
	api       *api.Server
	watcher   *config.Watcher

	startedAt time.Time
}

// New wires the bridge from cfg. Nothing is started; call Run.
func New(cfg *config.Config, version string) (*Bridge, error) {
	b := &Bridge{
		cfg:       cfg,
		stats:     &codex.Stats{},
		startedAt: time.Now(),
	}

	store, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		logrus.WithError(err).Warn("Audit store unavailable, continuing without it")
	} else {
		b.audit = store
	}

	setup, err := obs.NewSetup(context.Background(), obs.Config{
		Enabled:   cfg.Metrics.Enabled,
		Exporters: cfg.Metrics.Exporters,
		Endpoint:  cfg.Metrics.Endpoint,
		Interval:  time.Duration(cfg.Metrics.IntervalSeconds) * time.Second,
		Audit:     b.audit,
		Stats:     b.stats,
	})
	if err != nil {
		return nil, fmt.Errorf("set up metrics: %w", err)
	}
	b.obs = setup
	b.metrics = setup.Metrics()

	b.sessions = session.NewStore(cfg.SessionsPath())

	engine, err := approval.NewEngine(cfg.Approval.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile approval rules: %w", err)
	}

	slackClient, err := slack.NewClient(slack.Options{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		Debug:    cfg.Slack.Debug,
	})
	if err != nil {
		return nil, err
	}
	b.slack = slackClient
	b.chat = chat.WithRetry(slackClient, func(string, uint, error) {
		b.metrics.ChatRetry(context.Background())
	})

	b.launcher = codex.NewLauncher(codex.LauncherConfig{
		Command:         cfg.Codex.Command,
		WorkingDir:      cfg.Codex.WorkingDir,
		Env:             cfg.Codex.Env,
		ClientName:      "relaycode",
		ClientVersion:   version,
		RestartDelay:    time.Duration(cfg.Codex.RestartDelaySeconds) * time.Second,
		RestartDelayMax: time.Duration(cfg.Codex.RestartDelayMaxSeconds) * time.Second,
		OnExit:          b.onSubprocessExit,
		Stats:           b.stats,
	})

	renderer := markdown.NewRenderer(cfg.Markdown.ImageRenderer)
	var renderImage func(ctx context.Context, md string) ([]byte, error)
	if renderer.ImageEnabled() {
		renderImage = renderer.ToImage
	}

	b.approvals = approval.NewHandler(b.chat, b.respondApproval, engine, approval.Config{
		ReminderInterval: time.Duration(cfg.Approval.ReminderSeconds) * time.Second,
		ExpiryTimeout:    time.Duration(cfg.Approval.ExpirySeconds) * time.Second,
		DMDebounce:       time.Duration(cfg.Approval.DMDebounceSeconds) * time.Second,
	}, b.onApprovalDecided)

	b.streams = streaming.NewManager(streaming.Options{
		Chat:        b.chat,
		Activity:    activity.NewManager(b.chat, activity.Config{}),
		Reactions:   reaction.NewManager(b.chat),
		Aborts:      abort.NewRegistry(),
		Interrupt:   b.interruptTurn,
		RenderImage: renderImage,
		FinalActions: func(o streaming.Outcome) []chat.Action {
			return b.handler.FinalActions(o)
		},
		OnOutcome: b.onTurnOutcome,
		Config: streaming.Config{
			DefaultUpdateRate: time.Duration(cfg.Defaults.UpdateRateSeconds) * time.Second,
		},
	})

	b.handler = NewHandler(HandlerOptions{
		Chat:      b.chat,
		Sessions:  b.sessions,
		Streams:   b.streams,
		Approvals: b.approvals,
		Server:    b.appServer,
		Metrics:   b.metrics,
		Audit:     b.audit,
		Defaults:  cfg.Defaults,
	})

	if cfg.API.Enabled {
		var tokens *api.TokenManager
		if cfg.API.JWTSecret != "" {
			tokens = api.NewTokenManager(cfg.API.JWTSecret,
				time.Duration(cfg.API.TokenTTLMinutes)*time.Minute)
		}
		logBuf := obs.NewLogBuffer(512)
		logrus.AddHook(logBuf)
		b.api = api.NewServer(api.Options{
			Listen:       cfg.API.Listen,
			Tokens:       tokens,
			AdminKeyHash: cfg.API.AdminKeyHash,
			Status:       b.status,
			Sessions:     b.sessions,
			Approvals:    b.approvals,
			Audit:        b.audit,
			Logs:         logBuf.Recent,
		})
	}

	return b, nil
}

// Run starts every component and blocks until ctx is cancelled or the Slack
// connection fails. Teardown runs before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.slack.Connect(ctx); err != nil {
		return fmt.Errorf("connect to Slack: %w", err)
	}
	if err := b.launcher.Start(ctx); err != nil {
		return fmt.Errorf("start app server: %w", err)
	}
	if b.api != nil {
		if err := b.api.Start(); err != nil {
			return fmt.Errorf("start admin API: %w", err)
		}
	}
	b.startWatcher()

	go b.pumpEvents(ctx)

	slackErr := make(chan error, 1)
	go func() { slackErr <- b.slack.Run(ctx, b.handler) }()

	logrus.Info("relaycode bridge is up")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-slackErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()
	b.shutdown()
	return runErr
}

// startWatcher enables config hot reload; failures only disable reload.
func (b *Bridge) startWatcher() {
	watcher, err := config.NewWatcher(b.cfg)
	if err != nil {
		logrus.WithError(err).Warn("Config hot reload disabled")
		return
	}
	watcher.AddCallback(b.applyConfig)
	if err := watcher.Start(); err != nil {
		logrus.WithError(err).Warn("Config hot reload disabled")
		return
	}
	b.watcher = watcher
}

// applyConfig applies hot-reloadable settings from a fresh config: defaults,
// approval rules and log level. Credentials and listen addresses require a
// restart.
func (b *Bridge) applyConfig(cfg *config.Config) {
	b.handler.SetDefaults(cfg.Defaults)

	engine, err := approval.NewEngine(cfg.Approval.Rules)
	if err != nil {
		logrus.WithError(err).Error("Reloaded approval rules are invalid, keeping previous")
	} else {
		b.approvals.SetEngine(engine)
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil && logrus.GetLevel() != level {
		logrus.SetLevel(level)
		logrus.Infof("Log level set to %s", level)
	}
}

// shutdown tears components down in dependency order under a watchdog.
func (b *Bridge) shutdown() {
	watchdog := time.AfterFunc(shutdownWatchdog, func() {
		logrus.Error("Shutdown watchdog fired, exiting")
		os.Exit(1)
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.watcher != nil {
		_ = b.watcher.Stop()
	}
	if n := b.streams.StopAll(ctx, "bridge shutting down"); n > 0 {
		logrus.Infof("Interrupted %d running turns", n)
	}
	if n := b.approvals.DeclineAll(ctx); n > 0 {
		logrus.Infof("Declined %d pending approvals", n)
	}
	b.launcher.Stop()
	if b.api != nil {
		if err := b.api.Shutdown(ctx); err != nil {
			logrus.WithError(err).Debug("Admin API shutdown failed")
		}
	}
	if err := b.obs.Shutdown(ctx); err != nil {
		logrus.WithError(err).Debug("Metrics shutdown failed")
	}
	if err := b.audit.Close(); err != nil {
		logrus.WithError(err).Debug("Audit close failed")
	}
	logrus.Info("Bridge stopped")
}

// pumpEvents routes subprocess notifications: approvals to the approval
// handler, everything else to the streaming manager.
func (b *Bridge) pumpEvents(ctx context.Context) {
	events := b.launcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind == codex.EventApprovalRequested && ev.Approval != nil {
				b.routeApproval(ctx, ev)
				continue
			}
			b.streams.HandleEvent(ctx, ev)
		}
	}
}

// routeApproval finds the conversation running the approval's thread and
// hands the request over. A request with no live conversation is declined:
// there is nobody to ask.
func (b *Bridge) routeApproval(ctx context.Context, ev codex.Event) {
	req := ev.Approval
	threadID := req.ThreadID
	if threadID == "" {
		threadID = ev.ThreadID
	}

	var key conversation.Key
	found := false
	if threadID != "" {
		key, found = b.streams.FindByThreadID(threadID)
	}
	if !found && req.TurnID != "" {
		key, found = b.streams.FindByTurnID(req.TurnID)
	}
	if !found {
		logrus.WithFields(logrus.Fields{
			"thread":   threadID,
			"approval": req.IDString(),
		}).Warn("Approval request without a live conversation, declining")
		if err := b.respondApproval(ctx, req.ID, string(approval.DecisionDecline)); err != nil {
			logrus.WithError(err).Warn("Failed to decline unroutable approval")
		}
		return
	}

	channelID, threadTS, userID, located := b.streams.Location(key)
	if !located {
		channelID, threadTS = conversation.ParseKey(string(key))
	}
	if err := b.approvals.HandleRequest(ctx, req, key, channelID, threadTS, userID); err != nil {
		logrus.WithError(err).WithField("conversation", key).Error("Approval handling failed")
	}
}

// respondApproval forwards a decision to the current server incarnation.
func (b *Bridge) respondApproval(ctx context.Context, id json.RawMessage, decision string) error {
	client, err := b.launcher.Client()
	if err != nil {
		return err
	}
	return client.ApprovalRespond(ctx, id, decision)
}

func (b *Bridge) interruptTurn(ctx context.Context, threadID, turnID string) error {
	client, err := b.launcher.Client()
	if err != nil {
		return err
	}
	return client.TurnInterrupt(ctx, threadID, turnID)
}

func (b *Bridge) appServer() (appServer, error) {
	client, err := b.launcher.Client()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// onSubprocessExit fails in-flight turns and voids incarnation-scoped state
// whenever the app server dies outside shutdown.
func (b *Bridge) onSubprocessExit(exitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b.handler.DetachAll()
	reason := "app server exited"
	if exitErr != nil {
		reason = "app server crashed: " + exitErr.Error()
	}
	if n := b.streams.FailAll(ctx, reason); n > 0 {
		logrus.Warnf("Failed %d in-flight turns after app server exit", n)
	}
	if n := b.approvals.DeclineAll(ctx); n > 0 {
		logrus.Warnf("Declined %d pending approvals after app server exit", n)
	}
}

// onApprovalDecided feeds settled approvals into metrics and audit.
func (b *Bridge) onApprovalDecided(rec approval.Record) {
	ctx := context.Background()
	b.metrics.ApprovalDecided(ctx, string(rec.Decision), string(rec.Source))
	if err := b.audit.RecordApproval(audit.ApprovalRecord{
		ApprovalID:      strconv.FormatInt(rec.RequestID, 10),
		ConversationKey: string(rec.Key),
		Kind:            rec.Kind,
		Command:         rec.Command,
		Decision:        string(rec.Decision),
		Source:          string(rec.Source),
		RuleName:        rec.RuleName,
		UserID:          rec.UserID,
		RequestedAt:     rec.CreatedAt,
		DecidedAt:       rec.DecidedAt,
	}); err != nil {
		logrus.WithError(err).Warn("Failed to audit approval decision")
	}
}

// onTurnOutcome persists a settled turn to the session store, the audit
// store and metrics.
func (b *Bridge) onTurnOutcome(o streaming.Outcome) {
	ctx := context.Background()
	channelID, threadTS := conversation.ParseKey(string(o.Key))

	var in, out int64
	if o.Usage != nil {
		in, out = o.Usage.InputTokens, o.Usage.OutputTokens
	}
	b.metrics.TurnFinished(ctx, string(o.Status), o.Model, o.EndedAt.Sub(o.StartedAt), in, out)

	if o.Usage != nil {
		if err := b.sessions.SetLastUsage(channelID, threadTS, o.Usage); err != nil {
			logrus.WithError(err).Debug("Failed to persist usage")
		}
	}
	if o.Status == streaming.StatusCompleted && o.TurnID != "" && threadTS == "" {
		if err := b.sessions.RecordTurn(channelID, o.TurnID, o.OriginalTS); err != nil {
			logrus.WithError(err).Debug("Failed to record turn")
		}
	}

	total := o.TurnTokens
	if o.Usage != nil && o.Usage.TotalTokens > 0 {
		total = o.Usage.TotalTokens
	}
	if err := b.audit.RecordTurn(audit.TurnRecord{
		ConversationKey: string(o.Key),
		ChannelID:       channelID,
		UserID:          o.UserID,
		ThreadID:        o.ThreadID,
		TurnID:          o.TurnID,
		Model:           o.Model,
		Status:          string(o.Status),
		StartedAt:       o.StartedAt,
		EndedAt:         o.EndedAt,
		InputTokens:     in,
		OutputTokens:    out,
		TotalTokens:     total,
		Error:           o.ErrorText,
	}); err != nil {
		logrus.WithError(err).Warn("Failed to audit turn")
	}
}

// status assembles the admin API snapshot.
func (b *Bridge) status() api.Status {
	return api.Status{
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		Subprocess: api.SubprocessStatus{
			Running:  b.launcher.Running(),
			PID:      b.launcher.PID(),
			Restarts: b.stats.Restarts(),
		},
		ActiveTurns:         b.streams.ActiveCount(),
		ActiveConversations: len(b.sessions.Channels()),
		PendingApprovals:    b.approvals.PendingCount(),
	}
}
