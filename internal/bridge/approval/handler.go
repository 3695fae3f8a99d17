package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/chat"
)

// Button action ids for approval prompts.
const (
	ActionAccept  = "approval_accept"
	ActionDecline = "approval_decline"
)

// Source records who settled an approval.
type Source string

const (
	SourceUser    Source = "user"
	SourceRule    Source = "rule"
	SourceExpiry  Source = "expiry"
	SourceAPI     Source = "api"
	SourceCleanup Source = "cleanup"
)

var (
	ErrUnknownApproval = errors.New("approval not found or already settled")
	ErrAlreadyDecided  = errors.New("approval already decided")
)

// Responder forwards a settled decision to the app server. id is the
// server's raw approval id.
type Responder func(ctx context.Context, id json.RawMessage, decision string) error

// Record describes one settled approval for audit and metrics sinks.
type Record struct {
	RequestID int64
	Key       conversation.Key
	Kind      string
	Command   string
	Decision  Decision
	Source    Source
	RuleName  string
	UserID    string
	CreatedAt time.Time
	DecidedAt time.Time
}

// Config tunes prompt pacing. Zero values take the defaults.
type Config struct {
	ReminderInterval time.Duration
	ExpiryTimeout    time.Duration
	DMDebounce       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = time.Minute
	}
	if c.ExpiryTimeout <= 0 {
		c.ExpiryTimeout = 5 * time.Minute
	}
	if c.DMDebounce <= 0 {
		c.DMDebounce = 15 * time.Second
	}
	return c
}

type pending struct {
	id        int64
	req       *codex.ApprovalRequest
	key       conversation.Key
	channelID string
	threadTS  string
	messageTS string
	userID    string
	createdAt time.Time
	decided   bool
	reminder  *time.Timer
	expiry    *time.Timer
}

// View is a read-only snapshot of one pending approval.
type View struct {
	RequestID int64     `json:"requestId"`
	Key       string    `json:"conversation"`
	Kind      string    `json:"kind"`
	Command   string    `json:"command,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Handler owns pending approvals. Bridge-side request ids are monotonic and
// never reused, so a stale button click can be told apart from a current one.
type Handler struct {
	mu        sync.Mutex
	cfg       Config
	chat      chat.Client
	respond   Responder
	engine    *Engine
	pending   map[int64]*pending
	settled   map[int64]Decision
	nextID    atomic.Int64
	lastDM    map[string]time.Time
	onDecided func(Record)
	now       func() time.Time
}

// NewHandler builds the approval handler. onDecided, when set, receives one
// Record per settled approval.
func NewHandler(chatClient chat.Client, respond Responder, engine *Engine, cfg Config, onDecided func(Record)) *Handler {
	if engine == nil {
		engine = &Engine{}
	}
	return &Handler{
		cfg:       cfg.withDefaults(),
		chat:      chatClient,
		respond:   respond,
		engine:    engine,
		pending:   make(map[int64]*pending),
		settled:   make(map[int64]Decision),
		lastDM:    make(map[string]time.Time),
		onDecided: onDecided,
		now:       time.Now,
	}
}

// SetEngine swaps the auto-decision rules, for config hot reload. Requests
// already pending keep the prompt they were posted with.
func (h *Handler) SetEngine(engine *Engine) {
	if engine == nil {
		engine = &Engine{}
	}
	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
}

// HandleRequest processes one approval request from the app server: rules
// first, then an interactive prompt with reminder and expiry timers.
func (h *Handler) HandleRequest(ctx context.Context, req *codex.ApprovalRequest, key conversation.Key, channelID, threadTS, userID string) error {
	id := h.nextID.Add(1)
	env := RuleEnv{
		Kind:      string(req.Kind),
		Command:   req.Command,
		Cwd:       req.Cwd,
		Reason:    req.Reason,
		Paths:     req.Paths,
		FileCount: len(req.Paths),
	}

	h.mu.Lock()
	engine := h.engine
	h.mu.Unlock()
	decision, ruleName := engine.Evaluate(env)
	if decision != DecisionAsk {
		return h.settleByRule(ctx, id, req, key, channelID, threadTS, decision, ruleName)
	}

	p := &pending{
		id:        id,
		req:       req,
		key:       key,
		channelID: channelID,
		threadTS:  threadTS,
		userID:    userID,
		createdAt: h.now(),
	}

	ts, err := h.chat.PostMessage(ctx, channelID, chat.Message{
		Text:     promptText(id, req),
		ThreadTS: threadTS,
		Actions: []chat.Action{
			{ID: ActionAccept, Label: "Approve", Value: strconv.FormatInt(id, 10), Style: chat.StylePrimary},
			{ID: ActionDecline, Label: "Deny", Value: strconv.FormatInt(id, 10), Style: chat.StyleDanger},
		},
	})
	if err != nil {
		// Without a prompt nobody can answer; refuse rather than hang the turn.
		if respondErr := h.respond(ctx, req.ID, string(DecisionDecline)); respondErr != nil {
			logrus.WithError(respondErr).Error("Failed to decline unpostable approval")
		}
		return fmt.Errorf("post approval prompt: %w", err)
	}
	p.messageTS = ts

	h.mu.Lock()
	h.pending[id] = p
	p.reminder = time.AfterFunc(h.cfg.ReminderInterval, func() { h.remind(id) })
	p.expiry = time.AfterFunc(h.cfg.ExpiryTimeout, func() { h.expire(id) })
	h.mu.Unlock()

	h.notifyUser(ctx, p)

	logrus.WithFields(logrus.Fields{
		"approval":     id,
		"kind":         req.Kind,
		"conversation": key,
	}).Info("Approval prompt posted")
	return nil
}

// settleByRule answers the server immediately and leaves a notice in the
// thread so the auto-decision stays visible.
func (h *Handler) settleByRule(ctx context.Context, id int64, req *codex.ApprovalRequest, key conversation.Key, channelID, threadTS string, decision Decision, ruleName string) error {
	if err := h.respond(ctx, req.ID, string(decision)); err != nil {
		return fmt.Errorf("respond to approval by rule %q: %w", ruleName, err)
	}

	notice := fmt.Sprintf(":white_check_mark: Auto-approved by rule `%s`", ruleName)
	if decision == DecisionDecline {
		notice = fmt.Sprintf(":no_entry: Auto-denied by rule `%s`", ruleName)
	}
	if req.Command != "" {
		notice += "\n`" + truncate(req.Command, 200) + "`"
	}
	if _, err := h.chat.PostMessage(ctx, channelID, chat.Message{Text: notice, ThreadTS: threadTS}); err != nil {
		logrus.WithError(err).Warn("Failed to post rule decision notice")
	}

	h.emitRecord(Record{
		RequestID: id,
		Key:       key,
		Kind:      string(req.Kind),
		Command:   req.Command,
		Decision:  decision,
		Source:    SourceRule,
		RuleName:  ruleName,
		CreatedAt: h.now(),
		DecidedAt: h.now(),
	})
	return nil
}

// HandleDecision settles a pending approval. The first decision wins; any
// later call returns ErrAlreadyDecided or ErrUnknownApproval without side
// effects.
func (h *Handler) HandleDecision(ctx context.Context, id int64, decision Decision, source Source, userID string) error {
	if decision != DecisionAccept && decision != DecisionDecline {
		return fmt.Errorf("invalid decision %q", decision)
	}

	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok {
		_, wasSettled := h.settled[id]
		h.mu.Unlock()
		if wasSettled {
			return ErrAlreadyDecided
		}
		return ErrUnknownApproval
	}
	p.decided = true
	stopTimers(p)
	delete(h.pending, id)
	h.settled[id] = decision
	h.mu.Unlock()

	if err := h.respond(ctx, p.req.ID, string(decision)); err != nil {
		// The decision stays final on our side; the server may have timed
		// the request out on its own.
		logrus.WithError(err).WithField("approval", id).Error("Failed to forward approval decision")
	}

	if err := h.chat.UpdateMessage(ctx, p.channelID, p.messageTS, chat.Message{
		Text:     promptText(id, p.req) + "\n\n" + outcomeLine(decision, source, userID),
		ThreadTS: p.threadTS,
	}); err != nil {
		logrus.WithError(err).WithField("approval", id).Warn("Failed to update approval prompt")
	}

	h.emitRecord(Record{
		RequestID: id,
		Key:       p.key,
		Kind:      string(p.req.Kind),
		Command:   p.req.Command,
		Decision:  decision,
		Source:    source,
		UserID:    userID,
		CreatedAt: p.createdAt,
		DecidedAt: h.now(),
	})

	logrus.WithFields(logrus.Fields{
		"approval": id,
		"decision": decision,
		"source":   source,
	}).Info("Approval settled")
	return nil
}

// remind nudges the thread while the approval is still open, then
// reschedules itself.
func (h *Handler) remind(id int64) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok || p.decided {
		h.mu.Unlock()
		return
	}
	p.reminder = time.AfterFunc(h.cfg.ReminderInterval, func() { h.remind(id) })
	waiting := h.now().Sub(p.createdAt).Round(time.Second)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	text := fmt.Sprintf(":bell: Still waiting for approval #%d (%s)", id, waiting)
	if p.userID != "" {
		text = fmt.Sprintf(":bell: <@%s> still waiting for approval #%d (%s)", p.userID, id, waiting)
	}
	if _, err := h.chat.PostMessage(ctx, p.channelID, chat.Message{Text: text, ThreadTS: p.threadTS}); err != nil {
		logrus.WithError(err).Debug("Failed to post approval reminder")
	}
}

// expire auto-declines exactly once after the timeout.
func (h *Handler) expire(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.HandleDecision(ctx, id, DecisionDecline, SourceExpiry, ""); err != nil &&
		!errors.Is(err, ErrUnknownApproval) && !errors.Is(err, ErrAlreadyDecided) {
		logrus.WithError(err).WithField("approval", id).Warn("Approval expiry failed")
	}
}

// notifyUser DMs the requesting user, debounced per user and conversation so
// bursts of approvals do not spam.
func (h *Handler) notifyUser(ctx context.Context, p *pending) {
	if p.userID == "" {
		return
	}
	debounceKey := p.userID + "|" + string(p.key)

	h.mu.Lock()
	last, seen := h.lastDM[debounceKey]
	now := h.now()
	if seen && now.Sub(last) < h.cfg.DMDebounce {
		h.mu.Unlock()
		return
	}
	h.lastDM[debounceKey] = now
	h.mu.Unlock()

	dm, err := h.chat.OpenDM(ctx, p.userID)
	if err != nil {
		logrus.WithError(err).Debug("Failed to open approval DM")
		return
	}
	text := fmt.Sprintf(":lock: Approval needed in <#%s>", p.key.ChannelID())
	if _, err := h.chat.PostMessage(ctx, dm, chat.Message{Text: text}); err != nil {
		logrus.WithError(err).Debug("Failed to send approval DM")
	}
}

// CleanupConversation declines every pending approval of a conversation,
// for channel deletion and session clears.
func (h *Handler) CleanupConversation(ctx context.Context, key conversation.Key) int {
	return h.declineWhere(ctx, func(p *pending) bool { return p.key == key })
}

// CleanupStale declines approvals that have been pending longer than maxAge.
func (h *Handler) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := h.now().Add(-maxAge)
	return h.declineWhere(ctx, func(p *pending) bool { return p.createdAt.Before(cutoff) })
}

// DeclineAll declines everything, used on shutdown.
func (h *Handler) DeclineAll(ctx context.Context) int {
	return h.declineWhere(ctx, func(*pending) bool { return true })
}

func (h *Handler) declineWhere(ctx context.Context, match func(*pending) bool) int {
	h.mu.Lock()
	var ids []int64
	for id, p := range h.pending {
		if !p.decided && match(p) {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.HandleDecision(ctx, id, DecisionDecline, SourceCleanup, ""); err != nil &&
			!errors.Is(err, ErrUnknownApproval) && !errors.Is(err, ErrAlreadyDecided) {
			logrus.WithError(err).WithField("approval", id).Warn("Cleanup decline failed")
		}
	}
	return len(ids)
}

// PendingCount reports open approvals.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// PendingViews snapshots open approvals, oldest first.
func (h *Handler) PendingViews() []View {
	h.mu.Lock()
	defer h.mu.Unlock()
	views := make([]View, 0, len(h.pending))
	for _, p := range h.pending {
		views = append(views, View{
			RequestID: p.id,
			Key:       string(p.key),
			Kind:      string(p.req.Kind),
			Command:   p.req.Command,
			Paths:     p.req.Paths,
			CreatedAt: p.createdAt,
		})
	}
	for i := 1; i < len(views); i++ {
		for j := i; j > 0 && views[j].CreatedAt.Before(views[j-1].CreatedAt); j-- {
			views[j], views[j-1] = views[j-1], views[j]
		}
	}
	return views
}

func (h *Handler) emitRecord(rec Record) {
	if h.onDecided != nil {
		h.onDecided(rec)
	}
}

func stopTimers(p *pending) {
	if p.reminder != nil {
		p.reminder.Stop()
	}
	if p.expiry != nil {
		p.expiry.Stop()
	}
}

func promptText(id int64, req *codex.ApprovalRequest) string {
	var b strings.Builder
	switch req.Kind {
	case codex.ApprovalFileChange:
		b.WriteString(":lock: *Approval required*: file change")
	default:
		b.WriteString(":lock: *Approval required*: command execution")
	}
	fmt.Fprintf(&b, " (#%d)", id)
	if req.Command != "" {
		b.WriteString("\n```\n")
		b.WriteString(truncate(req.Command, 500))
		b.WriteString("\n```")
	}
	if req.Cwd != "" {
		b.WriteString("\nin `")
		b.WriteString(req.Cwd)
		b.WriteString("`")
	}
	if len(req.Paths) > 0 {
		b.WriteString("\nFiles:")
		for i, p := range req.Paths {
			if i == 10 {
				fmt.Fprintf(&b, "\n• … and %d more", len(req.Paths)-10)
				break
			}
			b.WriteString("\n• `")
			b.WriteString(p)
			b.WriteString("`")
		}
	}
	if req.Reason != "" {
		b.WriteString("\n_")
		b.WriteString(truncate(req.Reason, 300))
		b.WriteString("_")
	}
	return b.String()
}

func outcomeLine(decision Decision, source Source, userID string) string {
	verdict := ":white_check_mark: Approved"
	if decision == DecisionDecline {
		verdict = ":no_entry: Denied"
	}
	switch source {
	case SourceUser:
		if userID != "" {
			return fmt.Sprintf("%s by <@%s>", verdict, userID)
		}
		return verdict
	case SourceExpiry:
		return verdict + " (expired without an answer)"
	case SourceAPI:
		return verdict + " (via API)"
	case SourceCleanup:
		return verdict + " (conversation closed)"
	default:
		return verdict
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
