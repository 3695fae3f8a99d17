package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/audit"
	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/bridge/streaming"
	"github.com/relaycode-dev/relaycode/internal/chat"
	"github.com/relaycode-dev/relaycode/internal/config"
	"github.com/relaycode-dev/relaycode/internal/obs"
)

// ActionFork is the button id on final responses that forks the
// conversation at that turn into a new channel.
const ActionFork = "turn_fork"

// maxForkNameTries bounds the create-channel retry loop when fork channel
// names collide with channels the bot cannot see.
const maxForkNameTries = 25

// forkPayload is the JSON carried in a fork button value. The turn index is
// deliberately not stored: it is computed against the live thread when the
// button is clicked, so forks stay correct after a /clear or a resume.
type forkPayload struct {
	TurnID  string `json:"turnId"`
	SlackTS string `json:"slackTs"`
	Key     string `json:"conversationKey"`
}

// appServer is the slice of the app-server client the handler needs.
type appServer interface {
	ThreadStart(ctx context.Context, workingDir string) (*codex.ThreadInfo, error)
	ThreadResume(ctx context.Context, threadID string) (*codex.ThreadInfo, error)
	TurnStart(ctx context.Context, params codex.TurnStartParams) error
	FindTurnIndex(ctx context.Context, threadID, turnID string) (int, error)
	ForkAtTurn(ctx context.Context, threadID string, turnIndex int) (*codex.ThreadInfo, error)
}

// HandlerOptions wires the message handler to the rest of the bridge.
type HandlerOptions struct {
	Chat      chat.Client
	Sessions  *session.Store
	Streams   *streaming.Manager
	Approvals *approval.Handler
	Server    func() (appServer, error)
	Metrics   *obs.BridgeMetrics
	Audit     *audit.Store
	Defaults  config.DefaultsConfig
}

// Handler turns inbound Slack traffic into app-server turns. One instance
// serves all conversations.
type Handler struct {
	chat      chat.Client
	sessions  *session.Store
	streams   *streaming.Manager
	approvals *approval.Handler
	server    func() (appServer, error)
	metrics   *obs.BridgeMetrics
	audit     *audit.Store

	mu       sync.Mutex
	defaults config.DefaultsConfig
	// attached tracks codex thread ids resumed in the current subprocess
	// incarnation. A restart voids them all; see DetachAll.
	attached map[string]bool

	tmpRoot string
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		chat:      opts.Chat,
		sessions:  opts.Sessions,
		streams:   opts.Streams,
		approvals: opts.Approvals,
		server:    opts.Server,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		defaults:  opts.Defaults,
		attached:  make(map[string]bool),
		tmpRoot:   os.TempDir(),
	}
}

// SetDefaults swaps the fallback turn settings, for config hot reload.
func (h *Handler) SetDefaults(d config.DefaultsConfig) {
	h.mu.Lock()
	h.defaults = d
	h.mu.Unlock()
}

func (h *Handler) currentDefaults() config.DefaultsConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaults
}

// HandleMessage routes one user message: slash commands are answered
// directly, anything else starts a turn.
func (h *Handler) HandleMessage(ctx context.Context, ev chat.MessageEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Files) == 0 {
		return
	}
	if strings.HasPrefix(text, "/") {
		h.handleCommand(ctx, ev, text)
		return
	}
	h.startTurn(ctx, ev, text)
}

// startTurn attaches (or starts) the conversation's codex thread and kicks
// off a streamed turn. Refusals are posted as threaded replies.
func (h *Handler) startTurn(ctx context.Context, ev chat.MessageEvent, text string) {
	key := conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	if h.streams.Active(key) {
		h.reply(ctx, ev, "A turn is already running here. Abort it or wait for it to finish.")
		return
	}

	server, err := h.server()
	if err != nil {
		logrus.WithError(err).Warn("Turn refused, app server unavailable")
		h.reply(ctx, ev, "The app server is not running right now, try again in a moment.")
		return
	}

	s := h.settingsFor(ev.ChannelID, ev.ThreadTS)
	threadID, err := h.ensureThread(ctx, server, ev.ChannelID, ev.ThreadTS, s.workingDir)
	if err != nil {
		logrus.WithError(err).WithField("conversation", key).Error("Thread attach failed")
		h.reply(ctx, ev, "Could not attach a session for this conversation: "+err.Error())
		return
	}

	prompt := text
	if len(ev.Files) > 0 {
		paths, warnings := h.stageFiles(ctx, ev.Files)
		if len(paths) > 0 {
			var sb strings.Builder
			sb.WriteString(prompt)
			sb.WriteString("\n\nAttached files:\n")
			for _, p := range paths {
				sb.WriteString("- ")
				sb.WriteString(p)
				sb.WriteString("\n")
			}
			prompt = strings.TrimRight(sb.String(), "\n")
		}
		if len(warnings) > 0 {
			h.reply(ctx, ev, "Skipped attachments:\n• "+strings.Join(warnings, "\n• "))
		}
	}
	if strings.TrimSpace(prompt) == "" {
		h.reply(ctx, ev, "Nothing to send: the message is empty and no attachment could be staged.")
		return
	}

	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	err = h.streams.StartStreaming(ctx, streaming.StartParams{
		Key:        key,
		ChannelID:  ev.ChannelID,
		ThreadTS:   threadTS,
		OriginalTS: ev.TS,
		UserID:     ev.UserID,
		ThreadID:   threadID,
		Model:      s.model,
		Reasoning:  s.effort,
		UpdateRate: time.Duration(s.updateRate) * time.Second,
		CharLimit:  s.charLimit,
	})
	if err != nil {
		logrus.WithError(err).WithField("conversation", key).Error("Could not open the activity panel")
		return
	}

	err = server.TurnStart(ctx, codex.TurnStartParams{
		ThreadID:        threadID,
		Input:           codex.TextInput(prompt),
		Model:           s.model,
		ReasoningEffort: s.effort,
		ApprovalPolicy:  s.policy,
	})
	if err != nil {
		h.streams.FailTurn(ctx, key, "could not start the turn: "+err.Error())
		return
	}
	h.metrics.TurnStarted(ctx, s.model)
}

// turnSettings is the effective per-turn configuration after layering
// defaults, the channel session and the thread session.
type turnSettings struct {
	model      string
	effort     string
	policy     string
	updateRate int
	charLimit  int
	workingDir string
}

func (h *Handler) settingsFor(channelID, threadTS string) turnSettings {
	d := h.currentDefaults()
	s := turnSettings{
		model:      d.Model,
		effort:     d.ReasoningEffort,
		policy:     d.ApprovalPolicy,
		updateRate: d.UpdateRateSeconds,
		charLimit:  d.ThreadCharLimit,
		workingDir: d.WorkingDir,
	}

	if ch := h.sessions.GetSession(channelID); ch != nil {
		if ch.Model != "" {
			s.model = ch.Model
		}
		if ch.ReasoningEffort != "" {
			s.effort = ch.ReasoningEffort
		}
		if ch.ApprovalPolicy != "" {
			s.policy = ch.ApprovalPolicy
		}
		if ch.UpdateRateSeconds > 0 {
			s.updateRate = ch.UpdateRateSeconds
		}
		if ch.ThreadCharLimit > 0 {
			s.charLimit = ch.ThreadCharLimit
		}
	}
	if threadTS != "" {
		if th := h.sessions.GetThreadSession(channelID, threadTS); th != nil {
			if th.Model != "" {
				s.model = th.Model
			}
			if th.ReasoningEffort != "" {
				s.effort = th.ReasoningEffort
			}
			if th.ApprovalPolicy != "" {
				s.policy = th.ApprovalPolicy
			}
		}
	}
	if dir := h.sessions.GetEffectiveWorkingDir(channelID, threadTS); dir != "" {
		s.workingDir = dir
	}
	return s
}

// ensureThread returns the codex thread id this conversation should use,
// starting or resuming one as needed. Resume happens at most once per
// subprocess incarnation per thread.
func (h *Handler) ensureThread(ctx context.Context, server appServer, channelID, threadTS, workingDir string) (string, error) {
	threadID := h.sessions.GetEffectiveThreadID(channelID, threadTS)
	if threadID == "" {
		info, err := server.ThreadStart(ctx, workingDir)
		if err != nil {
			return "", fmt.Errorf("start thread: %w", err)
		}
		if err := h.sessions.SetThreadID(channelID, threadTS, info.ID); err != nil {
			logrus.WithError(err).Warn("Failed to persist new thread id")
		}
		if workingDir == "" && info.WorkingDirectory != "" {
			if err := h.sessions.SetWorkingDir(channelID, threadTS, info.WorkingDirectory); err != nil {
				logrus.WithError(err).Debug("Failed to persist server-chosen working directory")
			}
		}
		h.markAttached(info.ID)
		return info.ID, nil
	}

	if h.isAttached(threadID) {
		return threadID, nil
	}
	if _, err := server.ThreadResume(ctx, threadID); err != nil {
		return "", fmt.Errorf("resume thread %s: %w", threadID, err)
	}
	h.markAttached(threadID)
	return threadID, nil
}

func (h *Handler) markAttached(threadID string) {
	h.mu.Lock()
	h.attached[threadID] = true
	h.mu.Unlock()
}

func (h *Handler) isAttached(threadID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached[threadID]
}

// DetachAll forgets incarnation-scoped thread attachments. Called when the
// subprocess exits: every thread must be resumed before its next turn.
func (h *Handler) DetachAll() {
	h.mu.Lock()
	h.attached = make(map[string]bool)
	h.mu.Unlock()
}

// stageFiles downloads user attachments into a temp directory so the agent
// can read them from disk. Failures degrade to per-file warnings.
func (h *Handler) stageFiles(ctx context.Context, files []chat.File) (paths, warnings []string) {
	dir, err := os.MkdirTemp(h.tmpRoot, "relaycode-files-")
	if err != nil {
		logrus.WithError(err).Warn("Could not create staging directory for attachments")
		for _, f := range files {
			warnings = append(warnings, f.Name+": staging directory unavailable")
		}
		return nil, warnings
	}
	for _, f := range files {
		name := filepath.Base(f.Name)
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = f.ID
		}
		dst := filepath.Join(dir, name)
		if err := h.downloadFile(ctx, f, dst); err != nil {
			logrus.WithError(err).WithField("file", f.Name).Warn("Attachment download failed")
			warnings = append(warnings, name+": "+err.Error())
			continue
		}
		paths = append(paths, dst)
	}
	return paths, warnings
}

func (h *Handler) downloadFile(ctx context.Context, f chat.File, dst string) error {
	if f.URL == "" {
		return errors.New("no download url")
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := h.chat.DownloadFile(ctx, f.URL, out); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// HandleAction dispatches button clicks by action id.
func (h *Handler) HandleAction(ctx context.Context, ev chat.ActionEvent) {
	switch ev.ActionID {
	case streaming.ActionAbort:
		h.onAbortAction(ctx, ev)
	case approval.ActionAccept:
		h.onApprovalAction(ctx, ev, approval.DecisionAccept)
	case approval.ActionDecline:
		h.onApprovalAction(ctx, ev, approval.DecisionDecline)
	case ActionFork:
		h.onForkAction(ctx, ev)
	default:
		logrus.WithField("action", ev.ActionID).Debug("Ignoring unknown action")
	}
}

func (h *Handler) onAbortAction(ctx context.Context, ev chat.ActionEvent) {
	key := conversation.Key(ev.Value)
	if key == "" {
		key = conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	}
	if err := h.streams.Abort(ctx, key); err != nil {
		if errors.Is(err, streaming.ErrNoActiveTurn) {
			logrus.WithField("conversation", key).Debug("Abort for settled turn ignored")
			return
		}
		logrus.WithError(err).WithField("conversation", key).Warn("Abort failed")
	}
}

func (h *Handler) onApprovalAction(ctx context.Context, ev chat.ActionEvent, decision approval.Decision) {
	id, err := strconv.ParseInt(ev.Value, 10, 64)
	if err != nil {
		logrus.WithField("value", ev.Value).Warn("Malformed approval action value")
		return
	}
	err = h.approvals.HandleDecision(ctx, id, decision, approval.SourceUser, ev.UserID)
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, approval.ErrUnknownApproval) {
			logrus.WithField("approval", id).Debug("Stale approval click ignored")
			return
		}
		logrus.WithError(err).WithField("approval", id).Error("Approval decision failed")
	}
}

func (h *Handler) onForkAction(ctx context.Context, ev chat.ActionEvent) {
	var p forkPayload
	if err := json.Unmarshal([]byte(ev.Value), &p); err != nil || p.TurnID == "" {
		logrus.WithField("value", ev.Value).Warn("Malformed fork action value")
		return
	}
	key := conversation.Key(p.Key)
	if key == "" {
		key = conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	}
	if err := h.forkToChannel(ctx, key, p.TurnID, ev.UserID); err != nil {
		logrus.WithError(err).WithField("conversation", key).Error("Fork failed")
		h.post(ctx, ev.ChannelID, ev.ThreadTS, "Fork failed: "+err.Error())
	}
}

// FinalActions builds the buttons attached to a completed turn's final
// response.
func (h *Handler) FinalActions(o streaming.Outcome) []chat.Action {
	if o.TurnID == "" {
		return nil
	}
	payload, err := json.Marshal(forkPayload{
		TurnID:  o.TurnID,
		SlackTS: o.OriginalTS,
		Key:     string(o.Key),
	})
	if err != nil {
		return nil
	}
	return []chat.Action{{ID: ActionFork, Label: "Fork to channel", Value: string(payload)}}
}

// forkToChannel forks the conversation's thread at turnID into a brand new
// channel seeded with the source channel's settings.
func (h *Handler) forkToChannel(ctx context.Context, key conversation.Key, turnID, userID string) error {
	server, err := h.server()
	if err != nil {
		return fmt.Errorf("app server unavailable: %w", err)
	}
	channelID, threadTS := conversation.ParseKey(string(key))

	threadID := h.sessions.GetEffectiveThreadID(channelID, threadTS)
	if threadID == "" {
		return errors.New("no session to fork in this conversation")
	}
	idx, err := server.FindTurnIndex(ctx, threadID, turnID)
	if err != nil {
		return fmt.Errorf("locate turn: %w", err)
	}
	forked, err := server.ForkAtTurn(ctx, threadID, idx)
	if err != nil {
		return fmt.Errorf("fork thread: %w", err)
	}

	srcName, err := h.chat.ChannelName(ctx, channelID)
	if err != nil || srcName == "" {
		logrus.WithError(err).WithField("channel", channelID).Debug("Channel name lookup failed, using id")
		srcName = strings.ToLower(channelID)
	}
	newChannelID, newName, err := h.createForkChannel(ctx, srcName)
	if err != nil {
		return err
	}
	if userID != "" {
		if err := h.chat.InviteUsers(ctx, newChannelID, []string{userID}); err != nil {
			logrus.WithError(err).WithField("channel", newChannelID).Warn("Could not invite user to fork channel")
		}
	}

	src := h.sessions.GetSession(channelID)
	sess := &session.ChannelSession{
		ThreadID:   forked.ID,
		WorkingDir: forked.WorkingDirectory,
		ForkedFrom: channelID,
	}
	forkedAt := idx
	sess.ForkedAtTurnIndex = &forkedAt
	if src != nil {
		sess.Model = src.Model
		sess.ReasoningEffort = src.ReasoningEffort
		sess.ApprovalPolicy = src.ApprovalPolicy
		sess.UpdateRateSeconds = src.UpdateRateSeconds
		sess.ThreadCharLimit = src.ThreadCharLimit
	}
	if err := h.sessions.SaveSession(newChannelID, sess); err != nil {
		return fmt.Errorf("persist fork session: %w", err)
	}
	h.markAttached(forked.ID)

	h.post(ctx, newChannelID, "",
		fmt.Sprintf("Forked from <#%s> at turn %d. Messages here continue from that point.", channelID, idx+1))
	h.post(ctx, channelID, threadTS,
		fmt.Sprintf("Forked this conversation to <#%s> (`%s`).", newChannelID, newName))
	return nil
}

// createForkChannel picks a fork name derived from the source channel and
// creates it, retrying past names taken by channels the bot cannot see.
func (h *Handler) createForkChannel(ctx context.Context, srcName string) (string, string, error) {
	tried := make(map[string]bool)
	for i := 0; i < maxForkNameTries; i++ {
		name := conversation.SuggestForkName(srcName, func(candidate string) bool {
			return tried[candidate]
		})
		if name == "" {
			break
		}
		tried[name] = true
		channelID, err := h.chat.CreateChannel(ctx, name)
		if err == nil {
			return channelID, name, nil
		}
		if strings.Contains(err.Error(), "name_taken") {
			continue
		}
		return "", "", fmt.Errorf("create channel %q: %w", name, err)
	}
	return "", "", fmt.Errorf("no free fork channel name for %q", srcName)
}

// HandleChannelDeleted fails anything still running in the channel, settles
// its approvals and deletes the stored session, recording orphaned codex
// threads for the audit trail.
func (h *Handler) HandleChannelDeleted(ctx context.Context, channelID string) {
	for _, view := range h.streams.ActiveViews() {
		key := conversation.Key(view.Key)
		if key.ChannelID() != channelID {
			continue
		}
		h.streams.FailTurn(ctx, key, "channel deleted")
	}

	sess := h.sessions.GetSession(channelID)
	if sess == nil {
		return
	}
	h.auditOrphans(channelID, sess)

	h.approvals.CleanupConversation(ctx, conversation.NewKey(channelID, ""))
	for ts := range sess.Threads {
		h.approvals.CleanupConversation(ctx, conversation.NewKey(channelID, ts))
	}

	if err := h.sessions.DeleteChannelSession(channelID); err != nil {
		logrus.WithError(err).WithField("channel", channelID).Error("Failed to delete session for removed channel")
	}
}

// auditOrphans records every codex thread id that just lost its channel.
func (h *Handler) auditOrphans(channelID string, sess *session.ChannelSession) {
	record := func(key conversation.Key, threadID, workingDir string) {
		if threadID == "" {
			return
		}
		err := h.audit.RecordOrphan(audit.OrphanRecord{
			ChannelID:       channelID,
			ConversationKey: string(key),
			ThreadID:        threadID,
			WorkingDir:      workingDir,
			Reason:          "channel deleted",
		})
		if err != nil {
			logrus.WithError(err).Warn("Failed to record orphaned thread")
		}
	}

	channelKey := conversation.NewKey(channelID, "")
	record(channelKey, sess.ThreadID, sess.WorkingDir)
	for _, prev := range sess.PreviousThreadIDs {
		record(channelKey, prev, sess.WorkingDir)
	}
	for ts, th := range sess.Threads {
		if th == nil {
			continue
		}
		threadKey := conversation.NewKey(channelID, ts)
		record(threadKey, th.ThreadID, th.WorkingDir)
		for _, prev := range th.PreviousThreadIDs {
			record(threadKey, prev, th.WorkingDir)
		}
	}
}

// reply posts into the thread of the triggering message.
func (h *Handler) reply(ctx context.Context, ev chat.MessageEvent, text string) {
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	h.post(ctx, ev.ChannelID, threadTS, text)
}

func (h *Handler) post(ctx context.Context, channelID, threadTS, text string) {
	_, err := h.chat.PostMessage(ctx, channelID, chat.Message{Text: text, ThreadTS: threadTS})
	if err != nil {
		logrus.WithError(err).WithField("channel", channelID).Warn("Failed to post reply")
	}
}
