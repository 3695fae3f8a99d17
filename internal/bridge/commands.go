package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/chat"
)

const helpText = "Available commands:\n" +
	"• `/cd <absolute path>` set the working directory for the next session\n" +
	"• `/set-current-path` lock the working directory against further `/cd`\n" +
	"• `/model <model> [minimal|low|medium|high|xhigh]` pick model and reasoning effort\n" +
	"• `/update-rate <seconds>` how often the activity panel refreshes (1-10)\n" +
	"• `/char-limit <chars>` activity panel truncation limit (100-36000)\n" +
	"• `/approval-policy <never|on-request|on-failure|untrusted>` when the agent asks first\n" +
	"• `/clear` start the next message on a fresh session\n" +
	"• `/resume <thread id>` attach a specific session\n" +
	"• `/fork <turn number|turn id>` fork the session at a past turn into a new channel\n" +
	"• `/status` show the session, model and usage for this conversation\n" +
	"• `/help` this list"

// splitCommand parses "/name arg arg" into a lowercased name and its args.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (h *Handler) handleCommand(ctx context.Context, ev chat.MessageEvent, text string) {
	name, args := splitCommand(text)
	switch name {
	case "cd":
		h.cmdCd(ctx, ev, args)
	case "set-current-path":
		h.cmdLockPath(ctx, ev)
	case "model":
		h.cmdModel(ctx, ev, args)
	case "update-rate":
		h.cmdUpdateRate(ctx, ev, args)
	case "char-limit":
		h.cmdCharLimit(ctx, ev, args)
	case "approval-policy":
		h.cmdApprovalPolicy(ctx, ev, args)
	case "clear":
		h.cmdClear(ctx, ev)
	case "resume":
		h.cmdResume(ctx, ev, args)
	case "fork":
		h.cmdFork(ctx, ev, args)
	case "status":
		h.cmdStatus(ctx, ev)
	case "help":
		h.reply(ctx, ev, helpText)
	default:
		h.reply(ctx, ev, fmt.Sprintf("Unknown command `/%s`. Try `/help`.", name))
	}
}

func (h *Handler) cmdCd(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/cd <absolute path>`")
		return
	}
	dir := args[0]
	if !filepath.IsAbs(dir) {
		h.reply(ctx, ev, "The working directory must be an absolute path.")
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		h.reply(ctx, ev, fmt.Sprintf("`%s` is not a directory I can see.", dir))
		return
	}
	if err := h.sessions.SetWorkingDir(ev.ChannelID, ev.ThreadTS, dir); err != nil {
		h.reply(ctx, ev, err.Error())
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Working directory set to `%s` (used when the next session starts).", dir))
}

func (h *Handler) cmdLockPath(ctx context.Context, ev chat.MessageEvent) {
	if err := h.sessions.LockPath(ev.ChannelID, ev.UserID); err != nil {
		h.reply(ctx, ev, "Could not lock the path: "+err.Error())
		return
	}
	dir := h.sessions.GetEffectiveWorkingDir(ev.ChannelID, "")
	h.reply(ctx, ev, fmt.Sprintf("Working directory locked to `%s`.", dir))
}

func (h *Handler) cmdModel(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) < 1 || len(args) > 2 {
		h.reply(ctx, ev, "Usage: `/model <model> [minimal|low|medium|high|xhigh]`")
		return
	}
	model := args[0]
	effort := ""
	if len(args) == 2 {
		effort = strings.ToLower(args[1])
		if !session.ValidReasoningEffort(effort) {
			h.reply(ctx, ev, fmt.Sprintf("Unknown reasoning effort `%s`.", args[1]))
			return
		}
	}
	if err := h.sessions.SaveModelSettings(ev.ChannelID, ev.ThreadTS, model, effort); err != nil {
		h.reply(ctx, ev, "Could not save the model: "+err.Error())
		return
	}
	if effort != "" {
		h.reply(ctx, ev, fmt.Sprintf("Model set to `%s` (reasoning `%s`).", model, effort))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Model set to `%s`.", model))
}

func (h *Handler) cmdUpdateRate(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/update-rate <seconds>`")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		h.reply(ctx, ev, "The update rate must be a number of seconds.")
		return
	}
	if err := h.sessions.SaveUpdateRate(ev.ChannelID, n); err != nil {
		h.reply(ctx, ev, "Could not save the update rate: "+err.Error())
		return
	}
	effective := session.ClampUpdateRate(n)
	if effective != n {
		h.reply(ctx, ev, fmt.Sprintf("Panel update rate clamped to %ds (allowed range %d-%d).",
			effective, session.MinUpdateRateSeconds, session.MaxUpdateRateSeconds))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Panel update rate set to %ds.", effective))
}

func (h *Handler) cmdCharLimit(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/char-limit <chars>`")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		h.reply(ctx, ev, "The character limit must be a number.")
		return
	}
	if err := h.sessions.SaveThreadCharLimit(ev.ChannelID, n); err != nil {
		h.reply(ctx, ev, "Could not save the character limit: "+err.Error())
		return
	}
	effective := session.ClampThreadCharLimit(n)
	if effective != n {
		h.reply(ctx, ev, fmt.Sprintf("Character limit clamped to %d (allowed range %d-%d).",
			effective, session.MinThreadCharLimit, session.MaxThreadCharLimit))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Character limit set to %d.", effective))
}

func (h *Handler) cmdApprovalPolicy(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/approval-policy <never|on-request|on-failure|untrusted>`")
		return
	}
	policy := strings.ToLower(args[0])
	if err := h.sessions.SaveApprovalPolicy(ev.ChannelID, ev.ThreadTS, policy); err != nil {
		h.reply(ctx, ev, "Approval policy must be one of never, on-request, on-failure, untrusted.")
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Approval policy set to `%s`.", policy))
}

func (h *Handler) cmdClear(ctx context.Context, ev chat.MessageEvent) {
	key := conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	if h.streams.Active(key) {
		h.reply(ctx, ev, "A turn is running; abort it before clearing.")
		return
	}
	if err := h.sessions.ClearSession(ev.ChannelID, ev.ThreadTS, ev.UserID); err != nil {
		h.reply(ctx, ev, "Could not clear the session: "+err.Error())
		return
	}
	msg := "Session cleared. The next message starts a fresh session"
	if dir := h.sessions.GetEffectiveWorkingDir(ev.ChannelID, ev.ThreadTS); dir != "" {
		msg += fmt.Sprintf(" in `%s`", dir)
	}
	h.reply(ctx, ev, msg+".")
}

func (h *Handler) cmdResume(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/resume <thread id>`")
		return
	}
	threadID := args[0]
	server, err := h.server()
	if err != nil {
		h.reply(ctx, ev, "The app server is not running right now, try again in a moment.")
		return
	}
	info, err := server.ThreadResume(ctx, threadID)
	if err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Could not resume thread `%s`: %v", threadID, err))
		return
	}
	if err := h.sessions.SetThreadID(ev.ChannelID, ev.ThreadTS, info.ID); err != nil {
		h.reply(ctx, ev, "Could not persist the resumed thread: "+err.Error())
		return
	}
	h.markAttached(info.ID)
	msg := fmt.Sprintf("Resumed thread `%s`.", info.ID)
	if info.WorkingDirectory != "" {
		msg = fmt.Sprintf("Resumed thread `%s` (working directory `%s`).", info.ID, info.WorkingDirectory)
	}
	h.reply(ctx, ev, msg)
}

func (h *Handler) cmdFork(ctx context.Context, ev chat.MessageEvent, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Usage: `/fork <turn number|turn id>`")
		return
	}
	turnID := args[0]
	if n, err := strconv.Atoi(turnID); err == nil {
		sess := h.sessions.GetSession(ev.ChannelID)
		if sess == nil || n < 1 || n > len(sess.Turns) {
			h.reply(ctx, ev, fmt.Sprintf("No turn %d on record for this channel.", n))
			return
		}
		turnID = sess.Turns[n-1].TurnID
	}
	key := conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	if err := h.forkToChannel(ctx, key, turnID, ev.UserID); err != nil {
		h.reply(ctx, ev, "Fork failed: "+err.Error())
	}
}

func (h *Handler) cmdStatus(ctx context.Context, ev chat.MessageEvent) {
	key := conversation.NewKey(ev.ChannelID, ev.ThreadTS)
	sess := h.sessions.GetSession(ev.ChannelID)
	s := h.settingsFor(ev.ChannelID, ev.ThreadTS)

	var sb strings.Builder
	sb.WriteString("*Session*\n")

	threadID := h.sessions.GetEffectiveThreadID(ev.ChannelID, ev.ThreadTS)
	if threadID == "" {
		sb.WriteString("Thread: none (next message starts one)\n")
	} else {
		sb.WriteString(fmt.Sprintf("Thread: `%s`\n", threadID))
	}

	if s.workingDir != "" {
		locked := ""
		if sess != nil && sess.PathConfigured {
			locked = " (locked)"
		}
		sb.WriteString(fmt.Sprintf("Working directory: `%s`%s\n", s.workingDir, locked))
	}

	model := s.model
	if model == "" {
		model = "server default"
	}
	sb.WriteString("Model: " + model)
	if s.effort != "" {
		sb.WriteString(" (reasoning " + s.effort + ")")
	}
	sb.WriteString("\n")

	if s.policy != "" {
		sb.WriteString("Approval policy: " + s.policy + "\n")
	}
	sb.WriteString(fmt.Sprintf("Update rate: %ds, char limit: %d\n", s.updateRate, s.charLimit))

	if sess != nil && len(sess.Turns) > 0 {
		sb.WriteString(fmt.Sprintf("Turns on record: %d\n", len(sess.Turns)))
	}

	usage := h.lastUsage(ev.ChannelID, ev.ThreadTS)
	if usage != nil && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		sb.WriteString(fmt.Sprintf("Last turn: %d in / %d out", usage.InputTokens, usage.OutputTokens))
		if usage.ContextWindow > 0 && usage.TotalTokens > 0 {
			pct := float64(usage.TotalTokens) / float64(usage.ContextWindow) * 100
			sb.WriteString(fmt.Sprintf(" (%.0f%% of context)", pct))
		}
		sb.WriteString("\n")
	}

	if h.streams.Active(key) {
		sb.WriteString("A turn is running right now.\n")
	}
	h.reply(ctx, ev, strings.TrimRight(sb.String(), "\n"))
}

func (h *Handler) lastUsage(channelID, threadTS string) *codex.TokenUsage {
	if threadTS != "" {
		if th := h.sessions.GetThreadSession(channelID, threadTS); th != nil && th.LastUsage != nil {
			return th.LastUsage
		}
	}
	if ch := h.sessions.GetSession(channelID); ch != nil {
		return ch.LastUsage
	}
	return nil
}
