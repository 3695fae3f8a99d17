package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/bridge/abort"
	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/reaction"
	"github.com/relaycode-dev/relaycode/internal/chat"
)

// ActionAbort is the panel's abort button id; its value is the
// conversation key.
const ActionAbort = "turn_abort"

var (
	ErrNoActiveTurn   = errors.New("no active turn for this conversation")
	ErrTurnInProgress = errors.New("a turn is already running for this conversation")
)

// Interruptor asks the app server to stop an in-flight turn.
type Interruptor func(ctx context.Context, threadID, turnID string) error

// Config tunes panel pacing and abort handling.
type Config struct {
	// DefaultUpdateRate paces panel refreshes when the conversation has no
	// explicit setting.
	DefaultUpdateRate time.Duration
	// AbortGrace bounds the wait for a terminal event after an abort; once
	// it passes the turn settles locally as interrupted.
	AbortGrace time.Duration
	// Upload share polling, passed through to file uploads.
	PollInterval time.Duration
	PollAttempts int
}

func (c Config) withDefaults() Config {
	if c.DefaultUpdateRate <= 0 {
		c.DefaultUpdateRate = 3 * time.Second
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 25
	}
	return c
}

// Options wire the manager's collaborators.
type Options struct {
	Chat      chat.Client
	Activity  *activity.Manager
	Reactions *reaction.Manager
	Aborts    *abort.Registry
	Interrupt Interruptor
	// RenderImage rasterizes long markdown for image uploads; nil disables.
	RenderImage func(ctx context.Context, markdown string) ([]byte, error)
	// FinalActions supplies buttons for the final response message.
	FinalActions func(o Outcome) []chat.Action
	// OnOutcome receives every settled turn.
	OnOutcome func(o Outcome)
	Config    Config
}

// Manager owns all live streams, keyed by conversation. Events resolve to a
// stream via the subprocess thread id or, for events that only carry a turn
// id, via the turn index.
//
// Lock ordering: st.mu may be held while calling into the activity manager
// and the chat client, never while taking m.mu.
type Manager struct {
	mu       sync.Mutex
	streams  map[conversation.Key]*stream
	byThread map[string]conversation.Key
	byTurn   map[string]conversation.Key

	chat         chat.Client
	activity     *activity.Manager
	reactions    *reaction.Manager
	aborts       *abort.Registry
	interrupt    Interruptor
	renderImage  func(ctx context.Context, markdown string) ([]byte, error)
	finalActions func(o Outcome) []chat.Action
	onOutcome    func(o Outcome)
	cfg          Config
	now          func() time.Time
}

func NewManager(opts Options) *Manager {
	return &Manager{
		streams:      make(map[conversation.Key]*stream),
		byThread:     make(map[string]conversation.Key),
		byTurn:       make(map[string]conversation.Key),
		chat:         opts.Chat,
		activity:     opts.Activity,
		reactions:    opts.Reactions,
		aborts:       opts.Aborts,
		interrupt:    opts.Interrupt,
		renderImage:  opts.RenderImage,
		finalActions: opts.FinalActions,
		onOutcome:    opts.OnOutcome,
		cfg:          opts.Config.withDefaults(),
		now:          time.Now,
	}
}

// StartStreaming posts the status panel and begins the update loop for one
// turn. Leaked state under the same key is discarded first.
func (m *Manager) StartStreaming(ctx context.Context, params StartParams) error {
	if params.UpdateRate <= 0 {
		params.UpdateRate = m.cfg.DefaultUpdateRate
	}
	if params.CharLimit <= 0 {
		params.CharLimit = 500
	}

	st := newStream(params, m.now())

	m.mu.Lock()
	old := m.streams[params.Key]
	m.streams[params.Key] = st
	if params.ThreadID != "" {
		m.byThread[params.ThreadID] = params.Key
	}
	if old != nil {
		if tid := old.params.ThreadID; tid != "" && tid != params.ThreadID && m.byThread[tid] == params.Key {
			delete(m.byThread, tid)
		}
		for id, k := range m.byTurn {
			if k == params.Key {
				delete(m.byTurn, id)
			}
		}
	}
	m.mu.Unlock()

	if old != nil {
		logrus.WithField("conversation", params.Key).Warn("Replacing leftover stream state")
		stopStream(old)
	}

	m.reactions.StartProcessing(ctx, params.ChannelID, params.OriginalTS)

	st.mu.Lock()
	text := renderPanel(st, nil)
	st.mu.Unlock()
	ts, err := m.chat.PostMessage(ctx, params.ChannelID, chat.Message{
		Text:     text,
		ThreadTS: params.ThreadTS,
		Actions:  m.abortButton(params.Key),
	})
	if err != nil {
		stopStream(st)
		m.removeStream(params.Key, st, params.ThreadID, "")
		m.reactions.Fail(ctx, params.ChannelID, params.OriginalTS)
		m.reactions.Forget(params.ChannelID, params.OriginalTS)
		return fmt.Errorf("post status panel: %w", err)
	}

	st.mu.Lock()
	st.panelTS = ts
	st.lastRender = m.now()
	st.mu.Unlock()

	go m.loop(st)

	logrus.WithFields(logrus.Fields{
		"conversation": params.Key,
		"thread":       params.ThreadID,
	}).Info("Streaming started")
	return nil
}

// RegisterTurnID binds the turn id to the conversation. The first writer
// wins; later registrations for the same stream are ignored.
func (m *Manager) RegisterTurnID(key conversation.Key, turnID string) {
	if turnID == "" {
		return
	}
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.turnID != "" {
		st.mu.Unlock()
		return
	}
	st.turnID = turnID
	st.mu.Unlock()

	m.mu.Lock()
	m.byTurn[turnID] = key
	m.mu.Unlock()
	logrus.WithFields(logrus.Fields{"conversation": key, "turn": turnID}).Debug("Turn id registered")
}

// FindByThreadID resolves the conversation running on a subprocess thread.
func (m *Manager) FindByThreadID(threadID string) (conversation.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byThread[threadID]
	return key, ok
}

// FindByTurnID resolves the conversation running a turn.
func (m *Manager) FindByTurnID(turnID string) (conversation.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byTurn[turnID]
	return key, ok
}

// Active reports whether a turn is running for the conversation.
func (m *Manager) Active(key conversation.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[key]
	return ok
}

// ActiveCount reports the number of running turns.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// ActiveView is a read-only snapshot of one running turn.
type ActiveView struct {
	Key       string    `json:"conversation"`
	ThreadID  string    `json:"threadId"`
	TurnID    string    `json:"turnId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Model     string    `json:"model,omitempty"`
	ToolsRun  int       `json:"toolsRun"`
}

// ActiveViews snapshots all running turns.
func (m *Manager) ActiveViews() []ActiveView {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.Unlock()

	views := make([]ActiveView, 0, len(streams))
	for _, st := range streams {
		st.mu.Lock()
		views = append(views, ActiveView{
			Key:       string(st.params.Key),
			ThreadID:  st.params.ThreadID,
			TurnID:    st.turnID,
			StartedAt: st.startedAt,
			Model:     st.params.Model,
			ToolsRun:  st.toolsSeen,
		})
		st.mu.Unlock()
	}
	return views
}

// Location returns where a running turn posts, for routing approvals into
// the right thread.
func (m *Manager) Location(key conversation.Key) (channelID, threadTS, userID string, ok bool) {
	m.mu.Lock()
	st, found := m.streams[key]
	m.mu.Unlock()
	if !found {
		return "", "", "", false
	}
	return st.params.ChannelID, st.params.ThreadTS, st.params.UserID, true
}

// HandleEvent routes one normalised subprocess event to its stream.
func (m *Manager) HandleEvent(ctx context.Context, ev codex.Event) {
	key, st := m.resolve(ev)
	if st == nil {
		logrus.Tracef("no stream for %s event (thread %q)", ev.Kind, ev.ThreadID)
		return
	}

	switch ev.Kind {
	case codex.EventTurnStarted, codex.EventContextTurnID:
		m.RegisterTurnID(key, ev.TurnID)

	case codex.EventItemDelta:
		m.onResponseDelta(key, st, ev.Delta)

	case codex.EventItemCompleted:
		m.onResponseCompleted(st, ev.Delta)

	case codex.EventThinkingStarted:
		m.onThinkingStarted(key, st, ev)

	case codex.EventThinkingDelta:
		m.onThinkingDelta(key, st, ev)

	case codex.EventThinkingComplete:
		m.onThinkingComplete(key, st, ev)

	case codex.EventToolStart, codex.EventExecBegin, codex.EventWebSearchStarted:
		m.onToolStart(key, st, ev)

	case codex.EventExecOutput, codex.EventCommandOutput:
		m.onToolOutput(st, ev)

	case codex.EventFileChangeDelta:
		m.onFileChangeDelta(st, ev)

	case codex.EventToolComplete, codex.EventExecEnd, codex.EventWebSearchCompleted:
		m.onToolComplete(key, st, ev)

	case codex.EventTokensUpdated:
		st.mu.Lock()
		if !st.stopped {
			st.tokens.observe(ev.Usage)
		}
		st.mu.Unlock()
		st.signal()

	case codex.EventTurnCompleted:
		m.finalize(ctx, key, st, ev.Status, "", ev.Usage)

	case codex.EventItemStarted:
		// Message items surface through deltas; nothing to track yet.

	default:
		logrus.Tracef("unhandled event kind %s", ev.Kind)
	}
}

// resolve maps an event to its stream via thread id, falling back to the
// turn index for legacy notifications without one.
func (m *Manager) resolve(ev codex.Event) (conversation.Key, *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ThreadID != "" {
		if key, ok := m.byThread[ev.ThreadID]; ok {
			return key, m.streams[key]
		}
	}
	if ev.TurnID != "" {
		if key, ok := m.byTurn[ev.TurnID]; ok {
			return key, m.streams[key]
		}
	}
	// A single running stream still gets thread-less legacy events.
	if len(m.streams) == 1 {
		for key, st := range m.streams {
			return key, st
		}
	}
	return "", nil
}

func (m *Manager) onResponseDelta(key conversation.Key, st *stream, delta string) {
	if delta == "" {
		return
	}
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	st.text.WriteString(delta)
	if !st.generating {
		st.generating = true
		m.activity.AddEntry(key, &activity.Entry{Kind: activity.KindGenerating, Timestamp: m.now()})
	}
	st.mu.Unlock()
	st.signal()
}

// onResponseCompleted reconciles the accumulated text with the completed
// item, which carries the authoritative full message.
func (m *Manager) onResponseCompleted(st *stream, full string) {
	if full == "" {
		return
	}
	st.mu.Lock()
	if !st.stopped && len(full) > st.text.Len() {
		st.text.Reset()
		st.text.WriteString(full)
	}
	st.mu.Unlock()
	st.signal()
}

// thinkingEntry finds or creates the live entry for a reasoning segment.
// Started, delta and complete can arrive in any order; whichever comes
// first creates the entry. Caller holds st.mu.
func (m *Manager) thinkingEntry(key conversation.Key, st *stream, itemID string) *activity.Entry {
	segID := itemID
	if segID == "" {
		segID = st.currentThinking
	}
	if segID == "" {
		st.thinkingSeq++
		segID = fmt.Sprintf("seg-%d", st.thinkingSeq)
	}
	if e, ok := st.thinking[segID]; ok {
		st.currentThinking = segID
		return e
	}
	e := activity.NewThinking(m.now(), segID)
	st.thinking[segID] = e
	st.thinkingStart[segID] = m.now()
	st.currentThinking = segID
	m.activity.AddEntry(key, e)
	return e
}

func (m *Manager) onThinkingStarted(key conversation.Key, st *stream, ev codex.Event) {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	e := m.thinkingEntry(key, st, ev.ItemID)
	if !ev.Timestamp.IsZero() {
		// The started event's timestamp is authoritative for duration.
		st.thinkingStart[e.ThinkingSegmentID] = ev.Timestamp
	}
	st.mu.Unlock()
	st.signal()
}

func (m *Manager) onThinkingDelta(key conversation.Key, st *stream, ev codex.Event) {
	if ev.Delta == "" {
		return
	}
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	e := m.thinkingEntry(key, st, ev.ItemID)
	e.AddThinkingChars(len([]rune(ev.Delta)))
	st.mu.Unlock()
	st.signal()
}

func (m *Manager) onThinkingComplete(key conversation.Key, st *stream, ev codex.Event) {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	e := m.thinkingEntry(key, st, ev.ItemID)
	duration := ev.DurationMs
	if duration == 0 {
		if start, ok := st.thinkingStart[e.ThinkingSegmentID]; ok {
			duration = m.now().Sub(start).Milliseconds()
		}
	}
	e.FinishThinking(duration)
	if st.currentThinking == e.ThinkingSegmentID {
		st.currentThinking = ""
	}
	st.mu.Unlock()
	st.signal()
}

func (m *Manager) onToolStart(key conversation.Key, st *stream, ev codex.Event) {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	id := ev.ItemID
	if id == "" {
		id = fmt.Sprintf("tool-%d", st.toolsSeen+1)
	}
	if _, dup := st.tools[id]; dup {
		st.mu.Unlock()
		return
	}
	tool := toolName(ev)
	st.tools[id] = &toolRun{tool: tool, input: ev.ToolInput, startedAt: m.now()}
	st.toolsSeen++
	m.activity.AddEntry(key, activity.NewToolStart(m.now(), tool, ev.ToolInput, id))
	st.mu.Unlock()
	st.signal()
}

func (m *Manager) onToolOutput(st *stream, ev codex.Event) {
	if ev.ItemID == "" || ev.Delta == "" {
		return
	}
	st.mu.Lock()
	if tr, ok := st.tools[ev.ItemID]; ok {
		tr.lastOutput = tailRunes(ev.Delta, 200)
	}
	st.mu.Unlock()
}

func (m *Manager) onFileChangeDelta(st *stream, ev codex.Event) {
	added, removed := countDiffLines(ev.Delta)
	if added == 0 && removed == 0 {
		return
	}
	st.mu.Lock()
	tr, ok := st.tools[ev.ItemID]
	if !ok {
		tr = &toolRun{tool: "fileChange", startedAt: m.now()}
		st.tools[ev.ItemID] = tr
	}
	tr.linesAdded += added
	tr.linesRemoved += removed
	st.mu.Unlock()
}

func (m *Manager) onToolComplete(key conversation.Key, st *stream, ev codex.Event) {
	now := m.now()

	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	tr := st.tools[ev.ItemID]
	tool := toolName(ev)
	input := ev.ToolInput
	duration := ev.DurationMs
	preview := ev.OutputPreview
	var added, removed int
	if tr != nil {
		if tool == "tool" && tr.tool != "" {
			tool = tr.tool
		}
		if input == "" {
			input = tr.input
		}
		if duration == 0 {
			duration = now.Sub(tr.startedAt).Milliseconds()
		}
		if preview == "" {
			preview = tr.lastOutput
		}
		added, removed = tr.linesAdded, tr.linesRemoved
		delete(st.tools, ev.ItemID)
	}
	st.toolsDone++

	e := activity.NewToolComplete(now, tool, input, ev.ItemID)
	e.DurationMs = duration
	e.ToolOutputPreview = preview
	e.ToolIsError = ev.IsError
	e.ToolErrorMessage = ev.ErrorMessage
	e.LinesAdded = added
	e.LinesRemoved = removed
	if n := strings.Count(strings.TrimRight(preview, "\n"), "\n"); n > 0 {
		e.LineCount = n + 1
	}
	m.activity.AddEntry(key, e)
	st.mu.Unlock()
	st.signal()
}

func toolName(ev codex.Event) string {
	if ev.Tool != "" {
		return ev.Tool
	}
	switch ev.Kind {
	case codex.EventWebSearchStarted, codex.EventWebSearchCompleted:
		return "webSearch"
	case codex.EventExecBegin, codex.EventExecEnd:
		return "commandExecution"
	}
	if ev.ItemType != "" && ev.ItemType != "unknown" {
		return ev.ItemType
	}
	return "tool"
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[len(runes)-n:]))
}

// Abort requests interruption of the running turn. Safe to call repeatedly;
// only the first call acts.
func (m *Manager) Abort(ctx context.Context, key conversation.Key) error {
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTurn
	}

	st.mu.Lock()
	if st.stopped || st.abortPending {
		st.mu.Unlock()
		return nil
	}
	st.abortPending = true
	turnID := st.turnID
	threadID := st.params.ThreadID
	st.abortTimer = time.AfterFunc(m.cfg.AbortGrace, func() { m.settleAfterGrace(key) })
	st.mu.Unlock()

	m.aborts.MarkAborted(key)

	if turnID != "" && m.interrupt != nil {
		go func() {
			ictx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := m.interrupt(ictx, threadID, turnID); err != nil {
				logrus.WithError(err).WithField("conversation", key).Warn("Turn interrupt RPC failed")
			}
		}()
	} else {
		// No turn id yet, so nothing to interrupt remotely. The grace timer
		// settles the turn if no terminal event arrives.
		logrus.WithField("conversation", key).Warn("Abort before turn id was known")
	}

	st.signal()
	logrus.WithField("conversation", key).Info("Abort requested")
	return nil
}

// settleAfterGrace finalizes an aborted turn that never produced a terminal
// event within the grace period.
func (m *Manager) settleAfterGrace(key conversation.Key) {
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logrus.WithField("conversation", key).Warn("No completion after abort, settling locally")
	m.finalize(ctx, key, st, "interrupted", "", nil)
}

// FailTurn settles a running turn as failed, for turn/start errors and
// subprocess crashes. Reports whether a stream existed.
func (m *Manager) FailTurn(ctx context.Context, key conversation.Key, reason string) bool {
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.finalize(ctx, key, st, "failed", reason, nil)
	return true
}

// FailAll settles every running turn as failed.
func (m *Manager) FailAll(ctx context.Context, reason string) int {
	views := m.ActiveViews()
	for _, view := range views {
		m.FailTurn(ctx, conversation.Key(view.Key), reason)
	}
	return len(views)
}

// StopAll settles every running turn as interrupted, for shutdown.
func (m *Manager) StopAll(ctx context.Context, note string) int {
	views := m.ActiveViews()
	for _, view := range views {
		key := conversation.Key(view.Key)
		m.mu.Lock()
		st, ok := m.streams[key]
		m.mu.Unlock()
		if ok {
			m.finalize(ctx, key, st, "interrupted", note, nil)
		}
	}
	return len(views)
}

// loop refreshes the panel on the update cadence until the stream settles.
func (m *Manager) loop(st *stream) {
	ticker := time.NewTicker(st.params.UpdateRate)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			m.refresh(context.Background(), st, true)
		case <-st.wake:
			m.refresh(context.Background(), st, false)
		}
	}
}

// refresh re-renders the panel and flushes pending activity under the
// stream lock. Event-driven wakeups are rate limited to the update cadence;
// scheduled ticks always render.
func (m *Manager) refresh(ctx context.Context, st *stream, scheduled bool) {
	key := st.params.Key

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	now := m.now()
	if !scheduled && now.Sub(st.lastRender) < st.params.UpdateRate {
		return
	}
	st.lastRender = now

	if st.panelTS != "" {
		text := renderPanel(st, m.activity.Entries(key))
		err := m.chat.UpdateMessage(ctx, st.params.ChannelID, st.panelTS, chat.Message{
			Text:     text,
			ThreadTS: st.params.ThreadTS,
			Actions:  m.abortButton(key),
		})
		if err != nil {
			logrus.WithError(err).WithField("conversation", key).Debug("Panel refresh failed")
		}
	}

	if err := m.activity.Flush(ctx, key, st.params.ChannelID, st.params.ThreadTS, activity.FlushOptions{
		CharLimit:   st.params.CharLimit,
		RenderImage: m.renderImage,
	}); err != nil {
		logrus.WithError(err).WithField("conversation", key).Debug("Activity flush failed")
	}
}

// finalize settles a stream exactly once: terminal panel, final response,
// reaction, bookkeeping. An abort in flight overrides the server status.
func (m *Manager) finalize(ctx context.Context, key conversation.Key, st *stream, serverStatus, note string, usage *codex.TokenUsage) {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	st.stopped = true
	close(st.stop)
	if st.abortTimer != nil {
		st.abortTimer.Stop()
		st.abortTimer = nil
	}
	if usage != nil {
		st.tokens.observe(usage)
	}

	status := statusFromServer(serverStatus)
	if st.abortPending || m.aborts.IsAborted(key) {
		status = StatusInterrupted
	}
	st.status = status
	st.endedAt = m.now()
	st.statusNote = note
	finalText := st.text.String()
	params := st.params
	panelTS := st.panelTS
	turnID := st.turnID

	outcome := Outcome{
		Key:        key,
		Status:     status,
		ThreadID:   params.ThreadID,
		TurnID:     turnID,
		UserID:     params.UserID,
		Model:      params.Model,
		StartedAt:  st.startedAt,
		EndedAt:    st.endedAt,
		TurnTokens: st.tokens.turnTokens(),
		Usage:      st.tokens.snapshot(),
		Response:   finalText,
		ToolsRun:   st.toolsSeen,
		OriginalTS: params.OriginalTS,
		ErrorText:  note,
	}
	if outcome.Model == "" {
		outcome.Model = st.tokens.model
	}

	switch status {
	case StatusInterrupted:
		m.activity.AddEntry(key, &activity.Entry{Kind: activity.KindAborted, Timestamp: m.now()})
	case StatusFailed:
		text := note
		if text == "" {
			text = "turn failed"
		}
		m.activity.AddEntry(key, &activity.Entry{Kind: activity.KindError, Timestamp: m.now(), Text: text})
	}

	if err := m.activity.Flush(ctx, key, params.ChannelID, params.ThreadTS, activity.FlushOptions{
		Force:       true,
		CharLimit:   params.CharLimit,
		RenderImage: m.renderImage,
	}); err != nil {
		logrus.WithError(err).WithField("conversation", key).Warn("Final activity flush failed")
	}

	if status == StatusCompleted && strings.TrimSpace(finalText) != "" {
		m.postFinalResponse(ctx, params, outcome, finalText)
	}

	if panelTS != "" {
		panelText := renderPanel(st, m.activity.Entries(key))
		if err := m.chat.UpdateMessage(ctx, params.ChannelID, panelTS, chat.Message{
			Text:     panelText,
			ThreadTS: params.ThreadTS,
		}); err != nil {
			logrus.WithError(err).WithField("conversation", key).Warn("Terminal panel update failed")
		}
	}
	st.mu.Unlock()

	switch status {
	case StatusCompleted:
		m.reactions.Complete(ctx, params.ChannelID, params.OriginalTS)
	case StatusInterrupted:
		m.reactions.Abort(ctx, params.ChannelID, params.OriginalTS)
	default:
		m.reactions.Fail(ctx, params.ChannelID, params.OriginalTS)
	}
	m.reactions.Forget(params.ChannelID, params.OriginalTS)

	m.aborts.Clear(key)
	m.removeStream(key, st, params.ThreadID, turnID)
	m.activity.ClearEntries(key)

	if m.onOutcome != nil {
		m.onOutcome(outcome)
	}

	logrus.WithFields(logrus.Fields{
		"conversation": key,
		"status":       status,
		"turn":         turnID,
		"duration":     outcome.EndedAt.Sub(outcome.StartedAt).Round(time.Millisecond),
	}).Info("Turn settled")
}

// postFinalResponse delivers the model's answer: inline when short, as a
// truncated message plus markdown upload (and optional image) when long.
func (m *Manager) postFinalResponse(ctx context.Context, params StartParams, outcome Outcome, text string) {
	var actions []chat.Action
	if m.finalActions != nil {
		actions = m.finalActions(outcome)
	}

	display, truncated := activity.TruncateForChat(text, params.CharLimit)
	if _, err := m.chat.PostMessage(ctx, params.ChannelID, chat.Message{
		Text:     display,
		ThreadTS: params.ThreadTS,
		Actions:  actions,
	}); err != nil {
		logrus.WithError(err).WithField("conversation", params.Key).Error("Failed to post final response")
		return
	}
	if !truncated {
		return
	}

	if _, _, err := chat.UploadAndWait(ctx, m.chat, chat.FileUpload{
		ChannelID: params.ChannelID,
		ThreadTS:  params.ThreadTS,
		Filename:  fmt.Sprintf("response-%d.md", m.now().Unix()),
		Title:     "Full response",
		Content:   []byte(text),
	}, m.cfg.PollInterval, m.cfg.PollAttempts); err != nil {
		logrus.WithError(err).Warn("Failed to upload full response")
	}

	if m.renderImage == nil {
		return
	}
	png, err := m.renderImage(ctx, text)
	if err != nil || len(png) == 0 {
		if err != nil {
			logrus.WithError(err).Debug("Response image render failed, text only")
		}
		return
	}
	if _, _, err := chat.UploadAndWait(ctx, m.chat, chat.FileUpload{
		ChannelID: params.ChannelID,
		ThreadTS:  params.ThreadTS,
		Filename:  fmt.Sprintf("response-%d.png", m.now().Unix()),
		Title:     "Full response",
		Content:   png,
	}, m.cfg.PollInterval, m.cfg.PollAttempts); err != nil {
		logrus.WithError(err).Debug("Failed to upload response image")
	}
}

func (m *Manager) abortButton(key conversation.Key) []chat.Action {
	return []chat.Action{{
		ID:    ActionAbort,
		Label: "Abort",
		Value: string(key),
		Style: chat.StyleDanger,
	}}
}

func statusFromServer(s string) Status {
	switch strings.ToLower(s) {
	case "", "completed", "complete", "success":
		return StatusCompleted
	case "interrupted", "aborted", "canceled", "cancelled":
		return StatusInterrupted
	default:
		return StatusFailed
	}
}

// stopStream halts the update loop without settling chat state, for
// replacing leaked streams.
func stopStream(st *stream) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	close(st.stop)
	if st.abortTimer != nil {
		st.abortTimer.Stop()
		st.abortTimer = nil
	}
}

func (m *Manager) removeStream(key conversation.Key, st *stream, threadID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[key]; ok && cur == st {
		delete(m.streams, key)
	}
	if threadID != "" && m.byThread[threadID] == key {
		delete(m.byThread, threadID)
	}
	if turnID != "" && m.byTurn[turnID] == key {
		delete(m.byTurn, turnID)
	}
}
