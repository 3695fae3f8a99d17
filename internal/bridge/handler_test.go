package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/audit"
	"github.com/relaycode-dev/relaycode/internal/bridge/abort"
	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/reaction"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/bridge/streaming"
	"github.com/relaycode-dev/relaycode/internal/chat"
	"github.com/relaycode-dev/relaycode/internal/chat/chattest"
	"github.com/relaycode-dev/relaycode/internal/config"
)

// fakeServer implements appServer in memory.
type fakeServer struct {
	mu sync.Mutex

	threadSeq  int
	workingDir string
	started    []string
	resumed    []string
	turns      []codex.TurnStartParams

	startErr  error
	resumeErr error
	turnErr   error

	turnIndex map[string]int
	forkedAt  []int
	forkErr   error
}

func newFakeServer() *fakeServer {
	return &fakeServer{turnIndex: make(map[string]int)}
}

func (f *fakeServer) ThreadStart(_ context.Context, workingDir string) (*codex.ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.threadSeq++
	f.started = append(f.started, workingDir)
	dir := workingDir
	if dir == "" {
		dir = f.workingDir
	}
	return &codex.ThreadInfo{ID: fmt.Sprintf("th-%d", f.threadSeq), WorkingDirectory: dir}, nil
}

func (f *fakeServer) ThreadResume(_ context.Context, threadID string) (*codex.ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	f.resumed = append(f.resumed, threadID)
	return &codex.ThreadInfo{ID: threadID, WorkingDirectory: f.workingDir}, nil
}

func (f *fakeServer) TurnStart(_ context.Context, params codex.TurnStartParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnErr != nil {
		return f.turnErr
	}
	f.turns = append(f.turns, params)
	return nil
}

func (f *fakeServer) FindTurnIndex(_ context.Context, _, turnID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.turnIndex[turnID]
	if !ok {
		return 0, fmt.Errorf("turn %s not found", turnID)
	}
	return idx, nil
}

func (f *fakeServer) ForkAtTurn(_ context.Context, _ string, turnIndex int) (*codex.ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forkErr != nil {
		return nil, f.forkErr
	}
	f.forkedAt = append(f.forkedAt, turnIndex)
	f.threadSeq++
	return &codex.ThreadInfo{
		ID:               fmt.Sprintf("th-fork-%d", f.threadSeq),
		WorkingDirectory: "/work/fork",
	}, nil
}

func (f *fakeServer) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeServer) lastTurn(t *testing.T) codex.TurnStartParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.turns)
	return f.turns[len(f.turns)-1]
}

type handlerRig struct {
	fake     *chattest.FakeClient
	server   *fakeServer
	sessions *session.Store
	streams  *streaming.Manager
	handler  *Handler

	mu         sync.Mutex
	serverErr  error
	interrupts []string
}

func (r *handlerRig) setServerErr(err error) {
	r.mu.Lock()
	r.serverErr = err
	r.mu.Unlock()
}

func (r *handlerRig) interruptCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.interrupts...)
}

func newHandlerRig(t *testing.T, chatClient chat.Client) *handlerRig {
	t.Helper()
	r := &handlerRig{server: newFakeServer()}
	if chatClient == nil {
		r.fake = chattest.New()
		chatClient = r.fake
	} else if fc, ok := chatClient.(*chattest.FakeClient); ok {
		r.fake = fc
	}

	r.sessions = session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	r.streams = streaming.NewManager(streaming.Options{
		Chat:      chatClient,
		Activity:  activity.NewManager(chatClient, activity.Config{MinGap: time.Nanosecond, PollInterval: time.Nanosecond, PollAttempts: 1}),
		Reactions: reaction.NewManager(chatClient),
		Aborts:    abort.NewRegistry(),
		Interrupt: func(_ context.Context, threadID, turnID string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.interrupts = append(r.interrupts, threadID+"/"+turnID)
			return nil
		},
		Config: streaming.Config{
			DefaultUpdateRate: time.Hour,
			AbortGrace:        time.Hour,
			PollInterval:      time.Nanosecond,
			PollAttempts:      1,
		},
	})
	engine, err := approval.NewEngine(nil)
	require.NoError(t, err)
	approvals := approval.NewHandler(chatClient,
		func(context.Context, json.RawMessage, string) error { return nil },
		engine,
		approval.Config{ReminderInterval: time.Hour, ExpiryTimeout: time.Hour, DMDebounce: time.Hour},
		nil)

	r.handler = NewHandler(HandlerOptions{
		Chat:      chatClient,
		Sessions:  r.sessions,
		Streams:   r.streams,
		Approvals: approvals,
		Server: func() (appServer, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.serverErr != nil {
				return nil, r.serverErr
			}
			return r.server, nil
		},
		Defaults: config.DefaultsConfig{
			Model:             "gpt-5",
			ReasoningEffort:   "medium",
			ApprovalPolicy:    session.PolicyOnRequest,
			UpdateRateSeconds: 3,
			ThreadCharLimit:   500,
		},
	})
	r.handler.tmpRoot = t.TempDir()
	return r
}

func message(channelID, text string) chat.MessageEvent {
	return chat.MessageEvent{
		ChannelID: channelID,
		UserID:    "U1",
		Text:      text,
		TS:        "1699000000.000100",
	}
}

func TestHandleMessageStartsTurn(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()

	r.handler.HandleMessage(ctx, message("C1", "hello there"))

	require.Equal(t, 1, r.server.turnCount())
	turn := r.server.lastTurn(t)
	require.Equal(t, "th-1", turn.ThreadID)
	require.Equal(t, codex.TextInput("hello there"), turn.Input)
	require.Equal(t, "gpt-5", turn.Model)
	require.Equal(t, "medium", turn.ReasoningEffort)
	require.Equal(t, session.PolicyOnRequest, turn.ApprovalPolicy)

	require.Equal(t, "th-1", r.sessions.GetEffectiveThreadID("C1", ""))
	require.True(t, r.streams.Active(conversation.NewKey("C1", "")))
	require.Len(t, r.fake.Posted, 1)
}

func TestHandleMessageBusyRefusal(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()

	r.handler.HandleMessage(ctx, message("C1", "first"))
	r.handler.HandleMessage(ctx, message("C1", "second"))

	require.Equal(t, 1, r.server.turnCount())
	require.Contains(t, r.fake.LastPost().Msg.Text, "already running")
}

func TestHandleMessageServerUnavailable(t *testing.T) {
	r := newHandlerRig(t, nil)
	r.setServerErr(errors.New("app server not running"))

	r.handler.HandleMessage(context.Background(), message("C1", "hello"))

	require.Zero(t, r.server.turnCount())
	require.Contains(t, r.fake.LastPost().Msg.Text, "not running right now")
}

func TestHandleMessageBlankIgnored(t *testing.T) {
	r := newHandlerRig(t, nil)

	r.handler.HandleMessage(context.Background(), message("C1", "   "))

	require.Zero(t, r.server.turnCount())
	require.Empty(t, r.fake.Posted)
}

func TestHandleMessageTurnStartFailureFailsStream(t *testing.T) {
	r := newHandlerRig(t, nil)
	r.server.turnErr = errors.New("model overloaded")

	r.handler.HandleMessage(context.Background(), message("C1", "hello"))

	require.False(t, r.streams.Active(conversation.NewKey("C1", "")))
	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "could not start the turn")
	require.Contains(t, joined, "model overloaded")
}

func TestEnsureThreadStartResumeAttach(t *testing.T) {
	r := newHandlerRig(t, nil)
	r.server.workingDir = "/srv/repo"
	ctx := context.Background()

	id, err := r.handler.ensureThread(ctx, r.server, "C1", "", "")
	require.NoError(t, err)
	require.Equal(t, "th-1", id)
	require.Equal(t, []string{""}, r.server.started)
	// the server-chosen directory is persisted for /status and forks
	require.Equal(t, "/srv/repo", r.sessions.GetEffectiveWorkingDir("C1", ""))

	// already attached in this incarnation, no resume round trip
	id, err = r.handler.ensureThread(ctx, r.server, "C1", "", "")
	require.NoError(t, err)
	require.Equal(t, "th-1", id)
	require.Empty(t, r.server.resumed)

	// a subprocess restart voids attachments and forces one resume
	r.handler.DetachAll()
	id, err = r.handler.ensureThread(ctx, r.server, "C1", "", "")
	require.NoError(t, err)
	require.Equal(t, "th-1", id)
	require.Equal(t, []string{"th-1"}, r.server.resumed)
}

func TestEnsureThreadResumeFailure(t *testing.T) {
	r := newHandlerRig(t, nil)
	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-gone"))
	r.server.resumeErr = errors.New("no such thread")

	_, err := r.handler.ensureThread(context.Background(), r.server, "C1", "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "th-gone")
}

func TestSettingsLayering(t *testing.T) {
	r := newHandlerRig(t, nil)
	require.NoError(t, r.sessions.SaveModelSettings("C1", "", "gpt-5-codex", "high"))
	require.NoError(t, r.sessions.SaveUpdateRate("C1", 5))
	require.NoError(t, r.sessions.SaveModelSettings("C1", "1699000000.000200", "o3", "low"))

	// thread scope wins over channel scope, which wins over defaults
	s := r.handler.settingsFor("C1", "1699000000.000200")
	require.Equal(t, "o3", s.model)
	require.Equal(t, "low", s.effort)
	require.Equal(t, 5, s.updateRate)
	require.Equal(t, 500, s.charLimit)
	require.Equal(t, session.PolicyOnRequest, s.policy)

	s = r.handler.settingsFor("C1", "")
	require.Equal(t, "gpt-5-codex", s.model)
	require.Equal(t, "high", s.effort)
}

func TestStageFilesMixedResults(t *testing.T) {
	r := newHandlerRig(t, nil)
	r.fake.Downloads["https://files.example/a.txt"] = []byte("alpha")

	paths, warnings := r.handler.stageFiles(context.Background(), []chat.File{
		{ID: "F1", Name: "a.txt", URL: "https://files.example/a.txt"},
		{ID: "F2", Name: "b.txt"},
	})

	require.Len(t, paths, 1)
	require.Equal(t, "a.txt", filepath.Base(paths[0]))
	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "alpha", string(content))

	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "b.txt")
	require.Contains(t, warnings[0], "no download url")
}

func TestHandleMessageWithAttachment(t *testing.T) {
	r := newHandlerRig(t, nil)
	r.fake.Downloads["https://files.example/notes.md"] = []byte("# notes")

	ev := message("C1", "summarize this")
	ev.Files = []chat.File{{ID: "F1", Name: "notes.md", URL: "https://files.example/notes.md"}}
	r.handler.HandleMessage(context.Background(), ev)

	turn := r.server.lastTurn(t)
	require.Len(t, turn.Input, 1)
	require.Contains(t, turn.Input[0].Text, "summarize this")
	require.Contains(t, turn.Input[0].Text, "Attached files:")
	require.Contains(t, turn.Input[0].Text, "notes.md")
}

func TestFinalActionsCarryForkPayload(t *testing.T) {
	r := newHandlerRig(t, nil)

	actions := r.handler.FinalActions(streaming.Outcome{
		Key:        conversation.Key("C1:1699000000.000200"),
		TurnID:     "turn-9",
		OriginalTS: "1699000000.000100",
	})
	require.Len(t, actions, 1)
	require.Equal(t, ActionFork, actions[0].ID)

	var p forkPayload
	require.NoError(t, json.Unmarshal([]byte(actions[0].Value), &p))
	require.Equal(t, "turn-9", p.TurnID)
	require.Equal(t, "1699000000.000100", p.SlackTS)
	require.Equal(t, "C1:1699000000.000200", p.Key)

	require.Nil(t, r.handler.FinalActions(streaming.Outcome{Key: "C1"}))
}

func TestHandleActionAbort(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()

	r.handler.HandleMessage(ctx, message("C1", "long task"))
	r.streams.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnStarted, ThreadID: "th-1", TurnID: "turn-1"})

	r.handler.HandleAction(ctx, chat.ActionEvent{
		ActionID:  streaming.ActionAbort,
		Value:     "C1",
		UserID:    "U1",
		ChannelID: "C1",
	})

	require.Eventually(t, func() bool {
		calls := r.interruptCalls()
		return len(calls) == 1 && calls[0] == "th-1/turn-1"
	}, time.Second, 5*time.Millisecond)

	// stale clicks after the turn settles are ignored
	r.streams.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})
	r.handler.HandleAction(ctx, chat.ActionEvent{ActionID: streaming.ActionAbort, Value: "C1"})
	require.Len(t, r.interruptCalls(), 1)
}

func TestHandleActionStaleApprovalIgnored(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()

	r.handler.HandleAction(ctx, chat.ActionEvent{ActionID: approval.ActionAccept, Value: "12345", UserID: "U1"})
	r.handler.HandleAction(ctx, chat.ActionEvent{ActionID: approval.ActionDecline, Value: "not-a-number", UserID: "U1"})
	r.handler.HandleAction(ctx, chat.ActionEvent{ActionID: "someone_elses_button", Value: "x"})

	require.Empty(t, r.fake.Posted)
}

func TestForkActionCreatesChannel(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()
	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-1"))
	r.fake.Names["C1"] = "proj"
	r.server.turnIndex["turn-3"] = 2

	payload, err := json.Marshal(forkPayload{TurnID: "turn-3", SlackTS: "1699000000.000100", Key: "C1"})
	require.NoError(t, err)
	r.handler.HandleAction(ctx, chat.ActionEvent{
		ActionID:  ActionFork,
		Value:     string(payload),
		UserID:    "U1",
		ChannelID: "C1",
	})

	require.Equal(t, []int{2}, r.server.forkedAt)

	var newID, newName string
	for id, name := range r.fake.Created {
		newID, newName = id, name
	}
	require.Equal(t, "proj-fork", newName)
	require.Equal(t, []string{"U1"}, r.fake.Invited[newID])

	sess := r.sessions.GetSession(newID)
	require.NotNil(t, sess)
	require.Equal(t, "th-fork-1", sess.ThreadID)
	require.Equal(t, "/work/fork", sess.WorkingDir)
	require.Equal(t, "C1", sess.ForkedFrom)
	require.NotNil(t, sess.ForkedAtTurnIndex)
	require.Equal(t, 2, *sess.ForkedAtTurnIndex)

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "Forked from <#C1> at turn 3")
	require.Contains(t, joined, "proj-fork")
}

func TestForkInheritsChannelSettings(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()
	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-1"))
	require.NoError(t, r.sessions.SaveModelSettings("C1", "", "gpt-5-codex", "high"))
	require.NoError(t, r.sessions.SaveUpdateRate("C1", 7))
	r.fake.Names["C1"] = "proj"
	r.server.turnIndex["turn-1"] = 0

	require.NoError(t, r.handler.forkToChannel(ctx, conversation.NewKey("C1", ""), "turn-1", "U1"))

	var newID string
	for id := range r.fake.Created {
		newID = id
	}
	sess := r.sessions.GetSession(newID)
	require.NotNil(t, sess)
	require.Equal(t, "gpt-5-codex", sess.Model)
	require.Equal(t, "high", sess.ReasoningEffort)
	require.Equal(t, 7, sess.UpdateRateSeconds)
}

func TestForkWithoutSessionFails(t *testing.T) {
	r := newHandlerRig(t, nil)

	err := r.handler.forkToChannel(context.Background(), conversation.NewKey("C1", ""), "turn-1", "U1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no session to fork")
}

// takenChat simulates channels that exist but are invisible to the bot, the
// one case where create fails with name_taken.
type takenChat struct {
	*chattest.FakeClient
	taken map[string]bool
}

func (c *takenChat) CreateChannel(ctx context.Context, name string) (string, error) {
	if c.taken[name] {
		return "", errors.New("name_taken")
	}
	return c.FakeClient.CreateChannel(ctx, name)
}

func TestForkRetriesTakenNames(t *testing.T) {
	wrapped := &takenChat{
		FakeClient: chattest.New(),
		taken:      map[string]bool{"proj-fork": true, "proj-fork-1": true},
	}
	r := newHandlerRig(t, wrapped)
	ctx := context.Background()
	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-1"))
	wrapped.Names["C1"] = "proj"
	r.server.turnIndex["turn-1"] = 0

	require.NoError(t, r.handler.forkToChannel(ctx, conversation.NewKey("C1", ""), "turn-1", "U1"))

	var newName string
	for _, name := range wrapped.Created {
		newName = name
	}
	require.Equal(t, "proj-fork-2", newName)
}

func TestHandleChannelDeleted(t *testing.T) {
	r := newHandlerRig(t, nil)
	ctx := context.Background()

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	r.handler.audit = store

	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-old"))
	require.NoError(t, r.sessions.SetThreadID("C1", "", "th-1"))
	require.NoError(t, r.sessions.SetThreadID("C1", "1699000000.000200", "th-2"))

	r.handler.HandleMessage(ctx, message("C1", "still going"))
	require.True(t, r.streams.Active(conversation.NewKey("C1", "")))

	r.handler.HandleChannelDeleted(ctx, "C1")

	require.False(t, r.streams.Active(conversation.NewKey("C1", "")))
	require.Nil(t, r.sessions.GetSession("C1"))

	orphans, err := store.Orphans(10)
	require.NoError(t, err)
	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		require.Equal(t, "C1", o.ChannelID)
		require.Equal(t, "channel deleted", o.Reason)
		ids = append(ids, o.ThreadID)
	}
	require.ElementsMatch(t, []string{"th-old", "th-1", "th-2"}, ids)
}

func TestHandleChannelDeletedUnknownChannel(t *testing.T) {
	r := newHandlerRig(t, nil)

	r.handler.HandleChannelDeleted(context.Background(), "CUNKNOWN")

	require.Empty(t, r.fake.Posted)
}
