package streaming

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/bridge/abort"
	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/reaction"
	"github.com/relaycode-dev/relaycode/internal/chat"
	"github.com/relaycode-dev/relaycode/internal/chat/chattest"
)

type rig struct {
	fake *chattest.FakeClient
	mgr  *Manager

	mu         sync.Mutex
	outcomes   []Outcome
	interrupts []string
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	r := &rig{fake: chattest.New()}
	act := activity.NewManager(r.fake, activity.Config{
		MinGap:       time.Nanosecond,
		PollInterval: time.Nanosecond,
		PollAttempts: 1,
	})
	opts := Options{
		Chat:      r.fake,
		Activity:  act,
		Reactions: reaction.NewManager(r.fake),
		Aborts:    abort.NewRegistry(),
		Interrupt: func(_ context.Context, threadID, turnID string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.interrupts = append(r.interrupts, threadID+"/"+turnID)
			return nil
		},
		FinalActions: func(o Outcome) []chat.Action {
			return []chat.Action{{ID: "turn_fork", Label: "Fork", Value: string(o.Key)}}
		},
		OnOutcome: func(o Outcome) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.outcomes = append(r.outcomes, o)
		},
		Config: Config{
			// An hour-long cadence keeps the background loop inert so tests
			// drive every chat interaction synchronously.
			DefaultUpdateRate: time.Hour,
			AbortGrace:        time.Hour,
			PollInterval:      time.Nanosecond,
			PollAttempts:      1,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	r.mgr = NewManager(opts)
	return r
}

func (r *rig) outcomeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *rig) lastOutcome(t *testing.T) Outcome {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.outcomes)
	return r.outcomes[len(r.outcomes)-1]
}

func (r *rig) interruptCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.interrupts...)
}

func testParams(key, threadID string) StartParams {
	return StartParams{
		Key:        conversation.Key(key),
		ChannelID:  "C1",
		ThreadTS:   "1699000000.000100",
		OriginalTS: "1699000000.000100",
		UserID:     "U1",
		ThreadID:   threadID,
		Model:      "gpt-5",
		UpdateRate: time.Hour,
		CharLimit:  500,
	}
}

func (r *rig) start(t *testing.T, key, threadID string) StartParams {
	t.Helper()
	params := testParams(key, threadID)
	require.NoError(t, r.mgr.StartStreaming(context.Background(), params))
	return params
}

func TestStartStreamingPostsPanel(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")

	require.Len(t, r.fake.Posted, 1)
	panel := r.fake.Posted[0]
	require.Equal(t, "C1", panel.ChannelID)
	require.Contains(t, panel.Msg.Text, "Working")
	require.Contains(t, panel.Msg.Text, "`gpt-5`")
	require.Len(t, panel.Msg.Actions, 1)
	require.Equal(t, ActionAbort, panel.Msg.Actions[0].ID)
	require.Equal(t, string(params.Key), panel.Msg.Actions[0].Value)

	require.Len(t, r.fake.Reactions, 1)
	require.Equal(t, reaction.EmojiProcessing, r.fake.Reactions[0].Emoji)
	require.Equal(t, params.OriginalTS, r.fake.Reactions[0].TS)

	require.True(t, r.mgr.Active(params.Key))
	key, ok := r.mgr.FindByThreadID("th-1")
	require.True(t, ok)
	require.Equal(t, params.Key, key)
}

func TestStartStreamingPanelFailure(t *testing.T) {
	r := newRig(t, nil)
	r.fake.PostErr = errTest

	err := r.mgr.StartStreaming(context.Background(), testParams("C1:0", "th-1"))
	require.Error(t, err)
	require.False(t, r.mgr.Active(conversation.Key("C1:0")))

	// hourglass on, then swapped for the error mark
	emojis := make([]string, 0, len(r.fake.Reactions))
	for _, rc := range r.fake.Reactions {
		if rc.Added {
			emojis = append(emojis, rc.Emoji)
		}
	}
	require.Equal(t, []string{reaction.EmojiProcessing, reaction.EmojiError}, emojis)
}

func TestRegisterTurnIDFirstWriterWins(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")

	r.mgr.RegisterTurnID(params.Key, "turn-1")
	r.mgr.RegisterTurnID(params.Key, "turn-2")

	key, ok := r.mgr.FindByTurnID("turn-1")
	require.True(t, ok)
	require.Equal(t, params.Key, key)
	_, ok = r.mgr.FindByTurnID("turn-2")
	require.False(t, ok)

	// unknown conversations are ignored
	r.mgr.RegisterTurnID(conversation.Key("C9:9"), "turn-9")
	_, ok = r.mgr.FindByTurnID("turn-9")
	require.False(t, ok)
}

func TestTurnCompletedPostsFinalResponse(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnStarted, ThreadID: "th-1", TurnID: "turn-1"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, ThreadID: "th-1", Delta: "Hello "})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, ThreadID: "th-1", Delta: "world"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	o := r.lastOutcome(t)
	require.Equal(t, StatusCompleted, o.Status)
	require.Equal(t, "Hello world", o.Response)
	require.Equal(t, "turn-1", o.TurnID)

	final := r.fake.LastPost()
	require.Equal(t, "Hello world", final.Msg.Text)
	require.Len(t, final.Msg.Actions, 1)
	require.Equal(t, "turn_fork", final.Msg.Actions[0].ID)

	// terminal panel edit carries no buttons
	last := r.fake.LastUpdate()
	require.Contains(t, last.Msg.Text, "Done")
	require.Empty(t, last.Msg.Actions)

	require.False(t, r.mgr.Active(params.Key))
	_, ok := r.mgr.FindByThreadID("th-1")
	require.False(t, ok)
	_, ok = r.mgr.FindByTurnID("turn-1")
	require.False(t, ok)

	// the processing hourglass came off
	removed := false
	for _, rc := range r.fake.Reactions {
		if !rc.Added && rc.Emoji == reaction.EmojiProcessing {
			removed = true
		}
	}
	require.True(t, removed)
}

func TestTurnCompletedIsIdempotent(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	require.Equal(t, 1, r.outcomeCount())
}

func TestItemCompletedReplacesShorterAccumulation(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, ThreadID: "th-1", Delta: "Hel"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemCompleted, ThreadID: "th-1", Delta: "Hello there"})
	// a shorter completed payload never clobbers a longer accumulation
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemCompleted, ThreadID: "th-1", Delta: "Hi"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	require.Equal(t, "Hello there", r.lastOutcome(t).Response)
}

func TestToolLifecycleFeedsActivity(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventToolStart, ThreadID: "th-1", ItemID: "call1",
		Tool: "commandExecution", ToolInput: "ls -la",
	})
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventExecOutput, ThreadID: "th-1", ItemID: "call1",
		Delta: "total 12\nmain.go\n",
	})
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventToolComplete, ThreadID: "th-1", ItemID: "call1",
	})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	require.Equal(t, 1, r.lastOutcome(t).ToolsRun)

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, ":hammer_and_wrench:")
	require.Contains(t, joined, "ls -la")
	require.Contains(t, joined, "main.go")
}

func TestFileChangeDeltaCountsLines(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	diff := "--- a/main.go\n+++ b/main.go\n+added one\n+added two\n-removed one\n"
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventToolStart, ThreadID: "th-1", ItemID: "patch1", Tool: "fileChange",
	})
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventFileChangeDelta, ThreadID: "th-1", ItemID: "patch1", Delta: diff,
	})
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventToolComplete, ThreadID: "th-1", ItemID: "patch1", Tool: "fileChange",
	})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "+2 -1")
}

func TestThinkingLifecycle(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingStarted, ThreadID: "th-1", ItemID: "rs1"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingDelta, ThreadID: "th-1", ItemID: "rs1", Delta: "pondering deeply"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingComplete, ThreadID: "th-1", ItemID: "rs1", DurationMs: 2500})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, ":brain:")
	require.Contains(t, joined, "2.5s")
	require.Contains(t, joined, "16 chars")
}

func TestThinkingDeltaWithoutStartCreatesSegment(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	// no started event and no item id: deltas still land in one segment
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingDelta, ThreadID: "th-1", Delta: "abc"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingDelta, ThreadID: "th-1", Delta: "def"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventThinkingComplete, ThreadID: "th-1"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "6 chars")
	require.Equal(t, 1, strings.Count(joined, ":brain:"))
}

func TestAbortOverridesServerStatus(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	r.mgr.RegisterTurnID(params.Key, "turn-1")
	require.NoError(t, r.mgr.Abort(ctx, params.Key))

	require.Eventually(t, func() bool {
		calls := r.interruptCalls()
		return len(calls) == 1 && calls[0] == "th-1/turn-1"
	}, time.Second, 5*time.Millisecond)

	// a second abort is a no-op
	require.NoError(t, r.mgr.Abort(ctx, params.Key))

	// even a "completed" terminal event settles as interrupted
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	o := r.lastOutcome(t)
	require.Equal(t, StatusInterrupted, o.Status)

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "aborted")

	added := []string{}
	for _, rc := range r.fake.Reactions {
		if rc.Added {
			added = append(added, rc.Emoji)
		}
	}
	require.Contains(t, added, reaction.EmojiAborted)
}

func TestAbortWithoutTurnIDSettlesAfterGrace(t *testing.T) {
	r := newRig(t, func(o *Options) {
		o.Config.AbortGrace = 20 * time.Millisecond
	})
	params := r.start(t, "C1:0", "th-1")

	require.NoError(t, r.mgr.Abort(context.Background(), params.Key))
	require.Empty(t, r.interruptCalls())

	require.Eventually(t, func() bool { return r.outcomeCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusInterrupted, r.lastOutcome(t).Status)
	require.False(t, r.mgr.Active(params.Key))
}

func TestAbortUnknownConversation(t *testing.T) {
	r := newRig(t, nil)
	err := r.mgr.Abort(context.Background(), conversation.Key("C9:9"))
	require.ErrorIs(t, err, ErrNoActiveTurn)
}

func TestFailTurn(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")

	require.False(t, r.mgr.FailTurn(context.Background(), conversation.Key("C9:9"), "nope"))
	require.True(t, r.mgr.FailTurn(context.Background(), params.Key, "app server exited"))

	o := r.lastOutcome(t)
	require.Equal(t, StatusFailed, o.Status)
	require.Equal(t, "app server exited", o.ErrorText)

	joined := strings.Join(r.fake.PostedTexts(), "\n")
	require.Contains(t, joined, "app server exited")
	require.Contains(t, r.fake.LastUpdate().Msg.Text, "Failed")

	added := []string{}
	for _, rc := range r.fake.Reactions {
		if rc.Added {
			added = append(added, rc.Emoji)
		}
	}
	require.Contains(t, added, reaction.EmojiError)
}

func TestStopAllInterruptsEverything(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	r.start(t, "C2:0", "th-2")

	n := r.mgr.StopAll(context.Background(), "shutting down")
	require.Equal(t, 2, n)
	require.Equal(t, 0, r.mgr.ActiveCount())
	require.Equal(t, 2, r.outcomeCount())
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		require.Equal(t, StatusInterrupted, o.Status)
	}
}

func TestLongResponseTruncatesAndUploads(t *testing.T) {
	rendered := []byte("png-bytes")
	r := newRig(t, func(o *Options) {
		o.RenderImage = func(_ context.Context, _ string) ([]byte, error) { return rendered, nil }
	})
	params := testParams("C1:0", "th-1")
	params.CharLimit = 50
	require.NoError(t, r.mgr.StartStreaming(context.Background(), params))
	ctx := context.Background()

	long := strings.Repeat("lorem ipsum dolor sit amet\n", 10)
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, ThreadID: "th-1", Delta: long})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	final := r.fake.LastPost()
	require.Contains(t, final.Msg.Text, "truncated, full output attached")
	require.Less(t, len(final.Msg.Text), len(long))

	require.Len(t, r.fake.Uploads, 2)
	require.Contains(t, r.fake.Uploads[0].Up.Filename, ".md")
	require.Equal(t, long, string(r.fake.Uploads[0].Up.Content))
	require.Contains(t, r.fake.Uploads[1].Up.Filename, ".png")
	require.Equal(t, string(rendered), string(r.fake.Uploads[1].Up.Content))
}

func TestTokenUsageBaselineAndPanel(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	ctx := context.Background()

	// first full update is absorbed as the thread baseline
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventTokensUpdated, ThreadID: "th-1",
		Usage: &codex.TokenUsage{InputTokens: 1000, OutputTokens: 200, ContextWindow: 100000},
	})
	r.mgr.HandleEvent(ctx, codex.Event{
		Kind: codex.EventTokensUpdated, ThreadID: "th-1",
		Usage: &codex.TokenUsage{InputTokens: 1500, OutputTokens: 400, ContextWindow: 100000},
	})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})

	o := r.lastOutcome(t)
	require.Equal(t, int64(700), o.TurnTokens)
	require.NotNil(t, o.Usage)
	require.Equal(t, int64(1500), o.Usage.InputTokens)

	require.Contains(t, r.fake.LastUpdate().Msg.Text, "700 tokens this turn")
}

func TestThreadlessEventsReachSingleStream(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "")
	ctx := context.Background()

	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, Delta: "orphan delta"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, Status: "completed"})

	require.Equal(t, "orphan delta", r.lastOutcome(t).Response)
}

func TestEventsForUnknownThreadAreDropped(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-1")
	r.start(t, "C2:0", "th-2")
	ctx := context.Background()

	// two streams are live, so a thread-less event has no home
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventItemDelta, Delta: "nowhere"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-1", Status: "completed"})
	r.mgr.HandleEvent(ctx, codex.Event{Kind: codex.EventTurnCompleted, ThreadID: "th-2", Status: "completed"})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		require.Empty(t, o.Response)
	}
}

func TestStartStreamingReplacesLeakedState(t *testing.T) {
	r := newRig(t, nil)
	r.start(t, "C1:0", "th-old")
	params := r.start(t, "C1:0", "th-new")

	_, ok := r.mgr.FindByThreadID("th-old")
	require.False(t, ok)
	key, ok := r.mgr.FindByThreadID("th-new")
	require.True(t, ok)
	require.Equal(t, params.Key, key)
	require.Equal(t, 1, r.mgr.ActiveCount())
}

func TestActiveViews(t *testing.T) {
	r := newRig(t, nil)
	params := r.start(t, "C1:0", "th-1")
	r.mgr.RegisterTurnID(params.Key, "turn-1")

	views := r.mgr.ActiveViews()
	require.Len(t, views, 1)
	require.Equal(t, "C1:0", views[0].Key)
	require.Equal(t, "th-1", views[0].ThreadID)
	require.Equal(t, "turn-1", views[0].TurnID)
	require.Equal(t, "gpt-5", views[0].Model)
}

var errTest = errors.New("boom")
