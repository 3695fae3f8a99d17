// Package streaming drives the live status panel for in-flight turns. One
// stream per conversation accumulates response text, activity entries and
// token usage, refreshes its panel message on a fixed cadence, and settles
// the turn when it completes, fails or is aborted.
package streaming

import (
	"strings"
	"sync"
	"time"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
)

// Status is the turn lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// StartParams describe one turn's streaming context.
type StartParams struct {
	Key       conversation.Key
	ChannelID string
	// ThreadTS roots the activity thread; panel and child messages post
	// under it.
	ThreadTS string
	// OriginalTS is the user message carrying the status reaction.
	OriginalTS string
	UserID     string
	ThreadID   string
	Model      string
	Reasoning  string
	UpdateRate time.Duration
	CharLimit  int
}

// Outcome summarizes a settled turn for persistence and metrics sinks.
type Outcome struct {
	Key        conversation.Key
	Status     Status
	ThreadID   string
	TurnID     string
	UserID     string
	Model      string
	StartedAt  time.Time
	EndedAt    time.Time
	TurnTokens int64
	Usage      *codex.TokenUsage
	Response   string
	ToolsRun   int
	OriginalTS string
	ErrorText  string
}

// tokenTracker captures a usage baseline on the first update of a turn so
// cumulative thread counters turn into per-turn deltas. Until a positive
// delta exists nothing is displayed.
type tokenTracker struct {
	seeded     bool
	baseInput  int64
	baseOutput int64
	curInput   int64
	curOutput  int64

	totalSeeded bool
	baseTotal   int64
	curTotal    int64

	contextWindow int64
	model         string
}

func (t *tokenTracker) observe(u *codex.TokenUsage) {
	if u == nil {
		return
	}
	if u.ContextWindow > 0 {
		t.contextWindow = u.ContextWindow
	}
	if u.Model != "" {
		t.model = u.Model
	}

	if u.InputTokens > 0 || u.OutputTokens > 0 {
		if !t.seeded {
			t.seeded = true
			t.baseInput = u.InputTokens
			t.baseOutput = u.OutputTokens
		}
		t.curInput = u.InputTokens
		t.curOutput = u.OutputTokens
		if u.TotalTokens > 0 {
			if !t.totalSeeded {
				t.totalSeeded = true
				t.baseTotal = u.TotalTokens
			}
			t.curTotal = u.TotalTokens
		}
		return
	}

	// Total-only snapshot: it seeds the total baseline but never produces a
	// display on its own first sighting.
	if u.TotalTokens > 0 {
		if !t.totalSeeded {
			t.totalSeeded = true
			t.baseTotal = u.TotalTokens
		}
		t.curTotal = u.TotalTokens
	}
}

// turnTokens is the per-turn delta, zero until computable.
func (t *tokenTracker) turnTokens() int64 {
	if t.seeded {
		if d := (t.curInput - t.baseInput) + (t.curOutput - t.baseOutput); d > 0 {
			return d
		}
	}
	if t.totalSeeded {
		if d := t.curTotal - t.baseTotal; d > 0 {
			return d
		}
	}
	return 0
}

// contextTokens is the absolute context fill.
func (t *tokenTracker) contextTokens() int64 {
	if t.curTotal > 0 {
		return t.curTotal
	}
	return t.curInput + t.curOutput
}

// contextPercent is contextTokens over the window, zero when unknown.
func (t *tokenTracker) contextPercent() float64 {
	if t.contextWindow <= 0 {
		return 0
	}
	ct := t.contextTokens()
	if ct <= 0 {
		return 0
	}
	return 100 * float64(ct) / float64(t.contextWindow)
}

// snapshot renders the cumulative usage for session persistence.
func (t *tokenTracker) snapshot() *codex.TokenUsage {
	if t.curInput == 0 && t.curOutput == 0 && t.curTotal == 0 {
		return nil
	}
	return &codex.TokenUsage{
		InputTokens:   t.curInput,
		OutputTokens:  t.curOutput,
		TotalTokens:   t.curTotal,
		ContextWindow: t.contextWindow,
		Model:         t.model,
	}
}

type toolRun struct {
	tool         string
	input        string
	startedAt    time.Time
	lastOutput   string
	linesAdded   int
	linesRemoved int
}

type stream struct {
	mu     sync.Mutex
	params StartParams

	status     Status
	statusNote string
	turnID     string
	startedAt  time.Time
	endedAt    time.Time
	panelTS    string

	text       strings.Builder
	generating bool

	thinking        map[string]*activity.Entry
	thinkingStart   map[string]time.Time
	thinkingSeq     int
	currentThinking string

	tools     map[string]*toolRun
	toolsSeen int
	toolsDone int

	tokens tokenTracker

	abortPending bool
	abortTimer   *time.Timer

	lastRender time.Time
	stopped    bool
	stop       chan struct{}
	wake       chan struct{}
}

func newStream(params StartParams, now time.Time) *stream {
	return &stream{
		params:        params,
		status:        StatusRunning,
		startedAt:     now,
		thinking:      make(map[string]*activity.Entry),
		thinkingStart: make(map[string]time.Time),
		tools:         make(map[string]*toolRun),
		stop:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
}

// signal nudges the update loop without blocking the event path.
func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// countDiffLines tallies added and removed lines in a unified diff chunk,
// ignoring the +++/--- file headers.
func countDiffLines(delta string) (added, removed int) {
	for _, line := range strings.Split(delta, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}
