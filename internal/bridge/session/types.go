// Package session persists the channel→thread mapping and per-conversation
// settings in a single JSON document guarded by a process-wide write mutex.
package session

import (
	"github.com/relaycode-dev/relaycode/codex"
)

// Approval policies accepted by the app server.
const (
	PolicyNever     = "never"
	PolicyOnRequest = "on-request"
	PolicyOnFailure = "on-failure"
	PolicyUntrusted = "untrusted"
)

// Reasoning effort levels.
const (
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
	EffortXHigh   = "xhigh"
)

// Tunable bounds.
const (
	MinUpdateRateSeconds = 1
	MaxUpdateRateSeconds = 10
	MinThreadCharLimit   = 100
	MaxThreadCharLimit   = 36000
)

// ValidPolicy reports whether s is a known approval policy.
func ValidPolicy(s string) bool {
	switch s {
	case PolicyNever, PolicyOnRequest, PolicyOnFailure, PolicyUntrusted:
		return true
	}
	return false
}

// ValidReasoningEffort reports whether s is a known effort level.
func ValidReasoningEffort(s string) bool {
	switch s {
	case EffortMinimal, EffortLow, EffortMedium, EffortHigh, EffortXHigh:
		return true
	}
	return false
}

// ClampUpdateRate forces seconds into [1,10].
func ClampUpdateRate(seconds int) int {
	if seconds < MinUpdateRateSeconds {
		return MinUpdateRateSeconds
	}
	if seconds > MaxUpdateRateSeconds {
		return MaxUpdateRateSeconds
	}
	return seconds
}

// ClampThreadCharLimit forces chars into [100,36000].
func ClampThreadCharLimit(chars int) int {
	if chars < MinThreadCharLimit {
		return MinThreadCharLimit
	}
	if chars > MaxThreadCharLimit {
		return MaxThreadCharLimit
	}
	return chars
}

// TurnRecord maps one completed turn to the chat message that started it.
type TurnRecord struct {
	TurnID    string `json:"turnId"`
	TurnIndex int    `json:"turnIndex"`
	SlackTS   string `json:"slackTs"`
}

// ThreadSession is the thread-scoped state nested under a channel.
type ThreadSession struct {
	ThreadID          string            `json:"threadId"`
	PreviousThreadIDs []string          `json:"previousThreadIds,omitempty"`
	WorkingDir        string            `json:"workingDir,omitempty"`
	ApprovalPolicy    string            `json:"approvalPolicy,omitempty"`
	Model             string            `json:"model,omitempty"`
	ReasoningEffort   string            `json:"reasoningEffort,omitempty"`
	CreatedAt         int64             `json:"createdAt"`
	LastActiveAt      int64             `json:"lastActiveAt"`
	LastUsage         *codex.TokenUsage `json:"lastUsage,omitempty"`
}

// ChannelSession is the per-channel record, including its nested threads.
type ChannelSession struct {
	ThreadID          string   `json:"threadId"`
	PreviousThreadIDs []string `json:"previousThreadIds,omitempty"`

	WorkingDir     string `json:"workingDir,omitempty"`
	ConfiguredPath string `json:"configuredPath,omitempty"`
	PathConfigured bool   `json:"pathConfigured,omitempty"`
	ConfiguredBy   string `json:"configuredBy,omitempty"`
	ConfiguredAt   int64  `json:"configuredAt,omitempty"`

	ApprovalPolicy    string `json:"approvalPolicy,omitempty"`
	Model             string `json:"model,omitempty"`
	ReasoningEffort   string `json:"reasoningEffort,omitempty"`
	UpdateRateSeconds int    `json:"updateRateSeconds,omitempty"`
	ThreadCharLimit   int    `json:"threadCharLimit,omitempty"`

	ForkedFrom        string `json:"forkedFrom,omitempty"`
	ForkedAtTurnIndex *int   `json:"forkedAtTurnIndex,omitempty"`

	CreatedAt    int64             `json:"createdAt"`
	LastActiveAt int64             `json:"lastActiveAt"`
	LastUsage    *codex.TokenUsage `json:"lastUsage,omitempty"`

	Turns   []TurnRecord              `json:"turns,omitempty"`
	Threads map[string]*ThreadSession `json:"threads,omitempty"`
}

func (t *ThreadSession) clone() *ThreadSession {
	if t == nil {
		return nil
	}
	out := *t
	out.PreviousThreadIDs = append([]string(nil), t.PreviousThreadIDs...)
	if t.LastUsage != nil {
		u := *t.LastUsage
		out.LastUsage = &u
	}
	return &out
}

func (c *ChannelSession) clone() *ChannelSession {
	if c == nil {
		return nil
	}
	out := *c
	out.PreviousThreadIDs = append([]string(nil), c.PreviousThreadIDs...)
	out.Turns = append([]TurnRecord(nil), c.Turns...)
	if c.LastUsage != nil {
		u := *c.LastUsage
		out.LastUsage = &u
	}
	if c.ForkedAtTurnIndex != nil {
		i := *c.ForkedAtTurnIndex
		out.ForkedAtTurnIndex = &i
	}
	if c.Threads != nil {
		out.Threads = make(map[string]*ThreadSession, len(c.Threads))
		for ts, th := range c.Threads {
			out.Threads[ts] = th.clone()
		}
	}
	return &out
}
