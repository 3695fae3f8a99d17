// Package activity accumulates per-turn activity entries and mirrors them
// into a chat thread, editing previously posted messages in place where the
// entry describes the same underlying item.
package activity

import "time"

// Kind tags one activity entry.
type Kind string

const (
	KindStarting     Kind = "starting"
	KindThinking     Kind = "thinking"
	KindToolStart    Kind = "tool_start"
	KindToolComplete Kind = "tool_complete"
	KindGenerating   Kind = "generating"
	KindError        Kind = "error"
	KindAborted      Kind = "aborted"
)

// Entry is one row of turn activity. Thinking entries mutate in place while
// the reasoning segment streams; every mutation bumps rev so flush can
// re-edit the already posted message.
type Entry struct {
	Kind      Kind
	Timestamp time.Time

	// Tool fields.
	Tool              string
	ToolInput         string
	ToolUseID         string
	DurationMs        int64
	LineCount         int
	MatchCount        int
	LinesAdded        int
	LinesRemoved      int
	ToolOutputPreview string
	ToolIsError       bool
	ToolErrorMessage  string

	// Thinking fields.
	ThinkingSegmentID  string
	ThinkingInProgress bool
	CharCount          int

	// Free text for starting, generating, error and aborted entries.
	Text string

	rev int
}

// Rev returns the mutation counter.
func (e *Entry) Rev() int { return e.rev }

// AddThinkingChars grows the streamed character count.
func (e *Entry) AddThinkingChars(n int) {
	e.CharCount += n
	e.rev++
}

// FinishThinking marks the reasoning segment done.
func (e *Entry) FinishThinking(durationMs int64) {
	e.ThinkingInProgress = false
	e.DurationMs = durationMs
	e.rev++
}

// NewToolStart builds an in-progress tool entry.
func NewToolStart(now time.Time, tool, input, toolUseID string) *Entry {
	return &Entry{
		Kind:      KindToolStart,
		Timestamp: now,
		Tool:      tool,
		ToolInput: input,
		ToolUseID: toolUseID,
	}
}

// NewToolComplete builds a finished tool entry.
func NewToolComplete(now time.Time, tool, input, toolUseID string) *Entry {
	return &Entry{
		Kind:      KindToolComplete,
		Timestamp: now,
		Tool:      tool,
		ToolInput: input,
		ToolUseID: toolUseID,
	}
}

// NewThinking builds an in-progress reasoning entry.
func NewThinking(now time.Time, segmentID string) *Entry {
	return &Entry{
		Kind:               KindThinking,
		Timestamp:          now,
		ThinkingSegmentID:  segmentID,
		ThinkingInProgress: true,
	}
}
