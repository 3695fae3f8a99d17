package codex

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Normalised event kinds emitted by the Client. The app server speaks two
// generations of the same vocabulary (modern item/* methods plus legacy
// codex/event/* methods, with camelCase and snake_case payload variants);
// the Client folds all of them into this set.
const (
	EventTurnStarted        = "turn:started"
	EventTurnCompleted      = "turn:completed"
	EventItemStarted        = "item:started"
	EventItemDelta          = "item:delta"
	EventItemCompleted      = "item:completed"
	EventToolStart          = "tool:start"
	EventToolComplete       = "tool:complete"
	EventThinkingStarted    = "thinking:started"
	EventThinkingDelta      = "thinking:delta"
	EventThinkingComplete   = "thinking:complete"
	EventExecBegin          = "exec:begin"
	EventExecOutput         = "exec:output"
	EventExecEnd            = "exec:end"
	EventWebSearchStarted   = "websearch:started"
	EventWebSearchCompleted = "websearch:completed"
	EventFileChangeDelta    = "filechange:delta"
	EventTokensUpdated      = "tokens:updated"
	EventApprovalRequested  = "approval:requested"
	EventContextTurnID      = "context:turnId"
	EventCommandOutput      = "command:output"
)

// Event is one normalised notification from the app server.
type Event struct {
	Kind   string
	Method string // raw notification method

	ThreadID string
	TurnID   string
	ItemID   string
	ItemType string

	// Delta carries the text of any delta-bearing event (item:delta,
	// thinking:delta, exec:output, filechange:delta, command:output).
	Delta string

	// Tool fields for tool:start / tool:complete / exec events.
	Tool          string
	ToolInput     string
	ExitCode      *int
	DurationMs    int64
	OutputPreview string
	IsError       bool
	ErrorMessage  string

	// Turn terminal status, one of completed/interrupted/failed.
	Status string

	Usage    *TokenUsage
	Approval *ApprovalRequest

	Timestamp time.Time
	Raw       json.RawMessage
}

// TokenUsage is the normalised token accounting snapshot. Cached input
// tokens are a subset of input tokens, never additional.
type TokenUsage struct {
	InputTokens              int64  `json:"inputTokens"`
	OutputTokens             int64  `json:"outputTokens"`
	CacheReadInputTokens     int64  `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64  `json:"cacheCreationInputTokens,omitempty"`
	TotalTokens              int64  `json:"totalTokens,omitempty"`
	ContextWindow            int64  `json:"contextWindow,omitempty"`
	Model                    string `json:"model,omitempty"`
	MaxOutputTokens          int64  `json:"maxOutputTokens,omitempty"`
}

// ApprovalKind distinguishes the two approval surfaces.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command"
	ApprovalFileChange ApprovalKind = "fileChange"
)

// ApprovalRequest is a normalised approval notification. ID is the app
// server's own approval id, kept raw so numeric and string ids round-trip
// through approval/respond unchanged.
type ApprovalRequest struct {
	ID       json.RawMessage
	Kind     ApprovalKind
	ThreadID string
	TurnID   string
	ItemID   string
	Command  string
	Cwd      string
	Reason   string
	Paths    []string
	Diff     string
}

// IDString renders the raw approval id for logging and map keys.
func (r *ApprovalRequest) IDString() string {
	if r == nil || len(r.ID) == 0 {
		return ""
	}
	return strings.Trim(string(r.ID), `"`)
}

// firstString returns the first non-empty string at the given paths.
func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := v.Get(p)
		if !r.Exists() {
			continue
		}
		if s := r.String(); s != "" {
			return s
		}
	}
	return ""
}

// Field priority chains. Both spellings appear in the wild, sometimes flat
// and sometimes nested under msg; order matters and is part of the contract.
func itemIDOf(v gjson.Result) string {
	return firstString(v, "msg.call_id", "itemId", "item_id", "id")
}

func threadIDOf(v gjson.Result) string {
	return firstString(v, "conversationId", "threadId", "thread_id", "msg.thread_id")
}

func turnIDOf(v gjson.Result) string {
	return firstString(v, "msg.turn_id", "turnId", "turn_id", "turn.id")
}

func itemTypeOf(v gjson.Result) string {
	if s := firstString(v, "itemType", "item_type", "type", "toolName", "tool_name", "name"); s != "" {
		return s
	}
	return "unknown"
}

func exitCodeOf(v gjson.Result) *int {
	for _, p := range []string{"msg.exit_code", "exitCode", "exit_code", "code"} {
		if r := v.Get(p); r.Exists() {
			c := int(r.Int())
			return &c
		}
	}
	return nil
}

func deltaOf(v gjson.Result) string {
	return firstString(v, "delta", "content", "output", "msg.delta", "msg.content", "msg.output")
}

// itemOf unwraps the item payload when present; many modern notifications
// nest the interesting fields under "item".
func itemOf(v gjson.Result) gjson.Result {
	if item := v.Get("item"); item.Exists() && item.IsObject() {
		return item
	}
	return v
}

// toolInputOf renders the tool invocation argument for display. Objects and
// arrays are compacted to JSON.
func toolInputOf(v gjson.Result) string {
	for _, p := range []string{"command", "cmd", "input", "arguments", "args", "query", "path", "msg.command", "msg.cmd"} {
		r := v.Get(p)
		if !r.Exists() {
			continue
		}
		switch {
		case r.IsArray():
			parts := make([]string, 0, 8)
			allStrings := true
			for _, e := range r.Array() {
				if e.Type != gjson.String {
					allStrings = false
					break
				}
				parts = append(parts, e.String())
			}
			if allStrings && len(parts) > 0 {
				return strings.Join(parts, " ")
			}
			return r.Raw
		case r.IsObject():
			return r.Raw
		default:
			if s := r.String(); s != "" {
				return s
			}
		}
	}
	return ""
}

func outputPreviewOf(v gjson.Result) string {
	return firstString(v, "aggregated_output", "aggregatedOutput", "output", "result", "msg.output", "msg.aggregated_output")
}

func durationMsOf(v gjson.Result) int64 {
	for _, p := range []string{"durationMs", "duration_ms", "msg.duration_ms", "duration"} {
		if r := v.Get(p); r.Exists() {
			return r.Int()
		}
	}
	return 0
}

// reasoningTypes are the item types that carry thinking content.
func isReasoningType(itemType string) bool {
	t := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(itemType, "_", ""), "-", ""))
	return t == "reasoning" || t == "thinking"
}

// normalizeUsage extracts a TokenUsage from any of the token notification
// shapes. last_token_usage wins over total_token_usage when both appear.
func normalizeUsage(v gjson.Result) *TokenUsage {
	container := v
	for _, p := range []string{"msg.info", "info", "turn.usage", "usage", "msg.usage"} {
		if r := v.Get(p); r.Exists() && r.IsObject() {
			container = r
			break
		}
	}

	src := container
	totalOnly := false
	if last := container.Get("last_token_usage"); last.Exists() && last.IsObject() {
		src = last
	} else if last := container.Get("lastTokenUsage"); last.Exists() && last.IsObject() {
		src = last
	} else if total := container.Get("total_token_usage"); total.Exists() && total.IsObject() {
		src = total
		totalOnly = true
	} else if total := container.Get("totalTokenUsage"); total.Exists() && total.IsObject() {
		src = total
		totalOnly = true
	}

	u := &TokenUsage{
		InputTokens:              firstInt(src, "input_tokens", "inputTokens"),
		OutputTokens:             firstInt(src, "output_tokens", "outputTokens"),
		CacheReadInputTokens:     firstInt(src, "cached_input_tokens", "cache_read_input_tokens", "cacheReadInputTokens"),
		CacheCreationInputTokens: firstInt(src, "cache_creation_input_tokens", "cacheCreationInputTokens"),
		TotalTokens:              firstInt(src, "total_tokens", "totalTokens"),
		ContextWindow:            firstInt(container, "model_context_window", "context_window", "contextWindow"),
		Model:                    firstString(container, "model", "msg.model"),
		MaxOutputTokens:          firstInt(container, "max_output_tokens", "maxOutputTokens"),
	}
	if u.ContextWindow == 0 {
		u.ContextWindow = firstInt(v, "model_context_window", "context_window", "contextWindow")
	}

	// Cached input is included in input, never on top of it.
	if u.CacheReadInputTokens > u.InputTokens {
		u.CacheReadInputTokens = u.InputTokens
	}

	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	if totalOnly {
		// A total-only snapshot keeps input/output at zero so consumers
		// can tell it apart from a full usage update.
		u.InputTokens = 0
		u.OutputTokens = 0
		u.CacheReadInputTokens = 0
		u.CacheCreationInputTokens = 0
	}
	return u
}

func firstInt(v gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r.Int()
		}
	}
	return 0
}

// normalizeApproval builds an ApprovalRequest from either approval method.
func normalizeApproval(kind ApprovalKind, v gjson.Result) *ApprovalRequest {
	req := &ApprovalRequest{
		Kind:     kind,
		ThreadID: threadIDOf(v),
		TurnID:   turnIDOf(v),
		ItemID:   itemIDOf(v),
		Command:  firstString(v, "command", "msg.command", "item.command"),
		Cwd:      firstString(v, "cwd", "workingDirectory", "msg.cwd"),
		Reason:   firstString(v, "reason", "msg.reason", "justification"),
		Diff:     firstString(v, "diff", "msg.diff", "item.diff"),
	}

	for _, p := range []string{"id", "approvalId", "approval_id", "requestId", "request_id", "msg.id"} {
		if r := v.Get(p); r.Exists() {
			req.ID = json.RawMessage(r.Raw)
			break
		}
	}

	for _, p := range []string{"paths", "files", "changes", "msg.paths"} {
		r := v.Get(p)
		if !r.Exists() || !r.IsArray() {
			continue
		}
		for _, e := range r.Array() {
			if e.Type == gjson.String {
				req.Paths = append(req.Paths, e.String())
			} else if path := e.Get("path"); path.Exists() {
				req.Paths = append(req.Paths, path.String())
			}
		}
		break
	}
	return req
}
