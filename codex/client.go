package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Local validation errors. These are refused before any RPC is written.
var (
	ErrEmptyTurnID       = errors.New("turn id is empty")
	ErrInvalidDecision   = errors.New("decision must be accept or decline")
	ErrRollbackTooSmall  = errors.New("rollback requires numTurns >= 1")
	ErrTurnIndexOutRange = errors.New("turn index out of range")
)

// ThreadInfo describes a server-side thread.
type ThreadInfo struct {
	ID               string `json:"id"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
	Model            string `json:"model,omitempty"`
}

// TurnRef identifies one turn inside a thread dump.
type TurnRef struct {
	ID string `json:"id"`
}

// ThreadReadResult is the thread/read response.
type ThreadReadResult struct {
	Thread ThreadInfo `json:"thread"`
	Turns  []TurnRef  `json:"turns,omitempty"`
}

// InputItem is one element of a turn's input array.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextInput builds a single-text input list for turn/start.
func TextInput(text string) []InputItem {
	return []InputItem{{Type: "text", Text: text}}
}

// TurnStartParams are the turn/start parameters. The turn itself is
// observed via notifications, not via the RPC result.
type TurnStartParams struct {
	ThreadID        string      `json:"threadId"`
	Input           []InputItem `json:"input"`
	Model           string      `json:"model,omitempty"`
	ReasoningEffort string      `json:"reasoningEffort,omitempty"`
	ApprovalPolicy  string      `json:"approvalPolicy,omitempty"`
}

// Client is the typed facade over the app server transport. It owns the
// translation from the server's heterogeneous notification vocabulary into
// the normalised Event set, including delta deduplication.
type Client struct {
	tr *Transport

	events chan Event
	stats  atomic.Pointer[Stats]

	deltas       *ttlSet
	completed    *ttlSet
	contextPairs *ttlSet
}

// NewClient wraps a started transport.
func NewClient(tr *Transport) *Client {
	c := &Client{
		tr:           tr,
		events:       make(chan Event, 256),
		deltas:       newTTLSet(100 * time.Millisecond),
		completed:    newTTLSet(2 * time.Second),
		contextPairs: newTTLSet(10 * time.Minute),
	}
	tr.OnAny(c.handleNotification)
	return c
}

// Events returns the normalised event stream. The channel is never closed;
// consumers should also watch Done.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SetStats attaches a counter sink. Safe to call while the client runs.
func (c *Client) SetStats(s *Stats) {
	c.stats.Store(s)
}

// Done is closed when the underlying transport terminates.
func (c *Client) Done() <-chan struct{} {
	return c.tr.Done()
}

// Stop tears down the transport, rejecting in-flight RPCs.
func (c *Client) Stop() {
	c.tr.Stop()
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context, name, version string) error {
	params := map[string]any{
		"clientInfo": map[string]any{"name": name, "version": version},
	}
	_, err := c.tr.Request(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// ThreadStart creates a new thread rooted at workingDir.
func (c *Client) ThreadStart(ctx context.Context, workingDir string) (*ThreadInfo, error) {
	res, err := c.tr.Request(ctx, "thread/start", map[string]any{"workingDirectory": workingDir})
	if err != nil {
		return nil, fmt.Errorf("thread/start: %w", err)
	}
	return decodeThread(res)
}

// ThreadResume reattaches to an existing thread.
func (c *Client) ThreadResume(ctx context.Context, threadID string) (*ThreadInfo, error) {
	res, err := c.tr.Request(ctx, "thread/resume", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, fmt.Errorf("thread/resume %s: %w", threadID, err)
	}
	return decodeThread(res)
}

// ThreadRead fetches a thread, optionally with its turn list.
func (c *Client) ThreadRead(ctx context.Context, threadID string, includeTurns bool) (*ThreadReadResult, error) {
	params := map[string]any{"threadId": threadID}
	if includeTurns {
		params["includeTurns"] = true
	}
	res, err := c.tr.Request(ctx, "thread/read", params)
	if err != nil {
		return nil, fmt.Errorf("thread/read %s: %w", threadID, err)
	}
	var out ThreadReadResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode thread/read result: %w", err)
	}
	return &out, nil
}

// ThreadFork copies a thread in full. Point-in-time forks are built on top
// of this via ForkAtTurn.
func (c *Client) ThreadFork(ctx context.Context, threadID string) (*ThreadInfo, error) {
	res, err := c.tr.Request(ctx, "thread/fork", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, fmt.Errorf("thread/fork %s: %w", threadID, err)
	}
	return decodeThread(res)
}

// ThreadRollback drops the last numTurns turns. numTurns below 1 is refused
// locally, no RPC is written.
func (c *Client) ThreadRollback(ctx context.Context, threadID string, numTurns int) (*ThreadInfo, error) {
	if numTurns < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrRollbackTooSmall, numTurns)
	}
	res, err := c.tr.Request(ctx, "thread/rollback", map[string]any{"threadId": threadID, "numTurns": numTurns})
	if err != nil {
		return nil, fmt.Errorf("thread/rollback %s: %w", threadID, err)
	}
	return decodeThread(res)
}

// TurnStart submits a user turn. Progress arrives as notifications.
func (c *Client) TurnStart(ctx context.Context, params TurnStartParams) error {
	if params.ThreadID == "" {
		return errors.New("turn/start requires a thread id")
	}
	if _, err := c.tr.Request(ctx, "turn/start", params); err != nil {
		return fmt.Errorf("turn/start on %s: %w", params.ThreadID, err)
	}
	return nil
}

// TurnInterrupt asks the server to stop an in-flight turn. An empty turnId
// is refused locally; the server treats unknown ids as a no-op.
func (c *Client) TurnInterrupt(ctx context.Context, threadID, turnID string) error {
	if turnID == "" {
		return ErrEmptyTurnID
	}
	_, err := c.tr.Request(ctx, "turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
	if err != nil {
		return fmt.Errorf("turn/interrupt %s/%s: %w", threadID, turnID, err)
	}
	return nil
}

// ApprovalRespond answers an approval request. id is the server's raw
// approval id as received, round-tripped unchanged.
func (c *Client) ApprovalRespond(ctx context.Context, id json.RawMessage, decision string) error {
	if decision != "accept" && decision != "decline" {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if len(id) == 0 {
		return errors.New("approval id is empty")
	}
	params := map[string]any{"id": id, "decision": decision}
	if _, err := c.tr.Request(ctx, "approval/respond", params); err != nil {
		return fmt.Errorf("approval/respond: %w", err)
	}
	return nil
}

// ForkAtTurn forks threadID at turnIndex. The server's reported turn count
// is the source of truth; local caches are never consulted. A fork at the
// last turn skips the rollback entirely.
func (c *Client) ForkAtTurn(ctx context.Context, threadID string, turnIndex int) (*ThreadInfo, error) {
	read, err := c.ThreadRead(ctx, threadID, true)
	if err != nil {
		return nil, err
	}
	total := len(read.Turns)
	if turnIndex < 0 || turnIndex >= total {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrTurnIndexOutRange, turnIndex, total)
	}

	forked, err := c.ThreadFork(ctx, threadID)
	if err != nil {
		return nil, err
	}

	rollback := total - (turnIndex + 1)
	if rollback > 0 {
		if _, err := c.ThreadRollback(ctx, forked.ID, rollback); err != nil {
			return nil, fmt.Errorf("fork of %s created as %s but rollback failed: %w", threadID, forked.ID, err)
		}
	}
	return forked, nil
}

// FindTurnIndex locates turnID inside threadID's turn list. Notifications
// hand out bare integers while thread/read reports "turn-<n+1>", so after a
// direct match fails the shifted spelling is tried. Returns -1 when the
// turn is not found under either vocabulary.
func (c *Client) FindTurnIndex(ctx context.Context, threadID, turnID string) (int, error) {
	read, err := c.ThreadRead(ctx, threadID, true)
	if err != nil {
		return -1, err
	}
	for i, t := range read.Turns {
		if t.ID == turnID {
			return i, nil
		}
	}
	if n, err := strconv.Atoi(turnID); err == nil {
		alt := "turn-" + strconv.Itoa(n+1)
		for i, t := range read.Turns {
			if t.ID == alt {
				return i, nil
			}
		}
	}
	return -1, nil
}

func decodeThread(res json.RawMessage) (*ThreadInfo, error) {
	var wrapped struct {
		Thread *ThreadInfo `json:"thread"`
	}
	if err := json.Unmarshal(res, &wrapped); err == nil && wrapped.Thread != nil && wrapped.Thread.ID != "" {
		return wrapped.Thread, nil
	}
	var flat ThreadInfo
	if err := json.Unmarshal(res, &flat); err != nil {
		return nil, fmt.Errorf("decode thread result: %w", err)
	}
	if flat.ID == "" {
		return nil, errors.New("thread result carries no id")
	}
	return &flat, nil
}

// emit forwards an event unless the transport has terminated.
func (c *Client) emit(ev Event) {
	c.stats.Load().noteEvent()
	select {
	case c.events <- ev:
	case <-c.tr.Done():
	}
}

// handleNotification normalises one inbound notification into zero or more
// events. Runs on the transport read goroutine.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	c.stats.Load().noteNotification()
	v := gjson.ParseBytes(params)
	now := time.Now()

	base := Event{
		Method:    method,
		ThreadID:  threadIDOf(v),
		TurnID:    turnIDOf(v),
		Timestamp: now,
		Raw:       params,
	}

	switch method {
	case "turn/started", "codex/event/task_started":
		ev := base
		ev.Kind = EventTurnStarted
		c.emit(ev)
		c.emitContextTurnID(base)

	case "turn/completed", "codex/event/task_complete":
		key := base.ThreadID + "|" + base.TurnID
		if !c.completed.Admit(key) {
			c.stats.Load().noteDedupedTurn()
			logrus.Debugf("suppressing duplicate turn completion for %s", key)
			return
		}
		ev := base
		ev.Kind = EventTurnCompleted
		ev.Status = firstString(v, "turn.status", "status", "msg.status")
		if ev.Status == "" {
			ev.Status = "completed"
		}
		ev.Usage = normalizeUsage(v)
		c.emit(ev)

	case "item/started":
		c.emitItemStarted(base, v)

	case "item/completed":
		c.emitItemCompleted(base, v)

	case "item/agentMessage/delta", "codex/event/agent_message_delta":
		c.emitDelta(base, v, EventItemDelta)

	case "item/reasoning/delta", "codex/event/agent_reasoning_delta":
		c.emitDelta(base, v, EventThinkingDelta)

	case "item/commandExecution/outputDelta":
		c.emitDelta(base, v, EventExecOutput)

	case "item/fileChange/outputDelta":
		c.emitDelta(base, v, EventFileChangeDelta)

	case "codex/event/exec_command_begin":
		ev := base
		ev.Kind = EventExecBegin
		ev.ItemID = itemIDOf(v)
		ev.Tool = "commandExecution"
		ev.ToolInput = toolInputOf(v)
		if ev.ToolInput == "" {
			ev.ToolInput = toolInputOf(v.Get("msg"))
		}
		c.emit(ev)

	case "codex/event/exec_command_output_delta":
		c.emitDelta(base, v, EventExecOutput)

	case "codex/event/exec_command_end":
		ev := base
		ev.Kind = EventExecEnd
		ev.ItemID = itemIDOf(v)
		ev.ExitCode = exitCodeOf(v)
		ev.DurationMs = durationMsOf(v)
		ev.OutputPreview = outputPreviewOf(v)
		if ev.ExitCode != nil && *ev.ExitCode != 0 {
			ev.IsError = true
		}
		c.emit(ev)

	case "codex/event/web_search_begin":
		ev := base
		ev.Kind = EventWebSearchStarted
		ev.ItemID = itemIDOf(v)
		ev.ToolInput = firstString(v, "query", "msg.query")
		c.emit(ev)

	case "codex/event/web_search_end":
		ev := base
		ev.Kind = EventWebSearchCompleted
		ev.ItemID = itemIDOf(v)
		ev.ToolInput = firstString(v, "query", "msg.query")
		c.emit(ev)

	case "codex/event/token_count", "thread/tokenUsage/updated":
		usage := normalizeUsage(v)
		if usage == nil {
			return
		}
		ev := base
		ev.Kind = EventTokensUpdated
		ev.Usage = usage
		c.emit(ev)

	case "item/commandExecution/requestApproval":
		c.emitApproval(base, v, ApprovalCommand)

	case "item/fileChange/requestApproval":
		c.emitApproval(base, v, ApprovalFileChange)

	default:
		// Unknown item/*/delta spellings still carry text worth showing.
		if strings.HasPrefix(method, "item/") && (strings.HasSuffix(method, "/delta") || strings.HasSuffix(method, "/outputDelta")) {
			c.emitDelta(base, v, EventItemDelta)
			return
		}
		if delta := deltaOf(v); delta != "" {
			c.emitDelta(base, v, EventCommandOutput)
			return
		}
		logrus.Tracef("ignoring notification %s", method)
	}
}

func (c *Client) emitContextTurnID(base Event) {
	if base.ThreadID == "" || base.TurnID == "" {
		return
	}
	if !c.contextPairs.Admit(base.ThreadID + "|" + base.TurnID) {
		return
	}
	ev := base
	ev.Kind = EventContextTurnID
	c.emit(ev)
}

// emitDelta applies content deduplication before forwarding. Identity is
// the first 100 characters of the delta, itemId ignored, 100ms window.
func (c *Client) emitDelta(base Event, v gjson.Result, kind string) {
	delta := deltaOf(v)
	if delta == "" {
		return
	}
	if !c.deltas.Admit(deltaKey(delta)) {
		c.stats.Load().noteDedupedDelta()
		logrus.Tracef("deduplicated delta on %s", base.Method)
		return
	}
	ev := base
	ev.Kind = kind
	ev.ItemID = itemIDOf(v)
	ev.Delta = delta
	c.emit(ev)
}

func (c *Client) emitItemStarted(base Event, v gjson.Result) {
	item := itemOf(v)
	itemType := itemTypeOf(item)

	ev := base
	ev.ItemID = itemIDOf(item)
	if ev.ItemID == "" {
		ev.ItemID = itemIDOf(v)
	}
	ev.ItemType = itemType

	switch {
	case isReasoningType(itemType):
		ev.Kind = EventThinkingStarted
	case isMessageType(itemType):
		ev.Kind = EventItemStarted
	default:
		ev.Kind = EventToolStart
		ev.Tool = itemType
		ev.ToolInput = toolInputOf(item)
	}
	c.emit(ev)
}

func (c *Client) emitItemCompleted(base Event, v gjson.Result) {
	item := itemOf(v)
	itemType := itemTypeOf(item)

	ev := base
	ev.ItemID = itemIDOf(item)
	if ev.ItemID == "" {
		ev.ItemID = itemIDOf(v)
	}
	ev.ItemType = itemType
	ev.DurationMs = durationMsOf(v)
	if ev.DurationMs == 0 {
		ev.DurationMs = durationMsOf(item)
	}

	switch {
	case isReasoningType(itemType):
		ev.Kind = EventThinkingComplete
	case isMessageType(itemType):
		ev.Kind = EventItemCompleted
		ev.Delta = deltaOf(item)
	default:
		ev.Kind = EventToolComplete
		ev.Tool = itemType
		ev.ToolInput = toolInputOf(item)
		ev.ExitCode = exitCodeOf(item)
		ev.OutputPreview = outputPreviewOf(item)
		status := firstString(item, "status", "state")
		if (ev.ExitCode != nil && *ev.ExitCode != 0) || status == "failed" || status == "error" {
			ev.IsError = true
			ev.ErrorMessage = firstString(item, "error", "errorMessage", "error_message")
		}
	}
	c.emit(ev)
}

func (c *Client) emitApproval(base Event, v gjson.Result, kind ApprovalKind) {
	req := normalizeApproval(kind, v)
	if len(req.ID) == 0 {
		logrus.Warnf("approval request on %s carries no id, dropping", base.Method)
		return
	}
	ev := base
	ev.Kind = EventApprovalRequested
	ev.ItemID = req.ItemID
	ev.Approval = req
	c.emit(ev)
}

// isMessageType reports whether the item type is a chat message rather
// than a tool invocation.
func isMessageType(itemType string) bool {
	t := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(itemType, "_", ""), "-", ""))
	return strings.Contains(t, "message")
}
