package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transport errors surfaced to RPC callers.
var (
	ErrTransportStopped = errors.New("transport stopped")
	ErrRequestTimeout   = errors.New("request timeout")
)

// RPCError is a JSON-RPC 2.0 error object returned by the app server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcRequest is an outbound request or notification (no ID).
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcEnvelope is the lenient probe for inbound lines. ID is kept raw so
// both string and numeric ids round-trip.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NotificationHandler receives inbound notifications. Params may be nil.
type NotificationHandler func(method string, params json.RawMessage)

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Transport frames JSON-RPC 2.0 messages over the app server's stdio,
// one JSON object per line. It correlates request ids to responses,
// dispatches notifications and rejects every pending request on stop.
type Transport struct {
	w io.Writer
	r io.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan rpcOutcome
	handlers map[string][]NotificationHandler
	catchAll []NotificationHandler
	stopped  bool

	requestTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// TransportOption adjusts transport construction.
type TransportOption func(*Transport)

// WithRequestTimeout overrides the default 30s per-request deadline.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.requestTimeout = d
		}
	}
}

// NewTransport wraps the given subprocess stdio pair. Call Start to begin
// reading.
func NewTransport(r io.Reader, w io.Writer, opts ...TransportOption) *Transport {
	t := &Transport{
		w:              w,
		r:              r,
		pending:        make(map[int64]chan rpcOutcome),
		handlers:       make(map[string][]NotificationHandler),
		requestTimeout: 30 * time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the read loop. It returns immediately.
func (t *Transport) Start() {
	go t.readLoop()
}

// On registers a handler for a specific notification method.
func (t *Transport) On(method string, h NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = append(t.handlers[method], h)
}

// OnAny registers a handler invoked for every inbound notification.
func (t *Transport) OnAny(h NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.catchAll = append(t.catchAll, h)
}

// Request sends a request and waits for the matching response, the
// per-request deadline, or ctx cancellation, whichever comes first.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	respChan := make(chan rpcOutcome, 1)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrTransportStopped
	}
	t.nextID++
	id := t.nextID
	t.pending[id] = respChan
	t.mu.Unlock()

	evict := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.writeMessage(req); err != nil {
		evict()
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	select {
	case out := <-respChan:
		return out.result, out.err
	case <-timeoutCtx.Done():
		evict()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, method, t.requestTimeout)
	}
}

// Notify sends a request without an id; no response is expected.
func (t *Transport) Notify(method string, params any) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTransportStopped
	}
	t.mu.Unlock()
	return t.writeMessage(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Stop rejects every pending request and fails all subsequent calls.
// Safe to call multiple times.
func (t *Transport) Stop() {
	t.rejectAll(ErrTransportStopped)
	t.closeOnce.Do(func() { close(t.done) })
}

// Done is closed once the read loop has terminated or Stop was called.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) writeMessage(msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.r)

	// Increase buffer size for long lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		logrus.WithError(err).Warn("subprocess stdout read failed")
	}
	t.rejectAll(fmt.Errorf("subprocess connection closed: %w", ErrTransportStopped))
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Transport) handleLine(line []byte) {
	// The app server occasionally omits the jsonrpc field; normalise
	// before strict parsing.
	if !gjson.GetBytes(line, "jsonrpc").Exists() {
		if fixed, err := sjson.SetBytes(line, "jsonrpc", "2.0"); err == nil {
			line = fixed
		}
	}

	var env rpcEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		logrus.WithError(err).Warnf("dropping unparseable line: %.120s", line)
		return
	}
	if env.JSONRPC != "2.0" {
		logrus.Warnf("dropping message with jsonrpc version %q", env.JSONRPC)
		return
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	switch {
	case hasID && env.Method == "":
		t.handleResponse(env)
	case !hasID && env.Method != "":
		t.dispatchNotification(env.Method, env.Params)
	case hasID && env.Method != "":
		// Server-initiated requests are not part of the contract.
		logrus.Warnf("dropping inbound request %q (unsupported)", env.Method)
	default:
		logrus.Warnf("dropping message that is neither response nor notification: %.120s", line)
	}
}

func (t *Transport) handleResponse(env rpcEnvelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		logrus.Warnf("dropping response with non-numeric id %s", env.ID)
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		logrus.Debugf("no pending request for response id %d", id)
		return
	}

	if env.Error != nil {
		ch <- rpcOutcome{err: env.Error}
		return
	}
	ch <- rpcOutcome{result: env.Result}
}

func (t *Transport) dispatchNotification(method string, params json.RawMessage) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	hs := make([]NotificationHandler, 0, len(t.handlers[method])+len(t.catchAll))
	hs = append(hs, t.handlers[method]...)
	hs = append(hs, t.catchAll...)
	t.mu.Unlock()

	for _, h := range hs {
		h(method, params)
	}
}

func (t *Transport) rejectAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for id, ch := range t.pending {
		ch <- rpcOutcome{err: err}
		delete(t.pending, id)
	}
}
