package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/relaycode-dev/relaycode/codex"
	"github.com/relaycode-dev/relaycode/internal/audit"
	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/chat/chattest"
	"github.com/relaycode-dev/relaycode/internal/obs"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordedResponse struct {
	mu        sync.Mutex
	decisions []string
}

func (r *recordedResponse) respond(_ context.Context, _ json.RawMessage, decision string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, decision)
	return nil
}

func (r *recordedResponse) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.decisions...)
}

type serverFixture struct {
	server    *Server
	tokens    *TokenManager
	approvals *approval.Handler
	responses *recordedResponse
	decided   *[]approval.Record
}

func newFixture(t *testing.T, mutate func(*Options)) *serverFixture {
	t.Helper()

	tokens := NewTokenManager("test-secret", time.Hour)
	responses := &recordedResponse{}
	var decided []approval.Record
	handler := approval.NewHandler(chattest.New(), responses.respond, nil, approval.Config{
		ReminderInterval: time.Hour,
		ExpiryTimeout:    time.Hour,
	}, func(rec approval.Record) {
		decided = append(decided, rec)
	})

	opts := Options{
		Listen:    "127.0.0.1:0",
		Tokens:    tokens,
		Approvals: handler,
		Status: func() Status {
			return Status{
				UptimeSeconds:    42,
				Subprocess:       SubprocessStatus{Running: true, PID: 1234},
				ActiveTurns:      1,
				PendingApprovals: handler.PendingCount(),
			}
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &serverFixture{
		server:    NewServer(opts),
		tokens:    tokens,
		approvals: handler,
		responses: responses,
		decided:   &decided,
	}
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *serverFixture) addPending(t *testing.T, id, command string) {
	t.Helper()
	req := &codex.ApprovalRequest{
		ID:      json.RawMessage(id),
		Kind:    codex.ApprovalCommand,
		Command: command,
		Cwd:     "/srv/app",
	}
	key := conversation.NewKey("C123", "")
	require.NoError(t, f.approvals.HandleRequest(context.Background(), req, key, "C123", "", "U1"))
}

func TestHealthzSkipsAuth(t *testing.T) {
	f := newFixture(t, nil)

	w := f.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}

func TestAPIRequiresCredentials(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"no header", ""},
		{"not a key", "something-else"},
		{"wrong secret", mustIssue(t, NewTokenManager("other-secret", time.Hour), "intruder")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodGet, "/api/status", tt.token, nil)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			require.Contains(t, w.Body.String(), "authentication_error")
		})
	}
}

func mustIssue(t *testing.T, m *TokenManager, name string) string {
	t.Helper()
	key, err := m.Issue(name)
	require.NoError(t, err)
	return key
}

func TestStatusWithIssuedToken(t *testing.T) {
	f := newFixture(t, nil)
	token := mustIssue(t, f.tokens, "ops")

	w := f.request(t, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, int64(42), st.UptimeSeconds)
	require.True(t, st.Subprocess.Running)
	require.Equal(t, 1234, st.Subprocess.PID)
	require.Equal(t, 1, st.ActiveTurns)
}

func TestStatusWithAdminKey(t *testing.T) {
	hash, err := HashKey("letmein")
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.AdminKeyHash = hash })

	w := f.request(t, http.MethodGet, "/api/status", "letmein", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/status", "not-the-key", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionsDump(t *testing.T) {
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, store.SetThreadID("C777", "", "thread-abc"))
	f := newFixture(t, func(o *Options) { o.Sessions = store })
	token := mustIssue(t, f.tokens, "ops")

	w := f.request(t, http.MethodGet, "/api/sessions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "C777")
	require.Contains(t, w.Body.String(), "thread-abc")
}

func TestApprovalListAndDecide(t *testing.T) {
	f := newFixture(t, nil)
	token := mustIssue(t, f.tokens, "ops")
	f.addPending(t, "101", "rm -rf ./build")

	w := f.request(t, http.MethodGet, "/api/approvals", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Approvals []approval.View `json:"approvals"`
		Count     int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	require.Equal(t, "rm -rf ./build", listing.Approvals[0].Command)
	id := listing.Approvals[0].RequestID

	w = f.request(t, http.MethodPost, "/api/approvals/"+jsonNumber(id), token, gin.H{"decision": "accept"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"accept"}, f.responses.all())

	require.Len(t, *f.decided, 1)
	rec := (*f.decided)[0]
	require.Equal(t, approval.SourceAPI, rec.Source)
	require.Equal(t, approval.DecisionAccept, rec.Decision)
	require.Equal(t, "ops", rec.UserID)

	// The first decision wins; repeats conflict.
	w = f.request(t, http.MethodPost, "/api/approvals/"+jsonNumber(id), token, gin.H{"decision": "decline"})
	require.Equal(t, http.StatusConflict, w.Code)

	require.Zero(t, f.approvals.PendingCount())
}

func jsonNumber(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

func TestDecideRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)
	token := mustIssue(t, f.tokens, "ops")
	f.addPending(t, "202", "ls")

	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"unknown id", "/api/approvals/999", gin.H{"decision": "accept"}, http.StatusNotFound},
		{"non-integer id", "/api/approvals/later", gin.H{"decision": "accept"}, http.StatusBadRequest},
		{"missing decision", "/api/approvals/1", gin.H{}, http.StatusBadRequest},
		{"unknown decision", "/api/approvals/1", gin.H{"decision": "maybe"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodPost, tt.path, token, tt.body)
			require.Equal(t, tt.code, w.Code)
		})
	}

	require.Equal(t, 1, f.approvals.PendingCount())
}

func TestTurnsFromAuditStore(t *testing.T) {
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordTurn(audit.TurnRecord{
		ConversationKey: "C1",
		ChannelID:       "C1",
		Model:           "gpt-5",
		Status:          "completed",
		StartedAt:       time.Now().Add(-time.Minute),
		EndedAt:         time.Now(),
	}))

	f := newFixture(t, func(o *Options) { o.Audit = store })
	token := mustIssue(t, f.tokens, "ops")

	w := f.request(t, http.MethodGet, "/api/turns", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "gpt-5")

	w = f.request(t, http.MethodGet, "/api/turns?limit=abc", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsFromBuffer(t *testing.T) {
	buf := obs.NewLogBuffer(8)
	logger := logrus.New()
	logger.AddHook(buf)
	logger.SetOutput(io.Discard)
	logger.WithField("channel", "C9").Info("turn finished")

	f := newFixture(t, func(o *Options) { o.Logs = buf.Recent })
	token := mustIssue(t, f.tokens, "ops")

	w := f.request(t, http.MethodGet, "/api/logs", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "turn finished")
	require.Contains(t, w.Body.String(), "C9")

	w = f.request(t, http.MethodGet, "/api/logs?limit=0", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Without a buffer the endpoint degrades to an empty list.
	f = newFixture(t, nil)
	w = f.request(t, http.MethodGet, "/api/logs", mustIssue(t, f.tokens, "ops"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"logs":[]`)
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Listen = "127.0.0.1:0" })
	require.NoError(t, f.server.Start())
	require.NotEmpty(t, f.server.Addr())

	resp, err := http.Get("http://" + f.server.Addr() + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
}
