package codex

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestFieldPriorityChains(t *testing.T) {
	tests := []struct {
		name   string
		json   string
		expect func(t *testing.T, v gjson.Result)
	}{
		{
			name: "itemId prefers msg.call_id",
			json: `{"msg":{"call_id":"c1"},"itemId":"i1","item_id":"i2","id":"i3"}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "c1", itemIDOf(v))
			},
		},
		{
			name: "itemId falls through to id",
			json: `{"id":"i3"}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "i3", itemIDOf(v))
			},
		},
		{
			name: "threadId prefers conversationId",
			json: `{"conversationId":"cv","threadId":"t1","thread_id":"t2"}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "cv", threadIDOf(v))
			},
		},
		{
			name: "threadId reaches msg.thread_id",
			json: `{"msg":{"thread_id":"t9"}}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "t9", threadIDOf(v))
			},
		},
		{
			name: "turnId prefers msg.turn_id over turn.id",
			json: `{"msg":{"turn_id":"5"},"turn":{"id":"9"}}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "5", turnIDOf(v))
			},
		},
		{
			name: "itemType falls back to unknown",
			json: `{"whatever":1}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "unknown", itemTypeOf(v))
			},
		},
		{
			name: "itemType takes tool_name when type missing",
			json: `{"tool_name":"Grep"}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "Grep", itemTypeOf(v))
			},
		},
		{
			name: "delta chain reaches msg.output",
			json: `{"msg":{"output":"text"}}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "text", deltaOf(v))
			},
		},
		{
			name: "delta prefers top-level delta",
			json: `{"delta":"a","content":"b","msg":{"delta":"c"}}`,
			expect: func(t *testing.T, v gjson.Result) {
				require.Equal(t, "a", deltaOf(v))
			},
		},
		{
			name: "exit code from msg wins",
			json: `{"msg":{"exit_code":3},"exitCode":1}`,
			expect: func(t *testing.T, v gjson.Result) {
				code := exitCodeOf(v)
				require.NotNil(t, code)
				require.Equal(t, 3, *code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.expect(t, gjson.Parse(tt.json))
		})
	}
}

func TestNormalizeUsagePrefersLastOverTotal(t *testing.T) {
	v := gjson.Parse(`{"info":{
		"last_token_usage":{"input_tokens":100,"output_tokens":20,"cached_input_tokens":40},
		"total_token_usage":{"input_tokens":5000,"output_tokens":900,"total_tokens":5900},
		"model_context_window":200000}}`)

	u := normalizeUsage(v)
	require.NotNil(t, u)
	require.EqualValues(t, 100, u.InputTokens)
	require.EqualValues(t, 20, u.OutputTokens)
	require.EqualValues(t, 40, u.CacheReadInputTokens)
	require.EqualValues(t, 200000, u.ContextWindow)
}

func TestNormalizeUsageTotalOnly(t *testing.T) {
	v := gjson.Parse(`{"info":{"total_token_usage":{"total_tokens":4321}}}`)

	u := normalizeUsage(v)
	require.NotNil(t, u)
	require.Zero(t, u.InputTokens)
	require.Zero(t, u.OutputTokens)
	require.EqualValues(t, 4321, u.TotalTokens)
}

func TestNormalizeUsageClampsCachedInput(t *testing.T) {
	v := gjson.Parse(`{"usage":{"input_tokens":50,"cached_input_tokens":80,"output_tokens":1}}`)

	u := normalizeUsage(v)
	require.NotNil(t, u)
	require.EqualValues(t, 50, u.CacheReadInputTokens)
	require.LessOrEqual(t, u.CacheReadInputTokens, u.InputTokens)
}

func TestNormalizeUsageEmptyPayload(t *testing.T) {
	require.Nil(t, normalizeUsage(gjson.Parse(`{"info":{}}`)))
	require.Nil(t, normalizeUsage(gjson.Parse(`{}`)))
}

func TestReasoningAndMessageTypeDetection(t *testing.T) {
	require.True(t, isReasoningType("reasoning"))
	require.True(t, isReasoningType("Thinking"))
	require.False(t, isReasoningType("commandExecution"))

	for _, v := range []string{"userMessage", "usermessage", "user-message", "user_message", "agentMessage", "agent_message"} {
		require.True(t, isMessageType(v), v)
	}
	require.False(t, isMessageType("webSearch"))
	require.False(t, isMessageType("fileChange"))
}

func TestToolInputRendering(t *testing.T) {
	require.Equal(t, "ls -la", toolInputOf(gjson.Parse(`{"command":["ls","-la"]}`)))
	require.Equal(t, "grep pattern", toolInputOf(gjson.Parse(`{"command":"grep pattern"}`)))
	require.Equal(t, `{"file":"a.go"}`, toolInputOf(gjson.Parse(`{"input":{"file":"a.go"}}`)))
	require.Equal(t, "how to go", toolInputOf(gjson.Parse(`{"query":"how to go"}`)))
	require.Equal(t, "", toolInputOf(gjson.Parse(`{}`)))
}
