package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clockManifest = tools.Manifest{
	Name:        "current_time",
	Description: "Returns the current time.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"zone": map[string]any{"type": "string", "description": "IANA zone"},
		},
		"required": []any{"zone"},
	},
}

func toolExchange() []session.Message {
	return []session.Message{
		session.SystemMessage(`{"weather":{"city":"Osaka"}}`),
		session.UserMessage("what time is it in Tokyo?"),
		{Role: session.RoleAssistant, Parts: []session.Part{
			session.TextPart("Let me check."),
			session.ToolCallPart("call_1", "current_time", map[string]any{"zone": "Asia/Tokyo"}),
		}},
		{Role: session.RoleTool, Parts: []session.Part{
			session.ToolResultPart("call_1", "current_time", "2024-03-01T21:00:00+09:00", false),
		}},
	}
}

// collect drains a stream into its text, tool calls and final error.
func collect(seq func(func(Chunk, error) bool)) (string, []session.Part, error) {
	var sb strings.Builder
	var calls []session.Part
	for c, err := range seq {
		if err != nil {
			return sb.String(), calls, err
		}
		sb.WriteString(c.Text)
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	return sb.String(), calls, nil
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem("Be brief.", toolExchange())

	assert.Equal(t, "Be brief.\n\n{\"weather\":{\"city\":\"Osaka\"}}", system)
	require.Len(t, rest, 3)
	assert.Equal(t, session.RoleUser, rest[0].Role)
}

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	_, msgs := splitSystem("", toolExchange())
	result := convertMessagesToAnthropicFormat(msgs)
	require.Len(t, result, 3)

	assert.Equal(t, "user", result[0]["role"])
	assert.Equal(t, "assistant", result[1]["role"])
	content := result[1]["content"].([]map[string]interface{})
	require.Len(t, content, 2)
	assert.Equal(t, "tool_use", content[1]["type"])
	assert.Equal(t, "call_1", content[1]["id"])

	assert.Equal(t, "user", result[2]["role"])
	results := result[2]["content"].([]map[string]interface{})
	assert.Equal(t, "tool_result", results[0]["type"])
	assert.Equal(t, "call_1", results[0]["tool_use_id"])
}

func TestCreateAnthropicRequest(t *testing.T) {
	body, err := createAnthropicRequest(nil, "system prompt", []tools.Manifest{clockManifest}, 0.2)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "bedrock-2023-05-31", decoded["anthropic_version"])
	assert.Equal(t, "system prompt", decoded["system"])
	assert.InDelta(t, 0.2, decoded["temperature"], 1e-9)
	ts := decoded["tools"].([]any)
	require.Len(t, ts, 1)
	schema := ts[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
}

func TestProcessBedrockResponse(t *testing.T) {
	body := []byte(`{"content":[
		{"type":"text","text":"Checking."},
		{"type":"tool_use","id":"toolu_1","name":"current_time","input":{"zone":"UTC"}}
	]}`)
	msg, err := processBedrockResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "Checking.", msg.Text())
	calls := msg.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_1", calls[0].ToolCallID)
	assert.Equal(t, map[string]any{"zone": "UTC"}, calls[0].Args)

	_, err = processBedrockResponse([]byte(`{"error":"throttled"}`))
	assert.ErrorContains(t, err, "throttled")
}

func TestConvertMessagesToOpenaiContent(t *testing.T) {
	msgs := convertMessagesToOpenaiContent("Be brief.", toolExchange())
	require.Len(t, msgs, 5)

	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfSystem)
	assert.NotNil(t, msgs[2].OfUser)
	require.NotNil(t, msgs[3].OfAssistant)
	require.Len(t, msgs[3].OfAssistant.ToolCalls, 1)
	assert.JSONEq(t, `{"zone":"Asia/Tokyo"}`, msgs[3].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[4].OfTool)
	assert.Equal(t, "call_1", msgs[4].OfTool.ToolCallID)
}

func TestConvertMessagesToGeminiContent(t *testing.T) {
	_, msgs := splitSystem("", toolExchange())
	msgs = append(msgs, session.UserMessage("thanks"))
	contents := convertMessagesToGeminiContent(msgs)

	// The tool result and the following user message share one user turn.
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Len(t, contents[1].Parts, 2)
	assert.Equal(t, "user", contents[2].Role)
	assert.Len(t, contents[2].Parts, 2)
}

func TestGeminiSchema(t *testing.T) {
	schema := geminiSchema(objectSchema(clockManifest.InputSchema))
	require.NotNil(t, schema)
	require.Contains(t, schema.Properties, "zone")
	assert.Equal(t, "IANA zone", schema.Properties["zone"].Description)
	assert.Equal(t, []string{"zone"}, schema.Required)
}

func TestConvertToolsToAnthropicTools(t *testing.T) {
	ts := convertToolsToAnthropicTools([]tools.Manifest{clockManifest})
	require.Len(t, ts, 1)
	require.NotNil(t, ts[0].OfTool)
	assert.Equal(t, "current_time", ts[0].OfTool.Name)
	assert.Equal(t, []string{"zone"}, ts[0].OfTool.InputSchema.Required)
	assert.Nil(t, convertToolsToAnthropicTools(nil))
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprint(w, e)
	}
}

func TestOpenAIStreamAggregatesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := func(delta string) string {
			return fmt.Sprintf("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":%s,\"finish_reason\":null}]}\n\n", delta)
		}
		sse(w,
			chunk(`{"content":"今日は"}`),
			chunk(`{"content":"晴れです。"}`),
			chunk(`{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"current_time","arguments":"{\"zo"}}]}`),
			chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"ne\":\"UTC\"}"}}]}`),
			"data: [DONE]\n\n",
		)
	}))
	defer server.Close()
	t.Setenv("OPENAI_API_KEY", "test")

	client, err := NewOpenAILLMClient(context.Background(), "gpt-test", openaiopt.WithBaseURL(server.URL), openaiopt.WithMaxRetries(0))
	require.NoError(t, err)

	text, calls, err := collect(client.StreamCompletion(context.Background(), Request{
		Messages: []session.Message{session.UserMessage("hi")},
		Tools:    []tools.Manifest{clockManifest},
	}))
	require.NoError(t, err)
	assert.Equal(t, "今日は晴れです。", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_a", calls[0].ToolCallID)
	assert.Equal(t, map[string]any{"zone": "UTC"}, calls[0].Args)
}

func TestOpenAIStreamErrorIsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()
	t.Setenv("OPENAI_API_KEY", "test")

	client, err := NewOpenAILLMClient(context.Background(), "gpt-test", openaiopt.WithBaseURL(server.URL), openaiopt.WithMaxRetries(0))
	require.NoError(t, err)

	_, _, err = collect(client.StreamCompletion(context.Background(), Request{Messages: []session.Message{session.UserMessage("hi")}}))
	assert.True(t, errors.Is(err, errors.ErrProvider))
}

func TestAnthropicStreamYieldsTextThenToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event := func(name, data string) string {
			return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
		}
		sse(w,
			event("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}}`),
			event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
			event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`),
			event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`),
			event("content_block_stop", `{"type":"content_block_stop","index":0}`),
			event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"current_time","input":{}}}`),
			event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"zone\":\"UTC\"}"}}`),
			event("content_block_stop", `{"type":"content_block_stop","index":1}`),
			event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":5}}`),
			event("message_stop", `{"type":"message_stop"}`),
		)
	}))
	defer server.Close()
	t.Setenv("ANTHROPIC_API_KEY", "test")

	client, err := NewAnthropicLLMClient(context.Background(), "claude-test", anthropicopt.WithBaseURL(server.URL), anthropicopt.WithMaxRetries(0))
	require.NoError(t, err)

	text, calls, err := collect(client.StreamCompletion(context.Background(), Request{
		System:   "Be brief.",
		Messages: toolExchange(),
		Tools:    []tools.Manifest{clockManifest},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_1", calls[0].ToolCallID)
	assert.Equal(t, map[string]any{"zone": "UTC"}, calls[0].Args)
}

func TestMockReplaysScriptThenResponds(t *testing.T) {
	m := NewEchoLLMClient()
	m.steps = []MockStep{TextStep("a", "b"), ToolStep("1", "clock", nil)}
	req := Request{Messages: []session.Message{session.UserMessage("ping")}}

	text, _, err := collect(m.StreamCompletion(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	_, calls, err := collect(m.StreamCompletion(context.Background(), req))
	require.NoError(t, err)
	require.Len(t, calls, 1)

	text, _, err = collect(m.StreamCompletion(context.Background(), req))
	require.NoError(t, err)
	assert.Contains(t, text, "You said: 'ping'")
	assert.Len(t, m.Requests(), 3)
}

func TestNewClientUnknown(t *testing.T) {
	_, err := NewClient(context.Background(), "telepathy", "")
	assert.ErrorContains(t, err, "unknown llm client")

	c, err := NewClient(context.Background(), "mock", "")
	require.NoError(t, err)
	assert.IsType(t, &MockLLMClient{}, c)
}
