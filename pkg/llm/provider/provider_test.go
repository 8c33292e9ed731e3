package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestMockProviderQueueThenDefault(t *testing.T) {
	m := NewMockProvider("mock")
	m.AddCompletionResponse(MockCompletionResponse("first")).AddError(errors.New("boom"))

	ctx := context.Background()
	resp, err := m.CreateCompletion(ctx, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	_, err = m.CreateCompletion(ctx, CompletionRequest{})
	assert.EqualError(t, err, "boom")

	resp, err = m.CreateCompletion(ctx, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Mock response", resp.Content)
	assert.Equal(t, 3, m.CallCount())
}

func TestMockProviderRespondFunc(t *testing.T) {
	m := NewMockProvider("mock")
	m.Respond = func(req CompletionRequest) (*CompletionResponse, error) {
		return MockCompletionResponse(strings.ToUpper(req.Messages[len(req.Messages)-1].Content)), nil
	}

	resp, err := m.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", resp.Content)

	last, ok := m.LastCall()
	require.True(t, ok)
	assert.Equal(t, "hello", last.Messages[0].Content)
}

func TestMockProviderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockProvider("mock").CreateCompletion(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectStream(t *testing.T) {
	m := NewMockProvider("mock").AddCompletionResponse(MockCompletionResponse("one two three"))
	stream, err := m.CreateStreaming(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	var chunks []string
	resp, err := Collect(stream, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	assert.Equal(t, "one two three", resp.Content)
	assert.Equal(t, []string{"one ", "two ", "three"}, chunks)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestEchoProvider(t *testing.T) {
	p, err := New("echo", nil)
	require.NoError(t, err)

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "Deployer\nYou ship services."},
			{Role: "user", Content: "old"},
			{Role: "assistant", Content: "ok"},
			{Role: "user", Content: "deploy it"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "[Deployer] deploy it", resp.Content)
}

func TestFactories(t *testing.T) {
	names := Factories()
	assert.Contains(t, names, "openai")
	assert.Contains(t, names, "gemini")
	assert.Contains(t, names, "bedrock")
	assert.Contains(t, names, "echo")

	_, err := New("nope", nil)
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.True(t, IsRetryable(NewProviderError("x", ErrorCodeRateLimit, "slow down", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", NewProviderError("x", ErrorCodeAuthentication, "bad key", nil))))
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, ErrorCodeInvalidRequest, codeForStatus(400))
	assert.Equal(t, ErrorCodeAuthentication, codeForStatus(401))
	assert.Equal(t, ErrorCodeRateLimit, codeForStatus(429))
	assert.Equal(t, ErrorCodeServerError, codeForStatus(503))
	assert.Equal(t, ErrorCodeUnknown, codeForStatus(302))
}

func TestOpenAIProviderCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "calculator", "arguments": "{\"expression\":\"2+2\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "")
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "What's 2+2?"}},
		Tools:    []Tool{{Name: "calculator", Description: "math", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	assert.Equal(t, openaiDefaultModel, got["model"])
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"expression":"2+2"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIProviderErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"message": "bad key", "type": "invalid_request_error", "code": "invalid_api_key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "gpt-4o")
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeAuthentication, pe.Code)
	assert.False(t, IsRetryable(err))
}

func TestOpenAIProviderStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL, "")
	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	resp, err := Collect(stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
}

func TestBuildGenAIContents(t *testing.T) {
	contents, system := buildGenAIContents([]Message{
		{Role: "system", Content: "a"},
		{Role: "system", Content: "b"},
		{Role: "user", Content: "q"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Name: "clock", Arguments: json.RawMessage(`{}`)}}},
		{Role: "tool", Name: "clock", Content: `{"time":"noon"}`},
	})

	require.NotNil(t, system)
	assert.Equal(t, "a\n\nb", system.Parts[0].Text)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "clock", contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "noon", contents[2].Parts[0].FunctionResponse.Response["time"])
}

func TestParseGenAIResponse(t *testing.T) {
	resp, err := parseGenAIResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{{Text: "4"}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	_, err = parseGenAIResponse(&genai.GenerateContentResponse{})
	assert.Error(t, err)
}

func TestWrapGenAIError(t *testing.T) {
	err := wrapGenAIError(errors.New("Error 429, RESOURCE_EXHAUSTED: quota"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeRateLimit, pe.Code)
	assert.True(t, pe.IsRetryable)

	assert.ErrorIs(t, wrapGenAIError(context.Canceled), context.Canceled)
}
