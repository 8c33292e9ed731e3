// Package provider defines the chat client abstraction agents are bound to,
// plus the OpenAI, Gemini, Bedrock, echo and mock implementations.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Provider defines the interface for chat model providers
type Provider interface {
	// CreateCompletion creates a completion (unstructured text response)
	CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// CreateStreaming creates a streaming response. The stream yields chunks
	// until Recv returns io.EOF.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`

	// ToolCalls are set on assistant messages that requested tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a "tool" message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Tool represents a function/tool that can be called by the model
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema for parameters
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall represents a function call made by the model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Stream represents a streaming response
type Stream interface {
	// Recv receives the next chunk. It returns io.EOF after the last chunk.
	Recv() (*StreamChunk, error)

	// Close releases the stream.
	Close() error
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is set on the final chunk when the provider reports it.
	Usage *Usage `json:"usage,omitempty"`
}

// Collect drains a stream into a single response, calling onChunk for every
// non-empty delta. The stream is closed before returning.
func Collect(stream Stream, onChunk func(string)) (*CompletionResponse, error) {
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	resp := &CompletionResponse{}
	for {
		chunk, err := stream.Recv()
		if chunk != nil {
			if chunk.Delta != "" {
				sb.WriteString(chunk.Delta)
				if onChunk != nil {
					onChunk(chunk.Delta)
				}
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	resp.Content = sb.String()
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	return resp, nil
}
