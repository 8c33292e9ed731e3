package provider

import (
	"context"
	"io"
	"sync"
)

// MockProvider is a scripted provider for tests. Queued responses and errors
// are consumed in order; when the queue is empty Respond (if set) is used,
// otherwise a fixed default response is returned.
//
// MockProvider is safe for concurrent use.
type MockProvider struct {
	mu sync.Mutex

	name  string
	queue []mockStep

	// Respond computes a response from the request when the queue is empty.
	Respond func(req CompletionRequest) (*CompletionResponse, error)

	// Calls records every request in arrival order.
	Calls []CompletionRequest
}

type mockStep struct {
	resp *CompletionResponse
	err  error
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// AddCompletionResponse queues a completion response
func (m *MockProvider) AddCompletionResponse(resp *CompletionResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{resp: resp})
	return m
}

// AddError queues an error
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{err: err})
	return m
}

// CallCount returns the number of requests received.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request.
func (m *MockProvider) LastCall() (CompletionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return CompletionRequest{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	var step *mockStep
	if len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		step = &s
	}
	respond := m.Respond
	m.mu.Unlock()

	switch {
	case step != nil && step.err != nil:
		return nil, step.err
	case step != nil:
		return step.resp, nil
	case respond != nil:
		return respond(req)
	}
	return MockCompletionResponse("Mock response"), nil
}

// CreateStreaming implements Provider by splitting the completion into
// word-sized chunks.
func (m *MockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	resp, err := m.CreateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return newSliceStream(splitWords(resp.Content), &resp.Usage), nil
}

// MockCompletionResponse creates a completion response with a rough token
// estimate.
func MockCompletionResponse(content string) *CompletionResponse {
	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: len(content) / 4,
			TotalTokens:      10 + len(content)/4,
		},
	}
}

// sliceStream replays a fixed set of deltas.
type sliceStream struct {
	deltas []string
	usage  *Usage
	pos    int
	closed bool
}

func newSliceStream(deltas []string, usage *Usage) *sliceStream {
	return &sliceStream{deltas: deltas, usage: usage}
}

func (s *sliceStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.pos >= len(s.deltas) {
		return &StreamChunk{FinishReason: "stop", Usage: s.usage}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return &StreamChunk{Delta: d}, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// splitWords splits text after each space so the joined chunks equal text.
func splitWords(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
