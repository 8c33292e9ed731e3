package provider

import (
	"context"
	"fmt"
	"strings"
)

func init() {
	RegisterFactory("echo", func(settings map[string]any) (Provider, error) {
		return NewEchoProvider(), nil
	})
}

// EchoProvider answers offline by echoing the last user message, prefixed by
// the first line of the system instructions. It lets the CLI and server run
// without credentials.
type EchoProvider struct{}

// NewEchoProvider creates an echo provider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

// Name returns the provider name
func (p *EchoProvider) Name() string { return "echo" }

// CreateCompletion implements Provider
func (p *EchoProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var persona, last string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if persona == "" {
				persona, _, _ = strings.Cut(strings.TrimSpace(m.Content), "\n")
			}
		case "user":
			last = m.Content
		}
	}

	content := last
	if persona != "" {
		content = fmt.Sprintf("[%s] %s", persona, last)
	}
	return MockCompletionResponse(content), nil
}

// CreateStreaming implements Provider
func (p *EchoProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	resp, err := p.CreateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return newSliceStream(splitWords(resp.Content), &resp.Usage), nil
}
