// Package agents builds executable agents from persona descriptors.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/observability"
	"github.com/aixgo-dev/orchestra/pkg/llm/provider"
	"github.com/aixgo-dev/orchestra/pkg/tools"
)

// RequestInfoMarker opens a model reply that asks the user for more input.
// Everything after the marker is the question.
const RequestInfoMarker = "[[request_info]]"

const (
	defaultMaxToolRounds = 4
	defaultHistoryLimit  = 20
)

const requestInfoInstruction = "If you cannot finish the task without more information from the user, reply with " +
	RequestInfoMarker + " followed by your question and nothing else."

// Option configures an LLMAgent.
type Option func(*options)

type options struct {
	model         string
	temperature   float64
	maxTokens     int
	maxToolRounds int
	historyLimit  int
	logger        *slog.Logger
}

// WithModel sets the model used when the descriptor does not name one.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithMaxToolRounds bounds how many tool-call round trips one invocation may make.
func WithMaxToolRounds(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxToolRounds = n
		}
	}
}

// WithHistoryLimit bounds how many thread messages are sent to the model.
// Zero sends none.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.historyLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// LLMAgent answers with a chat model, optionally calling its bound tools.
type LLMAgent struct {
	desc   agent.Descriptor
	client provider.Provider
	tools  *tools.Registry
	defs   []provider.Tool
	bound  map[string]bool
	opts   options
	logger *slog.Logger
}

var _ agent.Agent = (*LLMAgent)(nil)

// NewLLMAgent binds desc to client. Every tool the descriptor names must be
// present in registry.
func NewLLMAgent(desc agent.Descriptor, client provider.Provider, registry *tools.Registry, opts ...Option) (*LLMAgent, error) {
	if err := desc.Validate(); err != nil {
		return nil, &agent.LoadError{Source: desc.Key, Err: err}
	}
	if client == nil {
		return nil, &agent.LoadError{Source: desc.Key, Err: errors.New("no chat client")}
	}

	o := options{maxToolRounds: defaultMaxToolRounds, historyLimit: defaultHistoryLimit, logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &LLMAgent{
		desc:   desc.Clone(),
		client: client,
		tools:  registry,
		bound:  make(map[string]bool, len(desc.Tools)),
		opts:   o,
		logger: o.logger.With(logging.KeyAgent, desc.Key),
	}
	if len(desc.Tools) > 0 {
		if registry == nil {
			return nil, &agent.LoadError{Source: desc.Key, Err: fmt.Errorf("%w: %s", tools.ErrToolNotFound, desc.Tools[0])}
		}
		defs, err := registry.Definitions(desc.Tools)
		if err != nil {
			return nil, &agent.LoadError{Source: desc.Key, Err: err}
		}
		a.defs = defs
		for _, name := range desc.Tools {
			a.bound[name] = true
		}
	}
	return a, nil
}

// Key implements agent.Agent.
func (a *LLMAgent) Key() string { return a.desc.Key }

// Descriptor implements agent.Agent.
func (a *LLMAgent) Descriptor() agent.Descriptor { return a.desc.Clone() }

// Invoke implements agent.Agent.
func (a *LLMAgent) Invoke(ctx context.Context, inv *agent.Invocation) (resp *agent.Response, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.invoke",
		attribute.String("agent", a.desc.Key),
		attribute.String("run_id", inv.RunID),
		attribute.String("node_id", inv.NodeID),
	)
	defer func() { observability.EndSpan(span, err) }()

	req := provider.CompletionRequest{
		Messages:    a.buildMessages(inv),
		Model:       a.model(),
		Temperature: a.opts.temperature,
		MaxTokens:   a.opts.maxTokens,
		Tools:       a.defs,
	}

	tokens := 0
	for round := 0; ; round++ {
		out, streamed, err := a.complete(ctx, req, inv.OnChunk)
		if err != nil {
			return nil, a.upstream(ctx, err)
		}
		tokens += out.Usage.TotalTokens

		if len(out.ToolCalls) == 0 {
			if inv.OnChunk != nil && !streamed && out.Content != "" {
				inv.OnChunk(out.Content)
			}
			span.SetAttributes(attribute.Int("tokens", tokens))
			return finish(out.Content, tokens), nil
		}
		if round >= a.opts.maxToolRounds {
			return nil, &agent.UpstreamError{
				Agent: a.desc.Key,
				Err:   fmt.Errorf("tool call limit of %d rounds exceeded", a.opts.maxToolRounds),
			}
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   out.Content,
			ToolCalls: out.ToolCalls,
		})
		for _, call := range out.ToolCalls {
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    a.callTool(ctx, call),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
}

// complete runs one model call, streaming when the caller wants chunks and no
// tool round trip can interrupt the answer.
func (a *LLMAgent) complete(ctx context.Context, req provider.CompletionRequest, onChunk func(string)) (*provider.CompletionResponse, bool, error) {
	if onChunk == nil || len(a.defs) > 0 {
		out, err := a.client.CreateCompletion(ctx, req)
		return out, false, err
	}
	stream, err := a.client.CreateStreaming(ctx, req)
	if err != nil {
		return nil, false, err
	}
	out, err := provider.Collect(stream, onChunk)
	return out, true, err
}

func (a *LLMAgent) callTool(ctx context.Context, call provider.ToolCall) string {
	if !a.bound[call.Name] {
		a.logger.Warn("model requested unbound tool", "tool", call.Name)
		return toolError(fmt.Errorf("%w: %s", tools.ErrToolNotFound, call.Name))
	}
	out, err := a.tools.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		a.logger.Debug("tool call failed", "tool", call.Name, "error", err)
		return toolError(err)
	}
	return string(out)
}

func toolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func (a *LLMAgent) buildMessages(inv *agent.Invocation) []provider.Message {
	system := a.desc.Instructions + "\n\n" + requestInfoInstruction
	msgs := []provider.Message{{Role: "system", Content: system}}

	history := inv.History
	if len(history) > a.opts.historyLimit {
		history = history[len(history)-a.opts.historyLimit:]
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: string(m.Role), Content: m.Content})
	}

	var b strings.Builder
	b.WriteString(inv.Input)
	if inv.Prior != "" {
		b.WriteString("\n\nOutput from the previous step:\n")
		b.WriteString(inv.Prior)
	}
	if inv.Answer != "" {
		b.WriteString("\n\nAdditional information from the user:\n")
		b.WriteString(inv.Answer)
	}
	return append(msgs, provider.Message{Role: "user", Content: b.String()})
}

func (a *LLMAgent) model() string {
	if a.desc.Model != "" {
		return a.desc.Model
	}
	return a.opts.model
}

// upstream wraps a chat client failure. Cancellation is passed through so
// callers can tell it apart from a provider fault.
func (a *LLMAgent) upstream(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	retryable := provider.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	return &agent.UpstreamError{Agent: a.desc.Key, Retryable: retryable, Err: err}
}

func finish(content string, tokens int) *agent.Response {
	trimmed := strings.TrimSpace(content)
	if rest, ok := strings.CutPrefix(trimmed, RequestInfoMarker); ok {
		return &agent.Response{
			TokensUsed: tokens,
			InfoNeeded: &agent.InfoRequest{Prompt: strings.TrimSpace(rest)},
		}
	}
	return &agent.Response{Content: content, TokensUsed: tokens}
}
