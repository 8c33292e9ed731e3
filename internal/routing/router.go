// Package routing selects which agent(s) handle a message.
//
// Agents are scored by how many of their capability keywords appear in the
// message, plus an optional pluggable Scorer. Equal scores go to the higher
// tier, then to the agent registered first, so selection is reproducible.
// When nothing clears the minimum score the default agent is used.
package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/observability"
	metrics "github.com/aixgo-dev/orchestra/pkg/observability"
)

// DefaultMinScore is the score an agent needs to be selected on merit.
const DefaultMinScore = 1.0

// RoutingError is returned when no agent clears the minimum score and no
// default agent is configured. It is never retried.
type RoutingError struct {
	Message string
}

func (e *RoutingError) Error() string {
	return "routing: " + e.Message
}

// Scorer adds a score component for d given message.
type Scorer interface {
	Score(ctx context.Context, message string, d agent.Descriptor) (float64, error)
}

// Candidate is a scored agent.
type Candidate struct {
	Agent agent.Agent
	Score float64
	// Hits are the capability keywords found in the message.
	Hits []string

	index int
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultAgent names the fallback agent. Without it the first agent whose
// descriptor is marked default is used.
func WithDefaultAgent(key string) Option {
	return func(r *Router) { r.defaultKey = key }
}

// WithMinScore sets the score an agent needs to be selected on merit.
func WithMinScore(s float64) Option {
	return func(r *Router) { r.minScore = s }
}

// WithScorer adds s to the keyword score.
func WithScorer(s Scorer) Option {
	return func(r *Router) { r.scorer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// Router scores agents against messages. It holds no per-request state and
// is safe for concurrent use.
type Router struct {
	minScore   float64
	defaultKey string
	scorer     Scorer
	logger     *slog.Logger
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{minScore: DefaultMinScore, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "router")
	return r
}

// Rank scores every agent and returns them best first. agents must be in
// registry insertion order.
func (r *Router) Rank(ctx context.Context, message string, agents []agent.Agent) []Candidate {
	msg := newMessage(message)
	out := make([]Candidate, 0, len(agents))
	for i, a := range agents {
		d := a.Descriptor()
		hits := msg.matches(keywords(d))
		score := float64(len(hits))
		if r.scorer != nil {
			extra, err := r.scorer.Score(ctx, message, d)
			if err != nil {
				r.logger.Warn("scorer failed, using keyword score only", logging.KeyAgent, d.Key, "error", err)
			} else {
				score += extra
			}
		}
		out = append(out, Candidate{Agent: a, Score: score, Hits: hits, index: i})
	}
	slices.SortStableFunc(out, compare)
	return out
}

// compare orders by score desc, tier desc, then registry order.
func compare(a, b Candidate) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Agent.Descriptor().Tier, a.Agent.Descriptor().Tier); c != 0 {
		return c
	}
	return cmp.Compare(a.index, b.index)
}

// SelectBestAgent returns the highest ranked agent, or the default agent when
// none reaches the minimum score.
func (r *Router) SelectBestAgent(ctx context.Context, message string, agents []agent.Agent) (agent.Agent, error) {
	selected, err := r.SelectRelevantAgents(ctx, message, agents, 1)
	if err != nil {
		return nil, err
	}
	return selected[0], nil
}

// SelectRelevantAgents returns at most maxAgents agents that reach the minimum
// score, best first. When none does, it returns just the default agent.
func (r *Router) SelectRelevantAgents(ctx context.Context, message string, agents []agent.Agent, maxAgents int) (selected []agent.Agent, err error) {
	ctx, span := observability.StartSpan(ctx, "routing.select",
		attribute.Int("routing.candidates", len(agents)),
		attribute.Int("routing.max_agents", maxAgents),
	)
	defer func() { observability.EndSpan(span, err) }()

	if maxAgents <= 0 {
		return nil, &RoutingError{Message: fmt.Sprintf("maxAgents must be positive, got %d", maxAgents)}
	}
	if len(agents) == 0 {
		return nil, &RoutingError{Message: "no agents available"}
	}

	for _, c := range r.Rank(ctx, message, agents) {
		if c.Score < r.minScore || len(selected) == maxAgents {
			break
		}
		selected = append(selected, c.Agent)
		r.logger.Debug("agent selected", logging.KeyAgent, c.Agent.Key(), "score", c.Score, "hits", c.Hits)
	}

	fallback := len(selected) == 0
	if fallback {
		def, err := r.defaultAgent(agents)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("no agent reached minimum score, using default", logging.KeyAgent, def.Key(), "min_score", r.minScore)
		selected = []agent.Agent{def}
	}

	keys := make([]string, len(selected))
	for i, a := range selected {
		keys[i] = a.Key()
		metrics.RecordRoutingDecision(a.Key(), fallback)
	}
	span.SetAttributes(
		attribute.StringSlice("routing.selected", keys),
		attribute.Bool("routing.used_default", fallback),
	)
	return selected, nil
}

func (r *Router) defaultAgent(agents []agent.Agent) (agent.Agent, error) {
	if r.defaultKey != "" {
		for _, a := range agents {
			if a.Key() == r.defaultKey {
				return a, nil
			}
		}
		return nil, &RoutingError{Message: fmt.Sprintf("default agent %q is not available", r.defaultKey)}
	}
	for _, a := range agents {
		if a.Descriptor().Default {
			return a, nil
		}
	}
	return nil, &RoutingError{Message: "no agent matched and no default agent is configured"}
}

// IsRoutingError reports whether err is a RoutingError.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}
