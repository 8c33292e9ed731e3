// Package middleware runs interceptors around every agent invocation.
//
// Interceptors run in chain order. Each one may reject the invocation before
// calling the continuation, in which case it returns a *SecurityViolation and
// the agent is never called; or it may post-process the response. Rejections
// are recorded on the chain and nowhere else.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/observability"
)

// Next continues the chain.
type Next func(ctx context.Context, inv *agent.Invocation) (*agent.Response, error)

// Interceptor wraps one agent invocation.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error)
}

// SecurityViolation is returned when an interceptor rejects an invocation.
// It is never retried.
type SecurityViolation struct {
	Interceptor string
	Reason      string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation (%s): %s", e.Interceptor, e.Reason)
}

// IsSecurityViolation reports whether err is or wraps a *SecurityViolation.
func IsSecurityViolation(err error) bool {
	var sv *SecurityViolation
	return errors.As(err, &sv)
}

// Rejection records one rejected invocation.
type Rejection struct {
	Interceptor string    `json:"interceptor"`
	Reason      string    `json:"reason"`
	Agent       string    `json:"agent"`
	SessionID   string    `json:"session_id"`
	RunID       string    `json:"run_id,omitempty"`
	Time        time.Time `json:"time"`
}

// DefaultRejectionLog is how many rejections a chain keeps.
const DefaultRejectionLog = 1000

// Chain is an ordered list of interceptors. It is immutable after
// construction and safe for concurrent use.
type Chain struct {
	interceptors []Interceptor

	mu         sync.Mutex
	rejections []Rejection
	maxLog     int
}

// NewChain creates a chain running interceptors in the given order.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{
		interceptors: append([]Interceptor(nil), interceptors...),
		maxLog:       DefaultRejectionLog,
	}
}

// Names returns the interceptor names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, ic := range c.interceptors {
		names[i] = ic.Name()
	}
	return names
}

// Invoke runs a through the chain.
func (c *Chain) Invoke(ctx context.Context, a agent.Agent, inv *agent.Invocation) (*agent.Response, error) {
	if inv.Agent == "" {
		inv.Agent = a.Key()
	}
	resp, err := c.next(0, a)(ctx, inv)
	var sv *SecurityViolation
	if errors.As(err, &sv) {
		c.record(sv, inv)
	}
	return resp, err
}

func (c *Chain) next(i int, a agent.Agent) Next {
	if i == len(c.interceptors) {
		return a.Invoke
	}
	ic := c.interceptors[i]
	return func(ctx context.Context, inv *agent.Invocation) (*agent.Response, error) {
		return ic.Intercept(ctx, inv, c.next(i+1, a))
	}
}

// Wrap returns an Agent that invokes a through the chain.
func (c *Chain) Wrap(a agent.Agent) agent.Agent {
	return &wrapped{Agent: a, chain: c}
}

type wrapped struct {
	agent.Agent
	chain *Chain
}

func (w *wrapped) Invoke(ctx context.Context, inv *agent.Invocation) (*agent.Response, error) {
	return w.chain.Invoke(ctx, w.Agent, inv)
}

func (c *Chain) record(sv *SecurityViolation, inv *agent.Invocation) {
	observability.RecordRejection(sv.Interceptor)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections = append(c.rejections, Rejection{
		Interceptor: sv.Interceptor,
		Reason:      sv.Reason,
		Agent:       inv.Agent,
		SessionID:   inv.SessionID,
		RunID:       inv.RunID,
		Time:        time.Now().UTC(),
	})
	if over := len(c.rejections) - c.maxLog; over > 0 {
		c.rejections = append(c.rejections[:0], c.rejections[over:]...)
	}
}

// Rejections returns the recorded rejections, oldest first.
func (c *Chain) Rejections() []Rejection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Rejection(nil), c.rejections...)
}

// InterceptorFunc adapts a function to an Interceptor.
type InterceptorFunc struct {
	ID string
	Fn func(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error)
}

// Name implements Interceptor.
func (f InterceptorFunc) Name() string { return f.ID }

// Intercept implements Interceptor.
func (f InterceptorFunc) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	return f.Fn(ctx, inv, next)
}
