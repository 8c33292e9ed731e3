package middleware

import (
	"context"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/observability"
)

// Metrics records invocation counts, latency and token usage.
type Metrics struct{}

// NewMetrics creates a metrics interceptor.
func NewMetrics() *Metrics { return &Metrics{} }

// Name implements Interceptor.
func (m *Metrics) Name() string { return "metrics" }

// Intercept implements Interceptor.
func (m *Metrics) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	start := time.Now()
	resp, err := next(ctx, inv)

	status := "success"
	switch {
	case IsSecurityViolation(err):
		status = "rejected"
	case err != nil:
		status = "error"
	case resp.InfoNeeded != nil:
		status = "info_needed"
	}
	observability.RecordAgentInvocation(inv.Agent, status, time.Since(start))
	if resp != nil {
		observability.RecordTokens(inv.Agent, resp.TokensUsed)
	}
	return resp, err
}
