package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
)

// Logging writes one structured line per invocation.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a logging interceptor.
func NewLogging(l *slog.Logger) *Logging {
	return &Logging{logger: logging.Component(l, "middleware")}
}

// Name implements Interceptor.
func (l *Logging) Name() string { return "logging" }

// Intercept implements Interceptor.
func (l *Logging) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	start := time.Now()
	log := l.logger.With(
		logging.KeyAgent, inv.Agent,
		logging.KeySession, inv.SessionID,
		logging.KeyRun, inv.RunID,
		"node", inv.NodeID,
	)
	log.DebugContext(ctx, "agent invocation started", "input_len", len(inv.Input))

	resp, err := next(ctx, inv)
	duration := time.Since(start)

	switch {
	case IsSecurityViolation(err):
		log.WarnContext(ctx, "agent invocation rejected", "duration", duration, "error", err)
	case err != nil:
		log.ErrorContext(ctx, "agent invocation failed", "duration", duration, "error", err)
	default:
		log.InfoContext(ctx, "agent invocation completed",
			"duration", duration,
			"tokens", resp.TokensUsed,
			"info_needed", resp.InfoNeeded != nil,
		)
	}
	return resp, err
}
