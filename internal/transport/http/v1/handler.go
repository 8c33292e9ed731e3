// Package v1 serves the orchestrator over HTTP, server-sent events and
// websockets.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/orchestra"
	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/checkpoint"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/middleware"
	"github.com/aixgo-dev/orchestra/internal/routing"
	"github.com/aixgo-dev/orchestra/internal/workflow"
	"github.com/aixgo-dev/orchestra/pkg/observability"
	"github.com/aixgo-dev/orchestra/pkg/session"
)

// DefaultMessageLimit caps GET /v1/sessions/:session_id/messages.
const DefaultMessageLimit = 100

// Handler handles HTTP requests.
type Handler struct {
	orch     *orchestra.Orchestrator
	health   *observability.HealthChecker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a handler for o. A nil logger discards output.
func NewHandler(o *orchestra.Orchestrator, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	health := observability.NewHealthChecker(version)
	health.Register("orchestrator", true, 2*time.Second, o.Ping)
	return &Handler{
		orch:   o,
		health: health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logging.Component(logger, "http"),
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/orchestrate", h.Orchestrate)
	e.POST("/v1/orchestrate/stream", h.StreamOrchestrate)
	e.GET("/v1/ws", h.WebSocket)

	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/checkpoints/:checkpoint_id/resume", h.ResumeCheckpoint)

	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/v1/agents", h.ListAgents)

	e.GET("/health", echo.WrapHandler(h.health.Handler()))
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))
}

// OrchestrateRequest is the body of POST /v1/orchestrate.
type OrchestrateRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	MultiAgent bool   `json:"multi_agent"`
}

// ResumeRequest answers the pending requests of a suspended run.
type ResumeRequest struct {
	Responses map[string]string `json:"responses"`
}

// Orchestrate handles one message and returns the full result.
// POST /v1/orchestrate
func (h *Handler) Orchestrate(c echo.Context) error {
	var req OrchestrateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		req.SessionID = newSessionID()
	}

	res, err := h.orch.Orchestrate(c.Request().Context(), req.Message, req.SessionID, req.MultiAgent)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ResumeRun continues a suspended run.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	res, err := h.orch.Resume(c.Request().Context(), c.Param("run_id"), req.Responses)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ResumeCheckpoint continues a run from a stored checkpoint.
// POST /v1/checkpoints/:checkpoint_id/resume
func (h *Handler) ResumeCheckpoint(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	res, err := h.orch.ResumeFromCheckpoint(c.Request().Context(), c.Param("checkpoint_id"), req.Responses)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetSessionMessages returns the most recent messages of a session.
// GET /v1/sessions/:session_id/messages?limit=N
func (h *Handler) GetSessionMessages(c echo.Context) error {
	sessionID := c.Param("session_id")

	limit := DefaultMessageLimit
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	messages, err := h.orch.History(c.Request().Context(), sessionID)
	if err != nil {
		return h.fail(c, err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[len(messages)-limit:]
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
		"has_more":   hasMore,
	})
}

// ListAgents returns the descriptors of the registered agents.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	list := h.orch.Agents().List()
	descs := make([]agent.Descriptor, 0, len(list))
	for _, a := range list {
		descs = append(descs, a.Descriptor())
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": descs})
}

// fail writes err as a JSON error with a status derived from its type.
func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var re *orchestra.RunError
	if errors.As(err, &re) {
		body["run_id"] = re.RunID
		if len(re.Outputs) > 0 {
			body["outputs"] = re.Outputs
		}
	}
	return c.JSON(status, body)
}

func statusFor(err error) int {
	var (
		re *routing.RoutingError
		sv *middleware.SecurityViolation
	)
	switch {
	case errors.Is(err, orchestra.ErrEmptyMessage),
		errors.Is(err, session.ErrInvalidSessionID),
		workflow.IsWorkflowError(err):
		return http.StatusBadRequest
	case errors.As(err, &sv):
		return http.StatusForbidden
	case errors.As(err, &re):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestra.ErrRunNotFound),
		errors.Is(err, session.ErrThreadNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return http.StatusNotFound
	case checkpoint.IsCorruption(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestra.ErrCheckpointsDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func newSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}
