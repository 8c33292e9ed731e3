package v1

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/orchestra/internal/workflow"
)

// Frame types sent to streaming clients.
const (
	FrameChunk       = "chunk"
	FrameComplete    = "complete"
	FrameRequestInfo = "request_info"
	FrameError       = "error"
)

// StatusDegraded is the status of a complete frame carrying the fallback
// answer of a run the model could not finish.
const StatusDegraded = "degraded"

// Frame is one message of a streamed response. A run produces chunk frames
// while agents answer and ends with a single complete or error frame.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Agent     string `json:"agent,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// frames converts an orchestrator event stream to client frames. Agents
// that produce no incremental output get their full output as one chunk.
// A setup error becomes the only frame.
func frames(events iter.Seq2[workflow.Event, error]) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		var (
			runID     string
			lastAgent string
			output    string
			degraded  bool
			suspended bool
			streamed  = make(map[string]bool)
		)
		for ev, err := range events {
			if err != nil {
				yield(Frame{Type: FrameError, Content: err.Error(), Status: string(workflow.StatusFailed)})
				return
			}
			runID = ev.RunID

			var f Frame
			switch ev.Type {
			case workflow.EventAgentOutput:
				lastAgent = ev.Agent
				if ev.Partial {
					streamed[ev.Node] = true
				} else if streamed[ev.Node] || ev.Text == "" {
					continue
				}
				f = Frame{Type: FrameChunk, Content: ev.Text, Agent: ev.Agent}
			case workflow.EventRequestInfo:
				suspended = true
				f = Frame{Type: FrameRequestInfo, Content: ev.Prompt, Agent: ev.Agent, RequestID: ev.RequestID}
			case workflow.EventWorkflowOutput:
				output, degraded = ev.Text, ev.Degraded
				continue
			case workflow.EventWorkflowCompleted:
				f = Frame{Type: FrameComplete, Content: output, Agent: lastAgent, Status: string(workflow.StatusCompleted)}
				if degraded || ev.Degraded {
					f.Status = StatusDegraded
				}
			case workflow.EventWorkflowFailed:
				f = Frame{Type: FrameError, Content: ev.Reason, Agent: ev.Agent, Status: string(workflow.StatusFailed)}
			default:
				continue
			}
			f.RunID = runID
			if !yield(f) {
				return
			}
		}
		if suspended {
			yield(Frame{Type: FrameComplete, RunID: runID, Status: string(workflow.StatusSuspended)})
		}
	}
}

// StreamOrchestrate streams a response as server-sent events. Failures
// before the run starts are returned as a plain JSON error.
// POST /v1/orchestrate/stream
func (h *Handler) StreamOrchestrate(c echo.Context) error {
	var req OrchestrateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		req.SessionID = newSessionID()
	}

	var setupErr error
	events := func(yield func(workflow.Event, error) bool) {
		for ev, err := range h.orch.Stream(c.Request().Context(), req.Message, req.SessionID, req.MultiAgent) {
			if err != nil {
				setupErr = err
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}

	started := false
	for f := range frames(events) {
		if !started {
			started = true
			resp := c.Response()
			resp.Header().Set(echo.HeaderContentType, "text/event-stream")
			resp.Header().Set("Cache-Control", "no-cache")
			resp.Header().Set("Connection", "keep-alive")
			resp.Header().Set("X-Accel-Buffering", "no")
			resp.Header().Set("X-Session-ID", req.SessionID)
			resp.WriteHeader(http.StatusOK)
		}
		if err := writeEvent(c.Response(), f); err != nil {
			h.logger.Debug("stream client gone", "error", err)
			return nil
		}
	}
	if !started && setupErr != nil {
		return h.fail(c, setupErr)
	}
	return nil
}

func writeEvent(w *echo.Response, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
