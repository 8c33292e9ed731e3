package v1

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/orchestra/internal/workflow"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

// Client message types accepted on the websocket.
const (
	MessageOrchestrate = "orchestrate"
	MessageResume      = "resume"
)

// ClientMessage is a request sent over the websocket.
type ClientMessage struct {
	Type       string            `json:"type"`
	Message    string            `json:"message,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	MultiAgent bool              `json:"multi_agent,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Responses  map[string]string `json:"responses,omitempty"`
}

// WebSocket serves requests over a websocket, one at a time. Closing the
// connection cancels the run in progress.
// GET /v1/ws
func (h *Handler) WebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	requests := make(chan ClientMessage)
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("websocket read error", "error", err)
				}
				return
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for msg := range requests {
		if err := h.serveMessage(ctx, conn, msg); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			return nil
		}
	}
	return nil
}

func (h *Handler) serveMessage(ctx context.Context, conn *websocket.Conn, msg ClientMessage) error {
	switch msg.Type {
	case MessageOrchestrate:
		if msg.SessionID == "" {
			msg.SessionID = newSessionID()
		}
		for f := range frames(h.orch.Stream(ctx, msg.Message, msg.SessionID, msg.MultiAgent)) {
			if err := writeFrame(conn, f); err != nil {
				return err
			}
		}
		return nil

	case MessageResume:
		res, err := h.orch.Resume(ctx, msg.RunID, msg.Responses)
		if err != nil {
			return writeFrame(conn, Frame{Type: FrameError, Content: err.Error(), RunID: msg.RunID, Status: string(workflow.StatusFailed)})
		}
		for _, p := range res.PendingRequests {
			if err := writeFrame(conn, Frame{Type: FrameRequestInfo, Content: p.Prompt, Agent: p.Agent, RequestID: p.RequestID, RunID: res.RunID}); err != nil {
				return err
			}
		}
		content := res.Content
		if res.Status == workflow.StatusSuspended {
			content = ""
		}
		return writeFrame(conn, Frame{Type: FrameComplete, Content: content, Agent: res.AgentUsed, RunID: res.RunID, Status: string(res.Status)})
	}
	return writeFrame(conn, Frame{Type: FrameError, Content: "unknown message type: " + msg.Type})
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}
