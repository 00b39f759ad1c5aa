package web

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
)

// Client is one connected frontend. It reads the client's action messages and
// forwards them to the coordinator; state flows back through the Hub.
type Client struct {
	ID    string
	conn  *WSConn
	coord *coordinator.Coordinator
	hub   *Hub

	logger *slog.Logger
}

// NewClient wraps an established WebSocket connection.
func NewClient(conn *WSConn, coord *coordinator.Coordinator, hub *Hub) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		conn:   conn,
		coord:  coord,
		hub:    hub,
		logger: logging.WithClient(logging.Web(), id, ""),
	}
}

// sendInitialState pushes the current coordinator state to a freshly
// connected client so it can render without waiting for changes.
func (c *Client) sendInitialState() {
	active := c.coord.Active()
	c.conn.SendMessage(WSMsgTypeConnected, map[string]string{
		"client_id":      c.ID,
		"active_session": active,
	})
	c.conn.SendMessage(WSMsgTypeSessions, map[string]interface{}{
		"sessions": c.coord.Registry().List(),
	})
	if active == "" {
		return
	}

	response := c.coord.Buffers().Read(active, events.ChannelResponse)
	c.conn.SendMessage(WSMsgTypeStream, c.hub.streamPayload(active, events.ChannelResponse, response))
	c.conn.SendMessage(WSMsgTypeRunning, map[string]interface{}{
		"session_id": active,
		"running":    c.coord.Registry().IsRunning(active),
	})
	if req := c.coord.Gate().Pending(); req != nil && req.SessionID == active {
		c.conn.SendMessage(WSMsgTypeInteraction, buildInteractionPayload(*req))
	}
	if msg := c.coord.PendingError(active); msg != "" {
		c.conn.SendMessage(WSMsgTypeError, map[string]string{
			"session_id": active,
			"message":    msg,
		})
	}
}

// ReadPump consumes action messages until the connection fails.
// Run it on the connection's goroutine; it returns on disconnect.
func (c *Client) ReadPump(ctx context.Context) {
	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("client disconnected", "error", err)
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Warn("discarding malformed client message", "error", err)
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg WSMessage) {
	switch msg.Type {
	case WSMsgTypeSend:
		var data struct {
			Message  string   `json:"message"`
			ImageIDs []string `json:"image_ids"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.conn.SendError("invalid send payload")
			return
		}
		if err := c.coord.Send(ctx, data.Message, data.ImageIDs); err != nil {
			c.logger.Warn("send failed", "error", err)
			c.conn.SendError("Failed to send message: " + err.Error())
		}

	case WSMsgTypeSwitch:
		var data struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.SessionID == "" {
			c.conn.SendError("invalid switch payload")
			return
		}
		if err := c.coord.Switch(ctx, data.SessionID); err != nil {
			c.conn.SendError("Failed to switch session: " + err.Error())
		}

	case WSMsgTypeNewSession:
		if _, err := c.coord.NewSession(ctx); err != nil {
			c.conn.SendError("Failed to create session: " + err.Error())
		}

	case WSMsgTypeDeleteSession:
		var data struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.SessionID == "" {
			c.conn.SendError("invalid delete payload")
			return
		}
		if err := c.coord.DeleteSession(ctx, data.SessionID); err != nil {
			c.conn.SendError("Failed to delete session: " + err.Error())
		}

	case WSMsgTypeAbort:
		if err := c.coord.AbortActive(ctx); err != nil {
			c.conn.SendError("Failed to abort: " + err.Error())
		}

	case WSMsgTypePermissionAnswer:
		var data struct {
			RequestID string `json:"request_id"`
			Approved  bool   `json:"approved"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.conn.SendError("invalid permission answer")
			return
		}
		// Stale request ids are silently ignored by the coordinator.
		if err := c.coord.ResolvePermission(ctx, data.RequestID, data.Approved); err != nil {
			c.logger.Warn("permission resolution failed", "request_id", data.RequestID, "error", err)
		}

	case WSMsgTypeQuestionAnswer:
		var data struct {
			RequestID string `json:"request_id"`
			Answers   []struct {
				Selected []string `json:"selected"`
				Other    string   `json:"other"`
			} `json:"answers"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.conn.SendError("invalid question answer")
			return
		}
		answers := make([]coordinator.QuestionAnswer, 0, len(data.Answers))
		for _, a := range data.Answers {
			answers = append(answers, coordinator.QuestionAnswer{
				SelectedOptions: a.Selected,
				OtherText:       a.Other,
			})
		}
		if err := c.coord.ResolveQuestions(ctx, data.RequestID, answers); err != nil {
			c.conn.SendError("Failed to submit answers: " + err.Error())
		}

	case WSMsgTypeDismissInteraction:
		c.coord.DismissInteraction()

	case WSMsgTypeAckError:
		var data struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		c.coord.AcknowledgeError(data.SessionID)

	case WSMsgTypeRefreshSessions:
		if err := c.coord.RefreshSessions(ctx); err != nil {
			c.logger.Warn("session refresh failed", "error", err)
		}

	default:
		c.logger.Debug("ignoring unknown message type", "type", msg.Type)
	}
}
