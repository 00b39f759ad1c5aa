package web

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tandemlabs/tandem/internal/conversion"
	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
	"github.com/tandemlabs/tandem/internal/session"
)

// Hub fans coordinator state out to every connected frontend client. It is
// the coordinator's View: each notification becomes a broadcast WebSocket
// message, with markdown rendered to sanitized HTML on the way out.
type Hub struct {
	converter *conversion.Converter
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

var _ coordinator.View = (*Hub)(nil)

// NewHub creates a hub. converter may be nil, in which case the default
// renderer is used.
func NewHub(converter *conversion.Converter) *Hub {
	if converter == nil {
		converter = conversion.DefaultConverter()
	}
	return &Hub{
		converter: converter,
		logger:    logging.Web(),
		clients:   make(map[string]*Client),
	}
}

// Register adds a client to the broadcast set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

// Unregister removes a client from the broadcast set.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends a typed message to every connected client.
func (h *Hub) broadcast(msgType string, data interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.conn.SendMessage(msgType, data)
	}
}

// --- coordinator.View ---

// ActiveChanged reports a new active session.
func (h *Hub) ActiveChanged(sessionID string) {
	h.broadcast(WSMsgTypeActiveSession, map[string]string{
		"session_id": sessionID,
	})
}

// StreamChanged reports the full current content of a stream channel.
// Response content is rendered to HTML; thinking stays plain text.
func (h *Hub) StreamChanged(sessionID string, channel events.Channel, text string) {
	h.broadcast(WSMsgTypeStream, h.streamPayload(sessionID, channel, text))
}

// streamPayload renders a stream snapshot into its wire form.
func (h *Hub) streamPayload(sessionID string, channel events.Channel, text string) map[string]string {
	payload := map[string]string{
		"session_id": sessionID,
		"channel":    string(channel),
		"text":       text,
	}
	if channel == events.ChannelResponse && text != "" {
		payload["html"] = h.converter.ConvertToSafeHTML(text)
	}
	return payload
}

// transcriptEntryPayload is one rendered transcript entry on the wire.
type transcriptEntryPayload struct {
	Role string `json:"role"`
	HTML string `json:"html"`
}

// TranscriptReplaced reports a full transcript for display.
func (h *Hub) TranscriptReplaced(sessionID string, entries []events.TranscriptEntry) {
	rendered := make([]transcriptEntryPayload, 0, len(entries))
	for _, e := range entries {
		html := h.converter.ConvertToSafeHTML(e.Content)
		rendered = append(rendered, transcriptEntryPayload{Role: e.Role, HTML: html})
	}
	h.broadcast(WSMsgTypeTranscript, map[string]interface{}{
		"session_id": sessionID,
		"entries":    rendered,
	})
}

// RunningChanged reports the session's processing indicator state.
func (h *Hub) RunningChanged(sessionID string, running bool) {
	h.broadcast(WSMsgTypeRunning, map[string]interface{}{
		"session_id": sessionID,
		"running":    running,
	})
}

// QueueChanged reports the pending-message queue length.
func (h *Hub) QueueChanged(sessionID string, length int) {
	h.broadcast(WSMsgTypeQueue, map[string]interface{}{
		"session_id": sessionID,
		"length":     length,
	})
}

// interactionPayload is the wire form of a pending interaction request.
type interactionPayload struct {
	Kind        string            `json:"kind"`
	SessionID   string            `json:"session_id"`
	RequestID   string            `json:"request_id"`
	Tool        string            `json:"tool,omitempty"`
	Description string            `json:"description,omitempty"`
	Args        json.RawMessage   `json:"args,omitempty"`
	Questions   []events.Question `json:"questions,omitempty"`
}

// InteractionPresented reports a permission or question request to render.
func (h *Hub) InteractionPresented(req coordinator.PendingRequest) {
	h.broadcast(WSMsgTypeInteraction, buildInteractionPayload(req))
}

func buildInteractionPayload(req coordinator.PendingRequest) interactionPayload {
	payload := interactionPayload{
		Kind:      string(req.Kind),
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	}
	if req.Confirm != nil {
		payload.Tool = req.Confirm.Tool
		payload.Description = req.Confirm.Description
		payload.Args = req.Confirm.Args
	}
	if req.Ask != nil {
		payload.Questions = req.Ask.Questions
	}
	return payload
}

// InteractionCleared reports that no request should be displayed.
func (h *Hub) InteractionCleared(sessionID string) {
	h.broadcast(WSMsgTypeInteractionCleared, map[string]string{
		"session_id": sessionID,
	})
}

// ErrorSurfaced reports a dismissible error message.
func (h *Hub) ErrorSurfaced(sessionID, message string) {
	h.broadcast(WSMsgTypeError, map[string]string{
		"session_id": sessionID,
		"message":    message,
	})
}

// SessionsChanged reports a refreshed session listing.
func (h *Hub) SessionsChanged(list []session.Summary) {
	h.broadcast(WSMsgTypeSessions, map[string]interface{}{
		"sessions": list,
	})
}
