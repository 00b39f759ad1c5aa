// Package web serves the Tandem frontend: a localhost HTTP server with a
// WebSocket endpoint that mirrors coordinator state to connected clients and
// forwards their actions back.
//
// # WebSocket Protocol Overview
//
// All messages are JSON-encoded with the following structure:
//
//	{
//	    "type": "message_type",
//	    "data": { ... }  // Optional, type-specific payload
//	}
package web

import (
	"encoding/json"
)

// WSMessage is the envelope for all frontend WebSocket communication.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseMessage parses raw message bytes into a WSMessage.
func ParseMessage(data []byte) (WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// =============================================================================
// Frontend → Backend Message Types
// =============================================================================

const (
	// WSMsgTypeSend submits a user message for the active session.
	// Data: { "message": string, "image_ids": []string (optional) }
	WSMsgTypeSend = "send"

	// WSMsgTypeSwitch makes another session active.
	// Data: { "session_id": string }
	WSMsgTypeSwitch = "switch"

	// WSMsgTypeNewSession creates a session and makes it active.
	// Data: none
	WSMsgTypeNewSession = "new_session"

	// WSMsgTypeDeleteSession destroys a session.
	// Data: { "session_id": string }
	WSMsgTypeDeleteSession = "delete_session"

	// WSMsgTypeAbort cancels the active session's in-flight turn.
	// Data: none
	WSMsgTypeAbort = "abort"

	// WSMsgTypePermissionAnswer answers an outstanding permission request.
	// Data: { "request_id": string, "approved": bool }
	WSMsgTypePermissionAnswer = "permission_answer"

	// WSMsgTypeQuestionAnswer answers an outstanding multi-question request.
	// Data: { "request_id": string, "answers": [{ "selected": []string, "other": string }] }
	WSMsgTypeQuestionAnswer = "question_answer"

	// WSMsgTypeDismissInteraction closes the displayed request without
	// answering it.
	// Data: none
	WSMsgTypeDismissInteraction = "dismiss_interaction"

	// WSMsgTypeAckError dismisses a surfaced error message.
	// Data: { "session_id": string }
	WSMsgTypeAckError = "ack_error"

	// WSMsgTypeRefreshSessions requests a fresh session listing.
	// Data: none
	WSMsgTypeRefreshSessions = "refresh_sessions"
)

// =============================================================================
// Backend → Frontend Message Types
// =============================================================================

const (
	// WSMsgTypeConnected confirms the connection and carries initial state.
	// Data: { "client_id": string, "active_session": string }
	WSMsgTypeConnected = "connected"

	// WSMsgTypeActiveSession reports the active session id (may be empty).
	// Data: { "session_id": string }
	WSMsgTypeActiveSession = "active_session"

	// WSMsgTypeStream carries the full current content of a stream channel,
	// already rendered to HTML for the response channel.
	// Data: { "session_id": string, "channel": string, "html": string, "text": string }
	WSMsgTypeStream = "stream"

	// WSMsgTypeTranscript carries the full transcript for display.
	// Data: { "session_id": string, "entries": [{ "role": string, "html": string }] }
	WSMsgTypeTranscript = "transcript"

	// WSMsgTypeRunning reports the session's busy indicator state.
	// Data: { "session_id": string, "running": bool }
	WSMsgTypeRunning = "running"

	// WSMsgTypeQueue reports the pending-message queue length.
	// Data: { "session_id": string, "length": int }
	WSMsgTypeQueue = "queue"

	// WSMsgTypeInteraction presents a permission or question request.
	// Data: { "kind": string, "session_id": string, "request_id": string, ... }
	WSMsgTypeInteraction = "interaction"

	// WSMsgTypeInteractionCleared hides the displayed request.
	// Data: { "session_id": string }
	WSMsgTypeInteractionCleared = "interaction_cleared"

	// WSMsgTypeError surfaces a dismissible error message.
	// Data: { "session_id": string, "message": string }
	WSMsgTypeError = "error"

	// WSMsgTypeSessions carries a refreshed session listing.
	// Data: { "sessions": [...] }
	WSMsgTypeSessions = "sessions"
)
