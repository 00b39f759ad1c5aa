// Package events defines the typed event boundary between the agent runtime
// and the reconciliation coordinator. The runtime pushes JSON envelopes over
// an arbitrary transport; this package normalizes them into session-scoped
// typed events.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel identifies a stream channel within a session.
type Channel string

const (
	// ChannelResponse carries visible assistant output.
	ChannelResponse Channel = "response"
	// ChannelThinking carries the model reasoning trace.
	ChannelThinking Channel = "thinking"
)

// Type discriminates inbound event envelopes.
type Type string

const (
	TypeStreamToken     Type = "stream-token"
	TypeStreamRestore   Type = "stream-restore"
	TypeHistoryUpdate   Type = "history-update"
	TypeConfirmRequest  Type = "confirm-request"
	TypeAskUserQuestion Type = "ask-user-question"
	TypeAborted         Type = "aborted"
	TypeError           Type = "error"
	TypeDone            Type = "done"
	TypeRunningChanged  Type = "running-changed"
	TypeSessionChanged  Type = "session-changed"
)

// ErrUnknownEventType is returned when an envelope carries an unrecognized type.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is the interface implemented by all inbound events.
// Every event is scoped to a session.
type Event interface {
	EventType() Type
	Session() string
}

// StreamToken is an incremental delta for one channel of a session's stream.
type StreamToken struct {
	SessionID string  `json:"sessionId"`
	Channel   Channel `json:"channel"`
	Delta     string  `json:"delta"`
}

func (e StreamToken) EventType() Type { return TypeStreamToken }
func (e StreamToken) Session() string { return e.SessionID }

// StreamRestore is a full snapshot resend of a session's in-progress output,
// used to resynchronize after a switch.
type StreamRestore struct {
	SessionID string `json:"sessionId"`
	FullText  string `json:"fullText"`
}

func (e StreamRestore) EventType() Type { return TypeStreamRestore }
func (e StreamRestore) Session() string { return e.SessionID }

// TranscriptEntry is one rendered entry of a session transcript.
type TranscriptEntry struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// HistoryUpdate carries a full transcript for a session. Version is optional;
// zero means the backend provided no sequence marker.
type HistoryUpdate struct {
	SessionID  string            `json:"sessionId"`
	Version    int64             `json:"version,omitempty"`
	Transcript []TranscriptEntry `json:"transcript"`
}

func (e HistoryUpdate) EventType() Type { return TypeHistoryUpdate }
func (e HistoryUpdate) Session() string { return e.SessionID }

// ConfirmRequest asks the user to approve or deny a tool invocation.
type ConfirmRequest struct {
	SessionID   string          `json:"sessionId"`
	RequestID   string          `json:"requestId"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Args        json.RawMessage `json:"args,omitempty"`
}

func (e ConfirmRequest) EventType() Type { return TypeConfirmRequest }
func (e ConfirmRequest) Session() string { return e.SessionID }

// Question is a single sub-question of an AskUserQuestion request.
type Question struct {
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
	AllowOther  bool     `json:"allowOther,omitempty"`
}

// AskUserQuestion asks the user to answer one or more structured questions.
type AskUserQuestion struct {
	SessionID string     `json:"sessionId"`
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
}

func (e AskUserQuestion) EventType() Type { return TypeAskUserQuestion }
func (e AskUserQuestion) Session() string { return e.SessionID }

// Aborted signals a user-initiated cancellation of a session's turn.
type Aborted struct {
	SessionID string `json:"sessionId"`
}

func (e Aborted) EventType() Type { return TypeAborted }
func (e Aborted) Session() string { return e.SessionID }

// Error signals a failed turn.
type Error struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (e Error) EventType() Type { return TypeError }
func (e Error) Session() string { return e.SessionID }

// Done signals successful completion of a turn.
type Done struct {
	SessionID string `json:"sessionId"`
}

func (e Done) EventType() Type { return TypeDone }
func (e Done) Session() string { return e.SessionID }

// RunningChanged reports a change in a session's busy state.
// This is the only authority for RunningSet membership.
type RunningChanged struct {
	SessionID string `json:"sessionId"`
	IsRunning bool   `json:"isRunning"`
}

func (e RunningChanged) EventType() Type { return TypeRunningChanged }
func (e RunningChanged) Session() string { return e.SessionID }

// SessionChanged reports that the backend switched its notion of the current
// session. SessionID may be empty when no session is current.
type SessionChanged struct {
	SessionID string `json:"sessionId"`
	IsRunning *bool  `json:"isRunning,omitempty"`
}

func (e SessionChanged) EventType() Type { return TypeSessionChanged }
func (e SessionChanged) Session() string { return e.SessionID }

// Envelope is the wire form of an inbound event.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw wire message into a typed event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope converts a parsed envelope into a typed event.
func DecodeEnvelope(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeStreamToken:
		var e StreamToken
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeStreamRestore:
		var e StreamRestore
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeHistoryUpdate:
		var e HistoryUpdate
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeConfirmRequest:
		var e ConfirmRequest
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeAskUserQuestion:
		var e AskUserQuestion
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeAborted:
		var e Aborted
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeError:
		var e Error
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeDone:
		var e Done
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeRunningChanged:
		var e RunningChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeSessionChanged:
		var e SessionChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Type, err)
	}
	return ev, nil
}
