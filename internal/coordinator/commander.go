package coordinator

import (
	"context"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/session"
)

// SendOptions carries optional metadata for an outbound message.
type SendOptions struct {
	// ImageIDs are ids of images previously uploaded for the session.
	ImageIDs []string
	// Contextual marks the message as a queued follow-up delivered after a
	// turn ended, rather than a fresh user-initiated turn.
	Contextual bool
}

// Commander is the outbound command boundary to the agent runtime.
// All calls are asynchronous request/response from the backend's point of
// view; none of them block the coordinator's event handling beyond the call
// itself.
type Commander interface {
	// SendMessage submits a user message for a session.
	SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) error

	// Abort cancels the session's in-flight turn.
	Abort(ctx context.Context, sessionID string) error

	// NewSession creates a session and returns its id.
	NewSession(ctx context.Context) (string, error)

	// LoadSession tells the backend the given session is now in view.
	LoadSession(ctx context.Context, sessionID string) error

	// DeleteSession destroys a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns summaries for all known sessions.
	ListSessions(ctx context.Context) ([]session.Summary, error)

	// ResolvePermission answers an outstanding confirm-request.
	ResolvePermission(ctx context.Context, requestID string, approved bool) error

	// ResolveQuestions answers an outstanding ask-user-question request.
	// Answers follow the original question ordering.
	ResolveQuestions(ctx context.Context, requestID string, answers []string) error

	// GetSessionSnapshot pulls a point-in-time transcript for a session.
	GetSessionSnapshot(ctx context.Context, sessionID string) (events.HistoryUpdate, error)
}
