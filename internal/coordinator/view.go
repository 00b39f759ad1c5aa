package coordinator

import (
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/session"
)

// View is the presentation boundary. The coordinator calls it only for
// state the visible UI should render; events for inactive sessions never
// reach it. Implementations must not call back into the coordinator from
// within a notification.
type View interface {
	// ActiveChanged reports a new active session (may be "").
	ActiveChanged(sessionID string)

	// StreamChanged reports the full current content of a stream channel.
	StreamChanged(sessionID string, channel events.Channel, text string)

	// TranscriptReplaced reports a full transcript for display.
	TranscriptReplaced(sessionID string, entries []events.TranscriptEntry)

	// RunningChanged reports the session's processing indicator state.
	RunningChanged(sessionID string, running bool)

	// QueueChanged reports the pending-context queue length.
	QueueChanged(sessionID string, length int)

	// InteractionPresented reports a permission or question request to render.
	InteractionPresented(req PendingRequest)

	// InteractionCleared reports that no request should be displayed.
	InteractionCleared(sessionID string)

	// ErrorSurfaced reports a dismissible error message.
	ErrorSurfaced(sessionID, message string)

	// SessionsChanged reports a refreshed session listing.
	SessionsChanged(list []session.Summary)
}

// NopView is a View that ignores every notification.
type NopView struct{}

func (NopView) ActiveChanged(string)                                 {}
func (NopView) StreamChanged(string, events.Channel, string)         {}
func (NopView) TranscriptReplaced(string, []events.TranscriptEntry)  {}
func (NopView) RunningChanged(string, bool)                          {}
func (NopView) QueueChanged(string, int)                             {}
func (NopView) InteractionPresented(PendingRequest)                  {}
func (NopView) InteractionCleared(string)                            {}
func (NopView) ErrorSurfaced(string, string)                         {}
func (NopView) SessionsChanged([]session.Summary)                    {}
