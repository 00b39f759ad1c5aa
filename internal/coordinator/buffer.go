// Package coordinator implements the session stream coordinator: the state
// machine that multiplexes concurrently running agent sessions' events into
// consistent per-session UI state.
package coordinator

import (
	"sync"

	"github.com/tandemlabs/tandem/internal/events"
)

// sessionChannels holds the accumulated stream text for one session.
type sessionChannels struct {
	response string
	thinking string
}

// StreamBuffers owns the per-session partial-response and thinking text.
// Buffers are created on first append and evicted with their session.
// It is safe for concurrent use, though in practice all mutation happens
// under the coordinator's single-writer event handling.
type StreamBuffers struct {
	mu       sync.RWMutex
	sessions map[string]*sessionChannels
}

// NewStreamBuffers creates an empty buffer map.
func NewStreamBuffers() *StreamBuffers {
	return &StreamBuffers{
		sessions: make(map[string]*sessionChannels),
	}
}

// Append concatenates delta to the named channel's buffer for the session,
// creating the buffer if absent.
func (b *StreamBuffers) Append(sessionID string, delta string, channel events.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.sessions[sessionID]
	if ch == nil {
		ch = &sessionChannels{}
		b.sessions[sessionID] = ch
	}
	switch channel {
	case events.ChannelThinking:
		ch.thinking += delta
	default:
		ch.response += delta
	}
}

// Restore replaces the response channel's buffer with a full snapshot.
// Restoring the same snapshot twice produces the same state.
func (b *StreamBuffers) Restore(sessionID string, fullText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.sessions[sessionID]
	if ch == nil {
		ch = &sessionChannels{}
		b.sessions[sessionID] = ch
	}
	ch.response = fullText
}

// Clear resets a channel to empty. Unknown sessions are a no-op.
func (b *StreamBuffers) Clear(sessionID string, channel events.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.sessions[sessionID]
	if ch == nil {
		return
	}
	switch channel {
	case events.ChannelThinking:
		ch.thinking = ""
	default:
		ch.response = ""
	}
}

// Read returns the current content of a channel, or the empty string for an
// unknown session.
func (b *StreamBuffers) Read(sessionID string, channel events.Channel) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch := b.sessions[sessionID]
	if ch == nil {
		return ""
	}
	if channel == events.ChannelThinking {
		return ch.thinking
	}
	return ch.response
}

// Evict removes all buffered text for a session.
func (b *StreamBuffers) Evict(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
