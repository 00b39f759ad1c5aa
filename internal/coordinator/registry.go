package coordinator

import (
	"sort"
	"sync"

	"github.com/tandemlabs/tandem/internal/session"
)

// Registry tracks which sessions exist and which are currently running.
// Summaries are a low-frequency cache refreshed on demand; running state is
// driven exclusively by the backend's running-changed notifications.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	summaries map[string]session.Summary
	running   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		summaries: make(map[string]session.Summary),
		running:   make(map[string]struct{}),
	}
}

// SetSummaries replaces the cached summaries with a fresh listing.
// Running state is preserved for sessions that remain known.
func (r *Registry) SetSummaries(list []session.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summaries = make(map[string]session.Summary, len(list))
	for _, s := range list {
		r.summaries[s.SessionID] = s
	}
	for id := range r.running {
		if _, ok := r.summaries[id]; !ok {
			delete(r.running, id)
		}
	}
}

// Add registers a single session summary.
func (r *Registry) Add(s session.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries[s.SessionID] = s
}

// Ensure registers a bare summary for a session id if it is not yet known.
// Used when the backend references a session before any listing refresh.
func (r *Registry) Ensure(sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.summaries[sessionID]; !ok {
		r.summaries[sessionID] = session.Summary{SessionID: sessionID, Status: session.StatusActive}
	}
}

// Remove deletes a session from the cache and the running set.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.summaries, sessionID)
	delete(r.running, sessionID)
}

// Known returns true if the session is in the cache.
func (r *Registry) Known(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.summaries[sessionID]
	return ok
}

// List returns cached summaries, newest first.
func (r *Registry) List() []session.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]session.Summary, 0, len(r.summaries))
	for _, s := range r.summaries {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list
}

// MarkRunning adds the session to the running set. Idempotent.
func (r *Registry) MarkRunning(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[sessionID] = struct{}{}
}

// MarkIdle removes the session from the running set. Idempotent.
func (r *Registry) MarkIdle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, sessionID)
}

// IsRunning reports whether the session is currently executing a turn.
func (r *Registry) IsRunning(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.running[sessionID]
	return ok
}

// Newest returns the id of the most recently updated session, excluding the
// given id. Returns "" if none remain.
func (r *Registry) Newest(excludeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	newest := ""
	var best session.Summary
	for id, s := range r.summaries {
		if id == excludeID {
			continue
		}
		if newest == "" || s.UpdatedAt.After(best.UpdatedAt) {
			newest = id
			best = s
		}
	}
	return newest
}
