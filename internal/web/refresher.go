package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/coordinator"
)

const (
	// DefaultRefreshInterval is the default interval between session listing
	// refreshes.
	DefaultRefreshInterval = 30 * time.Second
)

// SessionRefresher keeps the session listing fresh by periodically pulling
// it through the coordinator. Refreshes are skipped while no frontend client
// is connected; push events keep per-session state current regardless.
type SessionRefresher struct {
	coord  *coordinator.Coordinator
	hub    *Hub
	logger *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSessionRefresher creates a new refresher.
func NewSessionRefresher(coord *coordinator.Coordinator, hub *Hub, logger *slog.Logger) *SessionRefresher {
	return &SessionRefresher{
		coord:    coord,
		hub:      hub,
		logger:   logger,
		interval: DefaultRefreshInterval,
	}
}

// SetInterval sets the refresh interval. Must be called before Start().
func (r *SessionRefresher) SetInterval(interval time.Duration) {
	r.interval = interval
}

// Start begins the refresh loop in a background goroutine.
// It returns immediately. Call Stop() to stop the refresher.
func (r *SessionRefresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop()

	if r.logger != nil {
		r.logger.Debug("session refresher started", "interval", r.interval)
	}
}

// Stop gracefully stops the refresher and waits for it to finish.
func (r *SessionRefresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh

	if r.logger != nil {
		r.logger.Debug("session refresher stopped")
	}
}

// IsRunning returns true if the refresher is currently active.
func (r *SessionRefresher) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *SessionRefresher) loop() {
	defer close(r.doneCh)

	// Refresh immediately on start so clients never see an empty listing.
	r.RunOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce performs a single refresh. Returns true if a refresh was issued.
// Exported for testing.
func (r *SessionRefresher) RunOnce() bool {
	if r.hub != nil && r.hub.ClientCount() == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.coord.RefreshSessions(ctx); err != nil {
		if r.logger != nil {
			r.logger.Warn("session listing refresh failed", "error", err)
		}
		return true
	}
	return true
}
