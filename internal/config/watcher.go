package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// SettingsSubscriber receives the freshly loaded configuration when the
// settings file changes on disk. Implementations must be safe for concurrent
// use.
type SettingsSubscriber interface {
	OnSettingsChanged(cfg *Config)
}

// SettingsSubscriberFunc adapts a function to the SettingsSubscriber
// interface.
type SettingsSubscriberFunc func(cfg *Config)

// OnSettingsChanged calls f.
func (f SettingsSubscriberFunc) OnSettingsChanged(cfg *Config) { f(cfg) }

// SettingsWatcher monitors the settings file for changes and notifies
// subscribers with the reloaded configuration. The containing directory is
// watched rather than the file itself so atomic rename writes are seen.
//
// All public methods are safe for concurrent use.
type SettingsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu            sync.RWMutex
	subscribers   map[SettingsSubscriber]struct{}
	debounceDelay time.Duration

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	dirty         bool

	done    chan struct{}
	stopped chan struct{}
}

// NewSettingsWatcher creates a watcher for the given settings file path.
// Call Start() to begin watching and Close() when done.
func NewSettingsWatcher(path string, logger *slog.Logger) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &SettingsWatcher{
		path:          absPath,
		watcher:       watcher,
		logger:        logger,
		subscribers:   make(map[SettingsSubscriber]struct{}),
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (sw *SettingsWatcher) SetDebounceDelay(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounceDelay = d
}

// Subscribe registers a subscriber for settings changes.
func (sw *SettingsWatcher) Subscribe(sub SettingsSubscriber) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (sw *SettingsWatcher) Unsubscribe(sub SettingsSubscriber) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.subscribers, sub)
}

// SubscriberCount returns the number of active subscribers.
func (sw *SettingsWatcher) SubscriberCount() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return len(sw.subscribers)
}

// Start begins the event processing loop.
func (sw *SettingsWatcher) Start() {
	go sw.eventLoop()
}

// Close stops the watcher and releases resources. After Close returns, no
// more notifications are delivered.
func (sw *SettingsWatcher) Close() error {
	close(sw.done)
	err := sw.watcher.Close()
	<-sw.stopped
	return err
}

func (sw *SettingsWatcher) eventLoop() {
	defer close(sw.stopped)

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			if sw.logger != nil {
				sw.logger.Warn("settings watcher error", "error", err)
			}
		}
	}
}

func (sw *SettingsWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != sw.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if sw.logger != nil {
		sw.logger.Debug("settings file changed", "path", sw.path, "op", event.Op.String())
	}

	sw.mu.RLock()
	delay := sw.debounceDelay
	sw.mu.RUnlock()

	sw.debounceMu.Lock()
	sw.dirty = true
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceTimer = time.AfterFunc(delay, sw.fireChange)
	sw.debounceMu.Unlock()
}

func (sw *SettingsWatcher) fireChange() {
	sw.debounceMu.Lock()
	dirty := sw.dirty
	sw.dirty = false
	sw.debounceTimer = nil
	sw.debounceMu.Unlock()

	if !dirty {
		return
	}

	cfg, err := Load(sw.path)
	if err != nil {
		// A half-written or invalid file keeps the previous configuration.
		if sw.logger != nil {
			sw.logger.Warn("ignoring invalid settings file", "path", sw.path, "error", err)
		}
		return
	}

	sw.mu.RLock()
	subs := make([]SettingsSubscriber, 0, len(sw.subscribers))
	for sub := range sw.subscribers {
		subs = append(subs, sub)
	}
	sw.mu.RUnlock()

	for _, sub := range subs {
		sub.OnSettingsChanged(cfg)
	}
}
