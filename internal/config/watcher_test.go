package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collectingSubscriber struct {
	mu   sync.Mutex
	cfgs []*Config
}

func (s *collectingSubscriber) OnSettingsChanged(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs = append(s.cfgs, cfg)
}

func (s *collectingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cfgs)
}

func (s *collectingSubscriber) last() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cfgs) == 0 {
		return nil
	}
	return s.cfgs[len(s.cfgs)-1]
}

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string) (*SettingsWatcher, *collectingSubscriber) {
	t.Helper()
	sw, err := NewSettingsWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewSettingsWatcher: %v", err)
	}
	sw.SetDebounceDelay(10 * time.Millisecond)

	sub := &collectingSubscriber{}
	sw.Subscribe(sub)
	sw.Start()
	t.Cleanup(func() { sw.Close() })
	return sw, sub
}

func waitForReload(t *testing.T, sub *collectingSubscriber, atLeast int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.count() >= atLeast {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reload observed; got %d notifications", sub.count())
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, "web:\n  port: 1000\n")

	_, sub := startWatcher(t, path)

	writeSettings(t, path, "web:\n  port: 2000\n")
	waitForReload(t, sub, 1)

	if got := sub.last().Web.Port; got != 2000 {
		t.Errorf("reloaded port = %d, want 2000", got)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeSettings(t, path, "web:\n  port: 1000\n")

	_, sub := startWatcher(t, path)

	writeSettings(t, filepath.Join(dir, "other.yaml"), "web:\n  port: 3000\n")
	time.Sleep(50 * time.Millisecond)

	if sub.count() != 0 {
		t.Errorf("got %d notifications for an unrelated file", sub.count())
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, "web:\n  port: 1000\n")

	_, sub := startWatcher(t, path)

	writeSettings(t, path, "web: [")
	time.Sleep(100 * time.Millisecond)

	if sub.count() != 0 {
		t.Errorf("got %d notifications for an invalid file", sub.count())
	}

	// A subsequent valid write is still picked up.
	writeSettings(t, path, "web:\n  port: 4000\n")
	waitForReload(t, sub, 1)
	if got := sub.last().Web.Port; got != 4000 {
		t.Errorf("reloaded port = %d, want 4000", got)
	}
}

func TestWatcherSeesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeSettings(t, path, "web:\n  port: 1000\n")

	_, sub := startWatcher(t, path)

	tmp := path + ".tmp"
	writeSettings(t, tmp, "web:\n  port: 5000\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitForReload(t, sub, 1)

	if got := sub.last().Web.Port; got != 5000 {
		t.Errorf("reloaded port = %d, want 5000", got)
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, "web:\n  port: 1000\n")

	sw, sub := startWatcher(t, path)
	sw.Unsubscribe(sub)
	if sw.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d", sw.SubscriberCount())
	}

	writeSettings(t, path, "web:\n  port: 2000\n")
	time.Sleep(50 * time.Millisecond)

	if sub.count() != 0 {
		t.Errorf("unsubscribed subscriber got %d notifications", sub.count())
	}
}
