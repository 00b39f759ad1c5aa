package coordinator

import (
	"testing"
	"time"

	"github.com/tandemlabs/tandem/internal/session"
)

func TestRegistrySetSummariesPreservesRunning(t *testing.T) {
	r := NewRegistry()
	r.Add(session.Summary{SessionID: "a"})
	r.Add(session.Summary{SessionID: "b"})
	r.MarkRunning("a")
	r.MarkRunning("b")

	r.SetSummaries([]session.Summary{{SessionID: "a"}})

	if !r.IsRunning("a") {
		t.Error("running state lost for session that remained known")
	}
	if r.IsRunning("b") {
		t.Error("running state kept for session dropped from the listing")
	}
	if r.Known("b") {
		t.Error("dropped session still known")
	}
}

func TestRegistryEnsure(t *testing.T) {
	r := NewRegistry()

	r.Ensure("s1")
	if !r.Known("s1") {
		t.Fatal("Ensure did not register the session")
	}

	r.Add(session.Summary{SessionID: "s1", Title: "real title"})
	r.Ensure("s1")

	list := r.List()
	if len(list) != 1 || list[0].Title != "real title" {
		t.Errorf("Ensure overwrote an existing summary: %+v", list)
	}

	r.Ensure("")
	if r.Known("") {
		t.Error("empty id registered")
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(session.Summary{SessionID: "old", UpdatedAt: now.Add(-time.Hour)})
	r.Add(session.Summary{SessionID: "new", UpdatedAt: now})
	r.Add(session.Summary{SessionID: "mid", UpdatedAt: now.Add(-time.Minute)})

	list := r.List()
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if list[i].SessionID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].SessionID, id)
		}
	}
}

func TestRegistryMarkIdleIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add(session.Summary{SessionID: "s1"})

	r.MarkIdle("s1")
	r.MarkRunning("s1")
	r.MarkRunning("s1")
	if !r.IsRunning("s1") {
		t.Fatal("not running after MarkRunning")
	}
	r.MarkIdle("s1")
	r.MarkIdle("s1")
	if r.IsRunning("s1") {
		t.Fatal("still running after MarkIdle")
	}
}

func TestRegistryNewestExcludes(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(session.Summary{SessionID: "a", UpdatedAt: now})
	r.Add(session.Summary{SessionID: "b", UpdatedAt: now.Add(-time.Minute)})

	if got := r.Newest("a"); got != "b" {
		t.Errorf("Newest(a) = %q, want b", got)
	}
	if got := r.Newest(""); got != "a" {
		t.Errorf("Newest() = %q, want a", got)
	}

	r.Remove("a")
	r.Remove("b")
	if got := r.Newest(""); got != "" {
		t.Errorf("Newest on empty registry = %q, want empty", got)
	}
}

func TestRegistryRemoveClearsRunning(t *testing.T) {
	r := NewRegistry()
	r.Add(session.Summary{SessionID: "s1"})
	r.MarkRunning("s1")

	r.Remove("s1")

	if r.Known("s1") || r.IsRunning("s1") {
		t.Error("removed session still tracked")
	}
}
