package session

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndExists(t *testing.T) {
	store := newTestStore(t)

	if store.Exists("s1") {
		t.Error("session exists before creation")
	}
	if err := store.Create(Metadata{SessionID: "s1", Title: "first"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !store.Exists("s1") {
		t.Error("session missing after creation")
	}

	meta, err := store.GetMetadata("s1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Title != "first" || meta.Status != StatusActive || meta.EntryCount != 0 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.CreatedAt.IsZero() || !meta.CreatedAt.Equal(meta.UpdatedAt) {
		t.Errorf("timestamps = %v / %v", meta.CreatedAt, meta.UpdatedAt)
	}
}

func TestAppendEntryAssignsSeq(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	for _, content := range []string{"hi", "hello", "bye"} {
		if err := store.AppendEntry("s1", Entry{Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendEntry(%q): %v", content, err)
		}
	}

	entries, err := store.ReadEntries("s1")
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d has zero timestamp", i)
		}
	}

	meta, _ := store.GetMetadata("s1")
	if meta.EntryCount != 3 {
		t.Errorf("EntryCount = %d", meta.EntryCount)
	}
}

func TestReplaceEntriesReassignsSeq(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	store.AppendEntry("s1", Entry{Role: RoleUser, Content: "old"})

	replacement := []Entry{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
	}
	if err := store.ReplaceEntries("s1", replacement); err != nil {
		t.Fatalf("ReplaceEntries: %v", err)
	}

	entries, err := store.ReadEntries("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Content != "a" || entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("entries = %+v", entries)
	}

	meta, _ := store.GetMetadata("s1")
	if meta.EntryCount != 2 {
		t.Errorf("EntryCount = %d", meta.EntryCount)
	}
}

func TestUpdateMetadata(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateMetadata("s1", func(m *Metadata) {
		m.Title = "renamed"
		m.Version = 9
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	meta, _ := store.GetMetadata("s1")
	if meta.Title != "renamed" || meta.Version != 9 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"old", "new"} {
		if err := store.Create(Metadata{SessionID: id}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Touch "old" so it becomes the most recently updated.
	time.Sleep(5 * time.Millisecond)
	store.AppendEntry("old", Entry{Role: RoleUser, Content: "bump"})

	summaries, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries", len(summaries))
	}
	if summaries[0].SessionID != "old" {
		t.Errorf("first summary = %s, want old", summaries[0].SessionID)
	}
}

func TestDeleteSessionData(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Exists("s1") {
		t.Error("session still exists after delete")
	}
	if err := store.Delete("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestMissingSessionErrors(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetMetadata("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetMetadata err = %v", err)
	}
	if _, err := store.ReadEntries("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ReadEntries err = %v", err)
	}
	if err := store.AppendEntry("nope", Entry{Role: RoleUser, Content: "x"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("AppendEntry err = %v", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if err := store.Create(Metadata{SessionID: "s2"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Create err = %v", err)
	}
	if _, err := store.List(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List err = %v", err)
	}
	if store.Exists("s1") {
		t.Error("Exists returned true on a closed store")
	}
}
