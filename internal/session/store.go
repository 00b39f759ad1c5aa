package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/fileutil"
	"github.com/tandemlabs/tandem/internal/logging"
)

const (
	entriesFileName  = "entries.jsonl"
	metadataFileName = "metadata.json"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
)

// Store provides session persistence operations backed by a directory per
// session (entries.jsonl + metadata.json). It is safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewStore creates a new session store with the given base directory.
func NewStore(baseDir string) (*Store, error) {
	log := logging.Session()
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	log.Debug("session store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) entriesPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), entriesFileName)
}

func (s *Store) metadataPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), metadataFileName)
}

// Queue returns the pending-context queue for a session.
// The returned Queue is safe for concurrent use.
func (s *Store) Queue(sessionID string) *Queue {
	return NewQueue(s.sessionDir(sessionID))
}

// Create creates a new session with the given metadata.
func (s *Store) Create(meta Metadata) error {
	log := logging.Session()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := s.sessionDir(meta.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.Create(s.entriesPath(meta.SessionID))
	if err != nil {
		return fmt.Errorf("failed to create entries file: %w", err)
	}
	f.Close()

	meta.CreatedAt = time.Now()
	meta.UpdatedAt = meta.CreatedAt
	meta.EntryCount = 0
	meta.Status = StatusActive

	if err := s.writeMetadata(meta); err != nil {
		return err
	}

	log.Debug("session created", "session_id", meta.SessionID, "session_dir", dir)
	return nil
}

// AppendEntry appends a transcript entry to the session's log.
// The entry's Seq field is assigned from the current entry count.
func (s *Store) AppendEntry(sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}

	entry.Seq = int64(meta.EntryCount) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := fileutil.AppendJSONLine(s.entriesPath(sessionID), entry); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}

	meta.EntryCount++
	meta.UpdatedAt = time.Now()
	return s.writeMetadata(meta)
}

// ReplaceEntries atomically replaces the transcript with the given entries,
// reassigning sequence numbers from 1. Used when a history-update snapshot
// supersedes locally persisted state.
func (s *Store) ReplaceEntries(sessionID string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}

	tmpPath := s.entriesPath(sessionID) + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp entries file: %w", err)
	}
	now := time.Now()
	for i := range entries {
		entries[i].Seq = int64(i) + 1
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
		}
		data, err := json.Marshal(entries[i])
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.entriesPath(sessionID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace entries file: %w", err)
	}

	meta.EntryCount = len(entries)
	meta.UpdatedAt = now
	return s.writeMetadata(meta)
}

// ReadEntries reads all transcript entries for a session.
func (s *Store) ReadEntries(sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entries []Entry
	err := fileutil.ReadJSONLines(s.entriesPath(sessionID), func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Skip malformed lines rather than losing the whole transcript.
			logging.Session().Warn("skipping malformed transcript line",
				"session_id", sessionID, "error", err)
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return entries, nil
}

// GetMetadata retrieves the metadata for a session.
func (s *Store) GetMetadata(sessionID string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Metadata{}, ErrStoreClosed
	}
	return s.readMetadata(sessionID)
}

// UpdateMetadata updates the metadata for a session using the provided
// update function.
func (s *Store) UpdateMetadata(sessionID string, updateFn func(*Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}
	updateFn(&meta)
	meta.UpdatedAt = time.Now()
	return s.writeMetadata(meta)
}

// List returns summaries for all sessions, newest first.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	dirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	summaries := make([]Summary, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		meta, err := s.readMetadata(d.Name())
		if err != nil {
			// Directories without metadata are not sessions.
			continue
		}
		summaries = append(summaries, SummaryFromMetadata(meta))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes a session and all its data.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.sessionDir(sessionID)); os.IsNotExist(err) {
		return ErrSessionNotFound
	}
	return os.RemoveAll(s.sessionDir(sessionID))
}

// Exists checks if a session exists.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, err := os.Stat(s.metadataPath(sessionID))
	return err == nil
}

// Close closes the store. Further operations return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// readMetadata reads metadata without holding the store lock semantics of
// its callers. Must be called with s.mu held.
func (s *Store) readMetadata(sessionID string) (Metadata, error) {
	var meta Metadata
	if err := fileutil.ReadJSON(s.metadataPath(sessionID), &meta); err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrSessionNotFound
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return meta, nil
}

// writeMetadata writes metadata atomically. Must be called with s.mu held.
func (s *Store) writeMetadata(meta Metadata) error {
	if err := fileutil.WriteJSONAtomic(s.metadataPath(meta.SessionID), meta, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
