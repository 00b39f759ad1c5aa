// Package session provides session persistence for Tandem.
package session

import (
	"time"
)

// EntryRole identifies who authored a transcript entry.
type EntryRole string

const (
	RoleUser      EntryRole = "user"
	RoleAssistant EntryRole = "assistant"
	RoleThought   EntryRole = "thought"
	RoleSystem    EntryRole = "system"
)

// Entry is a single persisted transcript entry.
type Entry struct {
	Seq       int64     `json:"seq"` // 1-based, monotonically increasing per session
	Role      EntryRole `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Contextual marks entries that were queued while the agent was busy
	// and delivered as follow-ups after the turn ended.
	Contextual bool `json:"contextual,omitempty"`
}

// Status represents the lifecycle status of a persisted session.
type Status string

const (
	// StatusActive indicates the session can receive messages.
	StatusActive Status = "active"
	// StatusCompleted indicates the session ended normally.
	StatusCompleted Status = "completed"
	// StatusError indicates the session ended with an error.
	StatusError Status = "error"
)

// Metadata contains session metadata stored separately from the transcript.
type Metadata struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// EntryCount is the number of persisted transcript entries.
	EntryCount int `json:"entry_count"`
	// Version is the highest history-update version applied to this session.
	// Zero means the backend never provided a version marker.
	Version int64  `json:"version,omitempty"`
	Status  Status `json:"status"`
}

// Summary is the low-frequency view of a session used by list panels.
type Summary struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
}

// SummaryFromMetadata projects metadata to a summary.
func SummaryFromMetadata(m Metadata) Summary {
	return Summary{
		SessionID: m.SessionID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Status:    m.Status,
	}
}
