package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemlabs/tandem/internal/fileutil"
)

const (
	queueFileName = "queue.json"
)

var (
	// ErrQueueEmpty is returned when trying to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrMessageNotFound is returned when a message ID is not found in the queue.
	ErrMessageNotFound = errors.New("message not found in queue")
)

// QueuedMessage represents a message submitted while the session's turn was
// still running, waiting to be delivered as a contextual follow-up.
type QueuedMessage struct {
	// ID is the unique identifier for this queued message (auto-assigned).
	ID string `json:"id"`
	// Message is the text content to send.
	Message string `json:"message"`
	// ImageIDs are optional attached image IDs.
	ImageIDs []string `json:"image_ids,omitempty"`
	// QueuedAt is when the message was added to the queue.
	QueuedAt time.Time `json:"queued_at"`
}

// QueueFile represents the persisted queue state.
type QueueFile struct {
	// Messages is the ordered list of queued messages (FIFO).
	Messages []QueuedMessage `json:"messages"`
	// UpdatedAt is when the queue was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Queue manages the pending-context queue for a single session.
// It is file-backed so queued messages survive restarts, and safe for
// concurrent use.
type Queue struct {
	sessionDir string
	mu         sync.Mutex
}

// NewQueue creates a new Queue for the given session directory.
func NewQueue(sessionDir string) *Queue {
	return &Queue{sessionDir: sessionDir}
}

func (q *Queue) queuePath() string {
	return filepath.Join(q.sessionDir, queueFileName)
}

// readQueue reads the queue file from disk.
// Returns an empty QueueFile if the file doesn't exist.
func (q *Queue) readQueue() (*QueueFile, error) {
	var qf QueueFile
	err := fileutil.ReadJSON(q.queuePath(), &qf)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueueFile{Messages: []QueuedMessage{}}, nil
		}
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	if qf.Messages == nil {
		qf.Messages = []QueuedMessage{}
	}
	return &qf, nil
}

func (q *Queue) writeQueue(qf *QueueFile) error {
	qf.UpdatedAt = time.Now()
	if err := fileutil.WriteJSONAtomic(q.queuePath(), qf, 0644); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	return nil
}

// Add adds a message to the queue and returns the assigned message.
func (q *Queue) Add(message string, imageIDs []string) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return QueuedMessage{}, err
	}

	msg := QueuedMessage{
		ID:       "q-" + uuid.NewString(),
		Message:  message,
		ImageIDs: imageIDs,
		QueuedAt: time.Now(),
	}
	qf.Messages = append(qf.Messages, msg)

	if err := q.writeQueue(qf); err != nil {
		return QueuedMessage{}, err
	}
	return msg, nil
}

// List returns all queued messages in FIFO order.
func (q *Queue) List() ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return nil, err
	}

	result := make([]QueuedMessage, len(qf.Messages))
	copy(result, qf.Messages)
	return result, nil
}

// Remove removes a specific message by ID.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return err
	}

	found := false
	kept := make([]QueuedMessage, 0, len(qf.Messages))
	for _, msg := range qf.Messages {
		if msg.ID == id {
			found = true
			continue
		}
		kept = append(kept, msg)
	}
	if !found {
		return ErrMessageNotFound
	}

	qf.Messages = kept
	return q.writeQueue(qf)
}

// Drain removes and returns all queued messages in FIFO order.
// The queue is empty afterward.
func (q *Queue) Drain() ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return nil, err
	}
	drained := qf.Messages

	qf.Messages = []QueuedMessage{}
	if err := q.writeQueue(qf); err != nil {
		return nil, err
	}
	return drained, nil
}

// Pop removes and returns the first message in the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (q *Queue) Pop() (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return QueuedMessage{}, err
	}
	if len(qf.Messages) == 0 {
		return QueuedMessage{}, ErrQueueEmpty
	}

	msg := qf.Messages[0]
	qf.Messages = qf.Messages[1:]

	if err := q.writeQueue(qf); err != nil {
		return QueuedMessage{}, err
	}
	return msg, nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.readQueue()
	if err != nil {
		return 0, err
	}
	return len(qf.Messages), nil
}

// Delete removes the queue file from disk.
// This is typically called when deleting a session.
func (q *Queue) Delete() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := os.Remove(q.queuePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete queue file: %w", err)
	}
	return nil
}
