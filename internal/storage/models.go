package storage

import (
	"errors"
	"time"

	"github.com/kalambet/chatsync/internal/chat"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleRun is returned when a run attempt tries to finish after the run
// was requeued or already finished.
var ErrStaleRun = errors.New("stale run attempt")

// ErrRunActive is returned by OpenTurn while the thread still owes a reply.
var ErrRunActive = errors.New("thread has an active run")

// Run statuses.
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

type Conversation struct {
	ID        string
	UserID    string
	ThreadID  string
	Title     string
	CreatedAt time.Time
}

type Message struct {
	ID        string
	ThreadID  string
	Seq       int64
	Role      string
	Content   string
	Metadata  map[string]string // JSON object stored as text
	CreatedAt time.Time
}

// ChatMessage converts m to the shared message type.
func (m Message) ChatMessage() chat.Message {
	return chat.Message{
		ID:        m.ID,
		Role:      chat.Role(m.Role),
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

// Run is one asynchronous assistant turn on a thread.
type Run struct {
	ID        string
	ThreadID  string
	MessageID string // the user message that opened the run
	JobID     string
	Status    string
	Model     string
	Attempt   int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the run still owes the thread an assistant message.
func (r Run) Active() bool {
	return r.Status == RunQueued || r.Status == RunInProgress
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
