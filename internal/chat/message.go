package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TempID is the placeholder id shown for a message the remote side has not
// acknowledged yet.
const TempID = "temp-id"

// MessageState tells whether a message exists remotely.
type MessageState int

const (
	// Confirmed messages carry the remote id.
	Confirmed MessageState = iota
	// Pending messages were inserted locally and are awaiting the remote id.
	Pending
)

func (s MessageState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Message is a single chat message. Content is immutable once created;
// Metadata may be rewritten by background jobs.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitzero"`

	State MessageState `json:"-"`
	// Ordinal identifies a pending message among the pending messages of one
	// conversation. Zero for confirmed messages.
	Ordinal int `json:"-"`
}

// NewPending returns an optimistic user message with the placeholder id.
func NewPending(content string, ordinal int) Message {
	return Message{
		ID:        TempID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		State:     Pending,
		Ordinal:   ordinal,
	}
}

// IsPending reports whether m is still awaiting confirmation.
func (m Message) IsPending() bool {
	return m.State == Pending
}

// Confirm returns m re-tagged with its remote id.
func (m Message) Confirm(remoteID string) Message {
	m.ID = remoteID
	m.State = Confirmed
	m.Ordinal = 0
	return m
}

// Clone returns a copy of m that shares no mutable state with it.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// CloneAll deep-copies a message slice.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Conversation is a user-owned thread whose authoritative message list lives
// remotely under ThreadID. Messages is a local cache, oldest first.
type Conversation struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}
