package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsFormat is fixed width so that text columns sort chronologically.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsFormat)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Conversations ---

func (s *Store) CreateConversation(c Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, thread_id, title, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ThreadID, c.Title, formatTS(c.CreatedAt),
	)
	return err
}

// GetConversationByThread looks a conversation up by its thread id.
func (s *Store) GetConversationByThread(threadID string) (Conversation, error) {
	var c Conversation
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, thread_id, title, created_at
		FROM conversations WHERE thread_id = ?`, threadID,
	).Scan(&c.ID, &c.UserID, &c.ThreadID, &c.Title, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(userID string, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, thread_id, title, created_at
		FROM conversations WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.ThreadID, &c.Title, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Messages ---

// AppendMessage stores m at the end of its thread and returns it with Seq
// and CreatedAt filled in.
func (s *Store) AppendMessage(m Message) (Message, error) {
	return appendMessage(s.db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func appendMessage(db execer, m Message) (Message, error) {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(`
		INSERT INTO messages (id, thread_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, meta, formatTS(m.CreatedAt),
	)
	if err != nil {
		return Message{}, err
	}
	if m.Seq, err = res.LastInsertId(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns up to limit messages of a thread, newest first. When
// before is set only messages older than that message are returned; an
// unknown cursor yields ErrNotFound.
func (s *Store) ListMessages(threadID, before string, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == "" {
		rows, err = s.db.Query(`
			SELECT seq, id, thread_id, role, content, metadata, created_at
			FROM messages WHERE thread_id = ?
			ORDER BY seq DESC LIMIT ?`, threadID, limit)
	} else {
		var cursor int64
		err = s.db.QueryRow(`SELECT seq FROM messages WHERE id = ? AND thread_id = ?`, before, threadID).Scan(&cursor)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		rows, err = s.db.Query(`
			SELECT seq, id, thread_id, role, content, metadata, created_at
			FROM messages WHERE thread_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT ?`, threadID, cursor, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ThreadMessages returns every message of a thread, oldest first.
func (s *Store) ThreadMessages(threadID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, thread_id, role, content, metadata, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *Store) GetMessage(id string) (Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, thread_id, role, content, metadata, created_at
		FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// UpdateMessageMetadata merges patch into a message's metadata.
func (s *Store) UpdateMessageMetadata(id string, patch map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning metadata transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT metadata FROM messages WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	meta, err := decodeMetadata(raw)
	if err != nil {
		return fmt.Errorf("decoding metadata of %s: %w", id, err)
	}
	if meta == nil {
		meta = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		meta[k] = v
	}
	enc, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE messages SET metadata = ? WHERE id = ?`, enc, id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var meta, createdAt string
		if err := rows.Scan(&m.Seq, &m.ID, &m.ThreadID, &m.Role, &m.Content, &meta, &createdAt); err != nil {
			return nil, err
		}
		var err error
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", m.ID, err)
		}
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
