package client

import (
	"time"

	"github.com/kalambet/chatsync/internal/chat"
)

// Request types accepted by the messages endpoint.
const (
	RequestCreateConversation = "create conversation"
	RequestSendMessage        = "send message"
	RequestRetrieveMessages   = "retrieve messages"
)

// Header names shared by both ends of the protocol.
const (
	HeaderUserToken      = "user-token"
	HeaderOutputLanguage = "Output-Language"
	TrailerStreamStatus  = "X-Stream-Status"
)

// Stream status trailer values.
const (
	StreamComplete    = "complete"
	StreamInterrupted = "interrupted"
)

// PageSize is the number of messages returned per retrieval.
const PageSize = 20

type MessagesRequest struct {
	RequestType     string `json:"requestType"`
	ConversationID  string `json:"conversationId,omitempty"`
	MessageContent  string `json:"messageContent,omitempty"`
	LatestMessageID string `json:"latestMessageId,omitempty"`
}

type TextValue struct {
	Value string `json:"value"`
}

type ContentPart struct {
	Type string    `json:"type"`
	Text TextValue `json:"text"`
}

// ThreadMessage is a message as the thread endpoint encodes it.
type ThreadMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   []ContentPart     `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// RetrieveResponse lists messages newest first.
type RetrieveResponse struct {
	Messages        []ThreadMessage `json:"messages"`
	RequiresPolling bool            `json:"requiresPolling"`
}

type CreateResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
}

type SendResponse struct {
	ID              string `json:"id"`
	RequiresPolling bool   `json:"requiresPolling"`
}

type HealthCheckRequest struct {
	ThreadID string `json:"threadId"`
}

type HealthCheckResponse struct {
	Status string `json:"status"`
}

type SuggestionsRequest struct {
	PreviousMessages       []chat.Message `json:"previousMessages"`
	LatestAssistantMessage chat.Message   `json:"latestAssistantMessage"`
}

type ConversationSummary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type ChatModel struct {
	ID         string `json:"id"`
	TokenLimit int    `json:"tokenLimit"`
}

// ChatRequest is the body of the streaming chat endpoint.
type ChatRequest struct {
	Model       ChatModel      `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Prompt      string         `json:"prompt,omitempty"`
	Temperature *float32       `json:"temperature,omitempty"`
}

// NewThreadMessage encodes m for the wire.
func NewThreadMessage(m chat.Message) ThreadMessage {
	var created int64
	if !m.CreatedAt.IsZero() {
		created = m.CreatedAt.Unix()
	}
	return ThreadMessage{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   []ContentPart{{Type: "text", Text: TextValue{Value: m.Content}}},
		Metadata:  m.Metadata,
		CreatedAt: created,
	}
}

// Message decodes the first text part of a wire message.
func (tm ThreadMessage) Message() chat.Message {
	m := chat.Message{
		ID:       tm.ID,
		Role:     chat.Role(tm.Role),
		Metadata: tm.Metadata,
	}
	if len(tm.Content) > 0 {
		m.Content = tm.Content[0].Text.Value
	}
	if tm.CreatedAt > 0 {
		m.CreatedAt = time.Unix(tm.CreatedAt, 0).UTC()
	}
	return m
}
