// Package client speaks the chatsync HTTP protocol: the thread endpoints
// used by the synchronizer and the streaming chat endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/chatsync/internal/chat"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Operations reported in SyncError.Op.
const (
	OpCreate        = "create conversation"
	OpSend          = "send message"
	OpRetrieve      = "retrieve messages"
	OpHealthCheck   = "health check"
	OpConversations = "list conversations"
	OpSuggestions   = "suggestions"
)

// SyncError is any failure talking to the thread endpoints.
type SyncError struct {
	Op      string
	Status  int // zero when no response was received
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": failed"
}

func (e *SyncError) Unwrap() error { return e.Err }

// ErrInvalidSuggestions is returned when the suggestions endpoint answers
// with anything but a JSON array of strings.
var ErrInvalidSuggestions = errors.New("invalid suggestions format: expected an array of strings")

// Client calls a chatsync server on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a client. token is sent as the user-token header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: defaultTimeout,
		// Deadlines are per request; chat streams must outlive them.
		httpClient: &http.Client{},
	}
}

// Page is one retrieval result, oldest first.
type Page struct {
	Messages        []chat.Message
	RequiresPolling bool
}

// CreateConversation starts a conversation titled after its first message.
func (c *Client) CreateConversation(ctx context.Context, content string) (chat.Conversation, error) {
	var resp CreateResponse
	err := c.call(ctx, OpCreate, http.MethodPost, "/api/v2/messages", MessagesRequest{
		RequestType:    RequestCreateConversation,
		MessageContent: content,
	}, &resp)
	if err != nil {
		return chat.Conversation{}, err
	}
	if resp.ThreadID == "" {
		return chat.Conversation{}, &SyncError{Op: OpCreate, Message: "response carries no thread id"}
	}
	return chat.Conversation{ID: resp.ID, ThreadID: resp.ThreadID, Title: resp.Title}, nil
}

// SendMessage appends a user message to a thread.
func (c *Client) SendMessage(ctx context.Context, threadID, content string) (SendResponse, error) {
	var resp SendResponse
	err := c.call(ctx, OpSend, http.MethodPost, "/api/v2/messages", MessagesRequest{
		RequestType:    RequestSendMessage,
		ConversationID: threadID,
		MessageContent: content,
	}, &resp)
	return resp, err
}

// RetrieveMessages fetches the newest page of a thread, or the page older
// than before when it is set.
func (c *Client) RetrieveMessages(ctx context.Context, threadID, before string) (Page, error) {
	var resp RetrieveResponse
	err := c.call(ctx, OpRetrieve, http.MethodPost, "/api/v2/messages", MessagesRequest{
		RequestType:     RequestRetrieveMessages,
		ConversationID:  threadID,
		LatestMessageID: before,
	}, &resp)
	if err != nil {
		return Page{}, err
	}

	// The wire lists newest first.
	msgs := make([]chat.Message, len(resp.Messages))
	for i, tm := range resp.Messages {
		msgs[i] = tm.Message()
	}
	slices.Reverse(msgs)
	return Page{Messages: msgs, RequiresPolling: resp.RequiresPolling}, nil
}

// HealthCheck pings the run watchdog of a thread.
func (c *Client) HealthCheck(ctx context.Context, threadID string) (string, error) {
	var resp HealthCheckResponse
	err := c.call(ctx, OpHealthCheck, http.MethodPost, "/api/v2/health-check", HealthCheckRequest{ThreadID: threadID}, &resp)
	return resp.Status, err
}

// ListConversations returns the user's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var resp ConversationsResponse
	if err := c.call(ctx, OpConversations, http.MethodGet, "/api/v2/conversations", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, len(resp.Conversations))
	for i, s := range resp.Conversations {
		out[i] = chat.Conversation{ID: s.ID, ThreadID: s.ThreadID, Title: s.Title, CreatedAt: s.CreatedAt}
	}
	return out, nil
}

// Suggestions asks for follow-up prompts. The response must be a JSON array
// whose elements are all strings.
func (c *Client) Suggestions(ctx context.Context, previous []chat.Message, latest chat.Message) ([]string, error) {
	var raw json.RawMessage
	err := c.call(ctx, OpSuggestions, http.MethodPost, "/api/v2/suggestions", SuggestionsRequest{
		PreviousMessages:       previous,
		LatestAssistantMessage: latest,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return parseSuggestions(raw)
}

func parseSuggestions(raw []byte) ([]string, error) {
	var items []any
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidSuggestions, abbreviate(trimmed))
	}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuggestions, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("%w: got element %v", ErrInvalidSuggestions, it)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return &SyncError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &SyncError{Op: op, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &SyncError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set(HeaderUserToken, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is chatsync running? (%w)", err)
	}
	return resp, nil
}

// errorMessage pulls the message out of the JSON error envelope, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func abbreviate(b []byte) string {
	const limit = 80
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
