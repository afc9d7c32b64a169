package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatsync/internal/assistant"
	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/client"
	"github.com/kalambet/chatsync/internal/storage"
)

const (
	titleRunes         = 40
	conversationsLimit = 100
)

// Liveness probe results.
const (
	probeIdle     = "idle"
	probeRequeued = "requeued"
)

func handleMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.MessagesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		userID := UserID(r.Context())

		switch req.RequestType {
		case client.RequestCreateConversation:
			createConversation(w, deps, userID, req.MessageContent)
		case client.RequestSendMessage:
			sendMessage(w, deps, userID, req.ConversationID, req.MessageContent)
		case client.RequestRetrieveMessages:
			retrieveMessages(w, deps, userID, req.ConversationID, req.LatestMessageID)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown requestType %q", req.RequestType)
		}
	}
}

func createConversation(w http.ResponseWriter, deps Deps, userID, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "messageContent is required")
		return
	}

	conv, err := newConversation(deps.Store, userID, content, deps.now())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to create conversation: %v", err)
		return
	}

	slog.Debug("conversation created", "conversation_id", conv.ID, "thread_id", conv.ThreadID)
	writeJSON(w, http.StatusOK, client.CreateResponse{ID: conv.ID, ThreadID: conv.ThreadID, Title: conv.Title})
}

func newConversation(store *storage.Store, userID, content string, now time.Time) (storage.Conversation, error) {
	conv := storage.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  uuid.New().String(),
		Title:     title(content),
		CreatedAt: now.UTC(),
	}
	return conv, store.CreateConversation(conv)
}

func sendMessage(w http.ResponseWriter, deps Deps, userID, threadID, content string) {
	if _, ok := ownedThread(w, deps, userID, threadID); !ok {
		return
	}
	if strings.TrimSpace(content) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "messageContent is required")
		return
	}

	msg, runID, err := openTurn(deps.Store, deps.Config.DefaultModel, deps.now(), threadID, content)
	if errors.Is(err, storage.ErrRunActive) {
		httpError(w, http.StatusConflict, "conflict_error", "a reply is still in progress on this thread")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to send message: %v", err)
		return
	}

	slog.Debug("message queued", "thread_id", threadID, "message_id", msg.ID, "run_id", runID)
	writeJSON(w, http.StatusOK, client.SendResponse{ID: msg.ID, RequiresPolling: true})
}

// openTurn stores a user message and queues the run that answers it.
func openTurn(store *storage.Store, model string, now time.Time, threadID, content string) (storage.Message, string, error) {
	runID := uuid.New().String()
	payload, err := json.Marshal(assistant.RunPayload{RunID: runID})
	if err != nil {
		return storage.Message{}, "", err
	}
	msg, err := store.OpenTurn(
		storage.Message{
			ID:        uuid.New().String(),
			ThreadID:  threadID,
			Role:      string(chat.RoleUser),
			Content:   content,
			CreatedAt: now.UTC(),
		},
		storage.Run{ID: runID, ThreadID: threadID, Model: model},
		storage.Job{ID: uuid.New().String(), Type: assistant.JobType, PayloadJSON: string(payload)},
	)
	return msg, runID, err
}

func retrieveMessages(w http.ResponseWriter, deps Deps, userID, threadID, before string) {
	if _, ok := ownedThread(w, deps, userID, threadID); !ok {
		return
	}

	// The run is checked first: a run that finishes in between has already
	// committed its reply, so the listing below includes it.
	requiresPolling := true
	if _, err := deps.Store.ActiveRun(threadID); errors.Is(err, storage.ErrNotFound) {
		requiresPolling = false
	} else if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to check thread: %v", err)
		return
	}

	msgs, err := deps.Store.ListMessages(threadID, before, client.PageSize)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "message %q not found in thread", before)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
		return
	}

	out := make([]client.ThreadMessage, len(msgs))
	for i, m := range msgs {
		out[i] = client.NewThreadMessage(m.ChatMessage())
	}
	writeJSON(w, http.StatusOK, client.RetrieveResponse{Messages: out, RequiresPolling: requiresPolling})
}

// handleHealthCheck reports on the thread's active run and hands a stalled
// run back to the queue.
func handleHealthCheck(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.HealthCheckRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if _, ok := ownedThread(w, deps, UserID(r.Context()), req.ThreadID); !ok {
			return
		}

		status, err := probeThread(deps, req.ThreadID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "health check failed: %v", err)
			return
		}
		deps.Metrics.HealthCheck(status)
		writeJSON(w, http.StatusOK, client.HealthCheckResponse{Status: status})
	}
}

func probeThread(deps Deps, threadID string) (string, error) {
	run, err := deps.Store.ActiveRun(threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return probeIdle, nil
	}
	if err != nil {
		return "", err
	}

	stalled := deps.Config.StallTimeout > 0 && deps.now().Sub(run.UpdatedAt) > deps.Config.StallTimeout
	if !stalled {
		return run.Status, nil
	}

	err = deps.Store.RequeueRun(run.ID)
	if errors.Is(err, storage.ErrStaleRun) || errors.Is(err, storage.ErrNotFound) {
		// Finished while we looked.
		return probeIdle, nil
	}
	if err != nil {
		return "", err
	}
	slog.Info("stalled run requeued", "run_id", run.ID, "thread_id", threadID,
		"idle_for", deps.now().Sub(run.UpdatedAt).Round(time.Second).String())
	return probeRequeued, nil
}

func handleSuggestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.SuggestionsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if deps.Suggester == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "suggestions are not configured")
			return
		}
		if req.LatestAssistantMessage.Role != chat.RoleAssistant {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "latestAssistantMessage must have role assistant")
			return
		}

		suggestions, err := deps.Suggester.Suggest(r.Context(), req.PreviousMessages, req.LatestAssistantMessage)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to generate suggestions: %v", err)
			return
		}
		if suggestions == nil {
			suggestions = []string{}
		}
		writeJSON(w, http.StatusOK, suggestions)
	}
}

func handleConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Store.ListConversations(UserID(r.Context()), conversationsLimit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}

		out := client.ConversationsResponse{Conversations: make([]client.ConversationSummary, len(convs))}
		for i, c := range convs {
			out.Conversations[i] = client.ConversationSummary{ID: c.ID, ThreadID: c.ThreadID, Title: c.Title, CreatedAt: c.CreatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ownedThread loads the conversation behind threadID and answers 404 unless
// it belongs to userID.
func ownedThread(w http.ResponseWriter, deps Deps, userID, threadID string) (storage.Conversation, bool) {
	if threadID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "thread id is required")
		return storage.Conversation{}, false
	}
	conv, err := deps.Store.GetConversationByThread(threadID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.UserID != userID) {
		httpError(w, http.StatusNotFound, "not_found_error", "thread %q not found", threadID)
		return storage.Conversation{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load thread: %v", err)
		return storage.Conversation{}, false
	}
	return conv, true
}

func title(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) > titleRunes {
		return string(r[:titleRunes])
	}
	return content
}
