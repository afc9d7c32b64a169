package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/metrics"
	"github.com/kalambet/chatsync/internal/proxy"
	"github.com/kalambet/chatsync/internal/relay"
	"github.com/kalambet/chatsync/internal/storage"
	"github.com/kalambet/chatsync/internal/window"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Streamer opens provider streams.
type Streamer interface {
	OpenStream(ctx context.Context, req relay.Request) (*relay.Stream, error)
}

// Suggester proposes follow-up prompts.
type Suggester interface {
	Suggest(ctx context.Context, previous []chat.Message, latest chat.Message) ([]string, error)
}

// ModelLister lists the provider's models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

type Config struct {
	DefaultModel  string
	SystemPrompt  string
	Temperature   float32
	StallTimeout  time.Duration
	SessionSecret []byte
}

// Deps holds everything the HTTP handlers need. Metrics may be nil.
type Deps struct {
	Store     *storage.Store
	Relay     Streamer
	Builder   *window.Builder
	Suggester Suggester
	Models    ModelLister
	Metrics   *metrics.Metrics
	Config    Config
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewHandler returns the chatsync HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(deps.Models))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(SessionAuth(deps.Config.SessionSecret))

		r.Post("/api/chat", handleChat(deps))
		r.Post("/api/v2/messages", handleMessages(deps))
		r.Post("/api/v2/health-check", handleHealthCheck(deps))
		r.Post("/api/v2/suggestions", handleSuggestions(deps))
		r.Get("/api/v2/conversations", handleConversations(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(p ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "model listing is not configured")
			return
		}
		models, err := p.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, proxy.ModelList{
			Object: "list",
			Data:   models,
		})
	}
}

// decodeBody reads a size-limited JSON body into v and answers 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
