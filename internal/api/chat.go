package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/chatsync/internal/client"
	"github.com/kalambet/chatsync/internal/proxy"
	"github.com/kalambet/chatsync/internal/relay"
	"github.com/kalambet/chatsync/internal/tokenizer"
	"github.com/kalambet/chatsync/internal/window"
)

// handleChat relays one completion as a plain-text body. The outcome of the
// stream is reported in the X-Stream-Status trailer since the status line is
// gone by the time the provider can fail.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		if req.Model.TokenLimit <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model.tokenLimit must be positive")
			return
		}

		prompt := req.Prompt
		if prompt == "" {
			prompt = deps.Config.SystemPrompt
		}
		temperature := req.Temperature
		if temperature == nil {
			t := deps.Config.Temperature
			temperature = &t
		}

		win, err := deps.Builder.Build(prompt, window.Budget(req.Model.TokenLimit), req.Messages,
			r.Header.Get(client.HeaderOutputLanguage))
		if err != nil {
			var te *tokenizer.TokenizationError
			if errors.As(err, &te) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			plainError(w, http.StatusInternalServerError, err.Error())
			return
		}
		deps.Metrics.WindowBuilt(len(win.Messages))

		stream, err := deps.Relay.OpenStream(r.Context(), relay.Request{
			Model:        deps.Config.DefaultModel,
			SystemPrompt: win.Prompt,
			Temperature:  temperature,
			Messages:     win.Messages,
		})
		if err != nil {
			msg := err.Error()
			var ue *proxy.UpstreamError
			if errors.As(err, &ue) && ue.Message != "" {
				msg = ue.Message
			}
			slog.Warn("chat stream rejected", "error", err)
			plainError(w, http.StatusInternalServerError, msg)
			return
		}
		defer stream.Close()

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Trailer", client.TrailerStreamStatus)
		w.WriteHeader(http.StatusOK)

		status := client.StreamComplete
		for {
			frag, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				slog.Warn("chat stream interrupted", "error", err, "relayed_bytes", len(stream.Text()))
				status = client.StreamInterrupted
				break
			}
			if _, err := io.WriteString(w, frag); err != nil {
				slog.Debug("chat client went away", "error", err)
				status = client.StreamInterrupted
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		w.Header().Set(client.TrailerStreamStatus, status)
	}
}

func plainError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, msg)
}
