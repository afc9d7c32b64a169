//go:build integration

package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/kalambet/chatsync/internal/assistant"
	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/proxy"
	"github.com/kalambet/chatsync/internal/relay"
	"github.com/kalambet/chatsync/internal/syncer"
	"github.com/kalambet/chatsync/internal/tokenizer"
	"github.com/kalambet/chatsync/internal/window"
)

// TestSyncRoundTrip drives a synchronizer against the API while the run
// worker answers from a fake provider.
func TestSyncRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseDelta("Paris"))
		fmt.Fprint(w, sseDelta(" is the capital."))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	env.suggest.out = []string{"What about Germany?"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := assistant.NewWorker(env.store,
		relay.New(proxy.NewClientWithBaseURL("k", env.providerURL), nil),
		window.New(tokenizer.Estimate{}), nil,
		assistant.Config{Model: "test-model", TokenLimit: 4000, PollInterval: 20 * time.Millisecond})
	go worker.Run(ctx)

	settled := make(chan syncer.View, 16)
	s := syncer.New(env.client(t, "u1"), syncer.Options{
		PollInterval:   50 * time.Millisecond,
		HealthInterval: time.Second,
		OnChange: func(v syncer.View) {
			if v.State == syncer.Settled && len(v.Suggestions) > 0 {
				select {
				case settled <- v:
				default:
				}
			}
		},
	})
	defer s.Close()

	if err := s.Send(ctx, "What is the capital of France?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case v := <-settled:
		if len(v.Messages) != 2 {
			t.Fatalf("messages = %+v", v.Messages)
		}
		if v.Messages[0].Role != chat.RoleUser || v.Messages[0].IsPending() {
			t.Errorf("user message = %+v", v.Messages[0])
		}
		if v.Messages[1].Content != "Paris is the capital." {
			t.Errorf("reply = %q", v.Messages[1].Content)
		}
		if v.Suggestions[0] != "What about Germany?" {
			t.Errorf("suggestions = %q", v.Suggestions)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("conversation never settled; last view %+v", s.Snapshot())
	}
}
