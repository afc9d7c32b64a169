// Package suggest proposes short follow-up prompts for a conversation.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/kalambet/chatsync/internal/chat"
)

const (
	suggestTimeout     = 20 * time.Second
	suggestMaxTokens   = 200
	suggestTemperature = 0.7
	maxSuggestions     = 3
	maxSuggestionRunes = 120
	maxContextRunes    = 1500
)

// Generator asks a chat model for follow-up prompts.
type Generator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New creates a generator against an OpenAI-compatible endpoint.
func New(cfg Config) *Generator {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Generator{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
		logger: slog.Default(),
	}
}

// Suggest returns up to three follow-up prompts the user might send next.
func (g *Generator) Suggest(ctx context.Context, previous []chat.Message, latest chat.Message) ([]string, error) {
	if strings.TrimSpace(latest.Content) == "" {
		return nil, errors.New("latest assistant message is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		MaxTokens:   suggestMaxTokens,
		Temperature: suggestTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript(previous, latest)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "follow_up_suggestions",
				Strict: true,
				Schema: responseSchema,
			},
		},
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		g.logger.Warn("suggestion request failed", "model", g.model, "error", err,
			"latency_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("requesting suggestions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response from model")
	}

	var result struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("parsing suggestions: %w", err)
	}

	out := make([]string, 0, maxSuggestions)
	for _, s := range result.Suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, truncateRunes(s, maxSuggestionRunes))
		if len(out) == maxSuggestions {
			break
		}
	}

	g.logger.Debug("suggestions generated", "model", g.model, "count", len(out),
		"latency_ms", time.Since(start).Milliseconds())
	return out, nil
}

func transcript(previous []chat.Message, latest chat.Message) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n\n")
	for _, m := range previous {
		if m.ID != "" && m.ID == latest.ID {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, truncateRunes(m.Content, maxContextRunes))
	}
	fmt.Fprintf(&b, "assistant (latest): %s\n", truncateRunes(latest.Content, maxContextRunes))
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

const systemPrompt = `You suggest what the user could ask next in a chat with an assistant.
Read the conversation and propose up to 3 short follow-up messages written from the user's point of view.
Each suggestion is a single sentence of at most 12 words, in the language of the conversation.
Do not repeat questions that were already answered.`

var responseSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"suggestions": {
			Type:        jsonschema.Array,
			Description: "Follow-up messages the user might send next",
			Items:       &jsonschema.Definition{Type: jsonschema.String},
		},
	},
	Required:             []string{"suggestions"},
	AdditionalProperties: false,
}
