package window

import (
	"fmt"
	"strings"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/tokenizer"
)

// ReservedCompletionHeadroom is kept free in every request for the model's
// own reply.
const ReservedCompletionHeadroom = 1000

// roleBoundaryOverhead is charged once per message when deciding whether it fits.
const roleBoundaryOverhead = 1

// DefaultSystemPrompt is used when the caller supplies none.
const DefaultSystemPrompt = "You are ChatGPT, a large language model trained by OpenAI. " +
	"Follow the user's instructions carefully. Respond using markdown."

// Budget returns the prompt-plus-history budget for a model token limit.
func Budget(modelTokenLimit int) int {
	return modelTokenLimit - ReservedCompletionHeadroom
}

// Window is the slice of history selected for one request.
type Window struct {
	// Messages is a contiguous suffix of the history, oldest first.
	Messages []chat.Message
	// Prompt is the system prompt actually sent.
	Prompt string
	// TokenCount counts the prompt and the selected messages.
	TokenCount int
}

// Builder selects the newest messages that fit a token budget.
type Builder struct {
	Tokenizer tokenizer.Tokenizer
}

// New returns a Builder backed by tok.
func New(tok tokenizer.Tokenizer) *Builder {
	return &Builder{Tokenizer: tok}
}

// Build walks history from newest to oldest and keeps messages while the
// running total stays within budget. The first message that does not fit
// ends the walk, so the result is always a contiguous suffix. When
// outputLanguage is set it is prefixed to the newest selected message after
// selection. history is not modified.
//
// A system prompt that alone exceeds the budget yields an empty selection;
// rejecting the request is left to the model endpoint.
func (b *Builder) Build(systemPrompt string, budget int, history []chat.Message, outputLanguage string) (Window, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	total, err := b.count(systemPrompt)
	if err != nil {
		return Window{}, err
	}

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n, err := b.count(history[i].Content)
		if err != nil {
			return Window{}, err
		}
		if total+n+roleBoundaryOverhead > budget {
			break
		}
		total += n
		start = i
	}

	selected := chat.CloneAll(history[start:])
	if selected == nil {
		selected = []chat.Message{}
	}
	if outputLanguage != "" && len(selected) > 0 {
		last := &selected[len(selected)-1]
		last.Content = LanguageTag(outputLanguage) + " " + last.Content
	}

	return Window{Messages: selected, Prompt: systemPrompt, TokenCount: total}, nil
}

// LanguageTag formats the output language marker understood by the prompt.
func LanguageTag(lang string) string {
	return fmt.Sprintf("{lang=%s}", strings.TrimSpace(lang))
}

func (b *Builder) count(text string) (int, error) {
	n, err := b.Tokenizer.Count(text)
	if err != nil {
		if _, ok := err.(*tokenizer.TokenizationError); ok {
			return 0, err
		}
		return 0, &tokenizer.TokenizationError{Err: err}
	}
	return n, nil
}
