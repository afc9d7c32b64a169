package window

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/tokenizer"
)

// wordTokenizer counts whitespace separated words, one token each.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type failingTokenizer struct{ on string }

func (f failingTokenizer) Count(text string) (int, error) {
	if strings.Contains(text, f.on) {
		return 0, errors.New("bad input")
	}
	return 1, nil
}

func msg(id, content string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleUser, Content: content}
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestBudget(t *testing.T) {
	if got := Budget(4000); got != 3000 {
		t.Errorf("Budget(4000) = %d, want 3000", got)
	}
}

func TestBuild_SelectsNewestSuffix(t *testing.T) {
	b := New(wordTokenizer{})
	history := []chat.Message{
		msg("1", words(5)),
		msg("2", words(3)),
		msg("3", words(2)),
	}

	// prompt 2 + "3"(2+1) + "2"(3+1) fits 10; "1" would need 2+2+3+5+1 = 13.
	w, err := b.Build("be nice", 10, history, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.Messages) != 2 {
		t.Fatalf("selected %d messages, want 2", len(w.Messages))
	}
	if w.Messages[0].ID != "2" || w.Messages[1].ID != "3" {
		t.Errorf("selected ids = %s,%s; want 2,3", w.Messages[0].ID, w.Messages[1].ID)
	}
	if w.TokenCount != 7 {
		t.Errorf("TokenCount = %d, want 7", w.TokenCount)
	}
	if w.Prompt != "be nice" {
		t.Errorf("Prompt = %q", w.Prompt)
	}
}

func TestBuild_StopsAtFirstMisfit(t *testing.T) {
	b := New(wordTokenizer{})
	// The middle message is too large; the small oldest one must not be
	// picked up past the gap.
	history := []chat.Message{
		msg("old", words(1)),
		msg("big", words(50)),
		msg("new", words(1)),
	}

	w, err := b.Build("p", 10, history, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.Messages) != 1 || w.Messages[0].ID != "new" {
		t.Errorf("selected = %+v, want only new", w.Messages)
	}
}

func TestBuild_SingleMessageOverBudget(t *testing.T) {
	b := New(wordTokenizer{})
	history := []chat.Message{msg("1", words(20))}

	w, err := b.Build("p", 10, history, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.Messages) != 0 {
		t.Errorf("selected %d messages, want 0", len(w.Messages))
	}
	if w.Prompt != "p" {
		t.Errorf("Prompt = %q, want p", w.Prompt)
	}
}

func TestBuild_PromptAloneOverBudget(t *testing.T) {
	b := New(wordTokenizer{})
	w, err := b.Build(words(30), 10, []chat.Message{msg("1", "hi")}, "en")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.Messages) != 0 {
		t.Errorf("selected %d messages, want 0", len(w.Messages))
	}
	if w.TokenCount != 30 {
		t.Errorf("TokenCount = %d, want 30", w.TokenCount)
	}
}

func TestBuild_EmptyHistory(t *testing.T) {
	b := New(wordTokenizer{})
	w, err := b.Build("", 100, nil, "fr")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.Messages) != 0 {
		t.Errorf("selected %d messages, want 0", len(w.Messages))
	}
	if w.Prompt != DefaultSystemPrompt {
		t.Errorf("Prompt = %q, want default", w.Prompt)
	}
}

func TestBuild_LanguageTagOnNewestOnly(t *testing.T) {
	b := New(wordTokenizer{})
	history := []chat.Message{msg("1", "first"), msg("2", "second")}

	w, err := b.Build("p", 100, history, "zh-TW")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if w.Messages[0].Content != "first" {
		t.Errorf("Messages[0].Content = %q, want unchanged", w.Messages[0].Content)
	}
	if w.Messages[1].Content != "{lang=zh-TW} second" {
		t.Errorf("Messages[1].Content = %q", w.Messages[1].Content)
	}
	if history[1].Content != "second" {
		t.Error("Build mutated the input history")
	}
}

func TestBuild_LanguageTagDoesNotChangeSelection(t *testing.T) {
	b := New(wordTokenizer{})
	// Exactly fits: 1 + (8+1) = 10.
	history := []chat.Message{msg("1", words(8))}

	plain, _ := b.Build("p", 10, history, "")
	tagged, _ := b.Build("p", 10, history, "de")
	if len(plain.Messages) != 1 || len(tagged.Messages) != 1 {
		t.Fatalf("selections differ: %d vs %d", len(plain.Messages), len(tagged.Messages))
	}
	if plain.TokenCount != tagged.TokenCount {
		t.Errorf("TokenCount %d vs %d", plain.TokenCount, tagged.TokenCount)
	}
}

func TestBuild_TokenizerErrorPropagates(t *testing.T) {
	b := New(failingTokenizer{on: "boom"})
	_, err := b.Build("p", 100, []chat.Message{msg("1", "boom")}, "")

	var te *tokenizer.TokenizationError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TokenizationError", err)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := New(wordTokenizer{})
	history := []chat.Message{msg("1", words(3)), msg("2", words(4)), msg("3", words(5))}

	w1, err1 := b.Build("sys", 12, history, "en")
	w2, err2 := b.Build("sys", 12, history, "en")
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v, %v", err1, err2)
	}
	if !reflect.DeepEqual(w1, w2) {
		t.Errorf("Build not deterministic:\n%+v\n%+v", w1, w2)
	}
}

// TestBuild_BudgetAndSuffixProperty checks random histories against the
// budget bound and the contiguous-suffix shape.
func TestBuild_BudgetAndSuffixProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New(wordTokenizer{})

	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(12)
		history := make([]chat.Message, n)
		for i := range history {
			history[i] = msg(fmt.Sprintf("m%d", i), words(rng.Intn(15)))
		}
		prompt := words(rng.Intn(6) + 1)
		budget := rng.Intn(60)

		w, err := b.Build(prompt, budget, history, "")
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}

		total, _ := wordTokenizer{}.Count(prompt)
		for _, m := range w.Messages {
			c, _ := wordTokenizer{}.Count(m.Content)
			total += c
		}
		if len(w.Messages) > 0 && total > budget {
			t.Fatalf("iter %d: %d tokens exceed budget %d", iter, total, budget)
		}
		if total != w.TokenCount {
			t.Fatalf("iter %d: TokenCount = %d, recount = %d", iter, w.TokenCount, total)
		}

		offset := len(history) - len(w.Messages)
		for i, m := range w.Messages {
			if m.ID != history[offset+i].ID {
				t.Fatalf("iter %d: selection is not a suffix at %d", iter, i)
			}
		}
	}
}
