package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	// DefaultEncoding is the vocabulary used by the chat models this service targets.
	DefaultEncoding = "cl100k_base"
	// EstimateEncoding selects the character-count heuristic instead of a vocabulary.
	EstimateEncoding = "estimate"
)

// Tokenizer counts vocabulary units in a text.
type Tokenizer interface {
	Count(text string) (int, error)
}

// TokenizationError reports malformed tokenizer input.
type TokenizationError struct {
	Err error
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenization failed: %v", e.Err)
}

func (e *TokenizationError) Unwrap() error {
	return e.Err
}

// New returns a tokenizer for the named encoding. Any tiktoken encoding name
// is accepted; "estimate" returns the heuristic counter.
func New(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if encoding == EstimateEncoding {
		return Estimate{}, nil
	}
	enc, err := loadEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	return &BPE{enc: enc}, nil
}

var loaderOnce sync.Once

func loadEncoding(name string) (*tiktoken.Tiktoken, error) {
	// Ranks ship inside the binary so the service never downloads vocabularies.
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return tiktoken.GetEncoding(name)
}

// BPE counts tokens with a byte-pair-encoding vocabulary.
type BPE struct {
	enc *tiktoken.Tiktoken
}

// Count encodes text and returns the number of tokens. Text that is not valid
// UTF-8 or that contains special tokens is rejected.
func (b *BPE) Count(text string) (n int, err error) {
	if !utf8.ValidString(text) {
		return 0, &TokenizationError{Err: fmt.Errorf("invalid UTF-8")}
	}
	defer func() {
		// tiktoken panics on disallowed special tokens.
		if r := recover(); r != nil {
			n = 0
			err = &TokenizationError{Err: fmt.Errorf("%v", r)}
		}
	}()
	return len(b.enc.Encode(text, nil, []string{"all"})), nil
}

// Estimate approximates 4 characters per token.
type Estimate struct{}

func (Estimate) Count(text string) (int, error) {
	if !utf8.ValidString(text) {
		return 0, &TokenizationError{Err: fmt.Errorf("invalid UTF-8")}
	}
	return (len(text) + 3) / 4, nil
}
