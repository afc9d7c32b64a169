package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/metrics"
	"github.com/kalambet/chatsync/internal/proxy"
)

// doneMarker terminates a completed provider stream.
const doneMarker = "[DONE]"

// ErrStreamInterrupted marks a stream that ended before the provider's
// completion marker. Fragments already delivered stay delivered.
var ErrStreamInterrupted = errors.New("stream interrupted")

// Provider opens chat completion requests.
type Provider interface {
	Chat(ctx context.Context, req proxy.ChatRequest) (io.ReadCloser, error)
}

// Request describes one streamed completion.
type Request struct {
	Model        string
	SystemPrompt string
	Temperature  *float32
	Messages     []chat.Message
}

// Relay forwards provider output fragment by fragment.
type Relay struct {
	provider Provider
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Relay. m may be nil.
func New(p Provider, m *metrics.Metrics) *Relay {
	return &Relay{provider: p, metrics: m, logger: slog.Default()}
}

// OpenStream issues a single streaming request. A provider rejection is
// returned as is (a *proxy.UpstreamError) before any fragment exists.
func (r *Relay) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	msgs := make([]proxy.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, proxy.Message{Role: string(chat.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, proxy.Message{Role: string(m.Role), Content: m.Content})
	}

	body, err := r.provider.Chat(ctx, proxy.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		r.metrics.StreamFinished("upstream_error")
		return nil, err
	}

	return &Stream{
		body:    body,
		scanner: newSSEScanner(body),
		metrics: r.metrics,
		logger:  r.logger,
	}, nil
}

// Stream is a finite, non-restartable sequence of response fragments.
// It is not safe for concurrent use.
type Stream struct {
	body    io.ReadCloser
	scanner *sseScanner
	metrics *metrics.Metrics
	logger  *slog.Logger

	text      strings.Builder
	err       error
	closeOnce sync.Once
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Next returns the next fragment as soon as it arrives. It returns io.EOF
// after the completion marker and an error wrapping ErrStreamInterrupted
// when the stream ends any other way. Once a terminal error is returned,
// every later call returns it again.
func (s *Stream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for s.scanner.Next() {
		ev := s.scanner.Event()
		data := strings.TrimSpace(ev.Data)
		if data == doneMarker {
			return "", s.finish(io.EOF, "complete")
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			s.logger.Debug("skipping undecodable stream event", "error", err)
			continue
		}
		if c.Error != nil {
			return "", s.finish(fmt.Errorf("%w: provider error: %s", ErrStreamInterrupted, c.Error.Message), "interrupted")
		}

		var frag strings.Builder
		for _, ch := range c.Choices {
			frag.WriteString(ch.Delta.Content)
		}
		if frag.Len() == 0 {
			continue
		}
		s.text.WriteString(frag.String())
		s.metrics.FragmentRelayed()
		return frag.String(), nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", s.finish(fmt.Errorf("%w: %v", ErrStreamInterrupted, err), "interrupted")
	}
	return "", s.finish(fmt.Errorf("%w: connection closed before completion", ErrStreamInterrupted), "interrupted")
}

func (s *Stream) finish(err error, status string) error {
	s.err = err
	s.metrics.StreamFinished(status)
	s.Close()
	return err
}

// Text returns everything relayed so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// Collect drains a stream and returns the relayed text. An interrupted
// stream returns the partial text together with the error.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	for {
		_, err := s.Next()
		if err == io.EOF {
			return s.Text(), nil
		}
		if err != nil {
			return s.Text(), err
		}
	}
}
