package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/kalambet/chatsync/internal/proxy"
	"github.com/kalambet/chatsync/internal/relay"
)

// Chat opens the streaming chat endpoint. A rejection before the first
// fragment is returned as a *proxy.UpstreamError carrying the server's
// message.
func (c *Client) Chat(ctx context.Context, req ChatRequest, outputLanguage string) (*ChatStream, error) {
	header := http.Header{}
	if outputLanguage != "" {
		header.Set(HeaderOutputLanguage, outputLanguage)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", req, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &proxy.UpstreamError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return &ChatStream{resp: resp, buf: make([]byte, 4096)}, nil
}

// ChatStream yields response text as the server flushes it.
type ChatStream struct {
	resp      *http.Response
	buf       []byte
	err       error
	closeOnce sync.Once
}

// Next returns the next chunk of text. It returns io.EOF once the server
// reports a completed stream and an error wrapping
// relay.ErrStreamInterrupted otherwise.
func (s *ChatStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		n, err := s.resp.Body.Read(s.buf)
		if n > 0 {
			if err != nil {
				s.finish(err)
			}
			return string(s.buf[:n]), nil
		}
		if err != nil {
			return "", s.finish(err)
		}
	}
}

func (s *ChatStream) finish(readErr error) error {
	if readErr != io.EOF {
		s.err = fmt.Errorf("%w: %v", relay.ErrStreamInterrupted, readErr)
	} else if status := s.resp.Trailer.Get(TrailerStreamStatus); status == StreamComplete {
		s.err = io.EOF
	} else {
		s.err = fmt.Errorf("%w: server reported %q", relay.ErrStreamInterrupted, status)
	}
	s.Close()
	return s.err
}

// Close releases the connection.
func (s *ChatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.resp.Body.Close()
	})
	return err
}
