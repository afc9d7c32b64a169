package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	requestTimeout = 60 * time.Second
	streamTimeout  = 5 * time.Minute
	maxErrorBody   = 64 << 10

	rateLimitAttempts = 3
	firstRetryDelay   = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// Client talks to an OpenAI-compatible provider. Chat returns the raw
// response body so the relay can parse the event stream itself.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	headers http.Header
}

// NewClient creates a client for the default provider.
func NewClient(apiKey string) *Client {
	return NewClientWithBaseURL(apiKey, "")
}

// NewClientWithBaseURL creates a client for the provider at baseURL, or the
// default provider when baseURL is empty.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Deadlines are per request; a client timeout would cut streams.
		http: &http.Client{},
		headers: http.Header{
			"HTTP-Referer": {"https://github.com/kalambet/chatsync"},
			"X-Title":      {"chatsync"},
		},
	}
}

// BaseURL returns the provider base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UpstreamError is a non-200 answer from the provider, returned before any
// response body reaches the caller.
type UpstreamError struct {
	Status  int
	Message string
	// RetryAfter is the provider's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// Chat posts a chat completion request and returns the response body, an
// SSE stream when req.Stream is set. The caller closes the body. 429
// answers are retried with growing delays.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	timeout := requestTimeout
	if req.Stream {
		timeout = streamTimeout
	}

	delay := firstRetryDelay
	for attempt := 1; ; attempt++ {
		body, err := c.send(ctx, http.MethodPost, "/chat/completions", payload, timeout)
		var ue *UpstreamError
		if err == nil || !errors.As(err, &ue) || ue.Status != http.StatusTooManyRequests {
			return body, err
		}
		if attempt == rateLimitAttempts {
			return nil, fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
		}

		wait := min(max(delay, ue.RetryAfter), maxRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

// ListModels returns the models offered by the provider.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, err := c.send(ctx, http.MethodGet, "/models", nil, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer body.Close()

	var list ModelList
	if err := json.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		list.Data = []Model{}
	}
	return list.Data, nil
}

// send performs one request. On 200 the body is returned with the request
// deadline attached to it; anything else becomes an *UpstreamError.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, timeout time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			Status:     resp.StatusCode,
			Message:    errorMessage(data),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// errorMessage reads the message of an OpenAI-style error envelope, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// retryAfter understands the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
