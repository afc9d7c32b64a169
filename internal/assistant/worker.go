// Package assistant answers thread runs in the background: it claims queued
// runs, streams a completion for the thread and stores the reply.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/metrics"
	"github.com/kalambet/chatsync/internal/relay"
	"github.com/kalambet/chatsync/internal/storage"
	"github.com/kalambet/chatsync/internal/window"
)

// JobType is the job queue type of thread runs.
const JobType = "thread_run"

// Reply metadata values for "status".
const (
	ReplyComplete   = "complete"
	ReplyIncomplete = "incomplete"
)

// touchInterval spaces progress heartbeats while a reply streams.
const touchInterval = 5 * time.Second

// RunStore abstracts the job queue and thread operations the worker needs.
type RunStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	GetRun(id string) (storage.Run, error)
	StartRun(id string) (int, error)
	TouchRun(id string, attempt int) error
	CompleteRun(id string, attempt int, reply storage.Message) (storage.Message, error)
	ReleaseRun(id string, attempt int, errMsg string) error
	FailRun(id string, errMsg string) error
	ThreadMessages(threadID string) ([]storage.Message, error)
	UpdateMessageMetadata(id string, patch map[string]string) error
}

// Streamer opens provider streams.
type Streamer interface {
	OpenStream(ctx context.Context, req relay.Request) (*relay.Stream, error)
}

type Config struct {
	Model        string
	TokenLimit   int
	SystemPrompt string
	Temperature  *float32
	PollInterval time.Duration
}

// RunPayload is the job payload of a thread run.
type RunPayload struct {
	RunID string `json:"run_id"`
}

// Worker processes thread_run jobs from the SQLite job queue.
type Worker struct {
	store   RunStore
	relay   Streamer
	builder *window.Builder
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
}

// NewWorker creates a Worker. If cfg.PollInterval is <= 0, it defaults to
// 500ms. m may be nil.
func NewWorker(store RunStore, r Streamer, builder *window.Builder, m *metrics.Metrics, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		relay:   r,
		builder: builder,
		metrics: m,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single thread_run job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload RunPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.failJob(job, storage.Run{}, 0, fmt.Errorf("parsing payload: %w", err))
		return true, nil
	}

	run, err := w.store.GetRun(payload.RunID)
	if err != nil {
		w.failJob(job, storage.Run{}, 0, fmt.Errorf("loading run %s: %w", payload.RunID, err))
		return true, nil
	}

	attempt, err := w.store.StartRun(run.ID)
	if errors.Is(err, storage.ErrStaleRun) {
		// Already finished; the job has nothing left to do.
		w.logger.Debug("run already finished", "run_id", run.ID, "status", run.Status)
		return true, w.store.CompleteJob(job.ID)
	}
	if err != nil {
		w.failJob(job, run, 0, fmt.Errorf("starting run: %w", err))
		return true, nil
	}

	status, err := w.process(ctx, run, attempt)
	switch {
	case errors.Is(err, storage.ErrStaleRun):
		// A requeued attempt owns the run and its job now.
		w.logger.Info("run attempt superseded", "run_id", run.ID, "attempt", attempt)
		return true, nil
	case ctx.Err() != nil:
		// Shutting down; the liveness probe requeues the stalled run.
		return true, ctx.Err()
	case err != nil:
		w.logger.Warn("run failed", "run_id", run.ID, "thread_id", run.ThreadID, "error", err)
		w.failJob(job, run, attempt, err)
		return true, nil
	}

	w.metrics.RunFinished(status)
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// process streams the reply for one run attempt and stores it. It returns
// the reply status.
func (w *Worker) process(ctx context.Context, run storage.Run, attempt int) (string, error) {
	stored, err := w.store.ThreadMessages(run.ThreadID)
	if err != nil {
		return "", fmt.Errorf("loading thread %s: %w", run.ThreadID, err)
	}
	history := make([]chat.Message, len(stored))
	for i, m := range stored {
		history[i] = m.ChatMessage()
	}

	win, err := w.builder.Build(w.cfg.SystemPrompt, window.Budget(w.cfg.TokenLimit), history, "")
	if err != nil {
		return "", fmt.Errorf("building context window: %w", err)
	}
	w.metrics.WindowBuilt(len(win.Messages))

	model := run.Model
	if model == "" {
		model = w.cfg.Model
	}

	stream, err := w.relay.OpenStream(ctx, relay.Request{
		Model:        model,
		SystemPrompt: win.Prompt,
		Temperature:  w.cfg.Temperature,
		Messages:     win.Messages,
	})
	if err != nil {
		return "", fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()

	status := ReplyComplete
	lastTouch := time.Now()
	for {
		_, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if stream.Text() == "" || ctx.Err() != nil {
				return "", err
			}
			w.logger.Warn("reply interrupted, keeping partial text", "run_id", run.ID, "error", err)
			status = ReplyIncomplete
			break
		}
		if time.Since(lastTouch) >= touchInterval {
			if err := w.store.TouchRun(run.ID, attempt); err != nil {
				return "", err
			}
			lastTouch = time.Now()
		}
	}

	reply := storage.Message{
		ID:       uuid.New().String(),
		ThreadID: run.ThreadID,
		Role:     string(chat.RoleAssistant),
		Content:  stream.Text(),
		Metadata: map[string]string{
			"model":         model,
			"prompt_tokens": strconv.Itoa(win.TokenCount),
			"status":        status,
		},
	}
	if _, err := w.store.CompleteRun(run.ID, attempt, reply); err != nil {
		return "", err
	}

	w.logger.Info("run completed", "run_id", run.ID, "thread_id", run.ThreadID,
		"window_messages", len(win.Messages), "status", status)
	return status, nil
}

// failJob records a failed attempt. Once the job is out of attempts the run
// is failed and the user message that opened it is flagged.
func (w *Worker) failJob(job *storage.Job, run storage.Run, attempt int, cause error) {
	final, err := w.store.FailJob(job.ID, cause.Error())
	if err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		return
	}
	if run.ID == "" {
		return
	}

	if !final {
		if attempt > 0 {
			if err := w.store.ReleaseRun(run.ID, attempt, cause.Error()); err != nil && !errors.Is(err, storage.ErrStaleRun) {
				w.logger.Error("failed to release run", "run_id", run.ID, "error", err)
			}
		}
		w.metrics.RunFinished("retried")
		return
	}

	if err := w.store.FailRun(run.ID, cause.Error()); err != nil && !errors.Is(err, storage.ErrStaleRun) {
		w.logger.Error("failed to mark run as failed", "run_id", run.ID, "error", err)
	}
	if err := w.store.UpdateMessageMetadata(run.MessageID, map[string]string{"run_status": storage.RunFailed}); err != nil {
		w.logger.Error("failed to flag message", "message_id", run.MessageID, "error", err)
	}
	w.metrics.RunFinished(storage.RunFailed)
}
