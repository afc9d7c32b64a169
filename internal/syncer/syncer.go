// Package syncer keeps a local view of a remotely hosted conversation thread
// consistent with the remote state by optimistic inserts and polling.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/client"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultHealthInterval = 15 * time.Second

	healthTimeout  = 5 * time.Second
	suggestTimeout = 20 * time.Second
)

// Toast texts shown for synchronization failures.
const (
	ToastLoadFailed = "Unable to load messages. Please try again later."
	ToastSendFailed = "Unable to send message. Please try again later."
)

var (
	// ErrBusy is returned by Send while a previous message is still being
	// created, sent or answered.
	ErrBusy = errors.New("a message is already in flight")
	// ErrNoConversation is returned by operations that need a selection.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrSuperseded is returned when the selection changed, or a newer
	// fetch or confirmed send overtook a request in flight; its response was
	// discarded.
	ErrSuperseded = errors.New("response superseded, discarded")
	ErrClosed     = errors.New("synchronizer closed")
)

// State is the synchronizer's position in the send cycle.
type State int

const (
	Idle State = iota
	Creating
	Sending
	Polling
	Settled
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Sending:
		return "sending"
	case Polling:
		return "polling"
	case Settled:
		return "settled"
	}
	return "idle"
}

// Remote is the thread service as the synchronizer uses it.
type Remote interface {
	CreateConversation(ctx context.Context, content string) (chat.Conversation, error)
	SendMessage(ctx context.Context, threadID, content string) (client.SendResponse, error)
	RetrieveMessages(ctx context.Context, threadID, before string) (client.Page, error)
	HealthCheck(ctx context.Context, threadID string) (string, error)
	Suggestions(ctx context.Context, previous []chat.Message, latest chat.Message) ([]string, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
}

// PollingSession tracks the selected conversation's reconciliation loop.
type PollingSession struct {
	ConversationID    string
	ThreadID          string
	IsPolling         bool
	LastHealthCheckAt time.Time // zero until the first probe
	AllMessagesLoaded bool
}

// SuggestionError wraps a failed suggestion fetch. It is logged, never shown.
type SuggestionError struct {
	Err error
}

func (e *SuggestionError) Error() string { return "fetching suggestions: " + e.Err.Error() }
func (e *SuggestionError) Unwrap() error { return e.Err }

// View is a read-only snapshot for rendering.
type View struct {
	State         State
	Conversation  *chat.Conversation // nil when nothing is selected; Messages unset
	Conversations []chat.Conversation
	Messages      []chat.Message // oldest first
	Session       *PollingSession
	Loading       bool // initial fetch of a selection in progress
	Suggestions   []string
}

// Busy reports whether a reply is still outstanding.
func (v View) Busy() bool {
	return v.State == Creating || v.State == Sending || v.State == Polling
}

type Options struct {
	PollInterval   time.Duration
	HealthInterval time.Duration
	// Now is the clock used for liveness probe spacing.
	Now func() time.Time
	// Toast receives user-visible failure messages.
	Toast func(message string)
	// OnChange receives a snapshot after every state change.
	OnChange func(View)
	Logger   *slog.Logger
}

// Synchronizer is safe for concurrent use. Network calls run outside its
// lock; a response is applied only while the selection it was issued for is
// still current. Full fetches are also ordered by issue: one issued before
// the latest applied fetch or the latest confirmed send is dropped.
type Synchronizer struct {
	remote Remote
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	state         State
	gen           uint64
	fetchSeq      uint64 // last full fetch issued
	fetchFloor    uint64 // fetches at or below this are stale
	selected      *chat.Conversation
	conversations []chat.Conversation
	messages      []chat.Message
	session       *PollingSession
	health        *rate.Limiter
	loading       bool
	suggestions   []string
	suggestGen    uint64
	nextOrdinal   int
	inflight      map[int]bool
	pollCancel    context.CancelFunc
	pollDone      chan struct{}
}

// New creates an idle synchronizer with nothing selected.
func New(remote Remote, opts Options) *Synchronizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		remote:   remote,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[int]bool),
	}
}

// Snapshot returns the current view.
func (s *Synchronizer) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Synchronizer) viewLocked() View {
	v := View{
		State:         s.state,
		Conversations: make([]chat.Conversation, len(s.conversations)),
		Messages:      chat.CloneAll(s.messages),
		Loading:       s.loading,
		Suggestions:   append([]string(nil), s.suggestions...),
	}
	copy(v.Conversations, s.conversations)
	if s.selected != nil {
		c := *s.selected
		c.Messages = nil
		v.Conversation = &c
	}
	if s.session != nil {
		ps := *s.session
		v.Session = &ps
	}
	return v
}

// emit delivers callbacks outside the lock.
func (s *Synchronizer) emit(v View, toast string) {
	if toast != "" && s.opts.Toast != nil {
		s.opts.Toast(toast)
	}
	if s.opts.OnChange != nil {
		s.opts.OnChange(v)
	}
}

// LoadConversations replaces the conversation list with the remote one.
func (s *Synchronizer) LoadConversations(ctx context.Context) error {
	list, err := s.remote.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = list
	v := s.viewLocked()
	s.mu.Unlock()
	s.emit(v, "")
	return nil
}

// Select makes conv the current conversation. Any previous polling session
// is stopped first; the new one starts with no liveness probe on record and
// pagination re-enabled.
func (s *Synchronizer) Select(ctx context.Context, conv chat.Conversation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	done := s.selectLocked(conv, false)
	s.state = Idle
	gen, seq := s.beginFetchLocked()
	threadID := conv.ThreadID
	v := s.viewLocked()
	s.mu.Unlock()

	waitFor(done)
	s.emit(v, "")

	page, err := s.remote.RetrieveMessages(ctx, threadID, "")
	return s.applyFetch(gen, seq, page, err)
}

// selectLocked installs a new selection and returns the done channel of the
// polling loop it stopped, if any.
func (s *Synchronizer) selectLocked(conv chat.Conversation, keepMessages bool) chan struct{} {
	done := s.stopPollingLocked()
	s.gen++
	c := conv
	c.Messages = nil
	s.selected = &c
	s.session = &PollingSession{ConversationID: conv.ID, ThreadID: conv.ThreadID}
	s.health = rate.NewLimiter(rate.Every(s.opts.HealthInterval), 1)
	s.clearSuggestionsLocked()
	if !keepMessages {
		s.messages = nil
		s.inflight = make(map[int]bool)
		s.loading = true
	}
	return done
}

// Deselect drops the selection and releases its polling session.
func (s *Synchronizer) Deselect() {
	s.mu.Lock()
	done := s.deselectLocked()
	v := s.viewLocked()
	s.mu.Unlock()

	waitFor(done)
	s.emit(v, "")
}

func (s *Synchronizer) deselectLocked() chan struct{} {
	done := s.stopPollingLocked()
	s.gen++
	s.selected = nil
	s.session = nil
	s.health = nil
	s.messages = nil
	s.inflight = make(map[int]bool)
	s.loading = false
	s.state = Idle
	s.clearSuggestionsLocked()
	return done
}

// Close stops polling and waits for background work to finish.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	done := s.deselectLocked()
	s.mu.Unlock()

	s.cancel()
	waitFor(done)
	s.wg.Wait()
}

// Send posts a user message. Without a selection a conversation is created
// first and selected. The message shows up immediately as a pending entry.
func (s *Synchronizer) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case Creating, Sending, Polling:
		s.mu.Unlock()
		return ErrBusy
	}

	s.clearSuggestionsLocked()
	s.nextOrdinal++
	ordinal := s.nextOrdinal
	pending := chat.NewPending(content, ordinal)
	s.inflight[ordinal] = true

	if s.selected == nil {
		return s.create(ctx, content, pending)
	}

	s.messages = append(s.messages, pending)
	s.state = Sending
	gen, threadID := s.gen, s.selected.ThreadID
	v := s.viewLocked()
	s.mu.Unlock()

	s.emit(v, "")
	return s.send(ctx, gen, threadID, content, ordinal)
}

// create runs the Creating path. Called with s.mu held; returns unlocked.
func (s *Synchronizer) create(ctx context.Context, content string, pending chat.Message) error {
	s.messages = []chat.Message{pending}
	s.state = Creating
	gen := s.gen
	v := s.viewLocked()
	s.mu.Unlock()
	s.emit(v, "")

	conv, err := s.remote.CreateConversation(ctx, content)

	s.mu.Lock()
	if s.gen != gen {
		delete(s.inflight, pending.Ordinal)
		s.mu.Unlock()
		s.logger.Debug("discarding create response for stale selection")
		return ErrSuperseded
	}
	if err != nil {
		delete(s.inflight, pending.Ordinal)
		v := s.failLocked()
		s.mu.Unlock()
		s.emit(v, ToastSendFailed)
		return err
	}

	s.conversations = append([]chat.Conversation{conv}, s.conversations...)
	// The new thread holds nothing but the optimistic message, so the
	// selection is not fetched.
	done := s.selectLocked(conv, true)
	s.loading = false
	s.state = Sending
	gen = s.gen
	v = s.viewLocked()
	s.mu.Unlock()

	waitFor(done)
	s.emit(v, "")
	return s.send(ctx, gen, conv.ThreadID, content, pending.Ordinal)
}

func (s *Synchronizer) send(ctx context.Context, gen uint64, threadID, content string, ordinal int) error {
	resp, err := s.remote.SendMessage(ctx, threadID, content)

	s.mu.Lock()
	delete(s.inflight, ordinal)
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding send response for stale selection", "thread_id", threadID)
		return ErrSuperseded
	}
	if err != nil {
		v := s.failLocked()
		s.mu.Unlock()
		s.emit(v, ToastSendFailed)
		return err
	}

	if resp.ID != "" {
		chat.ConfirmPending(s.messages, ordinal, resp.ID)
	}
	// Fetches issued before this point cannot know about the message.
	s.fetchFloor = s.fetchSeq
	if resp.RequiresPolling {
		s.session.IsPolling = true
		s.state = Polling
		s.startPollingLocked()
	} else {
		s.state = Settled
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.emit(v, "")
	return nil
}

// FetchMore loads the page older than latestMessageID. An empty page marks
// the conversation fully loaded; after that the request is still made but
// its answer is ignored until the conversation is selected again.
func (s *Synchronizer) FetchMore(ctx context.Context, latestMessageID string) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return ErrNoConversation
	}
	if latestMessageID == "" {
		s.mu.Unlock()
		return nil
	}
	gen, threadID := s.gen, s.session.ThreadID
	exhausted := s.session.AllMessagesLoaded
	s.mu.Unlock()

	page, err := s.remote.RetrieveMessages(ctx, threadID, latestMessageID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if exhausted {
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("ignoring page fetch error after all messages loaded", "error", err)
		}
		return nil
	}
	if err != nil {
		v := s.failLocked()
		s.mu.Unlock()
		s.emit(v, ToastLoadFailed)
		return err
	}

	if len(page.Messages) == 0 {
		s.session.AllMessagesLoaded = true
	} else {
		s.messages = prependOlder(page.Messages, s.messages)
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.emit(v, "")
	return nil
}

// prependOlder puts an older page in front of the cache, skipping messages
// already present.
func prependOlder(older, current []chat.Message) []chat.Message {
	seen := make(map[string]bool, len(current))
	for _, m := range current {
		if !m.IsPending() {
			seen[m.ID] = true
		}
	}
	out := make([]chat.Message, 0, len(older)+len(current))
	for _, m := range older {
		if !seen[m.ID] {
			out = append(out, m.Clone())
		}
	}
	return append(out, current...)
}

// Refresh fetches the selected thread once.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return ErrNoConversation
	}
	threadID := s.session.ThreadID
	gen, seq := s.beginFetchLocked()
	s.mu.Unlock()

	page, err := s.remote.RetrieveMessages(ctx, threadID, "")
	return s.applyFetch(gen, seq, page, err)
}

// beginFetchLocked numbers a full fetch of the current selection.
func (s *Synchronizer) beginFetchLocked() (gen, seq uint64) {
	s.fetchSeq++
	return s.gen, s.fetchSeq
}

// applyFetch reconciles a full fetch into the cache: the remote list
// replaces the local one, keeping only messages still in flight.
func (s *Synchronizer) applyFetch(gen, seq uint64, page client.Page, err error) error {
	s.mu.Lock()
	if s.gen != gen || s.session == nil {
		s.mu.Unlock()
		s.logger.Debug("discarding fetch response for stale selection")
		return ErrSuperseded
	}
	if seq <= s.fetchFloor {
		s.mu.Unlock()
		s.logger.Debug("discarding fetch response overtaken by newer state", "seq", seq)
		return ErrSuperseded
	}
	s.fetchFloor = seq
	if err != nil {
		v := s.failLocked()
		s.mu.Unlock()
		s.emit(v, ToastLoadFailed)
		return err
	}

	s.messages = chat.Reconcile(s.messages, page.Messages, s.inflight)
	s.loading = false

	if page.RequiresPolling {
		s.session.IsPolling = true
		if s.state != Creating && s.state != Sending {
			s.state = Polling
		}
		s.startPollingLocked()
	} else {
		s.session.IsPolling = false
		s.stopPollingLocked()
		if s.state == Polling {
			s.state = Settled
		}
		s.maybeSuggestLocked()
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.emit(v, "")
	return nil
}

// failLocked leaves Polling and Sending after a SyncError. Local messages,
// including optimistic ones, stay as they are.
func (s *Synchronizer) failLocked() View {
	s.loading = false
	s.state = Idle
	if s.session != nil {
		s.session.IsPolling = false
	}
	s.stopPollingLocked()
	return s.viewLocked()
}

func (s *Synchronizer) startPollingLocked() {
	if s.pollCancel != nil || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.pollCancel, s.pollDone = cancel, done

	gen := s.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.pollLoop(ctx, gen)
	}()
}

// stopPollingLocked cancels the polling loop. The loop may still be
// finishing a tick; callers that must not overlap with it wait on the
// returned channel after unlocking.
func (s *Synchronizer) stopPollingLocked() chan struct{} {
	if s.pollCancel == nil {
		return nil
	}
	s.pollCancel()
	done := s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	return done
}

func waitFor(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func (s *Synchronizer) clearSuggestionsLocked() {
	s.suggestions = nil
	s.suggestGen++
}
