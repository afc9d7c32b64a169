package syncer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatsync/internal/chat"
)

// suggestionContext is how many trailing messages accompany a suggestion
// request.
const suggestionContext = 4

func (s *Synchronizer) pollLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, gen) {
				return
			}
		}
	}
}

// tick runs one polling round: a full fetch and, when the limiter allows,
// a liveness probe. The two run side by side; the probe never touches
// message state. It returns false once the session stopped polling.
func (s *Synchronizer) tick(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen || s.session == nil || !s.session.IsPolling {
		s.mu.Unlock()
		return false
	}
	threadID := s.session.ThreadID
	_, seq := s.beginFetchLocked()
	now := s.opts.Now()
	probe := s.health.AllowN(now, 1)
	if probe {
		s.session.LastHealthCheckAt = now
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		page, err := s.remote.RetrieveMessages(ctx, threadID, "")
		if ctx.Err() != nil {
			return nil
		}
		s.applyFetch(gen, seq, page, err)
		return nil
	})
	if probe {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			status, err := s.remote.HealthCheck(pctx, threadID)
			if err != nil {
				s.logger.Warn("health check failed", "thread_id", threadID, "error", err)
				return nil
			}
			s.logger.Debug("health check", "thread_id", threadID, "status", status)
			return nil
		})
	}
	g.Wait()
	return true
}

// maybeSuggestLocked starts a suggestion fetch when the conversation is at
// rest and the newest message is the assistant's.
func (s *Synchronizer) maybeSuggestLocked() {
	if s.closed || s.session == nil || s.session.IsPolling || s.loading {
		return
	}
	if s.state == Creating || s.state == Sending {
		return
	}
	latest, ok := chat.Last(s.messages)
	if !ok || latest.Role != chat.RoleAssistant || latest.IsPending() {
		return
	}

	previous := chat.Tail(s.messages, suggestionContext)
	latest = latest.Clone()
	gen, sgen := s.gen, s.suggestGen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, suggestTimeout)
		defer cancel()
		list, err := s.remote.Suggestions(ctx, previous, latest)
		s.applySuggestions(gen, sgen, list, err)
	}()
}

// applySuggestions installs a suggestion set. Failures clear the set
// without telling the user.
func (s *Synchronizer) applySuggestions(gen, sgen uint64, list []string, err error) {
	s.mu.Lock()
	if s.gen != gen || s.suggestGen != sgen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.suggestions = nil
		s.logger.Debug("suggestions unavailable", "error", &SuggestionError{Err: err})
	} else {
		s.suggestions = list
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.emit(v, "")
}
