package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func createTestRun(t *testing.T, s *Store, runID string) Run {
	t.Helper()
	seedThread(t, s, "th-"+runID, 1)
	r := Run{ID: runID, ThreadID: "th-" + runID, MessageID: "th-" + runID + "-m0", Model: "m"}
	if err := s.CreateRun(r, Job{ID: "job-" + runID, Type: "thread_run", PayloadJSON: `{"run_id":"` + runID + `"}`}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

func TestCreateRun_QueuesJob(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	run, err := s.ActiveRun("th-r1")
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if run.ID != "r1" || run.Status != RunQueued || run.JobID != "job-r1" || !run.Active() {
		t.Errorf("run = %+v", run)
	}

	job, err := s.ClaimNextJob([]string{"thread_run"})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	if job.ID != "job-r1" {
		t.Errorf("job.ID = %q", job.ID)
	}
}

func TestOpenTurn_MessageAndRunTogether(t *testing.T) {
	s := openTestStore(t)
	seedThread(t, s, "th1", 2)

	msg, err := s.OpenTurn(
		Message{ID: "ask", ThreadID: "th1", Role: "user", Content: "next question"},
		Run{ID: "r1", ThreadID: "th1"},
		Job{ID: "job-r1", Type: "thread_run", PayloadJSON: `{"run_id":"r1"}`},
	)
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	if msg.Seq == 0 {
		t.Error("stored message has no seq")
	}

	run, err := s.ActiveRun("th1")
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if run.MessageID != "ask" {
		t.Errorf("run.MessageID = %q, want ask", run.MessageID)
	}
}

func TestOpenTurn_RefusesWhileRunActive(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	_, err := s.OpenTurn(
		Message{ID: "too-soon", ThreadID: "th-r1", Role: "user", Content: "hello?"},
		Run{ID: "r2", ThreadID: "th-r1"},
		Job{ID: "job-r2", Type: "thread_run", PayloadJSON: `{}`},
	)
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("OpenTurn = %v, want ErrRunActive", err)
	}
	if _, err := s.GetMessage("too-soon"); !errors.Is(err, ErrNotFound) {
		t.Errorf("refused turn stored its message: %v", err)
	}

	if err := s.FailRun("r1", "gave up"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	if _, err := s.OpenTurn(
		Message{ID: "retry", ThreadID: "th-r1", Role: "user", Content: "hello?"},
		Run{ID: "r2", ThreadID: "th-r1"},
		Job{ID: "job-r2", Type: "thread_run", PayloadJSON: `{}`},
	); err != nil {
		t.Errorf("OpenTurn after the run failed: %v", err)
	}
}

func TestOpenTurn_ConcurrentSendersGetOneRun(t *testing.T) {
	dir := t.TempDir()
	stores := make([]*Store, 2)
	for i := range stores {
		st, err := Open(dir)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		stores[i] = st
	}
	seedThread(t, stores[0], "th1", 1)

	const senders = 8
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprint(i)
			_, errs[i] = stores[i%2].OpenTurn(
				Message{ID: "ask-" + id, ThreadID: "th1", Role: "user", Content: "q"},
				Run{ID: "run-" + id, ThreadID: "th1"},
				Job{ID: "job-" + id, Type: "thread_run", PayloadJSON: `{}`},
			)
		}()
	}
	wg.Wait()

	opened := 0
	for i, err := range errs {
		switch {
		case err == nil:
			opened++
		case !errors.Is(err, ErrRunActive):
			t.Errorf("sender %d: %v", i, err)
		}
	}
	if opened != 1 {
		t.Errorf("%d turns opened, want exactly 1", opened)
	}

	var queued int
	if err := stores[0].DB().QueryRow(`SELECT COUNT(*) FROM runs WHERE thread_id = 'th1'`).Scan(&queued); err != nil {
		t.Fatalf("counting runs: %v", err)
	}
	if queued != 1 {
		t.Errorf("runs on thread = %d, want 1", queued)
	}
}

func TestOpenTurn_RollsBackOnDuplicateRun(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	_, err := s.OpenTurn(
		Message{ID: "dup-ask", ThreadID: "th-other", Role: "user", Content: "again"},
		Run{ID: "r1", ThreadID: "th-other"},
		Job{ID: "job-other", Type: "thread_run", PayloadJSON: `{}`},
	)
	if err == nil {
		t.Fatal("expected error for duplicate run id")
	}
	if _, err := s.GetMessage("dup-ask"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage err = %v, want ErrNotFound after rollback", err)
	}
}

func TestActiveRun_NoneWhenFinished(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	attempt, err := s.StartRun("r1")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := s.CompleteRun("r1", attempt, Message{ID: "reply", ThreadID: "th-r1", Role: "assistant", Content: "ok"}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if _, err := s.ActiveRun("th-r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveRun err = %v, want ErrNotFound", err)
	}
	msgs, err := s.ThreadMessages("th-r1")
	if err != nil {
		t.Fatalf("ThreadMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != "reply" {
		t.Errorf("thread = %v", ids(msgs))
	}
}

func TestRequeueRun_InvalidatesRunningAttempt(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	if _, err := s.ClaimNextJob([]string{"thread_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	stale, err := s.StartRun("r1")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := s.RequeueRun("r1"); err != nil {
		t.Fatalf("RequeueRun: %v", err)
	}

	if err := s.TouchRun("r1", stale); !errors.Is(err, ErrStaleRun) {
		t.Errorf("TouchRun(stale) = %v, want ErrStaleRun", err)
	}
	if _, err := s.CompleteRun("r1", stale, Message{ID: "late", ThreadID: "th-r1", Role: "assistant"}); !errors.Is(err, ErrStaleRun) {
		t.Errorf("CompleteRun(stale) = %v, want ErrStaleRun", err)
	}
	if _, err := s.GetMessage("late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale attempt wrote a message: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"thread_run"})
	if err != nil || job == nil {
		t.Fatalf("requeued job not claimable: %v, %v", job, err)
	}

	fresh, err := s.StartRun("r1")
	if err != nil {
		t.Fatalf("StartRun after requeue: %v", err)
	}
	if fresh <= stale {
		t.Errorf("attempt %d not newer than %d", fresh, stale)
	}
	if err := s.TouchRun("r1", fresh); err != nil {
		t.Errorf("TouchRun(fresh): %v", err)
	}
}

func TestRequeueRun_FinishedRun(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	if err := s.FailRun("r1", "boom"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	if err := s.RequeueRun("r1"); !errors.Is(err, ErrStaleRun) {
		t.Errorf("RequeueRun(failed) = %v, want ErrStaleRun", err)
	}
	if err := s.RequeueRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequeueRun(missing) = %v, want ErrNotFound", err)
	}

	run, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunFailed || run.LastError != "boom" {
		t.Errorf("run = %+v", run)
	}
}

func TestReleaseRun_BackToQueued(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	attempt, err := s.StartRun("r1")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.ReleaseRun("r1", attempt, "provider 503"); err != nil {
		t.Fatalf("ReleaseRun: %v", err)
	}

	run, err := s.ActiveRun("th-r1")
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if run.Status != RunQueued || run.LastError != "provider 503" {
		t.Errorf("run = %+v", run)
	}
}

func TestStartRun_Completed(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1")

	attempt, _ := s.StartRun("r1")
	if _, err := s.CompleteRun("r1", attempt, Message{ID: "reply", ThreadID: "th-r1", Role: "assistant"}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if _, err := s.StartRun("r1"); !errors.Is(err, ErrStaleRun) {
		t.Errorf("StartRun(completed) = %v, want ErrStaleRun", err)
	}
	if _, err := s.StartRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StartRun(missing) = %v, want ErrNotFound", err)
	}
}
