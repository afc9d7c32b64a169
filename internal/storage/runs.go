package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, thread_id, message_id, job_id, status, model, attempt, last_error, created_at, updated_at`

// CreateRun stores a queued run together with the job that will execute it.
func (s *Store) CreateRun(r Run, job Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(tx, r, job); err != nil {
		return err
	}
	return tx.Commit()
}

// OpenTurn appends a user message and queues the run that answers it, in one
// transaction. r.MessageID is set to msg.ID. It fails with ErrRunActive when
// the thread already has a queued or in-progress run.
func (s *Store) OpenTurn(msg Message, r Run, job Job) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE thread_id = ? AND status IN ('queued', 'in_progress')`, r.ThreadID).Scan(&active); err != nil {
		return Message{}, fmt.Errorf("checking active run: %w", err)
	}
	if active > 0 {
		return Message{}, ErrRunActive
	}

	stored, err := appendMessage(tx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	r.MessageID = stored.ID
	if err := insertRun(tx, r, job); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return stored, nil
}

func insertRun(tx execer, r Run, job Job) error {
	now := formatTS(time.Now())
	if _, err := tx.Exec(`
		INSERT INTO runs (id, thread_id, message_id, job_id, status, model, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		r.ID, r.ThreadID, r.MessageID, job.ID, RunQueued, r.Model, now, now,
	); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return insertJob(tx, job)
}

func (s *Store) GetRun(id string) (Run, error) {
	return scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

// ActiveRun returns the newest queued or in-progress run of a thread.
func (s *Store) ActiveRun(threadID string) (Run, error) {
	return scanRun(s.db.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE thread_id = ? AND status IN ('queued', 'in_progress')
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID))
}

// StartRun marks a run in progress and returns its new attempt number.
// Only the holder of the latest attempt may touch or finish the run.
func (s *Store) StartRun(id string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'in_progress', attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'in_progress')`,
		formatTS(time.Now()), id)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		if _, err := s.GetRun(id); err != nil {
			return 0, err
		}
		return 0, ErrStaleRun
	}

	var attempt int
	if err := s.db.QueryRow(`SELECT attempt FROM runs WHERE id = ?`, id).Scan(&attempt); err != nil {
		return 0, err
	}
	return attempt, nil
}

// TouchRun records progress on an attempt.
func (s *Store) TouchRun(id string, attempt int) error {
	res, err := s.db.Exec(`
		UPDATE runs SET updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'in_progress'`,
		formatTS(time.Now()), id, attempt)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStaleRun)
}

// CompleteRun appends the assistant message and completes the run in one
// transaction. A superseded attempt gets ErrStaleRun and writes nothing.
func (s *Store) CompleteRun(id string, attempt int, reply Message) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE runs SET status = 'completed', last_error = NULL, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'in_progress'`,
		formatTS(time.Now()), id, attempt)
	if err != nil {
		return Message{}, err
	}
	if err := requireRow(res, ErrStaleRun); err != nil {
		return Message{}, err
	}

	stored, err := appendMessage(tx, reply)
	if err != nil {
		return Message{}, fmt.Errorf("appending reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing completion: %w", err)
	}
	return stored, nil
}

// ReleaseRun puts an attempt back to queued after a retryable failure.
func (s *Store) ReleaseRun(id string, attempt int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'queued', last_error = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'in_progress'`,
		errMsg, formatTS(time.Now()), id, attempt)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStaleRun)
}

// FailRun marks a run permanently failed.
func (s *Store) FailRun(id string, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'in_progress')`,
		errMsg, formatTS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStaleRun)
}

// RequeueRun hands an active run back to the queue so a fresh attempt picks
// it up immediately. The attempt that was running can no longer finish it.
func (s *Store) RequeueRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID, status string
	err = tx.QueryRow(`SELECT job_id, status FROM runs WHERE id = ?`, id).Scan(&jobID, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != RunQueued && status != RunInProgress {
		return ErrStaleRun
	}

	// Bumping the attempt invalidates whoever holds the current one.
	if _, err := tx.Exec(`
		UPDATE runs SET status = 'queued', attempt = attempt + 1, updated_at = ?
		WHERE id = ?`, formatTS(time.Now()), id); err != nil {
		return err
	}

	now := formatTS(time.Now())
	if _, err := tx.Exec(`
		UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ?
		WHERE id = ? AND status IN ('running', 'pending')`, now, now, jobID); err != nil {
		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var lastError sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.ThreadID, &r.MessageID, &r.JobID, &r.Status, &r.Model,
		&r.Attempt, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.LastError = lastError.String
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
