package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	maxRetryDelay      = 5 * time.Minute
)

// retryDelay is the wait before attempt n+1 after n failures: 2s, 4s, 8s and
// so on, capped at maxRetryDelay.
func retryDelay(failures int) time.Duration {
	if failures > 8 {
		return maxRetryDelay
	}
	return min(time.Duration(1<<failures)*time.Second, maxRetryDelay)
}

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob adds a pending job. A zero RunAfter makes it due immediately.
func (s *Store) EnqueueJob(job Job) error {
	return insertJob(s.db, job)
}

func insertJob(tx execer, job Job) error {
	now := formatTS(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTS(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if _, err := tx.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	); err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job of one of the given types to
// running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTS(time.Now())

	args := []any{now, now}
	for _, t := range types {
		args = append(args, t)
	}
	query := `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ?
			  AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTS(time.Now()), id)
	return err
}

// FailJob records a failed attempt. The job goes back to pending after a
// backoff, or to failed once it has used its attempts; final reports the
// latter.
func (s *Store) FailJob(id string, errMsg string) (final bool, err error) {
	var attempts, maxAttempts int
	if err := s.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts); err != nil {
		return false, fmt.Errorf("loading job %s: %w", id, err)
	}
	attempts++
	final = attempts >= maxAttempts

	now := time.Now()
	status := "pending"
	if final {
		status = "failed"
	}
	_, err = s.db.Exec(`
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, formatTS(now.Add(retryDelay(attempts))), formatTS(now), id)
	if err != nil {
		return false, fmt.Errorf("failing job %s: %w", id, err)
	}
	return final, nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTS(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = parseTS(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}
