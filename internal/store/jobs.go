// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mech/pkg/mech"
)

const jobColumns = `id, queue_name, application_id, data, options_json, priority, status, attempt_number, progress, result, error_json, created_at, started_at, completed_at, failed_at`

// InsertJob persists a new job document.
func (s *Store) InsertJob(ctx context.Context, j *mech.Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var errJSON any
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(b)
	}

	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		j.ID, j.QueueName, j.ApplicationID, string(j.Data), string(opts),
		j.Options.Priority, string(j.Status), j.AttemptNumber, j.Progress,
		rawOrNil(j.Result), errJSON,
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("job %s: %w", j.ID, ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job with id on the named queue.
func (s *Store) GetJob(ctx context.Context, queueName, id string) (*mech.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE queue_name=? AND id=?`
	row := s.db.QueryRowContext(ctx, q, queueName, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// MarkJobActive transitions a job to active with the attempt number the
// processing run uses, stamping startedAt.
func (s *Store) MarkJobActive(ctx context.Context, id string, attempt int, startedAt time.Time) error {
	const q = `
UPDATE jobs SET status=?, attempt_number=?, started_at=?, progress=0
WHERE id=?`
	return s.execOne(ctx, q, string(mech.JobStatusActive), attempt, startedAt.UTC(), id)
}

// UpdateJobProgress sets the progress percentage (0-100) of an active job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	const q = `UPDATE jobs SET progress=? WHERE id=?`
	return s.execOne(ctx, q, progress, id)
}

// MarkJobCompleted records the terminal completed state with the result.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	const q = `
UPDATE jobs SET status=?, result=?, progress=100, error_json=NULL, completed_at=?
WHERE id=?`
	return s.execOne(ctx, q, string(mech.JobStatusCompleted), rawOrNil(result), at.UTC(), id)
}

// MarkJobFailed records the terminal failed state with the captured error.
func (s *Store) MarkJobFailed(ctx context.Context, id string, jobErr *mech.JobError, at time.Time) error {
	b, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	const q = `
UPDATE jobs SET status=?, error_json=?, failed_at=?
WHERE id=?`
	return s.execOne(ctx, q, string(mech.JobStatusFailed), string(b), at.UTC(), id)
}

// MarkJobRetrying moves a failed attempt into delayed state pending its
// backoff, keeping the last error for observability.
func (s *Store) MarkJobRetrying(ctx context.Context, id string, jobErr *mech.JobError) error {
	b, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	const q = `UPDATE jobs SET status=?, error_json=? WHERE id=?`
	return s.execOne(ctx, q, string(mech.JobStatusDelayed), string(b), id)
}

// SetJobStatus sets the lifecycle status without touching other fields.
// Used for delayed→waiting promotion and stalled requeues.
func (s *Store) SetJobStatus(ctx context.Context, id string, status mech.JobStatus) error {
	const q = `UPDATE jobs SET status=? WHERE id=?`
	return s.execOne(ctx, q, string(status), id)
}

// SetQueueJobsStatus rewrites the status of every job on a queue currently
// in from-state. Used when pausing/resuming a queue.
func (s *Store) SetQueueJobsStatus(ctx context.Context, queueName string, from, to mech.JobStatus) (int64, error) {
	const q = `UPDATE jobs SET status=? WHERE queue_name=? AND status=?`
	res, err := s.db.ExecContext(ctx, q, string(to), queueName, string(from))
	if err != nil {
		return 0, fmt.Errorf("set queue jobs status: %w", err)
	}
	return res.RowsAffected()
}

// DeleteJob removes a job and (via cascade) its event log.
func (s *Store) DeleteJob(ctx context.Context, queueName, id string) error {
	const q = `DELETE FROM jobs WHERE queue_name=? AND id=?`
	res, err := s.db.ExecContext(ctx, q, queueName, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountJobsByStatus returns per-status counts for a queue.
func (s *Store) CountJobsByStatus(ctx context.Context, queueName string) (map[mech.JobStatus]int64, error) {
	const q = `SELECT status, COUNT(*) FROM jobs WHERE queue_name=? GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q, queueName)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[mech.JobStatus]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[mech.JobStatus(st)] = n
	}
	return counts, rows.Err()
}

// ListJobs returns jobs on a queue, optionally filtered by status, newest
// first, with offset/limit pagination.
func (s *Store) ListJobs(ctx context.Context, queueName string, status mech.JobStatus, offset, limit int) ([]mech.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE queue_name=?`
	args := []any{queueName}
	if status != "" {
		q += ` AND status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []mech.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CleanJobs bulk-removes terminal jobs older than grace, up to limit
// (0 = unlimited), returning the removed ids.
func (s *Store) CleanJobs(ctx context.Context, queueName string, status mech.JobStatus, grace time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-grace)

	q := `
SELECT id FROM jobs
WHERE queue_name=? AND status=? AND COALESCE(completed_at, failed_at, created_at) <= ?
ORDER BY COALESCE(completed_at, failed_at, created_at) ASC`
	args := []any{queueName, string(status), cutoff}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select clean candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return ids, nil
}

// ApplyRemovalPolicy enforces a retention policy after a terminal
// transition: jobs beyond MaxCount (newest retained) and jobs older than
// AgeSec are removed. Returns the removed ids.
func (s *Store) ApplyRemovalPolicy(ctx context.Context, queueName string, status mech.JobStatus, policy mech.RemovalPolicy) ([]string, error) {
	var removed []string

	if policy.MaxCount > 0 {
		const q = `
SELECT id FROM jobs
WHERE queue_name=? AND status=? AND id NOT IN (
  SELECT id FROM jobs WHERE queue_name=? AND status=?
  ORDER BY COALESCE(completed_at, failed_at, created_at) DESC, id DESC
  LIMIT ?
)`
		ids, err := s.selectIDs(ctx, q, queueName, string(status), queueName, string(status), policy.MaxCount)
		if err != nil {
			return nil, fmt.Errorf("removal policy count: %w", err)
		}
		removed = append(removed, ids...)
	}

	if policy.AgeSec > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(policy.AgeSec) * time.Second)
		const q = `
SELECT id FROM jobs
WHERE queue_name=? AND status=? AND COALESCE(completed_at, failed_at, created_at) <= ?`
		ids, err := s.selectIDs(ctx, q, queueName, string(status), cutoff)
		if err != nil {
			return nil, fmt.Errorf("removal policy age: %w", err)
		}
		for _, id := range ids {
			if !containsID(removed, id) {
				removed = append(removed, id)
			}
		}
	}

	for _, id := range removed {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return removed, nil
}

// AppendJobEvent adds an entry to a job's event log.
func (s *Store) AppendJobEvent(ctx context.Context, ev *mech.JobEvent) error {
	const q = `INSERT INTO job_events (job_id, time, level, message, step) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, ev.JobID, ev.Time.UTC(), ev.Level.String(), ev.Message, nullStringPtr(ev.Step))
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListJobEvents returns a job's event log in chronological order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]mech.JobEvent, error) {
	const q = `SELECT id, job_id, time, level, message, step FROM job_events WHERE job_id=? ORDER BY time ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []mech.JobEvent
	for rows.Next() {
		var ev mech.JobEvent
		var level string
		var step sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Time, &level, &ev.Message, &step); err != nil {
			return nil, err
		}
		ev.Level = mech.EventLevel(level)
		ev.Step = fromNullStringPtr(step)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --------------- scan helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*mech.Job, error) {
	var j mech.Job
	var data, opts, status string
	var result, errJSON sql.NullString
	var started, completed, failed sql.NullTime

	err := row.Scan(&j.ID, &j.QueueName, &j.ApplicationID, &data, &opts,
		&j.Options.Priority, &status, &j.AttemptNumber, &j.Progress,
		&result, &errJSON, &j.CreatedAt, &started, &completed, &failed)
	if err != nil {
		return nil, err
	}

	j.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	j.Status = mech.JobStatus(status)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid {
		var je mech.JobError
		if err := json.Unmarshal([]byte(errJSON.String), &je); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
		j.Error = &je
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = fromNullTimePtr(started)
	j.CompletedAt = fromNullTimePtr(completed)
	j.FailedAt = fromNullTimePtr(failed)
	return &j, nil
}

func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) selectIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
