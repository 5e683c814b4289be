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

const scheduleColumns = `id, application_id, name, cron, timezone, at, end_date, exec_limit, endpoint_json, retry_json, enabled, created_by, created_at, updated_at, last_executed_at, last_execution_status, last_execution_error, next_execution_at, execution_count`

// InsertSchedule persists a new schedule. Names are unique per application.
func (s *Store) InsertSchedule(ctx context.Context, sc *mech.Schedule) error {
	endpoint, retry, err := marshalScheduleConfigs(sc)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO schedules (` + scheduleColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		sc.ID, sc.ApplicationID, sc.Name,
		nullIfEmpty(sc.Cron), nullIfEmpty(sc.Timezone), nullTime(sc.At), nullTime(sc.EndDate),
		sc.Limit, endpoint, retry, boolToInt(sc.Enabled), nullIfEmpty(sc.CreatedBy),
		sc.CreatedAt.UTC(), sc.UpdatedAt.UTC(),
		nullTime(sc.LastExecutedAt), nullIfEmpty(string(sc.LastExecutionStatus)), nullIfEmpty(sc.LastExecutionError),
		nullTime(sc.NextExecutionAt), sc.ExecutionCount)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("schedule %s/%s: %w", sc.ApplicationID, sc.Name, ErrConflict)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule with id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*mech.Schedule, error) {
	const q = `SELECT ` + scheduleColumns + ` FROM schedules WHERE id=?`
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// GetScheduleByName returns an application's schedule by its unique name.
func (s *Store) GetScheduleByName(ctx context.Context, applicationID, name string) (*mech.Schedule, error) {
	const q = `SELECT ` + scheduleColumns + ` FROM schedules WHERE application_id=? AND name=?`
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, q, applicationID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule by name: %w", err)
	}
	return sc, nil
}

// ListSchedules returns an application's schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context, applicationID string, offset, limit int) ([]mech.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT ` + scheduleColumns + ` FROM schedules WHERE application_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, applicationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// UpdateSchedule rewrites a schedule's user-editable fields and bumps
// updated_at. Execution bookkeeping is not touched here.
func (s *Store) UpdateSchedule(ctx context.Context, sc *mech.Schedule) error {
	endpoint, retry, err := marshalScheduleConfigs(sc)
	if err != nil {
		return err
	}

	const q = `
UPDATE schedules SET
  name=?, cron=?, timezone=?, at=?, end_date=?, exec_limit=?,
  endpoint_json=?, retry_json=?, enabled=?, next_execution_at=?, updated_at=?
WHERE id=?`
	err = s.execOne(ctx, q,
		sc.Name, nullIfEmpty(sc.Cron), nullIfEmpty(sc.Timezone), nullTime(sc.At), nullTime(sc.EndDate),
		sc.Limit, endpoint, retry, boolToInt(sc.Enabled), nullTime(sc.NextExecutionAt),
		time.Now().UTC(), sc.ID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("schedule %s/%s: %w", sc.ApplicationID, sc.Name, ErrConflict)
	}
	return err
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	const q = `DELETE FROM schedules WHERE id=?`
	return s.execOne(ctx, q, id)
}

// DueSchedules returns enabled schedules whose next execution is at or
// before now, soonest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]mech.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + scheduleColumns + ` FROM schedules
WHERE enabled=1 AND next_execution_at IS NOT NULL AND next_execution_at <= ?
ORDER BY next_execution_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// ClaimSchedule atomically advances a due schedule past the fire it is
// claiming: the update only applies while next_execution_at still equals
// the observed value, so concurrent claimers get exactly one winner.
// A nil newNext disables the schedule (one-shot exhausted, end date or
// execution limit reached).
func (s *Store) ClaimSchedule(ctx context.Context, id string, observedNext time.Time, newNext *time.Time) (bool, error) {
	const q = `
UPDATE schedules SET
  next_execution_at=?,
  enabled=CASE WHEN ? IS NULL THEN 0 ELSE enabled END,
  execution_count=execution_count+1,
  updated_at=?
WHERE id=? AND enabled=1 AND next_execution_at=?`
	res, err := s.db.ExecContext(ctx, q, nullTime(newNext), nullTime(newNext), time.Now().UTC(), id, observedNext.UTC())
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordExecution stores the outcome of a fired schedule action.
func (s *Store) RecordExecution(ctx context.Context, id string, status mech.ExecutionStatus, execErr string, at time.Time) error {
	const q = `
UPDATE schedules SET last_executed_at=?, last_execution_status=?, last_execution_error=?, updated_at=?
WHERE id=?`
	return s.execOne(ctx, q, at.UTC(), string(status), nullIfEmpty(execErr), time.Now().UTC(), id)
}

// SetScheduleEnabled toggles a schedule, recomputed next fire included.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error {
	const q = `UPDATE schedules SET enabled=?, next_execution_at=?, updated_at=? WHERE id=?`
	return s.execOne(ctx, q, boolToInt(enabled), nullTime(next), time.Now().UTC(), id)
}

func marshalScheduleConfigs(sc *mech.Schedule) (endpoint, retry any, err error) {
	if sc.Endpoint != nil {
		b, err := json.Marshal(sc.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal endpoint: %w", err)
		}
		endpoint = string(b)
	}
	if sc.RetryPolicy != nil {
		b, err := json.Marshal(sc.RetryPolicy)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal retry policy: %w", err)
		}
		retry = string(b)
	}
	return endpoint, retry, nil
}

func scanSchedule(row rowScanner) (*mech.Schedule, error) {
	var sc mech.Schedule
	var cron, tz, createdBy, lastStatus, lastErr sql.NullString
	var endpoint, retry sql.NullString
	var at, endDate, lastExecuted, nextExecution sql.NullTime
	var enabled int

	err := row.Scan(&sc.ID, &sc.ApplicationID, &sc.Name, &cron, &tz, &at, &endDate,
		&sc.Limit, &endpoint, &retry, &enabled, &createdBy,
		&sc.CreatedAt, &sc.UpdatedAt,
		&lastExecuted, &lastStatus, &lastErr, &nextExecution, &sc.ExecutionCount)
	if err != nil {
		return nil, err
	}

	sc.Cron = fromNullString(cron)
	sc.Timezone = fromNullString(tz)
	sc.At = fromNullTimePtr(at)
	sc.EndDate = fromNullTimePtr(endDate)
	sc.Enabled = enabled != 0
	sc.CreatedBy = fromNullString(createdBy)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	sc.LastExecutedAt = fromNullTimePtr(lastExecuted)
	sc.LastExecutionStatus = mech.ExecutionStatus(fromNullString(lastStatus))
	sc.LastExecutionError = fromNullString(lastErr)
	sc.NextExecutionAt = fromNullTimePtr(nextExecution)

	if endpoint.Valid {
		var ep mech.Endpoint
		if err := json.Unmarshal([]byte(endpoint.String), &ep); err != nil {
			return nil, fmt.Errorf("unmarshal endpoint: %w", err)
		}
		sc.Endpoint = &ep
	}
	if retry.Valid {
		var rc mech.RetryConfig
		if err := json.Unmarshal([]byte(retry.String), &rc); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy: %w", err)
		}
		sc.RetryPolicy = &rc
	}
	return &sc, nil
}
