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

	"mech/pkg/mech"
)

// UpsertQueue persists a queue's declared configuration. An existing row is
// overwritten; the paused flag is preserved on update.
func (s *Store) UpsertQueue(ctx context.Context, q *mech.Queue) error {
	defaults, err := json.Marshal(q.DefaultJobOptions)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var rl any
	if q.RateLimit != nil {
		b, err := json.Marshal(q.RateLimit)
		if err != nil {
			return fmt.Errorf("marshal rate limit: %w", err)
		}
		rl = string(b)
	}

	const stmt = `
INSERT INTO queues (name, defaults_json, paused, rate_limit_json)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  defaults_json=excluded.defaults_json,
  rate_limit_json=excluded.rate_limit_json`
	_, err = s.db.ExecContext(ctx, stmt, q.Name, string(defaults), boolToInt(q.Paused), rl)
	if err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}
	return nil
}

// GetQueue returns a queue by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*mech.Queue, error) {
	const q = `SELECT name, defaults_json, paused, rate_limit_json FROM queues WHERE name=?`
	row := s.db.QueryRowContext(ctx, q, name)
	queue, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return queue, nil
}

// ListQueues returns every known queue ordered by name.
func (s *Store) ListQueues(ctx context.Context) ([]mech.Queue, error) {
	const q = `SELECT name, defaults_json, paused, rate_limit_json FROM queues ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var queues []mech.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, *queue)
	}
	return queues, rows.Err()
}

// SetQueuePaused flips the durable paused flag on a queue.
func (s *Store) SetQueuePaused(ctx context.Context, name string, paused bool) error {
	const q = `UPDATE queues SET paused=? WHERE name=?`
	return s.execOne(ctx, q, boolToInt(paused), name)
}

func scanQueue(row rowScanner) (*mech.Queue, error) {
	var q mech.Queue
	var defaults string
	var paused int
	var rl sql.NullString
	if err := row.Scan(&q.Name, &defaults, &paused, &rl); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defaults), &q.DefaultJobOptions); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	q.Paused = paused != 0
	if rl.Valid {
		var limit mech.RateLimit
		if err := json.Unmarshal([]byte(rl.String), &limit); err != nil {
			return nil, fmt.Errorf("unmarshal rate limit: %w", err)
		}
		q.RateLimit = &limit
	}
	return &q, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
