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
	"time"

	"mech/pkg/mech"
)

const subscriptionColumns = `id, application_id, endpoint_json, events_json, filters_json, secret, retry_json, active, failure_count, last_triggered_at, created_at`

// InsertSubscription persists a new webhook subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *mech.Subscription) error {
	endpoint, err := json.Marshal(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	retry, err := json.Marshal(sub.RetryConfig)
	if err != nil {
		return fmt.Errorf("marshal retry config: %w", err)
	}

	const q = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		sub.ID, sub.ApplicationID, string(endpoint), string(events), string(filters),
		sub.Secret, string(retry), boolToInt(sub.Active), sub.FailureCount,
		nullTime(sub.LastTriggeredAt), sub.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*mech.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=?`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns an application's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, applicationID string) ([]mech.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE application_id=? ORDER BY created_at DESC, id DESC`
	return s.querySubscriptions(ctx, q, applicationID)
}

// ActiveSubscriptions returns an application's active subscriptions, the
// candidate set for event delivery.
func (s *Store) ActiveSubscriptions(ctx context.Context, applicationID string) ([]mech.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE application_id=? AND active=1`
	return s.querySubscriptions(ctx, q, applicationID)
}

// AllActiveSubscriptions returns every active subscription across tenants,
// used for queue-level events that carry no application id.
func (s *Store) AllActiveSubscriptions(ctx context.Context) ([]mech.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE active=1`
	return s.querySubscriptions(ctx, q)
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	const q = `DELETE FROM subscriptions WHERE id=?`
	return s.execOne(ctx, q, id)
}

// SetSubscriptionActive toggles delivery for a subscription. Reactivating
// clears the rolling failure window.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	if active {
		const q = `UPDATE subscriptions SET active=1, window_count=0, failure_window_start=NULL WHERE id=?`
		return s.execOne(ctx, q, id)
	}
	const q = `UPDATE subscriptions SET active=0 WHERE id=?`
	return s.execOne(ctx, q, id)
}

// TouchSubscription stamps a successful delivery time.
func (s *Store) TouchSubscription(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE subscriptions SET last_triggered_at=? WHERE id=?`
	return s.execOne(ctx, q, at.UTC(), id)
}

// RecordDeliveryFailure counts an exhausted delivery against the
// subscription's rolling failure window. When the count inside the window
// reaches threshold, the subscription is deactivated and true is returned.
func (s *Store) RecordDeliveryFailure(ctx context.Context, id string, now time.Time, threshold int64, window time.Duration) (deactivated bool, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var windowCount int64
		var windowStart sql.NullTime
		const sel = `SELECT window_count, failure_window_start FROM subscriptions WHERE id=?`
		if err := tx.QueryRowContext(ctx, sel, id).Scan(&windowCount, &windowStart); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		start := now.UTC()
		if windowStart.Valid && now.Sub(windowStart.Time) < window {
			start = windowStart.Time.UTC()
			windowCount++
		} else {
			windowCount = 1
		}

		active := 1
		if windowCount >= threshold {
			active = 0
			deactivated = true
		}

		const upd = `
UPDATE subscriptions SET
  failure_count=failure_count+1, window_count=?, failure_window_start=?, active=CASE WHEN ?=0 THEN 0 ELSE active END
WHERE id=?`
		_, err := tx.ExecContext(ctx, upd, windowCount, start, active, id)
		return err
	})
	return deactivated, err
}

func (s *Store) querySubscriptions(ctx context.Context, q string, args ...any) ([]mech.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func scanSubscription(row rowScanner) (*mech.Subscription, error) {
	var sub mech.Subscription
	var endpoint, events, filters, retry string
	var active int
	var lastTriggered sql.NullTime

	err := row.Scan(&sub.ID, &sub.ApplicationID, &endpoint, &events, &filters,
		&sub.Secret, &retry, &active, &sub.FailureCount, &lastTriggered, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(endpoint), &sub.Endpoint); err != nil {
		return nil, fmt.Errorf("unmarshal endpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &sub.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal([]byte(retry), &sub.RetryConfig); err != nil {
		return nil, fmt.Errorf("unmarshal retry config: %w", err)
	}
	sub.Active = active != 0
	sub.LastTriggeredAt = fromNullTimePtr(lastTriggered)
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}
