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

package mech

import (
	"encoding/json"
	"errors"
	"time"
)

// ExecutionStatus records the outcome of the most recent schedule fire.
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// Endpoint is the HTTP action a schedule invokes when it fires.
type Endpoint struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// RetryConfig controls retried delivery of schedule actions and webhooks:
// delay for attempt n is InitialDelayMs × BackoffMultiplier^(n-1).
type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialDelayMs    int64   `json:"initialDelayMs"`
}

// DefaultRetryConfig returns the delivery retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMs: 1000}
}

// Schedule is a cron or one-shot trigger. Exactly one of Cron or At is set.
// NextExecutionAt is always ≥ now while the schedule is enabled.
type Schedule struct {
	ID            string       `json:"id"`
	ApplicationID string       `json:"applicationId"`
	Name          string       `json:"name"`
	Cron          string       `json:"cron,omitempty"`
	Timezone      string       `json:"timezone,omitempty"` // IANA zone, defaults to UTC
	At            *time.Time   `json:"at,omitempty"`
	EndDate       *time.Time   `json:"endDate,omitempty"`
	Limit         int64        `json:"limit,omitempty"` // max executions, 0 = unlimited
	Endpoint      *Endpoint    `json:"endpoint,omitempty"`
	RetryPolicy   *RetryConfig `json:"retryPolicy,omitempty"`
	Enabled       bool         `json:"enabled"`
	CreatedBy     string       `json:"createdBy,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`

	// Execution bookkeeping.
	LastExecutedAt      *time.Time      `json:"lastExecutedAt,omitempty"`
	LastExecutionStatus ExecutionStatus `json:"lastExecutionStatus,omitempty"`
	LastExecutionError  string          `json:"lastExecutionError,omitempty"`
	NextExecutionAt     *time.Time      `json:"nextExecutionAt,omitempty"`
	ExecutionCount      int64           `json:"executionCount"`
}

// ErrTriggerShape is returned when a schedule does not carry exactly one of
// cron or at.
var ErrTriggerShape = errors.New("schedule requires exactly one of cron or at")

// ValidateTrigger checks the cron/at exclusivity invariant.
func (s *Schedule) ValidateTrigger() error {
	hasCron := s.Cron != ""
	hasAt := s.At != nil
	if hasCron == hasAt {
		return ErrTriggerShape
	}
	return nil
}

// Location resolves the schedule's IANA timezone, defaulting to UTC.
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
