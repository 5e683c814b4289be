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

// Package schedule manages cron and one-shot schedules and runs the
// leader-elected loop that fires their HTTP actions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"mech/pkg/mech"
)

// cronParser accepts standard five-field expressions with an optional
// leading seconds field, plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	// ErrBadCron is returned for unparseable cron expressions.
	ErrBadCron = errors.New("invalid cron expression")
	// ErrBadTimezone is returned for unknown IANA timezone names.
	ErrBadTimezone = errors.New("invalid timezone")
	// ErrPastAt is returned when a one-shot trigger is not in the future.
	ErrPastAt = errors.New("one-shot time must be in the future")
)

// Store is the persistence surface the schedule service needs.
type Store interface {
	InsertSchedule(ctx context.Context, sc *mech.Schedule) error
	GetSchedule(ctx context.Context, id string) (*mech.Schedule, error)
	ListSchedules(ctx context.Context, applicationID string, offset, limit int) ([]mech.Schedule, error)
	UpdateSchedule(ctx context.Context, sc *mech.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]mech.Schedule, error)
	ClaimSchedule(ctx context.Context, id string, observedNext time.Time, newNext *time.Time) (bool, error)
	RecordExecution(ctx context.Context, id string, status mech.ExecutionStatus, execErr string, at time.Time) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error
}

// Service validates and persists schedules with their next-fire bookkeeping.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService constructs a Service.
func NewService(st Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log}
}

// Create validates and persists a new schedule owned by applicationID.
func (s *Service) Create(ctx context.Context, sc *mech.Schedule) (*mech.Schedule, error) {
	if err := validate(sc); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sc.ID = uuid.NewString()
	sc.Enabled = true
	sc.CreatedAt = now
	sc.UpdatedAt = now
	sc.ExecutionCount = 0
	if sc.RetryPolicy == nil {
		def := mech.DefaultRetryConfig()
		sc.RetryPolicy = &def
	}

	next, err := NextFire(sc, now)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrPastAt
	}
	sc.NextExecutionAt = next

	if err := s.store.InsertSchedule(ctx, sc); err != nil {
		return nil, err
	}
	s.log.Info("schedule created", "id", sc.ID, "name", sc.Name, "next", next)
	return sc, nil
}

// Update rewrites a schedule's definition and recomputes its next fire.
func (s *Service) Update(ctx context.Context, id string, mutate func(*mech.Schedule) error) (*mech.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(sc); err != nil {
		return nil, err
	}
	if err := validate(sc); err != nil {
		return nil, err
	}

	if sc.Enabled {
		next, err := NextFire(sc, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		sc.NextExecutionAt = next
		if next == nil {
			sc.Enabled = false
		}
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Get returns a schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*mech.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns an application's schedules.
func (s *Service) List(ctx context.Context, applicationID string, offset, limit int) ([]mech.Schedule, error) {
	return s.store.ListSchedules(ctx, applicationID, offset, limit)
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// SetEnabled toggles a schedule. Enabling recomputes the next fire from now.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	var next *time.Time
	if enabled {
		next, err = NextFire(sc, time.Now().UTC())
		if err != nil {
			return err
		}
		if next == nil {
			return ErrPastAt
		}
	}
	return s.store.SetScheduleEnabled(ctx, id, enabled, next)
}

func validate(sc *mech.Schedule) error {
	if sc.Name == "" {
		return errors.New("schedule name required")
	}
	if err := sc.ValidateTrigger(); err != nil {
		return err
	}
	if sc.Cron != "" {
		if _, err := cronParser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadCron, sc.Cron, err)
		}
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrBadTimezone, sc.Timezone)
		}
	}
	if sc.Limit < 0 {
		return errors.New("execution limit must be >= 0")
	}
	if sc.Endpoint != nil && sc.Endpoint.URL == "" {
		return errors.New("endpoint url required")
	}
	return nil
}

// NextFire computes the next execution strictly after `after`, or nil when
// the schedule is exhausted (one-shot done, past end date, or at its
// execution limit). Missed cron fires coalesce: the next fire is computed
// from `after`, never replayed per missed slot.
func NextFire(sc *mech.Schedule, after time.Time) (*time.Time, error) {
	if sc.Limit > 0 && sc.ExecutionCount >= sc.Limit {
		return nil, nil
	}

	if sc.At != nil {
		if sc.At.After(after) {
			t := sc.At.UTC()
			return &t, nil
		}
		return nil, nil
	}

	loc, err := sc.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimezone, sc.Timezone)
	}
	parsed, err := cronParser.Parse(sc.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadCron, sc.Cron, err)
	}

	next := parsed.Next(after.In(loc)).UTC()
	if next.IsZero() {
		return nil, nil
	}
	if sc.EndDate != nil && next.After(*sc.EndDate) {
		return nil, nil
	}
	return &next, nil
}
