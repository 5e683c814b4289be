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

package schedule

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"mech/internal/metrics"
	"mech/pkg/mech"
)

const leaseName = "scheduler"

// Leases is the leadership surface the runner needs.
type Leases interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string)
}

// RunnerOptions tune the scheduler loop.
type RunnerOptions struct {
	// Holder identifies this instance in the leadership lease.
	Holder string
	// LeaseTTL bounds how long a dead leader blocks takeover.
	LeaseTTL time.Duration
	// PollInterval is the due-schedule scan cadence while leading.
	PollInterval time.Duration
	// ActionTimeout caps one endpoint invocation when the endpoint sets none.
	ActionTimeout time.Duration
}

func (o *RunnerOptions) withDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
}

// Runner fires due schedules. Any number of replicas may run; a Redis
// lease elects one leader at a time, and the per-schedule claim CAS keeps
// fires exactly-once even across leadership churn.
type Runner struct {
	store  Store
	leases Leases
	client *http.Client
	log    *slog.Logger
	opts   RunnerOptions
}

// NewRunner constructs a Runner.
func NewRunner(st Store, leases Leases, client *http.Client, log *slog.Logger, opts RunnerOptions) *Runner {
	opts.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: opts.ActionTimeout}
	}
	return &Runner{store: st, leases: leases, client: client, log: log, opts: opts}
}

// Run competes for leadership and, while leading, scans and fires due
// schedules until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	leading := false
	defer func() {
		if leading {
			r.leases.ReleaseLease(context.Background(), leaseName, r.opts.Holder)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if leading {
			ok, err := r.leases.RenewLease(ctx, leaseName, r.opts.Holder, r.opts.LeaseTTL)
			if err != nil || !ok {
				if err != nil && ctx.Err() == nil {
					r.log.Error("lease renew failed", "error", err)
				} else if !ok {
					r.log.Warn("scheduler leadership lost")
				}
				leading = false
				continue
			}
		} else {
			ok, err := r.leases.AcquireLease(ctx, leaseName, r.opts.Holder, r.opts.LeaseTTL)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("lease acquire failed", "error", err)
				}
				continue
			}
			if !ok {
				continue
			}
			leading = true
			r.log.Info("scheduler leadership acquired", "holder", r.opts.Holder)
		}

		if err := r.tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			r.log.Error("schedule tick failed", "error", err)
		}
	}
}

// tick claims and fires every due schedule once.
func (r *Runner) tick(ctx context.Context, now time.Time) error {
	due, err := r.store.DueSchedules(ctx, now, 100)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range due {
		sc := due[i]
		g.Go(func() error {
			r.fire(gctx, &sc, now)
			return nil
		})
	}
	return g.Wait()
}

// fire claims one due schedule and, on winning the claim, executes its
// action. Claim losers return silently.
func (r *Runner) fire(ctx context.Context, sc *mech.Schedule, now time.Time) {
	// Advance past every missed slot in one step.
	counted := *sc
	counted.ExecutionCount++
	newNext, err := NextFire(&counted, now)
	if err != nil {
		r.log.Error("next fire computation failed", "schedule", sc.ID, "error", err)
		return
	}

	ok, err := r.store.ClaimSchedule(ctx, sc.ID, *sc.NextExecutionAt, newNext)
	if err != nil {
		r.log.Error("schedule claim failed", "schedule", sc.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	status := mech.ExecutionStatusSuccess
	var execErr string
	if sc.Endpoint != nil {
		if err := r.deliver(ctx, sc); err != nil {
			status = mech.ExecutionStatusFailed
			execErr = err.Error()
		}
	}

	metrics.ScheduleFires.WithLabelValues(string(status)).Inc()
	if err := r.store.RecordExecution(ctx, sc.ID, status, execErr, time.Now()); err != nil {
		r.log.Error("record execution failed", "schedule", sc.ID, "error", err)
	}
	if status == mech.ExecutionStatusSuccess {
		r.log.Info("schedule fired", "schedule", sc.ID, "name", sc.Name, "next", newNext)
	} else {
		r.log.Error("schedule action failed", "schedule", sc.ID, "name", sc.Name, "error", execErr)
	}
}

// deliver invokes the schedule's HTTP action, retrying per its policy:
// delay before attempt n is initialDelay × multiplier^(n-1).
func (r *Runner) deliver(ctx context.Context, sc *mech.Schedule) error {
	retry := sc.RetryPolicy
	if retry == nil {
		def := mech.DefaultRetryConfig()
		retry = &def
	}
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			delay := time.Duration(float64(retry.InitialDelayMs)*pow(retry.BackoffMultiplier, n-2)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = r.attempt(ctx, sc.Endpoint); lastErr == nil {
			return nil
		}
		r.log.Warn("schedule action attempt failed",
			"schedule", sc.ID, "attempt", n, "error", lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (r *Runner) attempt(ctx context.Context, ep *mech.Endpoint) error {
	timeout := r.opts.ActionTimeout
	if ep.TimeoutMs > 0 {
		timeout = time.Duration(ep.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(ep.Body))
	if err != nil {
		return err
	}
	if len(ep.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ExecuteNow fires a schedule's action immediately, outside its cadence.
// The regular bookkeeping records the outcome; the next fire is unchanged.
func (r *Runner) ExecuteNow(ctx context.Context, id string) error {
	sc, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	status := mech.ExecutionStatusSuccess
	var execErr string
	if sc.Endpoint != nil {
		if err := r.deliver(ctx, sc); err != nil {
			status = mech.ExecutionStatusFailed
			execErr = err.Error()
		}
	}
	metrics.ScheduleFires.WithLabelValues(string(status)).Inc()
	if err := r.store.RecordExecution(ctx, id, status, execErr, time.Now()); err != nil {
		return err
	}
	if status == mech.ExecutionStatusFailed {
		return fmt.Errorf("schedule action failed: %s", execErr)
	}
	return nil
}

func pow(base float64, exp int) float64 {
	if base <= 0 {
		base = 1
	}
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
