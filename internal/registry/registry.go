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

// Package registry tracks known queues and their effective configuration.
// Queues come into existence either by explicit configuration or lazily on
// first submit; pausing and resuming are durable and queue-wide.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mech/internal/store"
	"mech/pkg/mech"
)

// IndexQueue is the reserved queue repository indexing jobs run on.
const IndexQueue = "code-index"

// ErrBadQueueName is returned for names outside [a-z0-9_-]{1,64}.
var ErrBadQueueName = errors.New("invalid queue name")

// Store is the persistence surface the registry needs.
type Store interface {
	UpsertQueue(ctx context.Context, q *mech.Queue) error
	GetQueue(ctx context.Context, name string) (*mech.Queue, error)
	ListQueues(ctx context.Context) ([]mech.Queue, error)
	SetQueuePaused(ctx context.Context, name string, paused bool) error
	CountJobsByStatus(ctx context.Context, queueName string) (map[mech.JobStatus]int64, error)
	SetQueueJobsStatus(ctx context.Context, queueName string, from, to mech.JobStatus) (int64, error)
}

// Broker is the queue-state surface the registry needs.
type Broker interface {
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	Counts(ctx context.Context, queueName string) (map[string]int64, error)
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ev mech.Event)
}

// DefaultJobOptions are applied to queues created lazily on first submit.
// Completed and failed jobs are trimmed by age and count so an unattended
// queue does not grow without bound.
func DefaultJobOptions() mech.JobOptions {
	return mech.JobOptions{
		Attempts:         3,
		TimeoutMs:        30000,
		Backoff:          &mech.BackoffPolicy{Kind: mech.BackoffExponential, BaseDelayMs: 2000},
		RemoveOnComplete: &mech.RemovalPolicy{AgeSec: 3600, MaxCount: 1000},
		RemoveOnFail:     &mech.RemovalPolicy{AgeSec: 86400, MaxCount: 5000},
	}
}

// DeclaredQueues are registered at startup so their tuned defaults exist
// before the first submit.
func DeclaredQueues() []mech.Queue {
	email := DefaultJobOptions()

	webhook := DefaultJobOptions()
	webhook.Attempts = 5
	webhook.Backoff = &mech.BackoffPolicy{Kind: mech.BackoffExponential, BaseDelayMs: 5000}

	return []mech.Queue{
		{Name: "email", DefaultJobOptions: email},
		{Name: "webhook", DefaultJobOptions: webhook},
	}
}

// Registry is the authoritative view of queue configuration, cached in
// memory and persisted through the store.
type Registry struct {
	store  Store
	broker Broker
	pub    Publisher
	log    *slog.Logger

	mu     sync.RWMutex
	queues map[string]*mech.Queue
}

// New constructs a Registry.
func New(st Store, br Broker, pub Publisher, log *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		broker: br,
		pub:    pub,
		log:    log,
		queues: make(map[string]*mech.Queue),
	}
}

// Load warms the cache from persisted queues, typically at startup.
func (r *Registry) Load(ctx context.Context) error {
	queues, err := r.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range queues {
		q := queues[i]
		r.queues[q.Name] = &q
	}
	return nil
}

// Declare registers the startup queues that have not been configured yet.
// Queues an operator already reconfigured are left alone.
func (r *Registry) Declare(ctx context.Context) error {
	declared := DeclaredQueues()
	for i := range declared {
		q := declared[i]
		if _, err := r.Get(ctx, q.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := r.Configure(ctx, &q); err != nil {
			return err
		}
	}
	return nil
}

// Ensure returns the queue with name, creating it with default options on
// first use.
func (r *Registry) Ensure(ctx context.Context, name string) (*mech.Queue, error) {
	if !mech.ValidQueueName(name) {
		return nil, fmt.Errorf("queue %q: %w", name, ErrBadQueueName)
	}

	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	stored, err := r.store.GetQueue(ctx, name)
	if err == nil {
		r.cache(stored)
		return stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	q = &mech.Queue{Name: name, DefaultJobOptions: DefaultJobOptions()}
	if err := r.store.UpsertQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("create queue %q: %w", name, err)
	}
	r.log.Info("queue created", "queue", name)
	r.cache(q)
	return q, nil
}

// Configure declares or updates a queue's defaults and rate limit.
func (r *Registry) Configure(ctx context.Context, q *mech.Queue) error {
	if !mech.ValidQueueName(q.Name) {
		return fmt.Errorf("queue %q: %w", q.Name, ErrBadQueueName)
	}
	if err := r.store.UpsertQueue(ctx, q); err != nil {
		return fmt.Errorf("configure queue %q: %w", q.Name, err)
	}

	// Preserve an already-set durable paused flag.
	if cur, err := r.store.GetQueue(ctx, q.Name); err == nil {
		q.Paused = cur.Paused
	}
	r.cache(q)
	r.log.Info("queue configured", "queue", q.Name)
	return nil
}

// Get returns a known queue or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*mech.Queue, error) {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}
	q, err := r.store.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cache(q)
	return q, nil
}

// List returns every known queue.
func (r *Registry) List(ctx context.Context) ([]mech.Queue, error) {
	return r.store.ListQueues(ctx)
}

// Pause stops reservations on a queue. Waiting jobs surface as paused until
// the queue resumes; running jobs finish normally.
func (r *Registry) Pause(ctx context.Context, name string) error {
	q, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.broker.Pause(ctx, name); err != nil {
		return fmt.Errorf("pause broker queue: %w", err)
	}
	if err := r.store.SetQueuePaused(ctx, name, true); err != nil {
		return err
	}
	if _, err := r.store.SetQueueJobsStatus(ctx, name, mech.JobStatusWaiting, mech.JobStatusPaused); err != nil {
		return err
	}
	q.Paused = true
	r.cache(q)

	r.log.Info("queue paused", "queue", name)
	r.pub.Publish(mech.Event{
		Name:      mech.EventQueuePaused,
		Timestamp: time.Now().UTC(),
		QueueName: name,
	})
	return nil
}

// Resume reopens a paused queue for reservations.
func (r *Registry) Resume(ctx context.Context, name string) error {
	q, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.broker.Resume(ctx, name); err != nil {
		return fmt.Errorf("resume broker queue: %w", err)
	}
	if err := r.store.SetQueuePaused(ctx, name, false); err != nil {
		return err
	}
	if _, err := r.store.SetQueueJobsStatus(ctx, name, mech.JobStatusPaused, mech.JobStatusWaiting); err != nil {
		return err
	}
	q.Paused = false
	r.cache(q)

	r.log.Info("queue resumed", "queue", name)
	r.pub.Publish(mech.Event{
		Name:      mech.EventQueueResumed,
		Timestamp: time.Now().UTC(),
		QueueName: name,
	})
	return nil
}

// QueueStats is a point-in-time per-status census of one queue.
type QueueStats struct {
	QueueName string                    `json:"queueName"`
	Paused    bool                      `json:"paused"`
	Counts    map[mech.JobStatus]int64  `json:"counts"`
}

// Stats reports per-status job counts for a queue.
func (r *Registry) Stats(ctx context.Context, name string) (*QueueStats, error) {
	q, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountJobsByStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, st := range []mech.JobStatus{mech.JobStatusWaiting, mech.JobStatusActive, mech.JobStatusCompleted, mech.JobStatusFailed, mech.JobStatusDelayed, mech.JobStatusPaused} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return &QueueStats{QueueName: name, Paused: q.Paused, Counts: counts}, nil
}

// EffectiveOptions merges job-level options over the queue defaults.
func (r *Registry) EffectiveOptions(ctx context.Context, name string, opts mech.JobOptions) (mech.JobOptions, error) {
	q, err := r.Ensure(ctx, name)
	if err != nil {
		return mech.JobOptions{}, err
	}
	return opts.Merge(q.DefaultJobOptions), nil
}

func (r *Registry) cache(q *mech.Queue) {
	r.mu.Lock()
	r.queues[q.Name] = q
	r.mu.Unlock()
}
