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

// Package events is the in-process lifecycle event bus. Each subscriber
// owns a bounded queue drained by its own goroutine, so one slow consumer
// never delays the others. Delivery is best-effort: the oldest queued
// event is dropped when a publish would overflow.
package events

import (
	"context"
	"log/slog"
	"sync"

	"mech/internal/metrics"
	"mech/pkg/mech"
)

// Handler consumes one event. Each subscriber runs on a dedicated bus
// goroutine.
type Handler func(ctx context.Context, ev mech.Event)

type subscriber struct {
	h    Handler
	mu   sync.Mutex
	buf  []mech.Event
	wake chan struct{}
}

// Bus fans lifecycle events out to registered handlers through bounded
// per-subscriber queues.
type Bus struct {
	log      *slog.Logger
	capacity int
	subs     []*subscriber

	done chan struct{}
	once sync.Once
}

// New constructs a Bus with the given per-subscriber queue capacity.
func New(capacity int, log *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		log:      log,
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler. Must be called before Run starts.
func (b *Bus) Subscribe(h Handler) {
	b.subs = append(b.subs, &subscriber{h: h, wake: make(chan struct{}, 1)})
}

// Publish enqueues an event on every subscriber's queue, dropping that
// subscriber's oldest queued event when full.
func (b *Bus) Publish(ev mech.Event) {
	for _, s := range b.subs {
		s.mu.Lock()
		if len(s.buf) >= b.capacity {
			dropped := s.buf[0]
			s.buf = s.buf[1:]
			metrics.EventsDropped.Inc()
			b.log.Warn("subscriber queue full, dropping oldest",
				"dropped", dropped.Name, "jobId", dropped.JobID)
		}
		s.buf = append(s.buf, ev)
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Run starts one worker per subscriber and blocks until ctx is cancelled.
// Queued events are flushed before Run returns.
func (b *Bus) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.done) })

	if len(b.subs) == 0 {
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, s := range b.subs {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					s.drain(context.Background())
					return
				case <-s.wake:
					s.drain(ctx)
				}
			}
		}()
	}
	wg.Wait()
}

// Done is closed when Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (s *subscriber) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		s.h(ctx, ev)
	}
}
