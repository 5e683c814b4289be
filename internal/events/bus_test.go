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

package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mech/internal/metrics"
	"mech/pkg/mech"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanOutToAllHandlers(t *testing.T) {
	metrics.Reset()
	b := New(16, discardLogger())

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"a", "b"} {
		name := name
		b.Subscribe(func(_ context.Context, ev mech.Event) {
			mu.Lock()
			got[name] = append(got[name], ev.Name)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	b.Publish(mech.Event{Name: mech.EventJobCreated})
	b.Publish(mech.Event{Name: mech.EventJobCompleted})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2 && len(got["b"]) == 2
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if got["a"][0] != mech.EventJobCreated || got["a"][1] != mech.EventJobCompleted {
		t.Errorf("handler a saw %v", got["a"])
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	metrics.Reset()
	b := New(16, discardLogger())

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	b.Subscribe(func(_ context.Context, _ mech.Event) {
		once.Do(func() { close(started) })
		<-release
	})

	var mu sync.Mutex
	var fast int
	b.Subscribe(func(_ context.Context, _ mech.Event) {
		mu.Lock()
		fast++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		b.Publish(mech.Event{Name: mech.EventJobCreated})
	}

	// The stuck first subscriber must not hold up the second.
	<-started
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fast == 3
	})

	close(release)
	cancel()
	<-done
}

func TestDropOldestWhenFull(t *testing.T) {
	metrics.Reset()
	b := New(2, discardLogger())

	var mu sync.Mutex
	var seen []string
	b.Subscribe(func(_ context.Context, ev mech.Event) {
		mu.Lock()
		seen = append(seen, ev.JobID)
		mu.Unlock()
	})

	// Publish three events before the bus runs; capacity two drops the
	// oldest.
	b.Publish(mech.Event{Name: mech.EventJobCreated, JobID: "1"})
	b.Publish(mech.Event{Name: mech.EventJobCreated, JobID: "2"})
	b.Publish(mech.Event{Name: mech.EventJobCreated, JobID: "3"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "2" || seen[1] != "3" {
		t.Errorf("seen = %v, want [2 3]", seen)
	}
}

func TestDrainOnShutdown(t *testing.T) {
	metrics.Reset()
	b := New(16, discardLogger())

	var mu sync.Mutex
	var n int
	b.Subscribe(func(_ context.Context, _ mech.Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(mech.Event{Name: mech.EventJobProgress})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if n != 5 {
		t.Errorf("drained %d events on shutdown, want 5", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
