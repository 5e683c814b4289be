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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mech/internal/broker"
	"mech/internal/metrics"
	"mech/internal/store"
	"mech/pkg/mech"
)

type fakeQueues struct {
	mu     sync.Mutex
	queues map[string]*mech.Queue
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{queues: make(map[string]*mech.Queue)}
}

func (f *fakeQueues) Ensure(_ context.Context, name string) (*mech.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[name]; ok {
		return q, nil
	}
	q := &mech.Queue{Name: name, DefaultJobOptions: mech.JobOptions{Attempts: 1}}
	f.queues[name] = q
	return q, nil
}

func (f *fakeQueues) EffectiveOptions(ctx context.Context, name string, opts mech.JobOptions) (mech.JobOptions, error) {
	q, err := f.Ensure(ctx, name)
	if err != nil {
		return mech.JobOptions{}, err
	}
	return opts.Merge(q.DefaultJobOptions), nil
}

type capturePub struct {
	mu     sync.Mutex
	events []mech.Event
}

func (p *capturePub) Publish(ev mech.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *capturePub) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Name
	}
	return out
}

func (p *capturePub) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type testRig struct {
	d   *Dispatcher
	br  *broker.Broker
	st  *store.Store
	q   *fakeQueues
	pub *capturePub
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	metrics.Reset()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	br := broker.New(rdb)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mech.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := newFakeQueues()
	pub := &capturePub{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(br, st, q, pub, log, Options{
		Visibility:      2 * time.Second,
		PollInterval:    5 * time.Millisecond,
		DelayedInterval: 10 * time.Millisecond,
		StalledInterval: 10 * time.Millisecond,
	})
	return &testRig{d: d, br: br, st: st, q: q, pub: pub}
}

func runRig(t *testing.T, rig *testRig) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rig.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not drain")
		}
	})
	return cancel
}

func waitJobStatus(t *testing.T, st *store.Store, queue, id string, want mech.JobStatus) *mech.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(context.Background(), queue, id)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, err := st.GetJob(context.Background(), queue, id)
	t.Fatalf("job never reached %q: job=%+v err=%v", want, j, err)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.d.RegisterProcessor("email", 2, func(_ context.Context, job *mech.Job, progress ProgressFn) (json.RawMessage, error) {
		_ = progress(context.Background(), 50)
		return json.RawMessage(`{"sent":true}`), nil
	})
	runRig(t, rig)

	job, err := rig.d.Submit(ctx, "email", "app-1", []byte(`{"to":"x@y"}`), mech.JobOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != mech.JobStatusWaiting {
		t.Errorf("submitted status = %q", job.Status)
	}

	got := waitJobStatus(t, rig.st, "email", job.ID, mech.JobStatusCompleted)
	if string(got.Result) != `{"sent":true}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.AttemptNumber != 1 {
		t.Errorf("attemptNumber = %d, want 1", got.AttemptNumber)
	}

	for _, name := range []string{mech.EventJobCreated, mech.EventJobStarted, mech.EventJobProgress, mech.EventJobCompleted} {
		if rig.pub.count(name) == 0 {
			t.Errorf("event %s not published (saw %v)", name, rig.pub.names())
		}
	}
}

func TestRetryThenFail(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	rig.d.RegisterProcessor("q", 1, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("boom")
	})
	runRig(t, rig)

	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{
		Attempts: 2,
		Backoff:  &mech.BackoffPolicy{Kind: mech.BackoffFixed, BaseDelayMs: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusFailed)
	if got.AttemptNumber != 2 {
		t.Errorf("attemptNumber = %d, want 2", got.AttemptNumber)
	}
	if got.Error == nil || got.Error.Message != "boom" {
		t.Errorf("error = %+v", got.Error)
	}
	mu.Lock()
	if attempts != 2 {
		t.Errorf("processor ran %d times, want 2", attempts)
	}
	mu.Unlock()

	if rig.pub.count(mech.EventJobRetrying) != 1 {
		t.Errorf("retrying events = %d, want 1", rig.pub.count(mech.EventJobRetrying))
	}
	if rig.pub.count(mech.EventJobFailed) != 1 {
		t.Errorf("failed events = %d, want 1", rig.pub.count(mech.EventJobFailed))
	}
}

func TestTimeoutMarksKind(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.d.RegisterProcessor("q", 1, func(jobCtx context.Context, _ *mech.Job, _ ProgressFn) (json.RawMessage, error) {
		<-jobCtx.Done()
		return nil, jobCtx.Err()
	})
	runRig(t, rig)

	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{Attempts: 1, TimeoutMs: 20})
	if err != nil {
		t.Fatal(err)
	}

	got := waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusFailed)
	if got.Error == nil || got.Error.Kind != "timeout" {
		t.Errorf("error = %+v, want timeout kind", got.Error)
	}
}

func TestDelayedJobRuns(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.d.RegisterProcessor("q", 1, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		return nil, nil
	})
	runRig(t, rig)

	due := time.Now().Add(50 * time.Millisecond)
	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{DelayUntil: &due})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != mech.JobStatusDelayed {
		t.Errorf("submitted status = %q, want delayed", job.Status)
	}

	waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusCompleted)
}

func TestCancelWaitingJob(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// No pool running; the job stays waiting.
	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := rig.d.Cancel(ctx, "q", job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := rig.st.GetJob(ctx, "q", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("job still present: %v", err)
	}
	if _, _, err := rig.br.Reserve(ctx, "q", time.Minute); !errors.Is(err, broker.ErrNoJob) {
		t.Errorf("broker still holds job: %v", err)
	}
}

func TestStalledRecoveryIncrementsAttemptOnRestart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Simulate a crashed worker: reserve with a tiny lease and never ack.
	job, err := rig.d.Submit(ctx, "q", "app-1", []byte("x"), mech.JobOptions{Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := rig.br.Reserve(ctx, "q", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := rig.st.MarkJobActive(ctx, job.ID, 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	rig.d.sweepStalled(ctx, "q")

	got, err := rig.st.GetJob(ctx, "q", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mech.JobStatusWaiting {
		t.Errorf("status = %q, want waiting", got.Status)
	}
	// The sweep does not advance the attempt; the next start does.
	if got.AttemptNumber != 1 {
		t.Errorf("attemptNumber = %d, want 1", got.AttemptNumber)
	}
	if rig.pub.count(mech.EventJobStalled) != 1 {
		t.Errorf("stalled events = %d, want 1", rig.pub.count(mech.EventJobStalled))
	}

	// The restarted attempt counts as the next one.
	rig.d.RegisterProcessor("q", 1, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		return nil, nil
	})
	runRig(t, rig)
	done := waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusCompleted)
	if done.AttemptNumber != 2 {
		t.Errorf("attemptNumber after restart = %d, want 2", done.AttemptNumber)
	}
}

func TestStalledFinalAttemptFailsTerminally(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Crashed worker holding the last allowed attempt.
	job, err := rig.d.Submit(ctx, "q", "app-1", []byte("x"), mech.JobOptions{Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := rig.br.Reserve(ctx, "q", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := rig.st.MarkJobActive(ctx, job.ID, 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	rig.d.sweepStalled(ctx, "q")

	got, err := rig.st.GetJob(ctx, "q", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mech.JobStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.AttemptNumber != 1 {
		t.Errorf("attemptNumber = %d, want 1", got.AttemptNumber)
	}
	if got.Error == nil || got.Error.Kind != "stalled" {
		t.Errorf("error = %+v, want stalled kind", got.Error)
	}
	if rig.pub.count(mech.EventJobStalled) != 0 {
		t.Errorf("stalled events = %d, want 0", rig.pub.count(mech.EventJobStalled))
	}
	if rig.pub.count(mech.EventJobFailed) != 1 {
		t.Errorf("failed events = %d, want 1", rig.pub.count(mech.EventJobFailed))
	}
	if _, _, err := rig.br.Reserve(ctx, "q", time.Minute); !errors.Is(err, broker.ErrNoJob) {
		t.Errorf("job was requeued after final attempt: %v", err)
	}
}

func TestStuckProcessorLosesLease(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.d.opts.Visibility = 50 * time.Millisecond

	release := make(chan struct{})
	rig.d.RegisterProcessor("q", 1, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		// Ignores the job context entirely.
		<-release
		return nil, errors.New("late")
	})
	runRig(t, rig)
	t.Cleanup(func() { close(release) })

	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{Attempts: 1, TimeoutMs: 20})
	if err != nil {
		t.Fatal(err)
	}

	// The heartbeat stops extending once the deadline passes, so the lease
	// lapses and the sweep fails the job while the processor is still stuck.
	got := waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusFailed)
	if got.AttemptNumber != 1 {
		t.Errorf("attemptNumber = %d, want 1", got.AttemptNumber)
	}
	if got.Error == nil || got.Error.Kind != "stalled" {
		t.Errorf("error = %+v, want stalled kind", got.Error)
	}
}

func TestCancelActiveJobIsBestEffort(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	job, err := rig.d.Submit(ctx, "q", "app-1", []byte("x"), mech.JobOptions{Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := rig.br.Reserve(ctx, "q", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := rig.st.MarkJobActive(ctx, job.ID, 1, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := rig.d.Cancel(ctx, "q", job.ID); err != nil {
		t.Fatalf("cancel active: %v", err)
	}
	if _, err := rig.st.GetJob(ctx, "q", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("job still present: %v", err)
	}

	// The sweep must not resurrect the cancelled job once its lease lapses.
	rig.d.sweepStalled(ctx, "q")
	if _, _, err := rig.br.Reserve(ctx, "q", time.Minute); !errors.Is(err, broker.ErrNoJob) {
		t.Errorf("cancelled job was requeued: %v", err)
	}
}

func TestCancelTerminalJobKeepsRecord(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.st.MarkJobCompleted(ctx, job.ID, json.RawMessage(`{"ok":true}`), time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := rig.d.Cancel(ctx, "q", job.ID); err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	got, err := rig.st.GetJob(ctx, "q", job.ID)
	if err != nil {
		t.Fatalf("record removed by cancel: %v", err)
	}
	if got.Status != mech.JobStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestRemoveOnCompleteKeepsNewest(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.d.RegisterProcessor("q", 1, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		return nil, nil
	})
	runRig(t, rig)

	policy := &mech.RemovalPolicy{MaxCount: 2}
	var last *mech.Job
	for i := 0; i < 4; i++ {
		job, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{RemoveOnComplete: policy})
		if err != nil {
			t.Fatal(err)
		}
		last = job
		waitJobStatus(t, rig.st, "q", job.ID, mech.JobStatusCompleted)
	}

	jobs, err := rig.st.ListJobs(ctx, "q", mech.JobStatusCompleted, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("retained %d completed jobs, want 2", len(jobs))
	}
	found := false
	for _, j := range jobs {
		if j.ID == last.ID {
			found = true
		}
	}
	if !found {
		t.Error("newest completed job was removed")
	}
}

func TestRateLimitCapsStarts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.q.queues["q"] = &mech.Queue{
		Name:              "q",
		DefaultJobOptions: mech.JobOptions{Attempts: 1},
		RateLimit:         &mech.RateLimit{Max: 2, WindowMs: 60000},
	}

	var mu sync.Mutex
	started := 0
	rig.d.RegisterProcessor("q", 4, func(context.Context, *mech.Job, ProgressFn) (json.RawMessage, error) {
		mu.Lock()
		started++
		mu.Unlock()
		return nil, nil
	})
	runRig(t, rig)

	for i := 0; i < 5; i++ {
		if _, err := rig.d.Submit(ctx, "q", "app-1", nil, mech.JobOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	// Give the pool time to overrun the limit if it were going to.
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if started > 2 {
		t.Errorf("started %d jobs inside the window, limit is 2", started)
	}
}
