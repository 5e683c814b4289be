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
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mech/pkg/mech"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mech.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestJob(t *testing.T, s *Store, id, queue string, status mech.JobStatus) *mech.Job {
	t.Helper()
	j := mech.NewJob(queue, "app-1", []byte(`{"k":"v"}`), mech.JobOptions{Attempts: 3})
	j.ID = id
	j.Status = status
	if err := s.InsertJob(context.Background(), &j); err != nil {
		t.Fatalf("insert job %s: %v", id, err)
	}
	return &j
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "j1", "email", mech.JobStatusWaiting)

	got, err := s.GetJob(ctx, "email", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != mech.JobStatusWaiting || got.Options.Attempts != 3 {
		t.Errorf("got %+v", got)
	}

	if err := s.MarkJobActive(ctx, "j1", 1, time.Now()); err != nil {
		t.Fatalf("active: %v", err)
	}
	if err := s.UpdateJobProgress(ctx, "j1", 40); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ = s.GetJob(ctx, "email", "j1")
	if got.Status != mech.JobStatusActive || got.AttemptNumber != 1 || got.Progress != 40 {
		t.Errorf("after start: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("startedAt not stamped")
	}

	if err := s.MarkJobCompleted(ctx, "j1", []byte(`{"ok":true}`), time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetJob(ctx, "email", "j1")
	if got.Status != mech.JobStatusCompleted || got.Progress != 100 || string(got.Result) != `{"ok":true}` {
		t.Errorf("after complete: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not stamped")
	}
}

func TestJobFailureAndRetrying(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "j1", "q", mech.JobStatusActive)

	if err := s.MarkJobRetrying(ctx, "j1", &mech.JobError{Message: "boom"}); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	got, _ := s.GetJob(ctx, "q", "j1")
	if got.Status != mech.JobStatusDelayed || got.Error == nil || got.Error.Message != "boom" {
		t.Errorf("after retrying: %+v", got)
	}

	if err := s.MarkJobFailed(ctx, "j1", &mech.JobError{Message: "final", Kind: "timeout"}, time.Now()); err != nil {
		t.Fatalf("failed: %v", err)
	}
	got, _ = s.GetJob(ctx, "q", "j1")
	if got.Status != mech.JobStatusFailed || got.Error.Kind != "timeout" || got.FailedAt == nil {
		t.Errorf("after fail: %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "q", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertJobDuplicate(t *testing.T) {
	s := newTestStore(t)
	insertTestJob(t, s, "j1", "q", mech.JobStatusWaiting)
	j := mech.NewJob("q", "app-1", nil, mech.JobOptions{})
	j.ID = "j1"
	if err := s.InsertJob(context.Background(), &j); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestCountAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "a", "q", mech.JobStatusWaiting)
	insertTestJob(t, s, "b", "q", mech.JobStatusWaiting)
	insertTestJob(t, s, "c", "q", mech.JobStatusCompleted)
	insertTestJob(t, s, "other", "other-q", mech.JobStatusWaiting)

	counts, err := s.CountJobsByStatus(ctx, "q")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[mech.JobStatusWaiting] != 2 || counts[mech.JobStatusCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}

	jobs, err := s.ListJobs(ctx, "q", mech.JobStatusWaiting, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("listed %d, want 2", len(jobs))
	}
}

func TestRemovalPolicyMaxCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Five completed jobs with distinct terminal times.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("j%d", i)
		insertTestJob(t, s, id, "q", mech.JobStatusActive)
		at := time.Now().Add(time.Duration(i) * time.Second)
		if err := s.MarkJobCompleted(ctx, id, nil, at); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.ApplyRemovalPolicy(ctx, "q", mech.JobStatusCompleted, mech.RemovalPolicy{MaxCount: 2})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if len(removed) != 3 {
		t.Errorf("removed %d, want 3: %v", len(removed), removed)
	}

	// The two newest survive.
	for _, id := range []string{"j3", "j4"} {
		if _, err := s.GetJob(ctx, "q", id); err != nil {
			t.Errorf("job %s should survive: %v", id, err)
		}
	}
	if _, err := s.GetJob(ctx, "q", "j0"); !errors.Is(err, ErrNotFound) {
		t.Error("oldest job should be removed")
	}
}

func TestRemovalPolicyAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "old", "q", mech.JobStatusActive)
	if err := s.MarkJobCompleted(ctx, "old", nil, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	insertTestJob(t, s, "fresh", "q", mech.JobStatusActive)
	if err := s.MarkJobCompleted(ctx, "fresh", nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	removed, err := s.ApplyRemovalPolicy(ctx, "q", mech.JobStatusCompleted, mech.RemovalPolicy{AgeSec: 3600})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("removed = %v, want [old]", removed)
	}
}

func TestCleanJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "done", "q", mech.JobStatusActive)
	if err := s.MarkJobCompleted(ctx, "done", nil, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	insertTestJob(t, s, "recent", "q", mech.JobStatusActive)
	if err := s.MarkJobCompleted(ctx, "recent", nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	ids, err := s.CleanJobs(ctx, "q", mech.JobStatusCompleted, 30*time.Minute, 0)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(ids) != 1 || ids[0] != "done" {
		t.Errorf("cleaned = %v, want [done]", ids)
	}
}

func TestJobEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, "j1", "q", mech.JobStatusWaiting)
	step := "fetch"
	evs := []mech.JobEvent{
		{JobID: "j1", Time: time.Now(), Level: mech.EventLevelInfo, Message: "created"},
		{JobID: "j1", Time: time.Now().Add(time.Second), Level: mech.EventLevelWarn, Message: "slow", Step: &step},
	}
	for i := range evs {
		if err := s.AppendJobEvent(ctx, &evs[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.ListJobEvents(ctx, "j1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Message != "created" || got[1].Step == nil || *got[1].Step != "fetch" {
		t.Errorf("events = %+v", got)
	}

	// Cascade on job delete.
	if err := s.DeleteJob(ctx, "q", "j1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ListJobEvents(ctx, "j1")
	if len(got) != 0 {
		t.Errorf("events survived job delete: %v", got)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := &mech.Queue{
		Name: "email",
		DefaultJobOptions: mech.JobOptions{
			Attempts: 5,
			Backoff:  &mech.BackoffPolicy{Kind: mech.BackoffExponential, BaseDelayMs: 2000},
		},
		RateLimit: &mech.RateLimit{Max: 10, WindowMs: 1000},
	}
	if err := s.UpsertQueue(ctx, q); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetQueue(ctx, "email")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DefaultJobOptions.Attempts != 5 || got.RateLimit == nil || got.RateLimit.Max != 10 {
		t.Errorf("got %+v", got)
	}

	if err := s.SetQueuePaused(ctx, "email", true); err != nil {
		t.Fatal(err)
	}
	// Re-upsert must not clobber the paused flag.
	if err := s.UpsertQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetQueue(ctx, "email")
	if !got.Paused {
		t.Error("paused flag lost on upsert")
	}

	queues, err := s.ListQueues(ctx)
	if err != nil || len(queues) != 1 {
		t.Errorf("list = %v, %v", queues, err)
	}
}

func TestScheduleClaimCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Truncate(time.Second)
	sc := &mech.Schedule{
		ID:            "sch-1",
		ApplicationID: "app-1",
		Name:          "nightly",
		Cron:          "0 0 * * *",
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		NextExecutionAt: &next,
	}
	if err := s.InsertSchedule(ctx, sc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	due, err := s.DueSchedules(ctx, next.Add(time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, %v", due, err)
	}
	observed := *due[0].NextExecutionAt

	newNext := next.Add(24 * time.Hour)
	ok, err := s.ClaimSchedule(ctx, "sch-1", observed, &newNext)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	// Second claim with the stale observed value loses.
	ok, err = s.ClaimSchedule(ctx, "sch-1", observed, &newNext)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("stale claim must fail")
	}

	got, _ := s.GetSchedule(ctx, "sch-1")
	if got.ExecutionCount != 1 {
		t.Errorf("executionCount = %d, want 1", got.ExecutionCount)
	}
	if got.NextExecutionAt == nil || !got.NextExecutionAt.Equal(newNext) {
		t.Errorf("nextExecutionAt = %v, want %v", got.NextExecutionAt, newNext)
	}
}

func TestScheduleClaimDisables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	sc := &mech.Schedule{
		ID: "one-shot", ApplicationID: "app-1", Name: "once",
		At: &at, Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), NextExecutionAt: &at,
	}
	if err := s.InsertSchedule(ctx, sc); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ClaimSchedule(ctx, "one-shot", at, nil)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	got, _ := s.GetSchedule(ctx, "one-shot")
	if got.Enabled {
		t.Error("one-shot must be disabled after claim")
	}
	if got.NextExecutionAt != nil {
		t.Errorf("nextExecutionAt = %v, want nil", got.NextExecutionAt)
	}
}

func TestScheduleNameUniquePerApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := mech.Schedule{
		Cron: "* * * * *", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	a := base
	a.ID, a.ApplicationID, a.Name = "s1", "app-1", "report"
	if err := s.InsertSchedule(ctx, &a); err != nil {
		t.Fatal(err)
	}

	dup := base
	dup.ID, dup.ApplicationID, dup.Name = "s2", "app-1", "report"
	if err := s.InsertSchedule(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name err = %v, want ErrConflict", err)
	}

	// Same name under a different application is fine.
	other := base
	other.ID, other.ApplicationID, other.Name = "s3", "app-2", "report"
	if err := s.InsertSchedule(ctx, &other); err != nil {
		t.Errorf("cross-app name: %v", err)
	}
}

func TestSubscriptionFailureWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &mech.Subscription{
		ID: "sub-1", ApplicationID: "app-1",
		Endpoint:    mech.SubscriptionEndpoint{URL: "https://x.test/hook", Method: "POST"},
		Events:      []string{"*"},
		Secret:      "shh",
		RetryConfig: mech.DefaultRetryConfig(),
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := s.InsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 1; i <= 9; i++ {
		deactivated, err := s.RecordDeliveryFailure(ctx, "sub-1", now, 10, 24*time.Hour)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if deactivated {
			t.Fatalf("deactivated at %d failures", i)
		}
	}
	deactivated, err := s.RecordDeliveryFailure(ctx, "sub-1", now, 10, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !deactivated {
		t.Error("10th failure in window must deactivate")
	}

	got, _ := s.GetSubscription(ctx, "sub-1")
	if got.Active {
		t.Error("subscription should be inactive")
	}
	if got.FailureCount != 10 {
		t.Errorf("failureCount = %d, want 10", got.FailureCount)
	}

	// Reactivation resets the window.
	if err := s.SetSubscriptionActive(ctx, "sub-1", true); err != nil {
		t.Fatal(err)
	}
	deactivated, err = s.RecordDeliveryFailure(ctx, "sub-1", now.Add(time.Minute), 10, 24*time.Hour)
	if err != nil || deactivated {
		t.Errorf("first failure after reset: %v, %v", deactivated, err)
	}
}

func TestSubscriptionWindowExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &mech.Subscription{
		ID: "sub-1", ApplicationID: "app-1",
		Endpoint:    mech.SubscriptionEndpoint{URL: "https://x.test/hook", Method: "POST"},
		Events:      []string{"*"},
		Secret:      "shh",
		RetryConfig: mech.DefaultRetryConfig(),
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := s.InsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 9; i++ {
		if _, err := s.RecordDeliveryFailure(ctx, "sub-1", start, 10, 24*time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	// A failure past the window starts a fresh count.
	deactivated, err := s.RecordDeliveryFailure(ctx, "sub-1", start.Add(25*time.Hour), 10, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deactivated {
		t.Error("failure outside the window must not deactivate")
	}
	got, _ := s.GetSubscription(ctx, "sub-1")
	if !got.Active {
		t.Error("subscription should stay active")
	}
}

func TestSessionAndStepNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &mech.Session{
		SessionID: "sess-1", ProjectID: "proj-1",
		Status:     mech.SessionStatusActive,
		Statistics: mech.SessionStatistics{StartTime: now, LastActivity: now},
		CreatedAt:  now, UpdatedAt: now,
	}
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		step := &mech.ReasoningStep{
			ID:        fmt.Sprintf("step-%d", i),
			SessionID: "sess-1",
			Type:      mech.StepTypeAnalysis,
			Content:   mech.StepContent{Raw: fmt.Sprintf("thinking about part %d", i)},
			Metadata:  mech.StepMetadata{Timestamp: now.Add(time.Duration(i) * time.Second)},
		}
		if err := s.AppendReasoningStep(ctx, step); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if step.StepNumber != int64(i+1) {
			t.Errorf("step %d numbered %d, want %d", i, step.StepNumber, i+1)
		}
	}

	chain, err := s.GetChain(ctx, "sess-1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length %d, want 3", len(chain))
	}
	for i, step := range chain {
		if step.StepNumber != int64(i+1) {
			t.Errorf("chain[%d] numbered %d", i, step.StepNumber)
		}
	}

	got, _ := s.GetSession(ctx, "sess-1")
	if got.ChainLength != 3 || got.Statistics.ReasoningSteps != 3 {
		t.Errorf("session counters: chain=%d steps=%d", got.ChainLength, got.Statistics.ReasoningSteps)
	}

	// Appending to a missing session fails cleanly.
	err = s.AppendReasoningStep(ctx, &mech.ReasoningStep{ID: "x", SessionID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing session = %v", err)
	}
}

func TestStepSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &mech.Session{
		SessionID: "sess-1", ProjectID: "proj-1", Status: mech.SessionStatusActive,
		Statistics: mech.SessionStatistics{StartTime: now, LastActivity: now},
		CreatedAt:  now, UpdatedAt: now,
	}
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	steps := []mech.ReasoningStep{
		{ID: "a", SessionID: "sess-1", Type: mech.StepTypeAnalysis,
			Content:  mech.StepContent{Raw: "investigating the cache invalidation bug", Keywords: []string{"cache"}},
			Metadata: mech.StepMetadata{Timestamp: now}},
		{ID: "b", SessionID: "sess-1", Type: mech.StepTypePlanning,
			Content:  mech.StepContent{Raw: "planning the migration rollout"},
			Metadata: mech.StepMetadata{Timestamp: now.Add(time.Second)}},
	}
	for i := range steps {
		if err := s.AppendReasoningStep(ctx, &steps[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SearchSteps(ctx, []string{"cache", "invalidation"}, StepSearchFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("search = %+v", got)
	}

	got, err = s.SearchSteps(ctx, []string{"the"}, StepSearchFilter{StepType: mech.StepTypePlanning})
	if err != nil || len(got) != 1 || got[0].ID != "b" {
		t.Errorf("typed search = %+v, %v", got, err)
	}
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureVectorIndex(ctx, 4); err != nil {
		t.Fatal(err)
	}
	// Idempotent for matching dims, conflict otherwise.
	if err := s.EnsureVectorIndex(ctx, 4); err != nil {
		t.Errorf("re-ensure: %v", err)
	}
	if err := s.EnsureVectorIndex(ctx, 8); !errors.Is(err, ErrConflict) {
		t.Errorf("dim mismatch = %v, want ErrConflict", err)
	}

	e := &mech.CodeEmbedding{
		ID: "e1", ProjectID: "p", RepositoryName: "repo", FilePath: "main.go",
		StartLine: 1, EndLine: 20, Language: "go", Content: "package main",
		Embedding: []float32{0.1, -0.5, 0.25, 1},
		IndexedAt: time.Now(),
	}
	if err := s.UpsertEmbedding(ctx, e); err != nil {
		t.Fatal(err)
	}

	// Same chunk location replaces.
	e2 := *e
	e2.ID = "e2"
	e2.Embedding = []float32{1, 0, 0, 0}
	if err := s.UpsertEmbedding(ctx, &e2); err != nil {
		t.Fatal(err)
	}

	got, err := s.CandidateEmbeddings(ctx, "p", "repo", "")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(got))
	}
	if got[0].ID != "e2" || len(got[0].Embedding) != 4 || got[0].Embedding[0] != 1 {
		t.Errorf("got %+v", got[0])
	}

	n, err := s.DeleteRepositoryEmbeddings(ctx, "p", "repo")
	if err != nil || n != 1 {
		t.Errorf("delete = %d, %v", n, err)
	}
}

func TestIndexingJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &mech.IndexingJob{
		JobID: "idx-1", ProjectID: "p", RepositoryName: "repo", Branch: "main",
		Status: mech.IndexingStatusPending, CreatedAt: time.Now(),
		Options: mech.IndexingOptions{ChunkSize: 512},
	}
	if err := s.InsertIndexingJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	if err := s.StartIndexingJob(ctx, "idx-1", 12, time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.UpdateIndexingProgress(ctx, "idx-1", 6, 40); err != nil {
		t.Fatalf("progress: %v", err)
	}

	got, _ := s.GetIndexingJob(ctx, "idx-1")
	if got.Status != mech.IndexingStatusInProgress || got.ProcessedFiles != 6 || got.TotalChunks != 40 {
		t.Errorf("got %+v", got)
	}

	if err := s.FinishIndexingJob(ctx, "idx-1", mech.IndexingStatusCompleted, "", time.Now()); err != nil {
		t.Fatal(err)
	}
	// Completed runs cannot be cancelled.
	if err := s.CancelIndexingJob(ctx, "idx-1", time.Now()); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel terminal = %v, want ErrConflict", err)
	}
}

func TestSessionCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &mech.Session{
		SessionID: "sess-1", ProjectID: "p", Status: mech.SessionStatusActive,
		Statistics: mech.SessionStatistics{StartTime: now, LastActivity: now},
		CreatedAt:  now, UpdatedAt: now,
	}
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	step := &mech.ReasoningStep{ID: "st", SessionID: "sess-1", Type: mech.StepTypeAnalysis,
		Metadata: mech.StepMetadata{Timestamp: now}}
	if err := s.AppendReasoningStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	cp := &mech.Checkpoint{ID: "cp", SessionID: "sess-1", CreatedAt: now}
	if err := s.InsertCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if chain, _ := s.GetChain(ctx, "sess-1"); len(chain) != 0 {
		t.Error("steps survived session delete")
	}
	if cps, _ := s.ListCheckpoints(ctx, "sess-1"); len(cps) != 0 {
		t.Error("checkpoints survived session delete")
	}
}
