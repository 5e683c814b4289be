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

// Package api is the HTTP surface of the service: job submission and
// inspection, queue management, schedules, webhook subscriptions, sessions,
// reasoning, and code search, all under a uniform response envelope.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"mech/internal/metrics"
	"mech/internal/reasoning"
	"mech/internal/registry"
	"mech/internal/schedule"
	"mech/internal/session"
	"mech/internal/vector"
	"mech/internal/webhook"
	"mech/pkg/mech"
)

// Dispatcher is the job-submission surface the API needs.
type Dispatcher interface {
	Submit(ctx context.Context, queueName, applicationID string, data json.RawMessage, opts mech.JobOptions) (*mech.Job, error)
	Cancel(ctx context.Context, queueName, jobID string) error
	Clean(ctx context.Context, queueName string, status mech.JobStatus, grace time.Duration, limit int) (int, error)
}

// Queues is the registry surface the API needs.
type Queues interface {
	Get(ctx context.Context, name string) (*mech.Queue, error)
	List(ctx context.Context) ([]mech.Queue, error)
	Configure(ctx context.Context, q *mech.Queue) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) (*registry.QueueStats, error)
}

// JobReader reads persisted job state.
type JobReader interface {
	GetJob(ctx context.Context, queueName, id string) (*mech.Job, error)
	ListJobs(ctx context.Context, queueName string, status mech.JobStatus, offset, limit int) ([]mech.Job, error)
	ListJobEvents(ctx context.Context, jobID string) ([]mech.JobEvent, error)
}

// ScheduleRunner triggers immediate schedule execution.
type ScheduleRunner interface {
	ExecuteNow(ctx context.Context, id string) error
}

// WebhookTester sends a synthetic delivery to one subscription.
type WebhookTester interface {
	SendTest(ctx context.Context, subscriptionID string) error
}

// IndexingStore manages repository indexing runs.
type IndexingStore interface {
	InsertIndexingJob(ctx context.Context, j *mech.IndexingJob) error
	GetIndexingJob(ctx context.Context, jobID string) (*mech.IndexingJob, error)
	CancelIndexingJob(ctx context.Context, jobID string, at time.Time) error
}

// API is the HTTP layer. Code and Indexing may be nil when no embedding
// provider is configured; their endpoints then report 503.
type API struct {
	Log *slog.Logger

	Dispatcher    Dispatcher
	Queues        Queues
	Jobs          JobReader
	Schedules     *schedule.Service
	Runner        ScheduleRunner
	Subscriptions *webhook.Service
	Tester        WebhookTester
	Sessions      *session.Service
	Reasoning     *reasoning.Service
	Code          *vector.Service
	Indexing      IndexingStore

	// Health probes, keyed by dependency name.
	Health map[string]func(ctx context.Context) error
}

// Routes registers every endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	// Jobs and queues.
	mux.HandleFunc("POST /api/jobs/{queue}", a.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs/{queue}", a.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{queue}/{id}", a.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{queue}/{id}", a.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{queue}/{id}/events", a.handleJobEvents)
	mux.HandleFunc("POST /api/jobs/{queue}/clean", a.handleCleanJobs)
	mux.HandleFunc("GET /api/queues", a.handleListQueues)
	mux.HandleFunc("POST /api/queues", a.handleConfigureQueue)
	mux.HandleFunc("GET /api/queues/{queue}/stats", a.handleQueueStats)
	mux.HandleFunc("POST /api/queues/{queue}/pause", a.handlePauseQueue)
	mux.HandleFunc("POST /api/queues/{queue}/resume", a.handleResumeQueue)

	// Schedules.
	mux.HandleFunc("POST /api/schedules", a.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", a.handleListSchedules)
	mux.HandleFunc("GET /api/schedules/{id}", a.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", a.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", a.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/execute", a.handleExecuteSchedule)
	mux.HandleFunc("PATCH /api/schedules/{id}/toggle", a.handleToggleSchedule)

	// Webhook subscriptions.
	mux.HandleFunc("POST /api/subscriptions", a.handleCreateSubscription)
	mux.HandleFunc("GET /api/subscriptions", a.handleListSubscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}", a.handleGetSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{id}", a.handleDeleteSubscription)
	mux.HandleFunc("PATCH /api/subscriptions/{id}/toggle", a.handleToggleSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/test", a.handleTestSubscription)

	// Sessions and checkpoints.
	mux.HandleFunc("POST /api/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", a.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/end", a.handleEndSession)
	mux.HandleFunc("POST /api/sessions/{id}/checkpoints", a.handleCreateCheckpoint)
	mux.HandleFunc("GET /api/sessions/{id}/checkpoints", a.handleListCheckpoints)
	mux.HandleFunc("POST /api/sessions/{id}/checkpoints/{checkpointId}/restore", a.handleRestoreCheckpoint)

	// Reasoning.
	mux.HandleFunc("POST /api/reasoning/store", a.handleStoreStep)
	mux.HandleFunc("GET /api/reasoning/chain/{sessionId}", a.handleGetChain)
	mux.HandleFunc("POST /api/reasoning/search", a.handleSearchSteps)
	mux.HandleFunc("POST /api/reasoning/analyze/{sessionId}", a.handleAnalyzeSession)

	// Code search and indexing.
	mux.HandleFunc("POST /api/code/search", a.handleCodeSearch)
	mux.HandleFunc("POST /api/code/index", a.handleCodeIndex)
	mux.HandleFunc("GET /api/code/index/{jobId}", a.handleGetIndexingJob)
	mux.HandleFunc("DELETE /api/code/index/{jobId}", a.handleCancelIndexingJob)

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Handler assembles the middleware chain around the routed mux.
func (a *API) Handler(keys map[string]string, corsOrigins []string, limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	a.Routes(mux)

	var h http.Handler = mux
	h = Auth(keys)(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = Instrument(a.Log)(h)
	h = SecurityHeaders(corsOrigins)(h)
	h = RequestID(h)

	// Health and metrics stay reachable without credentials.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", a.handleHealth)
	outer.Handle("GET /metrics", metrics.Handler())
	outer.Handle("/", h)
	return outer
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(a.Health))
	for name, probe := range a.Health {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"checks": checks,
	})
}
