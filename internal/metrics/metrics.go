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

// Package metrics exposes the service's Prometheus instrumentation through
// a package-level registry so every component records into one place.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry *prometheus.Registry

var (
	// JobsSubmitted counts jobs accepted per queue.
	JobsSubmitted *prometheus.CounterVec
	// JobsCompleted counts successful job completions per queue.
	JobsCompleted *prometheus.CounterVec
	// JobsFailed counts terminal job failures per queue.
	JobsFailed *prometheus.CounterVec
	// JobsRetried counts retry requeues per queue.
	JobsRetried *prometheus.CounterVec
	// JobsStalled counts stalled-job recoveries per queue.
	JobsStalled *prometheus.CounterVec
	// JobDuration observes processing time per queue, in seconds.
	JobDuration *prometheus.HistogramVec
	// QueueDepth gauges jobs per queue and state.
	QueueDepth *prometheus.GaugeVec
	// RateLimited counts reservations deferred by a queue's rate limit.
	RateLimited *prometheus.CounterVec

	// EventsDropped counts lifecycle events dropped by a full bus.
	EventsDropped prometheus.Counter

	// WebhookDeliveries counts webhook deliveries by outcome
	// (delivered, failed, breaker_open).
	WebhookDeliveries *prometheus.CounterVec
	// WebhookDuration observes webhook round-trip time, in seconds.
	WebhookDuration prometheus.Histogram

	// ScheduleFires counts schedule executions by status.
	ScheduleFires *prometheus.CounterVec

	// HTTPRequests counts API requests by method and status class.
	HTTPRequests *prometheus.CounterVec

	// EmbeddingRequests counts calls to the embedding provider by outcome.
	EmbeddingRequests *prometheus.CounterVec
)

func init() {
	Reset()
}

// Reset re-creates the registry and all collectors. Tests use this to get a
// clean slate between cases.
func Reset() {
	registry = prometheus.NewRegistry()

	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_jobs_submitted_total",
		Help: "Jobs accepted for processing.",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_jobs_completed_total",
		Help: "Jobs that completed successfully.",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_jobs_failed_total",
		Help: "Jobs that exhausted their attempts.",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_jobs_retried_total",
		Help: "Failed attempts requeued for retry.",
	}, []string{"queue"})
	JobsStalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_jobs_stalled_total",
		Help: "Jobs recovered after a lease expired.",
	}, []string{"queue"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mech_job_duration_seconds",
		Help:    "Job processing duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"queue"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mech_queue_depth",
		Help: "Jobs per queue and state.",
	}, []string{"queue", "state"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_rate_limited_total",
		Help: "Reservations deferred by queue rate limits.",
	}, []string{"queue"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mech_events_dropped_total",
		Help: "Lifecycle events dropped because the bus was full.",
	})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	WebhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mech_webhook_delivery_duration_seconds",
		Help:    "Webhook delivery round-trip time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	ScheduleFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_schedule_fires_total",
		Help: "Schedule executions by status.",
	}, []string{"status"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_http_requests_total",
		Help: "API requests by method and status class.",
	}, []string{"method", "status"})

	EmbeddingRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_embedding_requests_total",
		Help: "Embedding provider calls by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(
		JobsSubmitted, JobsCompleted, JobsFailed, JobsRetried, JobsStalled,
		JobDuration, QueueDepth, RateLimited,
		EventsDropped,
		WebhookDeliveries, WebhookDuration,
		ScheduleFires, HTTPRequests, EmbeddingRequests,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
