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

// Package mech contains the shared data models and constants used by the
// queue dispatcher, scheduler, webhook engine, and the reasoning/code-search
// services. Job payloads are treated as opaque JSON at every boundary; only
// per-queue processors parse them.
package mech

import (
	"encoding/json"
	"regexp"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
// Transitions: waiting → active → {completed|failed};
// failed → delayed → waiting while attempts remain;
// waiting ⇄ delayed by delayUntil; any ⇄ paused queue-wide.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusPaused    JobStatus = "paused"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusActive, JobStatusCompleted, JobStatusFailed, JobStatusDelayed, JobStatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
// A failed job with attempts remaining is requeued before it ever
// reaches this state in storage.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// BackoffKind selects the retry delay growth function.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
)

// BackoffPolicy describes retry delay computation for failed attempts.
type BackoffPolicy struct {
	Kind        BackoffKind `json:"kind"`
	BaseDelayMs int64       `json:"baseDelayMs"`
	MaxDelayMs  int64       `json:"maxDelayMs,omitempty"`
}

// RemovalPolicy bounds terminal-state retention: jobs older than AgeSec or
// beyond MaxCount (oldest first) are removed after a terminal transition.
type RemovalPolicy struct {
	AgeSec   int64 `json:"ageSec,omitempty"`
	MaxCount int64 `json:"maxCount,omitempty"`
}

// RateLimit caps reservations to Max per WindowMs per queue.
type RateLimit struct {
	Max      int   `json:"max"`
	WindowMs int64 `json:"windowMs"`
}

// JobOptions are per-job settings. Unset fields inherit the queue defaults;
// job-level values win on merge.
type JobOptions struct {
	Priority         int            `json:"priority,omitempty"`
	DelayUntil       *time.Time     `json:"delayUntil,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Backoff          *BackoffPolicy `json:"backoff,omitempty"`
	TimeoutMs        int64          `json:"timeoutMs,omitempty"`
	RemoveOnComplete *RemovalPolicy `json:"removeOnComplete,omitempty"`
	RemoveOnFail     *RemovalPolicy `json:"removeOnFail,omitempty"`
}

// Merge overlays o on top of defaults and returns the effective options.
func (o JobOptions) Merge(def JobOptions) JobOptions {
	out := def
	if o.Priority != 0 {
		out.Priority = o.Priority
	}
	if o.DelayUntil != nil {
		out.DelayUntil = o.DelayUntil
	}
	if o.Attempts > 0 {
		out.Attempts = o.Attempts
	}
	if o.Backoff != nil {
		out.Backoff = o.Backoff
	}
	if o.TimeoutMs > 0 {
		out.TimeoutMs = o.TimeoutMs
	}
	if o.RemoveOnComplete != nil {
		out.RemoveOnComplete = o.RemoveOnComplete
	}
	if o.RemoveOnFail != nil {
		out.RemoveOnFail = o.RemoveOnFail
	}
	return out
}

var queueNameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidQueueName reports whether name matches [a-z0-9_-]{1,64}.
func ValidQueueName(name string) bool { return queueNameRE.MatchString(name) }

// Queue is a declared or ad-hoc created queue with default job options.
type Queue struct {
	Name              string     `json:"name"`
	DefaultJobOptions JobOptions `json:"defaultJobOptions"`
	Paused            bool       `json:"paused"`
	RateLimit         *RateLimit `json:"rateLimit,omitempty"`
}

// JobError is the serialized failure captured from a processor.
type JobError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"` // e.g. "timeout"
}

// Job is a single unit of work and its lifecycle bookkeeping.
// Data is opaque; the dispatcher never inspects it.
type Job struct {
	ID            string          `json:"jobId" db:"id"`
	QueueName     string          `json:"queueName" db:"queue_name"`
	ApplicationID string          `json:"applicationId" db:"application_id"`
	Data          json.RawMessage `json:"data" db:"data"`
	Options       JobOptions      `json:"options" db:"options_json"`
	Status        JobStatus       `json:"status" db:"status"`
	AttemptNumber int             `json:"attemptNumber" db:"attempt_number"`
	Progress      int             `json:"progress" db:"progress"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	Error         *JobError       `json:"error,omitempty" db:"error_json"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	StartedAt     *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	FailedAt      *time.Time      `json:"failedAt,omitempty" db:"failed_at"`
}

// NewJob constructs a job in waiting (or delayed) state with timestamps set.
// Caller assigns a unique ID before persistence.
func NewJob(queueName, applicationID string, data json.RawMessage, opts JobOptions) Job {
	now := time.Now().UTC()
	status := JobStatusWaiting
	if opts.DelayUntil != nil && opts.DelayUntil.After(now) {
		status = JobStatusDelayed
	}
	return Job{
		QueueName:     queueName,
		ApplicationID: applicationID,
		Data:          data,
		Options:       opts,
		Status:        status,
		CreatedAt:     now,
	}
}

// EventLevel represents the severity of a job event log entry.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// String returns the string value of the EventLevel.
func (l EventLevel) String() string { return string(l) }

// JobEvent is an append-only log entry for a job, used for user-visible
// progress and debugging observability.
type JobEvent struct {
	ID      int64      `json:"id" db:"id"`
	JobID   string     `json:"jobId" db:"job_id"`
	Time    time.Time  `json:"time" db:"time"`
	Level   EventLevel `json:"level" db:"level"`
	Message string     `json:"message" db:"message"`
	Step    *string    `json:"step,omitempty" db:"step"`
}

// Lifecycle event names published on the in-process bus and deliverable
// to webhook subscriptions.
const (
	EventJobCreated   = "job.created"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobRetrying  = "job.retrying"
	EventJobStalled   = "job.stalled"
	EventQueuePaused  = "queue.paused"
	EventQueueResumed = "queue.resumed"

	// Management-level event fired when a subscription is auto-deactivated.
	EventSubscriptionDeactivated = "subscription.deactivated"
)

// LifecycleEvents lists every job/queue event a subscription may select.
var LifecycleEvents = []string{
	EventJobCreated, EventJobStarted, EventJobProgress, EventJobCompleted,
	EventJobFailed, EventJobRetrying, EventJobStalled,
	EventQueuePaused, EventQueueResumed,
}

// Event is a lifecycle notification published on the in-process bus.
// Delivery is best-effort; events are an operational signal, not a ledger.
type Event struct {
	Name          string          `json:"event"`
	Timestamp     time.Time       `json:"timestamp"`
	ApplicationID string          `json:"applicationId,omitempty"`
	QueueName     string          `json:"queueName,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
	JobStatus     JobStatus       `json:"jobStatus,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}
