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

// Models for the reasoning/code-indexing island: sessions, append-only
// reasoning steps, code-chunk embeddings, and indexing jobs. Steps hold
// their sessionId; the session keeps a chain-length counter rather than a
// list of step ids so the session document stays bounded.
package mech

import "time"

// SessionStatus is the lifecycle state of a reasoning session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusErrored   SessionStatus = "errored"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// Valid reports whether the status is one of the allowed states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusErrored, SessionStatusAbandoned:
		return true
	default:
		return false
	}
}

// SessionContext captures the working state the session was opened with.
type SessionContext struct {
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	GitBranch        string   `json:"gitBranch,omitempty"`
	GitCommit        string   `json:"gitCommit,omitempty"`
	ActiveFiles      []string `json:"activeFiles,omitempty"`
	ModifiedFiles    []string `json:"modifiedFiles,omitempty"`
}

// SessionStatistics accumulates activity counters for a session.
type SessionStatistics struct {
	StartTime      time.Time  `json:"startTime"`
	LastActivity   time.Time  `json:"lastActivity"`
	TotalDuration  int64      `json:"totalDuration,omitempty"` // milliseconds
	ReasoningSteps int64      `json:"reasoningSteps"`
	ToolInvocations int64     `json:"toolInvocations,omitempty"`
	FilesModified  int64      `json:"filesModified,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
}

// Session owns an ordered chain of reasoning steps. Deleting a session
// cascades to its steps and checkpoints.
type Session struct {
	SessionID   string            `json:"sessionId"`
	ProjectID   string            `json:"projectId"`
	Status      SessionStatus     `json:"status"`
	Context     SessionContext    `json:"context"`
	Statistics  SessionStatistics `json:"statistics"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	ChainLength int64             `json:"chainLength"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Checkpoint is a point-in-time reference stored on a session.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Name      string         `json:"name,omitempty"`
	Context   SessionContext `json:"context"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// StepType classifies a reasoning step.
type StepType string

const (
	StepTypeAnalysis    StepType = "analysis"
	StepTypePlanning    StepType = "planning"
	StepTypeExecution   StepType = "execution"
	StepTypeReflection  StepType = "reflection"
	StepTypeError       StepType = "error"
	StepTypeDecision    StepType = "decision"
	StepTypeExploration StepType = "exploration"
	StepTypeValidation  StepType = "validation"
)

// Valid reports whether the step type is one of the allowed kinds.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAnalysis, StepTypePlanning, StepTypeExecution, StepTypeReflection,
		StepTypeError, StepTypeDecision, StepTypeExploration, StepTypeValidation:
		return true
	default:
		return false
	}
}

// StepContent is the textual payload of a reasoning step.
type StepContent struct {
	Raw        string   `json:"raw"`
	Summary    string   `json:"summary,omitempty"`
	Confidence float64  `json:"confidence,omitempty"` // [0,1]
	Keywords   []string `json:"keywords,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// StepContext records what the step touched.
type StepContext struct {
	PrecedingSteps  []int64  `json:"precedingSteps,omitempty"`
	ToolsUsed       []string `json:"toolsUsed,omitempty"`
	FilesReferenced []string `json:"filesReferenced,omitempty"`
	FilesModified   []string `json:"filesModified,omitempty"`
	CodeBlocks      []string `json:"codeBlocks,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Decisions       []string `json:"decisions,omitempty"`
}

// StepQuality holds reviewer-style scores in [0,1].
type StepQuality struct {
	Clarity      float64 `json:"clarity,omitempty"`
	Completeness float64 `json:"completeness,omitempty"`
	Usefulness   float64 `json:"usefulness,omitempty"`
}

// StepMetadata captures generation parameters and timing.
type StepMetadata struct {
	Timestamp   time.Time `json:"timestamp"`
	Duration    int64     `json:"duration,omitempty"` // milliseconds
	TokenCount  int64     `json:"tokenCount,omitempty"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int64     `json:"maxTokens,omitempty"`
}

// ReasoningStep is an append-only entry in a session's chain.
// StepNumber is monotonic and contiguous per session, starting at 1.
type ReasoningStep struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	StepNumber int64        `json:"stepNumber"`
	Type       StepType     `json:"type"`
	Content    StepContent  `json:"content"`
	Context    StepContext  `json:"context"`
	Quality    StepQuality  `json:"quality"`
	Metadata   StepMetadata `json:"metadata"`
}

// CodeEmbedding is one indexed code chunk with its vector.
// Every embedding under one index shares the same dimension; similarity is
// cosine.
type CodeEmbedding struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	RepositoryName string    `json:"repositoryName"`
	FilePath       string    `json:"filePath"`
	StartLine      int       `json:"startLine"`
	EndLine        int       `json:"endLine"`
	Language       string    `json:"language,omitempty"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	IndexedAt      time.Time `json:"indexedAt"`
}

// IndexingStatus is the lifecycle state of a repository indexing job.
type IndexingStatus string

const (
	IndexingStatusPending    IndexingStatus = "pending"
	IndexingStatusInProgress IndexingStatus = "in-progress"
	IndexingStatusCompleted  IndexingStatus = "completed"
	IndexingStatusFailed     IndexingStatus = "failed"
	IndexingStatusCancelled  IndexingStatus = "cancelled"
)

// Cancellable reports whether the indexing job may still be cancelled.
func (s IndexingStatus) Cancellable() bool {
	return s == IndexingStatusPending || s == IndexingStatusInProgress
}

// IndexingOptions tune a repository indexing run.
type IndexingOptions struct {
	Incremental  bool `json:"incremental,omitempty"`
	MaxFiles     int  `json:"maxFiles,omitempty"`
	ChunkSize    int  `json:"chunkSize,omitempty"`
	ChunkOverlap int  `json:"chunkOverlap,omitempty"`
}

// IndexingJob tracks one repository indexing run driven through the queue.
type IndexingJob struct {
	JobID          string          `json:"jobId"`
	ProjectID      string          `json:"projectId"`
	RepositoryName string          `json:"repositoryName"`
	Branch         string          `json:"branch,omitempty"`
	Status         IndexingStatus  `json:"status"`
	TotalFiles     int             `json:"totalFiles"`
	ProcessedFiles int             `json:"processedFiles"`
	TotalChunks    int             `json:"totalChunks"`
	Options        IndexingOptions `json:"options"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}
