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

package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mech/internal/dispatch"
	"mech/pkg/mech"
)

const (
	defaultChunkLines   = 50
	defaultChunkOverlap = 10
	embedBatchSize      = 32
)

// IndexFile is one file submitted for indexing.
type IndexFile struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// IndexRequest is the payload of a code-index queue job.
type IndexRequest struct {
	JobID          string               `json:"jobId"`
	ProjectID      string               `json:"projectId"`
	RepositoryName string               `json:"repositoryName"`
	Branch         string               `json:"branch,omitempty"`
	Options        mech.IndexingOptions `json:"options"`
	Files          []IndexFile          `json:"files"`
}

// IndexResult is the job result recorded on completion.
type IndexResult struct {
	JobID          string `json:"jobId"`
	ProcessedFiles int    `json:"processedFiles"`
	TotalChunks    int    `json:"totalChunks"`
	Cancelled      bool   `json:"cancelled,omitempty"`
}

// IndexerStore adds indexing-run bookkeeping to the embedding store.
type IndexerStore interface {
	Store
	GetIndexingJob(ctx context.Context, jobID string) (*mech.IndexingJob, error)
	StartIndexingJob(ctx context.Context, jobID string, totalFiles int, at time.Time) error
	UpdateIndexingProgress(ctx context.Context, jobID string, processedFiles, totalChunks int) error
	FinishIndexingJob(ctx context.Context, jobID string, status mech.IndexingStatus, errMsg string, at time.Time) error
}

// Indexer is the processor behind the reserved code-index queue. It chunks
// submitted files, embeds them, and upserts the vectors.
type Indexer struct {
	store    IndexerStore
	provider Provider
	log      *slog.Logger
}

// NewIndexer constructs the processor.
func NewIndexer(st IndexerStore, p Provider, log *slog.Logger) *Indexer {
	return &Indexer{store: st, provider: p, log: log}
}

// Process implements dispatch.Processor for code-index jobs.
func (ix *Indexer) Process(ctx context.Context, job *mech.Job, progress dispatch.ProgressFn) (json.RawMessage, error) {
	var req IndexRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, fmt.Errorf("decode index request: %w", err)
	}

	if err := ix.store.EnsureVectorIndex(ctx, ix.provider.Dimensions()); err != nil {
		return nil, err
	}
	if err := ix.store.StartIndexingJob(ctx, req.JobID, len(req.Files), now()); err != nil {
		return nil, fmt.Errorf("start indexing run: %w", err)
	}

	if !req.Options.Incremental {
		if _, err := ix.store.DeleteRepositoryEmbeddings(ctx, req.ProjectID, req.RepositoryName); err != nil {
			ix.finish(ctx, req.JobID, mech.IndexingStatusFailed, err)
			return nil, err
		}
	}

	files := req.Files
	if req.Options.MaxFiles > 0 && len(files) > req.Options.MaxFiles {
		files = files[:req.Options.MaxFiles]
	}

	result := IndexResult{JobID: req.JobID}
	for i, f := range files {
		if cancelled, err := ix.runCancelled(ctx, req.JobID); err != nil {
			ix.finish(ctx, req.JobID, mech.IndexingStatusFailed, err)
			return nil, err
		} else if cancelled {
			result.Cancelled = true
			break
		}

		n, err := ix.indexFile(ctx, &req, f)
		if err != nil {
			ix.finish(ctx, req.JobID, mech.IndexingStatusFailed, err)
			return nil, fmt.Errorf("index %s: %w", f.Path, err)
		}
		result.ProcessedFiles++
		result.TotalChunks += n

		if err := ix.store.UpdateIndexingProgress(ctx, req.JobID, result.ProcessedFiles, result.TotalChunks); err != nil {
			ix.log.Warn("indexing progress update failed", "job", req.JobID, "error", err)
		}
		if progress != nil {
			pct := (i + 1) * 100 / len(files)
			if err := progress(ctx, pct); err != nil {
				ix.log.Warn("progress report failed", "job", req.JobID, "error", err)
			}
		}
	}

	if !result.Cancelled {
		ix.finish(ctx, req.JobID, mech.IndexingStatusCompleted, nil)
	}
	ix.log.Info("repository indexed",
		"job", req.JobID, "repository", req.RepositoryName,
		"files", result.ProcessedFiles, "chunks", result.TotalChunks,
		"cancelled", result.Cancelled)
	return json.Marshal(result)
}

func (ix *Indexer) indexFile(ctx context.Context, req *IndexRequest, f IndexFile) (int, error) {
	chunks := ChunkLines(f.Content, req.Options.ChunkSize, req.Options.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	total := 0
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := ix.provider.Embed(ctx, texts)
		if err != nil {
			return total, err
		}

		for i, c := range batch {
			e := mech.CodeEmbedding{
				ID:             uuid.NewString(),
				ProjectID:      req.ProjectID,
				RepositoryName: req.RepositoryName,
				FilePath:       f.Path,
				StartLine:      c.StartLine,
				EndLine:        c.EndLine,
				Language:       f.Language,
				Content:        c.Content,
				Embedding:      vecs[i],
				IndexedAt:      now().UTC(),
			}
			if err := ix.store.UpsertEmbedding(ctx, &e); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

// runCancelled reports whether the indexing run was cancelled out of band.
func (ix *Indexer) runCancelled(ctx context.Context, jobID string) (bool, error) {
	j, err := ix.store.GetIndexingJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.Status == mech.IndexingStatusCancelled, nil
}

func (ix *Indexer) finish(ctx context.Context, jobID string, status mech.IndexingStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := ix.store.FinishIndexingJob(ctx, jobID, status, msg, now()); err != nil {
		ix.log.Error("finish indexing run failed", "job", jobID, "error", err)
	}
}

// Chunk is one line-bounded slice of a file.
type Chunk struct {
	StartLine int
	EndLine   int
	Content   string
}

// ChunkLines splits content into overlapping line windows. Line numbers are
// 1-based and inclusive.
func ChunkLines(content string, size, overlap int) []Chunk {
	if size <= 0 {
		size = defaultChunkLines
	}
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
		if overlap >= size {
			overlap = size / 2
		}
	}

	lines := strings.Split(content, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	var out []Chunk
	step := size - overlap
	for start := 0; start < len(lines); start += step {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		out = append(out, Chunk{
			StartLine: start + 1,
			EndLine:   end,
			Content:   strings.Join(lines[start:end], "\n"),
		})
		if end == len(lines) {
			break
		}
	}
	return out
}
