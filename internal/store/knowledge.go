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
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mech/pkg/mech"
)

// --------------- Sessions ---------------

const sessionColumns = `session_id, project_id, status, context_json, statistics_json, metadata_json, chain_length, created_at, updated_at`

// InsertSession persists a new reasoning session.
func (s *Store) InsertSession(ctx context.Context, sess *mech.Session) error {
	contextJSON, stats, metadata, err := marshalSessionDocs(sess)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		sess.SessionID, sess.ProjectID, string(sess.Status),
		contextJSON, stats, metadata, sess.ChainLength,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s: %w", sess.SessionID, ErrConflict)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*mech.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id=?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a project's sessions, optionally filtered by status,
// newest first.
func (s *Store) ListSessions(ctx context.Context, projectID string, status mech.SessionStatus, offset, limit int) ([]mech.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, session_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// UpdateSession rewrites a session's mutable documents (context, statistics,
// metadata, status). Callers pass the already-merged session.
func (s *Store) UpdateSession(ctx context.Context, sess *mech.Session) error {
	contextJSON, stats, metadata, err := marshalSessionDocs(sess)
	if err != nil {
		return err
	}
	const q = `
UPDATE sessions SET status=?, context_json=?, statistics_json=?, metadata_json=?, updated_at=?
WHERE session_id=?`
	return s.execOne(ctx, q, string(sess.Status), contextJSON, stats, metadata, time.Now().UTC(), sess.SessionID)
}

// DeleteSession removes a session; steps and checkpoints cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM sessions WHERE session_id=?`
	return s.execOne(ctx, q, sessionID)
}

// --------------- Checkpoints ---------------

// InsertCheckpoint stores a point-in-time reference on a session.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *mech.Checkpoint) error {
	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var metadata any
	if cp.Metadata != nil {
		b, err := json.Marshal(cp.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	const q = `
INSERT INTO checkpoints (id, session_id, name, context_json, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, cp.ID, cp.SessionID, nullIfEmpty(cp.Name), string(contextJSON), metadata, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*mech.Checkpoint, error) {
	const q = `SELECT id, session_id, name, context_json, metadata_json, created_at FROM checkpoints WHERE id=?`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints in creation order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]mech.Checkpoint, error) {
	const q = `SELECT id, session_id, name, context_json, metadata_json, created_at FROM checkpoints WHERE session_id=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// --------------- Reasoning steps ---------------

const stepColumns = `id, session_id, step_number, type, content_json, context_json, quality_json, metadata_json, created_at`

// AppendReasoningStep assigns the next contiguous step number and inserts
// the step, bumping the session's chain length and statistics in the same
// transaction.
func (s *Store) AppendReasoningStep(ctx context.Context, step *mech.ReasoningStep) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var chainLength int64
		var statsJSON string
		const sel = `SELECT chain_length, statistics_json FROM sessions WHERE session_id=?`
		if err := tx.QueryRowContext(ctx, sel, step.SessionID).Scan(&chainLength, &statsJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		step.StepNumber = chainLength + 1

		content, err := json.Marshal(step.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		stepCtx, err := json.Marshal(step.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		quality, err := json.Marshal(step.Quality)
		if err != nil {
			return fmt.Errorf("marshal quality: %w", err)
		}
		metadata, err := json.Marshal(step.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		const ins = `
INSERT INTO reasoning_steps (` + stepColumns + `, search_text)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = tx.ExecContext(ctx, ins,
			step.ID, step.SessionID, step.StepNumber, string(step.Type),
			string(content), string(stepCtx), string(quality), string(metadata),
			step.Metadata.Timestamp.UTC(), stepSearchText(step))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}

		var stats mech.SessionStatistics
		if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil {
			return fmt.Errorf("unmarshal statistics: %w", err)
		}
		stats.ReasoningSteps++
		stats.LastActivity = time.Now().UTC()
		updated, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal statistics: %w", err)
		}

		const upd = `UPDATE sessions SET chain_length=?, statistics_json=?, updated_at=? WHERE session_id=?`
		_, err = tx.ExecContext(ctx, upd, step.StepNumber, string(updated), time.Now().UTC(), step.SessionID)
		return err
	})
}

// GetChain returns a session's steps in chain order.
func (s *Store) GetChain(ctx context.Context, sessionID string) ([]mech.ReasoningStep, error) {
	const q = `SELECT ` + stepColumns + ` FROM reasoning_steps WHERE session_id=? ORDER BY step_number ASC`
	return s.querySteps(ctx, q, sessionID)
}

// StepSearchFilter narrows a lexical reasoning search.
type StepSearchFilter struct {
	SessionID string
	StepType  mech.StepType
	Since     *time.Time
	Limit     int
}

// SearchSteps returns steps whose search text contains every query token,
// newest first. Scoring happens in the reasoning service.
func (s *Store) SearchSteps(ctx context.Context, tokens []string, f StepSearchFilter) ([]mech.ReasoningStep, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + stepColumns + ` FROM reasoning_steps WHERE 1=1`
	var args []any
	for _, tok := range tokens {
		q += ` AND search_text LIKE ?`
		args = append(args, "%"+strings.ToLower(tok)+"%")
	}
	if f.SessionID != "" {
		q += ` AND session_id=?`
		args = append(args, f.SessionID)
	}
	if f.StepType != "" {
		q += ` AND type=?`
		args = append(args, string(f.StepType))
	}
	if f.Since != nil {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.querySteps(ctx, q, args...)
}

func (s *Store) querySteps(ctx context.Context, q string, args ...any) ([]mech.ReasoningStep, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.ReasoningStep
	for rows.Next() {
		var step mech.ReasoningStep
		var typ, content, stepCtx, quality, metadata string
		var createdAt time.Time
		err := rows.Scan(&step.ID, &step.SessionID, &step.StepNumber, &typ,
			&content, &stepCtx, &quality, &metadata, &createdAt)
		if err != nil {
			return nil, err
		}
		step.Type = mech.StepType(typ)
		if err := json.Unmarshal([]byte(content), &step.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		if err := json.Unmarshal([]byte(stepCtx), &step.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
		if err := json.Unmarshal([]byte(quality), &step.Quality); err != nil {
			return nil, fmt.Errorf("unmarshal quality: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &step.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func stepSearchText(step *mech.ReasoningStep) string {
	parts := []string{step.Content.Raw, step.Content.Summary}
	parts = append(parts, step.Content.Keywords...)
	parts = append(parts, step.Content.Entities...)
	return strings.ToLower(strings.Join(parts, " "))
}

// --------------- Code embeddings ---------------

const embeddingColumns = `id, project_id, repository_name, file_path, start_line, end_line, language, content, embedding, indexed_at`

// EnsureVectorIndex records the index dimension on first use and verifies
// subsequent calls agree. Idempotent for matching parameters.
func (s *Store) EnsureVectorIndex(ctx context.Context, dims int) error {
	cur, err := s.GetSetting(ctx, vectorDimsKey)
	if errors.Is(err, ErrNotFound) {
		if err := s.SetSetting(ctx, vectorDimsKey, strconv.Itoa(dims)); err != nil {
			return err
		}
		return s.SetSetting(ctx, vectorMetricKey, "cosine")
	}
	if err != nil {
		return err
	}
	if cur != strconv.Itoa(dims) {
		return fmt.Errorf("vector index dimension %s does not match requested %d: %w", cur, dims, ErrConflict)
	}
	return nil
}

// VectorIndexDims returns the recorded index dimension, 0 when unset.
func (s *Store) VectorIndexDims(ctx context.Context) (int, error) {
	v, err := s.GetSetting(ctx, vectorDimsKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// UpsertEmbedding stores a code chunk's embedding, replacing any previous
// vector for the same chunk location.
func (s *Store) UpsertEmbedding(ctx context.Context, e *mech.CodeEmbedding) error {
	const q = `
INSERT INTO code_embeddings (` + embeddingColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id, repository_name, file_path, start_line, end_line) DO UPDATE SET
  id=excluded.id, language=excluded.language, content=excluded.content,
  embedding=excluded.embedding, indexed_at=excluded.indexed_at`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.ProjectID, e.RepositoryName, e.FilePath, e.StartLine, e.EndLine,
		nullIfEmpty(e.Language), e.Content, encodeVector(e.Embedding), e.IndexedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// CandidateEmbeddings returns embeddings for similarity scoring, optionally
// narrowed by repository and language.
func (s *Store) CandidateEmbeddings(ctx context.Context, projectID, repositoryName, language string) ([]mech.CodeEmbedding, error) {
	q := `SELECT ` + embeddingColumns + ` FROM code_embeddings WHERE project_id=?`
	args := []any{projectID}
	if repositoryName != "" {
		q += ` AND repository_name=?`
		args = append(args, repositoryName)
	}
	if language != "" {
		q += ` AND language=?`
		args = append(args, language)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mech.CodeEmbedding
	for rows.Next() {
		var e mech.CodeEmbedding
		var lang sql.NullString
		var blob []byte
		err := rows.Scan(&e.ID, &e.ProjectID, &e.RepositoryName, &e.FilePath,
			&e.StartLine, &e.EndLine, &lang, &e.Content, &blob, &e.IndexedAt)
		if err != nil {
			return nil, err
		}
		e.Language = fromNullString(lang)
		e.Embedding = decodeVector(blob)
		e.IndexedAt = e.IndexedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRepositoryEmbeddings removes every embedding for a repository,
// used before a full (non-incremental) re-index.
func (s *Store) DeleteRepositoryEmbeddings(ctx context.Context, projectID, repositoryName string) (int64, error) {
	const q = `DELETE FROM code_embeddings WHERE project_id=? AND repository_name=?`
	res, err := s.db.ExecContext(ctx, q, projectID, repositoryName)
	if err != nil {
		return 0, fmt.Errorf("delete repository embeddings: %w", err)
	}
	return res.RowsAffected()
}

// CountEmbeddings returns the number of indexed chunks for a repository.
func (s *Store) CountEmbeddings(ctx context.Context, projectID, repositoryName string) (int64, error) {
	const q = `SELECT COUNT(*) FROM code_embeddings WHERE project_id=? AND repository_name=?`
	var n int64
	if err := s.db.QueryRowContext(ctx, q, projectID, repositoryName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// --------------- Indexing jobs ---------------

const indexingColumns = `job_id, project_id, repository_name, branch, status, total_files, processed_files, total_chunks, options_json, error, created_at, started_at, finished_at`

// InsertIndexingJob persists a new repository indexing run.
func (s *Store) InsertIndexingJob(ctx context.Context, j *mech.IndexingJob) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	const q = `
INSERT INTO indexing_jobs (` + indexingColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		j.JobID, j.ProjectID, j.RepositoryName, nullIfEmpty(j.Branch), string(j.Status),
		j.TotalFiles, j.ProcessedFiles, j.TotalChunks, string(opts), nullIfEmpty(j.Error),
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert indexing job: %w", err)
	}
	return nil
}

// GetIndexingJob returns an indexing run by job id.
func (s *Store) GetIndexingJob(ctx context.Context, jobID string) (*mech.IndexingJob, error) {
	const q = `SELECT ` + indexingColumns + ` FROM indexing_jobs WHERE job_id=?`
	var j mech.IndexingJob
	var branch, errMsg sql.NullString
	var status, opts string
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(
		&j.JobID, &j.ProjectID, &j.RepositoryName, &branch, &status,
		&j.TotalFiles, &j.ProcessedFiles, &j.TotalChunks, &opts, &errMsg,
		&j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get indexing job: %w", err)
	}
	j.Branch = fromNullString(branch)
	j.Status = mech.IndexingStatus(status)
	j.Error = fromNullString(errMsg)
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = fromNullTimePtr(started)
	j.FinishedAt = fromNullTimePtr(finished)
	return &j, nil
}

// StartIndexingJob marks a pending run in-progress with its file totals.
func (s *Store) StartIndexingJob(ctx context.Context, jobID string, totalFiles int, at time.Time) error {
	const q = `
UPDATE indexing_jobs SET status=?, total_files=?, started_at=?
WHERE job_id=? AND status=?`
	return s.execOne(ctx, q, string(mech.IndexingStatusInProgress), totalFiles, at.UTC(), jobID, string(mech.IndexingStatusPending))
}

// UpdateIndexingProgress advances file/chunk counters on a running job.
func (s *Store) UpdateIndexingProgress(ctx context.Context, jobID string, processedFiles, totalChunks int) error {
	const q = `UPDATE indexing_jobs SET processed_files=?, total_chunks=? WHERE job_id=?`
	return s.execOne(ctx, q, processedFiles, totalChunks, jobID)
}

// FinishIndexingJob records a terminal state for an indexing run.
func (s *Store) FinishIndexingJob(ctx context.Context, jobID string, status mech.IndexingStatus, errMsg string, at time.Time) error {
	const q = `UPDATE indexing_jobs SET status=?, error=?, finished_at=? WHERE job_id=?`
	return s.execOne(ctx, q, string(status), nullIfEmpty(errMsg), at.UTC(), jobID)
}

// CancelIndexingJob cancels a run that has not yet finished. Returns
// ErrConflict when the run is already terminal.
func (s *Store) CancelIndexingJob(ctx context.Context, jobID string, at time.Time) error {
	const q = `
UPDATE indexing_jobs SET status=?, finished_at=?
WHERE job_id=? AND status IN (?, ?)`
	err := s.execOne(ctx, q, string(mech.IndexingStatusCancelled), at.UTC(), jobID,
		string(mech.IndexingStatusPending), string(mech.IndexingStatusInProgress))
	if errors.Is(err, ErrNotFound) {
		// Distinguish missing from non-cancellable.
		if _, getErr := s.GetIndexingJob(ctx, jobID); getErr == nil {
			return ErrConflict
		}
		return ErrNotFound
	}
	return err
}

// --------------- scan/encode helpers ---------------

func marshalSessionDocs(sess *mech.Session) (contextJSON, stats string, metadata any, err error) {
	cb, err := json.Marshal(sess.Context)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal context: %w", err)
	}
	sb, err := json.Marshal(sess.Statistics)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal statistics: %w", err)
	}
	if sess.Metadata != nil {
		mb, err := json.Marshal(sess.Metadata)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(mb)
	}
	return string(cb), string(sb), metadata, nil
}

func scanSession(row rowScanner) (*mech.Session, error) {
	var sess mech.Session
	var status, contextJSON, stats string
	var metadata sql.NullString
	err := row.Scan(&sess.SessionID, &sess.ProjectID, &status, &contextJSON, &stats,
		&metadata, &sess.ChainLength, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = mech.SessionStatus(status)
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &sess.Statistics); err != nil {
		return nil, fmt.Errorf("unmarshal statistics: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func scanCheckpoint(row rowScanner) (*mech.Checkpoint, error) {
	var cp mech.Checkpoint
	var name, metadata sql.NullString
	var contextJSON string
	err := row.Scan(&cp.ID, &cp.SessionID, &name, &contextJSON, &metadata, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Name = fromNullString(name)
	if err := json.Unmarshal([]byte(contextJSON), &cp.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return &cp, nil
}

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
