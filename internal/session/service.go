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

// Package session manages reasoning sessions and their checkpoints.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mech/pkg/mech"
)

var (
	// ErrBadSession is returned for sessions failing validation.
	ErrBadSession = errors.New("invalid session")
	// ErrSessionEnded is returned when mutating a session already in a
	// terminal state.
	ErrSessionEnded = errors.New("session already ended")
	// ErrBadCheckpoint is returned when a checkpoint does not belong to the
	// named session.
	ErrBadCheckpoint = errors.New("checkpoint does not belong to session")
)

// Store is the persistence surface the session service needs.
type Store interface {
	InsertSession(ctx context.Context, sess *mech.Session) error
	GetSession(ctx context.Context, sessionID string) (*mech.Session, error)
	ListSessions(ctx context.Context, projectID string, status mech.SessionStatus, offset, limit int) ([]mech.Session, error)
	UpdateSession(ctx context.Context, sess *mech.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	InsertCheckpoint(ctx context.Context, cp *mech.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*mech.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]mech.Checkpoint, error)
}

// Service manages sessions.
type Service struct {
	store Store
}

// NewService constructs a Service.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// Create opens a new active session. A caller-supplied SessionID is kept;
// otherwise one is generated.
func (s *Service) Create(ctx context.Context, projectID, sessionID string, sctx mech.SessionContext, metadata map[string]any) (*mech.Session, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrBadSession)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := &mech.Session{
		SessionID: sessionID,
		ProjectID: projectID,
		Status:    mech.SessionStatusActive,
		Context:   sctx,
		Statistics: mech.SessionStatistics{
			StartTime:    now,
			LastActivity: now,
		},
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*mech.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// List returns a project's sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, projectID string, status mech.SessionStatus, offset, limit int) ([]mech.Session, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadSession, status)
	}
	return s.store.ListSessions(ctx, projectID, status, offset, limit)
}

// Delete removes a session; its steps and checkpoints go with it.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// UpdateRequest carries a partial session mutation. Nil fields are left
// untouched; metadata keys are merged over the existing map.
type UpdateRequest struct {
	Status          *mech.SessionStatus  `json:"status,omitempty"`
	Context         *mech.SessionContext `json:"context,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
	TotalDuration   *int64               `json:"totalDuration,omitempty"`
	ToolInvocations *int64               `json:"toolInvocations,omitempty"`
	FilesModified   *int64               `json:"filesModified,omitempty"`
}

// Update merges the request into the session. LastActivity is refreshed on
// every update.
func (s *Service) Update(ctx context.Context, sessionID string, req UpdateRequest) (*mech.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrBadSession, *req.Status)
		}
		sess.Status = *req.Status
	}
	if req.Context != nil {
		mergeContext(&sess.Context, req.Context)
	}
	if len(req.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			sess.Metadata[k] = v
		}
	}
	if req.TotalDuration != nil {
		sess.Statistics.TotalDuration = *req.TotalDuration
	}
	if req.ToolInvocations != nil {
		sess.Statistics.ToolInvocations = *req.ToolInvocations
	}
	if req.FilesModified != nil {
		sess.Statistics.FilesModified = *req.FilesModified
	}
	sess.Statistics.LastActivity = time.Now().UTC()

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// End closes a session with a terminal status (completed when empty) and
// stamps the end time and total duration.
func (s *Service) End(ctx context.Context, sessionID string, status mech.SessionStatus) (*mech.Session, error) {
	if status == "" {
		status = mech.SessionStatusCompleted
	}
	if !status.Valid() || status == mech.SessionStatusActive {
		return nil, fmt.Errorf("%w: %q is not a terminal status", ErrBadSession, status)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != mech.SessionStatusActive {
		return nil, ErrSessionEnded
	}

	now := time.Now().UTC()
	sess.Status = status
	sess.Statistics.EndTime = &now
	sess.Statistics.LastActivity = now
	sess.Statistics.TotalDuration = now.Sub(sess.Statistics.StartTime).Milliseconds()

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Checkpoint snapshots the session's current context under an optional name.
func (s *Service) Checkpoint(ctx context.Context, sessionID, name string, metadata map[string]any) (*mech.Checkpoint, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cp := &mech.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sess.SessionID,
		Name:      name,
		Context:   sess.Context,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints in creation order.
func (s *Service) ListCheckpoints(ctx context.Context, sessionID string) ([]mech.Checkpoint, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListCheckpoints(ctx, sessionID)
}

// RestoreCheckpoint copies a checkpoint's context and metadata back onto
// the session. The reasoning chain is append-only and is never rewound.
func (s *Service) RestoreCheckpoint(ctx context.Context, sessionID, checkpointID string) (*mech.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cp, err := s.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.SessionID != sess.SessionID {
		return nil, ErrBadCheckpoint
	}

	sess.Context = cp.Context
	if len(cp.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(cp.Metadata))
		}
		for k, v := range cp.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.Statistics.LastActivity = time.Now().UTC()

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// mergeContext overlays non-zero fields of src onto dst.
func mergeContext(dst, src *mech.SessionContext) {
	if src.WorkingDirectory != "" {
		dst.WorkingDirectory = src.WorkingDirectory
	}
	if src.GitBranch != "" {
		dst.GitBranch = src.GitBranch
	}
	if src.GitCommit != "" {
		dst.GitCommit = src.GitCommit
	}
	if src.ActiveFiles != nil {
		dst.ActiveFiles = src.ActiveFiles
	}
	if src.ModifiedFiles != nil {
		dst.ModifiedFiles = src.ModifiedFiles
	}
}
