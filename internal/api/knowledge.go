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

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mech/internal/reasoning"
	"mech/internal/registry"
	"mech/internal/session"
	"mech/internal/vector"
	"mech/pkg/mech"
)

// Sessions

type createSessionRequest struct {
	ProjectID string              `json:"projectId"`
	SessionID string              `json:"sessionId,omitempty"`
	Context   mech.SessionContext `json:"context"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	sess, err := a.Sessions.Create(r.Context(), req.ProjectID, req.SessionID, req.Context, req.Metadata)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, sess)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		projectID = tenantFrom(r)
	}
	status := mech.SessionStatus(r.URL.Query().Get("status"))
	offset, limit := pagination(r)
	sessions, err := a.Sessions.List(r.Context(), projectID, status, offset, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"sessions": sessions, "offset": offset, "limit": limit})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sess)
}

func (a *API) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req session.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	sess, err := a.Sessions.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sess)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "deleted"})
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status mech.SessionStatus `json:"status,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
			return
		}
	}
	sess, err := a.Sessions.End(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sess)
}

func (a *API) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	cp, err := a.Sessions.Checkpoint(r.Context(), r.PathValue("id"), req.Name, req.Metadata)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, cp)
}

func (a *API) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := a.Sessions.ListCheckpoints(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (a *API) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.RestoreCheckpoint(r.Context(), r.PathValue("id"), r.PathValue("checkpointId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sess)
}

// Reasoning

func (a *API) handleStoreStep(w http.ResponseWriter, r *http.Request) {
	var step mech.ReasoningStep
	if err := decodeBody(r, &step); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if step.SessionID == "" {
		step.SessionID = r.Header.Get(HeaderSessionID)
	}
	stored, err := a.Reasoning.StoreStep(r.Context(), &step)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, stored)
}

func (a *API) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.Reasoning.GetChain(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"sessionId": r.PathValue("sessionId"),
		"steps":     chain,
	})
}

func (a *API) handleSearchSteps(w http.ResponseWriter, r *http.Request) {
	var req reasoning.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	hits, err := a.Reasoning.Search(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"results": hits})
}

func (a *API) handleAnalyzeSession(w http.ResponseWriter, r *http.Request) {
	analysis, err := a.Reasoning.Analyze(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, analysis)
}

// Code search and indexing

func (a *API) codeEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.Code == nil || a.Indexing == nil {
		writeError(w, r, CodeExternalService, "no embedding provider configured", nil)
		return false
	}
	return true
}

func (a *API) handleCodeSearch(w http.ResponseWriter, r *http.Request) {
	if !a.codeEnabled(w, r) {
		return
	}
	var req vector.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	hits, err := a.Code.Search(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"results": hits})
}

type codeIndexRequest struct {
	ProjectID      string               `json:"projectId"`
	RepositoryName string               `json:"repositoryName"`
	Branch         string               `json:"branch,omitempty"`
	Options        mech.IndexingOptions `json:"options"`
	Files          []vector.IndexFile   `json:"files"`
}

// handleCodeIndex records an indexing run and submits it to the reserved
// indexing queue. The run is processed asynchronously by the dispatcher.
func (a *API) handleCodeIndex(w http.ResponseWriter, r *http.Request) {
	if !a.codeEnabled(w, r) {
		return
	}
	var req codeIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.ProjectID == "" || req.RepositoryName == "" {
		writeError(w, r, CodeValidation, "projectId and repositoryName are required", nil)
		return
	}
	if len(req.Files) == 0 {
		writeError(w, r, CodeValidation, "files must not be empty", nil)
		return
	}

	run := &mech.IndexingJob{
		JobID:          uuid.NewString(),
		ProjectID:      req.ProjectID,
		RepositoryName: req.RepositoryName,
		Branch:         req.Branch,
		Status:         mech.IndexingStatusPending,
		TotalFiles:     len(req.Files),
		Options:        req.Options,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.Indexing.InsertIndexingJob(r.Context(), run); err != nil {
		writeDomainError(w, r, err)
		return
	}

	payload, err := json.Marshal(vector.IndexRequest{
		JobID:          run.JobID,
		ProjectID:      req.ProjectID,
		RepositoryName: req.RepositoryName,
		Branch:         req.Branch,
		Options:        req.Options,
		Files:          req.Files,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := a.Dispatcher.Submit(r.Context(), registry.IndexQueue, req.ProjectID, payload, mech.JobOptions{}); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, run)
}

func (a *API) handleGetIndexingJob(w http.ResponseWriter, r *http.Request) {
	if !a.codeEnabled(w, r) {
		return
	}
	run, err := a.Indexing.GetIndexingJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, run)
}

func (a *API) handleCancelIndexingJob(w http.ResponseWriter, r *http.Request) {
	if !a.codeEnabled(w, r) {
		return
	}
	if err := a.Indexing.CancelIndexingJob(r.Context(), r.PathValue("jobId"), time.Now().UTC()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"jobId": r.PathValue("jobId"), "status": "cancelled"})
}
