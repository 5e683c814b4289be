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
	"strconv"
	"time"

	"mech/pkg/mech"
)

// tenantFrom resolves the caller's tenant: the authenticated application
// when auth is on, else the X-Project-Id header.
func tenantFrom(r *http.Request) string {
	if app := ApplicationIDFrom(r.Context()); app != "" {
		return app
	}
	return r.Header.Get(HeaderProjectID)
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}

type submitJobRequest struct {
	Data    json.RawMessage `json:"data"`
	Options mech.JobOptions `json:"options"`
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if len(req.Data) == 0 {
		writeError(w, r, CodeValidation, "data is required", nil)
		return
	}
	job, err := a.Dispatcher.Submit(r.Context(), r.PathValue("queue"), tenantFrom(r), req.Data, req.Options)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, job)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.GetJob(r.Context(), r.PathValue("queue"), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := mech.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, CodeValidation, "unknown job status "+strconv.Quote(string(status)), nil)
		return
	}
	offset, limit := pagination(r)
	jobs, err := a.Jobs.ListJobs(r.Context(), r.PathValue("queue"), status, offset, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"jobs": jobs, "offset": offset, "limit": limit})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := a.Dispatcher.Cancel(r.Context(), r.PathValue("queue"), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"jobId": r.PathValue("id"), "status": "cancelled"})
}

func (a *API) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	// Confirm the job exists in this queue before reading its timeline.
	if _, err := a.Jobs.GetJob(r.Context(), r.PathValue("queue"), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	events, err := a.Jobs.ListJobEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"events": events})
}

type cleanJobsRequest struct {
	Status  mech.JobStatus `json:"status"`
	GraceMs int64          `json:"graceMs"`
	Limit   int            `json:"limit,omitempty"`
}

func (a *API) handleCleanJobs(w http.ResponseWriter, r *http.Request) {
	var req cleanJobsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if !req.Status.IsTerminal() {
		writeError(w, r, CodeValidation, "clean requires a terminal status (completed or failed)", nil)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	removed, err := a.Dispatcher.Clean(r.Context(), r.PathValue("queue"), req.Status,
		time.Duration(req.GraceMs)*time.Millisecond, req.Limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := a.Queues.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"queues": queues})
}

func (a *API) handleConfigureQueue(w http.ResponseWriter, r *http.Request) {
	var q mech.Queue
	if err := decodeBody(r, &q); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if err := a.Queues.Configure(r.Context(), &q); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, q)
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Queues.Stats(r.Context(), r.PathValue("queue"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, stats)
}

func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.Queues.Pause(r.Context(), r.PathValue("queue")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"queue": r.PathValue("queue"), "paused": true})
}

func (a *API) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.Queues.Resume(r.Context(), r.PathValue("queue")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"queue": r.PathValue("queue"), "paused": false})
}
