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
	"net/http"
	"time"

	"mech/pkg/mech"
)

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc mech.Schedule
	if err := decodeBody(r, &sc); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if sc.ApplicationID == "" {
		sc.ApplicationID = tenantFrom(r)
	}
	created, err := a.Schedules.Create(r.Context(), &sc)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, created)
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("applicationId")
	if applicationID == "" {
		applicationID = tenantFrom(r)
	}
	offset, limit := pagination(r)
	schedules, err := a.Schedules.List(r.Context(), applicationID, offset, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"schedules": schedules, "offset": offset, "limit": limit})
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := a.Schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sc)
}

// updateScheduleRequest carries the mutable schedule fields. Pointer fields
// distinguish "leave unchanged" from "clear".
type updateScheduleRequest struct {
	Name        *string           `json:"name,omitempty"`
	Cron        *string           `json:"cron,omitempty"`
	Timezone    *string           `json:"timezone,omitempty"`
	At          *time.Time        `json:"at,omitempty"`
	Endpoint    *mech.Endpoint    `json:"endpoint,omitempty"`
	RetryPolicy *mech.RetryConfig `json:"retryPolicy,omitempty"`
	Limit       *int64            `json:"limit,omitempty"`
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	updated, err := a.Schedules.Update(r.Context(), r.PathValue("id"), func(sc *mech.Schedule) error {
		if req.Name != nil {
			sc.Name = *req.Name
		}
		if req.Cron != nil {
			sc.Cron = *req.Cron
			sc.At = nil
		}
		if req.At != nil {
			at := *req.At
			sc.At = &at
			sc.Cron = ""
		}
		if req.Timezone != nil {
			sc.Timezone = *req.Timezone
		}
		if req.Endpoint != nil {
			sc.Endpoint = req.Endpoint
		}
		if req.RetryPolicy != nil {
			sc.RetryPolicy = req.RetryPolicy
		}
		if req.Limit != nil {
			sc.Limit = *req.Limit
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, updated)
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.Schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "deleted"})
}

func (a *API) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.Runner.ExecuteNow(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "executed"})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if err := a.Schedules.SetEnabled(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"id": r.PathValue("id"), "enabled": req.Enabled})
}
