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

	"mech/pkg/mech"
)

func (a *API) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub mech.Subscription
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if sub.ApplicationID == "" {
		sub.ApplicationID = tenantFrom(r)
	}
	created, err := a.Subscriptions.Create(r.Context(), &sub)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// The secret is returned exactly once, on creation.
	writeData(w, r, http.StatusCreated, created)
}

func (a *API) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("applicationId")
	if applicationID == "" {
		applicationID = tenantFrom(r)
	}
	subs, err := a.Subscriptions.List(r.Context(), applicationID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	for i := range subs {
		subs[i].Secret = ""
	}
	writeData(w, r, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Subscriptions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	sub.Secret = ""
	writeData(w, r, http.StatusOK, sub)
}

func (a *API) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := a.Subscriptions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "deleted"})
}

func (a *API) handleToggleSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if err := a.Subscriptions.SetActive(r.Context(), r.PathValue("id"), req.Active); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"id": r.PathValue("id"), "active": req.Active})
}

func (a *API) handleTestSubscription(w http.ResponseWriter, r *http.Request) {
	if err := a.Tester.SendTest(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": "delivered"})
}
