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
	"errors"
	"net/http"

	"mech/internal/dispatch"
	"mech/internal/reasoning"
	"mech/internal/registry"
	"mech/internal/schedule"
	"mech/internal/session"
	"mech/internal/store"
	"mech/internal/vector"
	"mech/internal/webhook"
	"mech/pkg/mech"
)

// API error codes. Each maps to exactly one HTTP status.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeAuthentication  = "AUTHENTICATION_ERROR"
	CodeAuthorization   = "AUTHORIZATION_ERROR"
	CodeNotFound        = "RESOURCE_NOT_FOUND"
	CodeConflict        = "RESOURCE_CONFLICT"
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	CodeExternalService = "EXTERNAL_SERVICE_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeExternalService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// codeForError maps domain errors onto API error codes. Unknown errors are
// internal; their message is not exposed to the caller.
func codeForError(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict
	case errors.Is(err, registry.ErrBadQueueName),
		errors.Is(err, dispatch.ErrNoProcessor),
		errors.Is(err, schedule.ErrBadCron),
		errors.Is(err, schedule.ErrBadTimezone),
		errors.Is(err, schedule.ErrPastAt),
		errors.Is(err, mech.ErrTriggerShape),
		errors.Is(err, webhook.ErrBadEndpoint),
		errors.Is(err, webhook.ErrBadEvents),
		errors.Is(err, vector.ErrBadQuery),
		errors.Is(err, reasoning.ErrBadStep),
		errors.Is(err, session.ErrBadSession),
		errors.Is(err, session.ErrBadCheckpoint):
		return CodeValidation
	case errors.Is(err, session.ErrSessionEnded):
		return CodeConflict
	case errors.Is(err, vector.ErrBadDimension):
		return CodeExternalService
	default:
		return CodeInternal
	}
}
