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
	"log/slog"
	"net/http"
	"time"
)

// Envelope is the uniform response shape for every API endpoint.
type Envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError is the error half of the envelope.
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(Envelope{Success: true, Data: data})
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		writeError(w, r, CodeInternal, "response encoding failed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("failed to write response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code, message string, details any) {
	env := Envelope{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			Details:   details,
			Timestamp: time.Now().UTC(),
			RequestID: requestIDFrom(r.Context()),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(code))
	_ = json.NewEncoder(w).Encode(env)
}

// writeDomainError translates a service-layer error into the envelope.
// Internal errors keep a generic message; everything else surfaces the
// error text.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := codeForError(err)
	msg := err.Error()
	if code == CodeInternal {
		slog.Error("request failed", "path", r.URL.Path, "error", err,
			"requestId", requestIDFrom(r.Context()))
		msg = "internal error"
	}
	writeError(w, r, code, msg, nil)
}

// decodeBody parses a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
