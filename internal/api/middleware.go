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
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mech/internal/metrics"
)

// Request headers the API reads and echoes.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderRequestID = "X-Request-Id"
	HeaderProjectID = "X-Project-Id"
	HeaderSessionID = "X-Session-Id"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	applicationIDKey
)

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// ApplicationIDFrom returns the authenticated tenant, empty when auth is
// disabled.
func ApplicationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(applicationIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID assigns or echoes X-Request-Id and stores it on the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// SecurityHeaders sets baseline response headers and, when origins are
// configured, CORS headers including preflight handling.
func SecurityHeaders(corsOrigins []string) func(http.Handler) http.Handler {
	allowOrigin := strings.Join(corsOrigins, ",")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
						"Content-Type", HeaderAPIKey, HeaderRequestID, HeaderProjectID, HeaderSessionID,
					}, ", "))
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Auth enforces X-Api-Key against the configured tenant keys. Keys stored
// as bcrypt hashes (prefix "$2") are verified with bcrypt; plain keys with
// a constant-time compare. An empty key set disables authentication.
func Auth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(HeaderAPIKey)
			if presented == "" {
				writeError(w, r, CodeAuthentication, "missing API key", nil)
				return
			}
			app, ok := matchKey(keys, presented)
			if !ok {
				// Never log the presented key.
				slog.Warn("API key rejected", "path", r.URL.Path,
					"requestId", requestIDFrom(r.Context()))
				writeError(w, r, CodeAuthentication, "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), applicationIDKey, app)))
		})
	}
}

func matchKey(keys map[string]string, presented string) (string, bool) {
	for app, key := range keys {
		if strings.HasPrefix(key, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(key), []byte(presented)) == nil {
				return app, true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return app, true
		}
	}
	return "", false
}

// RateLimiter enforces a fixed request budget per client per window. The
// client identity is the API key when present, else the remote IP.
type RateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int
}

// NewRateLimiter constructs a limiter. max <= 0 disables limiting.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		window:  window,
		max:     max,
		windows: make(map[string]*clientWindow),
	}
}

// Middleware applies the limiter.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, r, CodeRateLimited, "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cw, ok := rl.windows[key]
	if !ok || now.Sub(cw.start) >= rl.window {
		rl.windows[key] = &clientWindow{start: now, count: 1}
		rl.sweepLocked(now)
		return true
	}
	if cw.count >= rl.max {
		return false
	}
	cw.count++
	return true
}

// sweepLocked drops expired windows so the map stays bounded by active
// clients. Called under rl.mu on window rollover, which keeps it cheap.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, cw := range rl.windows {
		if now.Sub(cw.start) >= rl.window {
			delete(rl.windows, key)
		}
	}
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Instrument records request metrics and logs each request.
func Instrument(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			class := strconv.Itoa(rec.status/100) + "xx"
			metrics.HTTPRequests.WithLabelValues(r.Method, class).Inc()
			log.Debug("http request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status,
				"duration", time.Since(start), "requestId", requestIDFrom(r.Context()))
		})
	}
}
