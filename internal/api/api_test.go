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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mech/internal/registry"
	"mech/internal/session"
	"mech/internal/store"
	"mech/pkg/mech"
)

type fakeDispatcher struct {
	submitted []mech.Job
	cancelErr error
}

func (f *fakeDispatcher) Submit(_ context.Context, queueName, applicationID string, data json.RawMessage, opts mech.JobOptions) (*mech.Job, error) {
	job := mech.NewJob(queueName, applicationID, data, opts)
	job.ID = "job-1"
	f.submitted = append(f.submitted, job)
	return &job, nil
}

func (f *fakeDispatcher) Cancel(context.Context, string, string) error {
	return f.cancelErr
}

func (f *fakeDispatcher) Clean(context.Context, string, mech.JobStatus, time.Duration, int) (int, error) {
	return 3, nil
}

type fakeQueues struct {
	queues []mech.Queue
}

func (f *fakeQueues) Get(_ context.Context, name string) (*mech.Queue, error) {
	for i := range f.queues {
		if f.queues[i].Name == name {
			return &f.queues[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeQueues) List(context.Context) ([]mech.Queue, error) { return f.queues, nil }

func (f *fakeQueues) Configure(_ context.Context, q *mech.Queue) error {
	if q.Name == "" {
		return registry.ErrBadQueueName
	}
	f.queues = append(f.queues, *q)
	return nil
}

func (f *fakeQueues) Pause(context.Context, string) error  { return nil }
func (f *fakeQueues) Resume(context.Context, string) error { return nil }

func (f *fakeQueues) Stats(_ context.Context, name string) (*registry.QueueStats, error) {
	return &registry.QueueStats{QueueName: name, Counts: map[mech.JobStatus]int64{mech.JobStatusWaiting: 2}}, nil
}

type fakeJobs struct {
	jobs map[string]*mech.Job
}

func (f *fakeJobs) GetJob(_ context.Context, _, id string) (*mech.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobs) ListJobs(context.Context, string, mech.JobStatus, int, int) ([]mech.Job, error) {
	out := make([]mech.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeJobs) ListJobEvents(context.Context, string) ([]mech.JobEvent, error) {
	return nil, nil
}

func newTestAPI(t *testing.T) (*API, *fakeDispatcher) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mech.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disp := &fakeDispatcher{}
	return &API{
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher: disp,
		Queues:     &fakeQueues{queues: []mech.Queue{{Name: "emails"}}},
		Jobs:       &fakeJobs{jobs: map[string]*mech.Job{}},
		Sessions:   session.NewService(st),
	}, disp
}

func serve(a *API, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	a.Routes(mux)
	w := httptest.NewRecorder()
	RequestID(mux).ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	return env
}

func TestSubmitJob(t *testing.T) {
	a, disp := newTestAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/emails",
		strings.NewReader(`{"data":{"to":"x@test"},"options":{"priority":5}}`))
	r.Header.Set(HeaderProjectID, "app-1")
	w := serve(a, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if !env.Success {
		t.Fatalf("success = false: %s", w.Body.String())
	}
	if len(disp.submitted) != 1 {
		t.Fatalf("submitted %d jobs", len(disp.submitted))
	}
	got := disp.submitted[0]
	if got.QueueName != "emails" || got.ApplicationID != "app-1" || got.Options.Priority != 5 {
		t.Errorf("job = %+v", got)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("missing request id header")
	}
}

func TestSubmitJobRequiresData(t *testing.T) {
	a, _ := newTestAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/emails", strings.NewReader(`{}`))
	w := serve(a, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != CodeValidation {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestGetJobNotFound(t *testing.T) {
	a, _ := newTestAPI(t)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/emails/ghost", nil)
	r.Header.Set(HeaderRequestID, "req-42")
	w := serve(a, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != CodeNotFound {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.RequestID != "req-42" {
		t.Errorf("requestId = %q", env.Error.RequestID)
	}
	if env.Error.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	a, _ := newTestAPI(t)

	w := serve(a, httptest.NewRequest(http.MethodGet, "/api/jobs/emails?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCleanRequiresTerminalStatus(t *testing.T) {
	a, _ := newTestAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/emails/clean",
		strings.NewReader(`{"status":"active","graceMs":0}`))
	w := serve(a, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest(http.MethodPost, "/api/jobs/emails/clean",
		strings.NewReader(`{"status":"completed","graceMs":1000}`))
	w = serve(a, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestQueueStats(t *testing.T) {
	a, _ := newTestAPI(t)

	w := serve(a, httptest.NewRequest(http.MethodGet, "/api/queues/emails/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	data, _ := json.Marshal(env.Data)
	if !strings.Contains(string(data), `"waiting":2`) {
		t.Errorf("stats = %s", data)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	a, _ := newTestAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/sessions",
		strings.NewReader(`{"projectId":"proj-1","sessionId":"sess-1"}`))
	w := serve(a, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	w = serve(a, httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = serve(a, httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/end", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d, body %s", w.Code, w.Body.String())
	}

	// A second end conflicts.
	w = serve(a, httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/end", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("double end status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != CodeConflict {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestCodeEndpointsReportUnconfigured(t *testing.T) {
	a, _ := newTestAPI(t)

	r := httptest.NewRequest(http.MethodPost, "/api/code/search",
		strings.NewReader(`{"query":"parse config","projectId":"proj-1"}`))
	w := serve(a, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != CodeExternalService {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestHealth(t *testing.T) {
	a, _ := newTestAPI(t)
	a.Health = map[string]func(ctx context.Context) error{
		"store": func(context.Context) error { return nil },
	}

	w := serve(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	a.Health["broker"] = func(context.Context) error { return context.DeadlineExceeded }
	w = serve(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", w.Code)
	}
}
