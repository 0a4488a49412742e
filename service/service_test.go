package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/orchestrator"
	"github.com/codestoryhq/codestory/step"
)

// fakeRunner scripts orchestrator behavior behind the JobRunner
// interface.
type fakeRunner struct {
	mu       sync.Mutex
	started  []orchestrator.StartRequest
	jobs     map[string]*orchestrator.Job
	startErr error
	listErr  error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{jobs: make(map[string]*orchestrator.Job)}
}

func (f *fakeRunner) StartJob(_ context.Context, req orchestrator.StartRequest) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	job := &orchestrator.Job{
		ID:          fmt.Sprintf("job-%d", len(f.started)),
		Repo:        req.Repo,
		Incremental: req.Incremental,
		Status:      orchestrator.StatusPending,
		Steps:       make(map[string]*orchestrator.StepRecord),
		StepOrder:   append([]string(nil), req.Steps...),
		CreatedAt:   time.Now().UTC(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRunner) CancelJob(_ context.Context, jobID string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownJob, jobID)
	}
	job.Status = orchestrator.StatusCancelled
	return job, nil
}

func (f *fakeRunner) Job(_ context.Context, id string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownJob, id)
	}
	return job, nil
}

func (f *fakeRunner) Jobs(_ context.Context, status orchestrator.Status, limit int) ([]*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*orchestrator.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRunner) add(job *orchestrator.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeRunner) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeRunner) lastStart(t *testing.T) orchestrator.StartRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.started)
	return f.started[len(f.started)-1]
}

// fakeEvents hands out in-memory channels behind the EventSource
// interface.
type fakeEvents struct {
	mu       sync.Mutex
	channels map[string]chan []byte
	subs     []string
	err      error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{channels: make(map[string]chan []byte)}
}

func (f *fakeEvents) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subs = append(f.subs, channel)
	return f.channel(channel), nil
}

func (f *fakeEvents) channel(name string) chan []byte {
	ch, ok := f.channels[name]
	if !ok {
		ch = make(chan []byte, 16)
		f.channels[name] = ch
	}
	return ch
}

func (f *fakeEvents) publish(channel string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel(channel) <- payload
}

func (f *fakeEvents) closeChannel(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.channel(channel))
}

func (f *fakeEvents) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService wires a Service to fakes and serves it from a test
// server with the full route table.
func newTestService(t *testing.T, runner JobRunner, events EventSource, mutate ...func(*Options)) (*Service, *httptest.Server) {
	t.Helper()
	opts := Options{
		Runner:        runner,
		Events:        events,
		Logger:        discardLogger(),
		WatchDebounce: 20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	mux := http.NewServeMux()
	svc.RegisterHTTPHandlers("/v1", mux)
	svc.RegisterSystemHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return svc, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, resp, &body)
	return body["error"]
}

func TestSubmitIngestJob(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	resp := postJSON(t, srv.URL+"/v1/ingest", map[string]any{
		"source":       "/work/repo",
		"source_type":  "local",
		"steps":        []string{"filesystem", "ast"},
		"options":      map[string]map[string]any{"ast": {"timeout": 120}},
		"dependencies": []string{"job-0"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var ack ingestResponse
	decodeJSON(t, resp, &ack)
	assert.Equal(t, "job-1", ack.JobID)
	assert.Equal(t, orchestrator.StatusPending, ack.Status)

	req := runner.lastStart(t)
	assert.Equal(t, "/work/repo", req.Repo)
	assert.Equal(t, []string{"filesystem", "ast"}, req.Steps)
	assert.Equal(t, map[string]map[string]any{"ast": {"timeout": float64(120)}}, req.Overrides)
	assert.Equal(t, []string{"job-0"}, req.DependsOn)
	assert.False(t, req.Incremental)
}

func TestSubmitValidation(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed JSON", `{"source":`, "invalid request body"},
		{"missing source", `{}`, "source is required"},
		{"blank source", `{"source": "   "}`, "source is required"},
		{"remote source type", `{"source": "https://example.com/r.git", "source_type": "git"}`, "unsupported source_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/ingest", "application/json", bytes.NewReader([]byte(tt.body)))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, errorMessage(t, resp), tt.want)
		})
	}
	assert.Zero(t, runner.startedCount())
}

func TestSubmitErrorMapping(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	runner.startErr = cserr.NewConfigError("steps", errors.New(`unknown step "nope"`))
	resp := postJSON(t, srv.URL+"/v1/ingest", map[string]any{"source": "/work/repo"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "unknown step")

	runner.startErr = errors.New("jetstream unavailable")
	resp = postJSON(t, srv.URL+"/v1/ingest", map[string]any{"source": "/work/repo"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to submit job", errorMessage(t, resp))
}

func TestGetJob(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	runner.add(&orchestrator.Job{
		ID:       "job-42",
		Repo:     "/work/repo",
		Status:   orchestrator.StatusRunning,
		Progress: 37.5,
		Steps: map[string]*orchestrator.StepRecord{
			"filesystem": {Status: step.StatusCompleted, Progress: 100, Message: "indexed 12 files"},
			"ast":        {Status: step.StatusRunning, Progress: 50},
		},
		StepOrder: []string{"filesystem", "ast"},
		CreatedAt: time.Now().UTC(),
	})

	resp, err := http.Get(srv.URL + "/v1/ingest/job-42")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job orchestrator.Job
	decodeJSON(t, resp, &job)
	assert.Equal(t, "job-42", job.ID)
	assert.Equal(t, orchestrator.StatusRunning, job.Status)
	assert.Equal(t, 37.5, job.Progress)
	require.Contains(t, job.Steps, "filesystem")
	assert.Equal(t, "indexed 12 files", job.Steps["filesystem"].Message)

	resp, err = http.Get(srv.URL + "/v1/ingest/no-such-job")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", errorMessage(t, resp))
}

func TestCancelJob(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	runner.add(&orchestrator.Job{ID: "job-7", Repo: "/work/repo", Status: orchestrator.StatusRunning})

	resp := postJSON(t, srv.URL+"/v1/ingest/job-7/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack ingestResponse
	decodeJSON(t, resp, &ack)
	assert.Equal(t, "job-7", ack.JobID)
	assert.Equal(t, orchestrator.StatusCancelled, ack.Status)

	resp = postJSON(t, srv.URL+"/v1/ingest/no-such-job/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", errorMessage(t, resp))
}

func TestListJobs(t *testing.T) {
	runner := newFakeRunner()
	_, srv := newTestService(t, runner, newFakeEvents())

	now := time.Now().UTC()
	runner.add(&orchestrator.Job{ID: "job-old", Status: orchestrator.StatusCompleted, CreatedAt: now.Add(-3 * time.Minute)})
	runner.add(&orchestrator.Job{ID: "job-mid", Status: orchestrator.StatusFailed, CreatedAt: now.Add(-2 * time.Minute)})
	runner.add(&orchestrator.Job{ID: "job-new", Status: orchestrator.StatusRunning, CreatedAt: now.Add(-time.Minute)})

	resp, err := http.Get(srv.URL + "/v1/ingest/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list jobsResponse
	decodeJSON(t, resp, &list)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Jobs, 3)
	assert.Equal(t, "job-new", list.Jobs[0].ID, "newest first")

	resp, err = http.Get(srv.URL + "/v1/ingest/jobs?status=failed")
	require.NoError(t, err)
	decodeJSON(t, resp, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-mid", list.Jobs[0].ID)

	resp, err = http.Get(srv.URL + "/v1/ingest/jobs?limit=2")
	require.NoError(t, err)
	decodeJSON(t, resp, &list)
	assert.Equal(t, 3, list.Total, "total counts all matches")
	assert.Len(t, list.Jobs, 2)

	resp, err = http.Get(srv.URL + "/v1/ingest/jobs?status=bogus")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "invalid status")

	resp, err = http.Get(srv.URL + "/v1/ingest/jobs?limit=0")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "invalid limit")
}

func TestListJobsBackendError(t *testing.T) {
	runner := newFakeRunner()
	runner.listErr = errors.New("kv offline")
	_, srv := newTestService(t, runner, newFakeEvents())

	resp, err := http.Get(srv.URL + "/v1/ingest/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to list jobs", errorMessage(t, resp))
}

func TestHealthzAggregatesChecks(t *testing.T) {
	checks := map[string]HealthCheck{
		"graph": func(context.Context) error { return nil },
		"queue": func(context.Context) error { return nil },
		"llm":   func(context.Context) error { return errors.New("llm endpoint unreachable") },
	}
	_, srv := newTestService(t, newFakeRunner(), newFakeEvents(), func(o *Options) {
		o.Checks = checks
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health healthResponse
	decodeJSON(t, resp, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "ok", health.Checks["graph"])
	assert.Equal(t, "ok", health.Checks["queue"])
	assert.Contains(t, health.Checks["llm"], "unreachable")
}

func TestHealthzAllHealthy(t *testing.T) {
	_, srv := newTestService(t, newFakeRunner(), newFakeEvents(), func(o *Options) {
		o.Checks = map[string]HealthCheck{
			"graph": func(context.Context) error { return nil },
		}
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	decodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestService(t, newFakeRunner(), newFakeEvents())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "codestory_jobs_active")
}

func TestNewRequiresAdapters(t *testing.T) {
	_, err := New(Options{Events: newFakeEvents()})
	assert.True(t, cserr.IsConfig(err))

	_, err = New(Options{Runner: newFakeRunner()})
	assert.True(t, cserr.IsConfig(err))
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newTestService(t, newFakeRunner(), newFakeEvents())

	// The route table binds methods, so a GET against the submit
	// endpoint must not reach the handler.
	resp, err := http.Get(srv.URL + "/v1/ingest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
