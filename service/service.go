// Package service exposes the ingestion system over HTTP: job
// submission and inspection, a WebSocket progress stream per job, repo
// watching for incremental updates, and the health and metrics
// endpoints. The service is a thin client of the orchestrator; every
// durable fact lives in the job store, so any number of instances can
// front the same queue.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/metrics"
	"github.com/codestoryhq/codestory/orchestrator"
)

// JobRunner is the slice of the orchestrator the service uses.
// *orchestrator.Orchestrator satisfies it.
type JobRunner interface {
	StartJob(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.Job, error)
	CancelJob(ctx context.Context, jobID string) (*orchestrator.Job, error)
	Job(ctx context.Context, id string) (*orchestrator.Job, error)
	Jobs(ctx context.Context, status orchestrator.Status, limit int) ([]*orchestrator.Job, error)
}

// EventSource delivers a job's progress events as raw JSON payloads.
// *queue.Queue satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Options configure a Service.
type Options struct {
	Runner JobRunner
	Events EventSource
	Logger *slog.Logger

	// Checks are the named dependency probes /healthz aggregates.
	Checks map[string]HealthCheck

	// WatchDebounce is the quiet window before changes on a watched
	// repository fold into one incremental job. Defaults to 2s.
	WatchDebounce time.Duration
}

// Service is the HTTP surface. One per process.
type Service struct {
	runner   JobRunner
	events   EventSource
	logger   *slog.Logger
	checks   map[string]HealthCheck
	upgrader websocket.Upgrader
	debounce time.Duration

	watchMu sync.Mutex
	watches map[string]*repoWatch
	closed  bool
}

// New wires a Service. Runner and Events are required.
func New(opts Options) (*Service, error) {
	if opts.Runner == nil {
		return nil, cserr.NewConfigError("runner", errors.New("job runner is required"))
	}
	if opts.Events == nil {
		return nil, cserr.NewConfigError("events", errors.New("event source is required"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.WatchDebounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Service{
		runner: opts.Runner,
		events: opts.Events,
		logger: logger,
		checks: opts.Checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream carries read-only progress data; browsers may
			// subscribe from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		debounce: debounce,
		watches:  make(map[string]*repoWatch),
	}, nil
}

// RegisterHTTPHandlers registers the ingestion API under prefix,
// typically "/v1".
func (s *Service) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/ingest", s.handleSubmit)
	mux.HandleFunc("GET "+prefix+"/ingest/jobs", s.handleJobs)
	mux.HandleFunc("GET "+prefix+"/ingest/{id}", s.handleJob)
	mux.HandleFunc("POST "+prefix+"/ingest/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET "+prefix+"/ingest/{id}/events", s.handleEvents)

	mux.HandleFunc("POST "+prefix+"/watch", s.handleWatchStart)
	mux.HandleFunc("GET "+prefix+"/watch", s.handleWatchList)
	mux.HandleFunc("POST "+prefix+"/watch/stop", s.handleWatchStop)
}

// RegisterSystemHandlers registers health and metrics at the mux root.
func (s *Service) RegisterSystemHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Close stops every repository watcher. In-flight HTTP requests are
// the server's to drain.
func (s *Service) Close() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.closed = true
	for repo, w := range s.watches {
		w.stop()
		delete(s.watches, repo)
	}
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every registered probe and reports 200 only when
// all of them pass.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK

	type verdict struct {
		name string
		err  error
	}
	results := make(chan verdict, len(s.checks))
	for name, check := range s.checks {
		go func() { results <- verdict{name: name, err: check(ctx)} }()
	}
	for range s.checks {
		v := <-results
		if v.err != nil {
			out.Checks[v.name] = v.err.Error()
			out.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		out.Checks[v.name] = "ok"
	}

	s.writeJSON(w, status, out)
}
