package service

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codestoryhq/codestory/orchestrator"
	"github.com/codestoryhq/codestory/step/filesystem"
)

// repoWatch is one actively watched repository. Change batches from
// the filesystem watcher fold into incremental ingestion jobs.
type repoWatch struct {
	repo      string
	steps     []string
	options   map[string]map[string]any
	watcher   *filesystem.Watcher
	cancel    context.CancelFunc
	startedAt time.Time

	mu        sync.Mutex
	batches   int
	lastJobID string
	lastErr   string
}

func (rw *repoWatch) stop() {
	rw.cancel()
	_ = rw.watcher.Close()
}

func (rw *repoWatch) status() watchStatus {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return watchStatus{
		Source:    rw.repo,
		Steps:     rw.steps,
		StartedAt: rw.startedAt,
		Batches:   rw.batches,
		LastJobID: rw.lastJobID,
		LastError: rw.lastErr,
	}
}

// watchRequest is the body of POST /v1/watch and POST /v1/watch/stop.
type watchRequest struct {
	Source          string                    `json:"source"`
	Steps           []string                  `json:"steps,omitempty"`
	Options         map[string]map[string]any `json:"options,omitempty"`
	DebounceSeconds float64                   `json:"debounce_seconds,omitempty"`
}

// watchStatus describes one active watch.
type watchStatus struct {
	Source    string    `json:"source"`
	Steps     []string  `json:"steps,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Batches   int       `json:"batches"`
	LastJobID string    `json:"last_job_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// watchListResponse is the body of GET /v1/watch.
type watchListResponse struct {
	Watches []watchStatus `json:"watches"`
	Total   int           `json:"total"`
}

// handleWatchStart handles POST /v1/watch. Changes under the source
// directory are debounced and submitted as incremental jobs with the
// request's steps and options.
func (s *Service) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	info, err := os.Stat(req.Source)
	if err != nil || !info.IsDir() {
		s.writeError(w, http.StatusBadRequest, "source is not a directory")
		return
	}

	debounce := s.debounce
	if req.DebounceSeconds > 0 {
		debounce = time.Duration(req.DebounceSeconds * float64(time.Second))
	}

	rules := filesystem.NewRuleset()
	if err := rules.LoadGitignore(req.Source); err != nil {
		s.logger.Warn("could not read .gitignore for watch", "repo", req.Source, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rw := &repoWatch{
		repo:      req.Source,
		steps:     req.Steps,
		options:   req.Options,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	watcher, err := filesystem.NewWatcher(req.Source, rules, debounce, func(paths []string) {
		s.watchFired(rw, paths)
	}, s.logger.With("repo", req.Source))
	if err != nil {
		cancel()
		s.logger.Error("create repository watcher", "repo", req.Source, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create watcher")
		return
	}
	rw.watcher = watcher

	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		rw.stop()
		s.writeError(w, http.StatusServiceUnavailable, "service shutting down")
		return
	}
	if _, exists := s.watches[req.Source]; exists {
		s.watchMu.Unlock()
		rw.stop()
		s.writeError(w, http.StatusConflict, "already watching this source")
		return
	}
	s.watches[req.Source] = rw
	s.watchMu.Unlock()

	if err := watcher.Start(ctx); err != nil {
		s.watchMu.Lock()
		delete(s.watches, req.Source)
		s.watchMu.Unlock()
		rw.stop()
		s.logger.Error("start repository watcher", "repo", req.Source, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start watcher")
		return
	}

	s.logger.Info("watch started", "repo", req.Source, "debounce", debounce)
	s.writeJSON(w, http.StatusAccepted, rw.status())
}

// handleWatchList handles GET /v1/watch.
func (s *Service) handleWatchList(w http.ResponseWriter, r *http.Request) {
	s.watchMu.Lock()
	out := make([]watchStatus, 0, len(s.watches))
	for _, rw := range s.watches {
		out = append(out, rw.status())
	}
	s.watchMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	s.writeJSON(w, http.StatusOK, watchListResponse{Watches: out, Total: len(out)})
}

// handleWatchStop handles POST /v1/watch/stop.
func (s *Service) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	s.watchMu.Lock()
	rw, ok := s.watches[req.Source]
	if ok {
		delete(s.watches, req.Source)
	}
	s.watchMu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, "source is not being watched")
		return
	}

	rw.stop()
	s.logger.Info("watch stopped", "repo", req.Source)
	s.writeJSON(w, http.StatusOK, rw.status())
}

// watchFired submits one incremental job for a change batch. It runs
// on the watcher's flush goroutine, so submission stays bounded.
func (s *Service) watchFired(rw *repoWatch, paths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := s.runner.StartJob(ctx, orchestrator.StartRequest{
		Repo:        rw.repo,
		Steps:       rw.steps,
		Overrides:   rw.options,
		Incremental: true,
	})

	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.batches++
	if err != nil {
		rw.lastErr = err.Error()
		s.logger.Error("incremental job submission failed", "repo", rw.repo, "error", err)
		return
	}
	rw.lastJobID = job.ID
	rw.lastErr = ""
	s.logger.Info("incremental job submitted", "repo", rw.repo, "job_id", job.ID, "changed", len(paths))
}
