package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/orchestrator"
)

// maxRequestBodySize limits request bodies to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// ingestRequest is the body of POST /v1/ingest.
type ingestRequest struct {
	Source       string                    `json:"source"`
	SourceType   string                    `json:"source_type,omitempty"`
	Steps        []string                  `json:"steps,omitempty"`
	Options      map[string]map[string]any `json:"options,omitempty"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Incremental  bool                      `json:"incremental,omitempty"`
}

// ingestResponse acknowledges a submission or a cancellation.
type ingestResponse struct {
	JobID  string              `json:"job_id"`
	Status orchestrator.Status `json:"status"`
}

// handleSubmit handles POST /v1/ingest.
func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.SourceType != "" && req.SourceType != "local" {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported source_type %q: only local repositories are supported", req.SourceType))
		return
	}

	job, err := s.runner.StartJob(r.Context(), orchestrator.StartRequest{
		Repo:        req.Source,
		Steps:       req.Steps,
		Overrides:   req.Options,
		DependsOn:   req.Dependencies,
		Incremental: req.Incremental,
	})
	if err != nil {
		if cserr.IsConfig(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit ingestion job", "source", req.Source, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.logger.Info("ingestion job submitted", "job_id", job.ID, "repo", job.Repo, "steps", job.StepOrder)
	s.writeJSON(w, http.StatusAccepted, ingestResponse{JobID: job.ID, Status: job.Status})
}

// handleJob handles GET /v1/ingest/{id} and returns the full job
// record.
func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, err := s.runner.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("load job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleCancel handles POST /v1/ingest/{id}/cancel.
func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, err := s.runner.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	s.logger.Info("job cancelled via HTTP", "job_id", id, "status", string(job.Status))
	s.writeJSON(w, http.StatusOK, ingestResponse{JobID: job.ID, Status: job.Status})
}

// jobsResponse is the body of GET /v1/ingest/jobs.
type jobsResponse struct {
	Jobs  []*orchestrator.Job `json:"jobs"`
	Total int                 `json:"total"`
}

// handleJobs handles GET /v1/ingest/jobs.
// Query parameters:
//   - status: pending, running, completed, failed, cancelled (default: all)
//   - limit: max results (default: 50)
func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	limitParam := r.URL.Query().Get("limit")

	var status orchestrator.Status
	switch up := orchestrator.Status(strings.ToUpper(statusParam)); up {
	case "":
	case orchestrator.StatusPending, orchestrator.StatusRunning, orchestrator.StatusCompleted,
		orchestrator.StatusFailed, orchestrator.StatusCancelled:
		status = up
	default:
		s.writeError(w, http.StatusBadRequest, "invalid status: must be pending, running, completed, failed or cancelled")
		return
	}

	limit := 50
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return
		}
		limit = parsed
	}

	jobs, err := s.runner.Jobs(r.Context(), status, 0)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	total := len(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	s.writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, Total: total})
}

// writeJSON writes a JSON response.
func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("write JSON response", "error", err)
	}
}

// writeError writes a JSON error body.
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
