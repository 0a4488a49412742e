package orchestrator

import (
	"maps"
	"time"

	"github.com/codestoryhq/codestory/step"
)

// Status is the job-level lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the job can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepRecord is the per-step breakdown kept on the job record.
type StepRecord struct {
	Status    step.Status    `json:"status"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Handle    string         `json:"handle,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Job is the persisted record of one ingestion job. It lives in the
// queue's job bucket and is the only history kept for a job; the
// bucket's retention window bounds its lifetime.
type Job struct {
	ID          string                 `json:"id"`
	Repo        string                 `json:"repo"`
	Incremental bool                   `json:"incremental,omitempty"`
	Status      Status                 `json:"status"`
	Progress    float64                `json:"progress"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailedStep  string                 `json:"failed_step,omitempty"`
	Steps       map[string]*StepRecord `json:"steps"`
	StepOrder   []string               `json:"step_order"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func newJob(id, repo string, stepNames, dependsOn []string) *Job {
	now := time.Now().UTC()
	steps := make(map[string]*StepRecord, len(stepNames))
	for _, name := range stepNames {
		steps[name] = &StepRecord{Status: step.StatusPending}
	}
	return &Job{
		ID:        id,
		Repo:      repo,
		Status:    StatusPending,
		Steps:     steps,
		StepOrder: append([]string(nil), stepNames...),
		DependsOn: append([]string(nil), dependsOn...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// recomputeProgress folds per-step progress into the job figure.
// Steps that were never dispatched stay out of the denominator, and
// the result never moves backward even as later waves widen it.
func (j *Job) recomputeProgress() {
	if j.Status != StatusRunning {
		return
	}
	var n, sum float64
	for _, rec := range j.Steps {
		if rec.Handle == "" && rec.Status == step.StatusPending {
			continue
		}
		n++
		sum += rec.Progress
	}
	if n == 0 {
		return
	}
	if p := sum / n; p > j.Progress {
		j.Progress = p
	}
}

// clone returns an independent copy safe to hand to callers while a
// supervisor keeps mutating the original.
func (j *Job) clone() *Job {
	out := *j
	out.Steps = make(map[string]*StepRecord, len(j.Steps))
	for name, rec := range j.Steps {
		c := *rec
		c.Counts = maps.Clone(rec.Counts)
		out.Steps[name] = &c
	}
	out.StepOrder = append([]string(nil), j.StepOrder...)
	out.DependsOn = append([]string(nil), j.DependsOn...)
	return &out
}
