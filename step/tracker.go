package step

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/metrics"
)

// Tracker owns the job records of one step instance and implements
// the pollable half of the step contract. Step implementations
// schedule work with Launch and delegate Status, Stop and Cancel here.
type Tracker struct {
	step string

	mu   sync.RWMutex
	jobs map[string]*trackedJob
}

type trackedJob struct {
	state   State
	cancel  context.CancelFunc
	abortTo Status // status to settle on when the context kills the run
	done    chan struct{}
}

// NewTracker creates a tracker for the named step.
func NewTracker(stepName string) *Tracker {
	return &Tracker{step: stepName, jobs: make(map[string]*trackedJob)}
}

// Outcome is what a job function hands back besides its error: a final
// message plus the aggregate counts and timings surfaced in the task
// result. The zero value is fine for jobs with nothing to report.
type Outcome struct {
	Message string
	Counts  map[string]int
	Timing  map[string]float64
}

// JobFunc is the body of a launched job. The report callback updates
// progress and message while it runs.
type JobFunc func(ctx context.Context, report ProgressFunc) (Outcome, error)

// Launch registers a job and runs fn in a goroutine. fn's return
// settles the final state: a nil error means COMPLETED, an error means
// FAILED unless a stop or cancel was requested first.
func (t *Tracker) Launch(ctx context.Context, fn JobFunc) string {
	jobID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)

	job := &trackedJob{
		state: State{
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.jobs[jobID] = job
	t.mu.Unlock()

	metrics.TasksTotal.WithLabelValues(t.step, string(StatusRunning)).Inc()

	go func() {
		defer close(job.done)
		out, err := fn(runCtx, func(progress float64, message string) {
			t.report(jobID, progress, message)
		})
		t.settle(jobID, out, err)
	}()

	return jobID
}

// report updates progress on a live job; terminal jobs ignore late
// reports from straggling goroutines.
func (t *Tracker) report(jobID string, progress float64, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok || job.state.Status.Terminal() {
		return
	}
	job.state.Progress = progress
	if message != "" {
		job.state.Message = message
	}
}

// settle records the final state once fn returns.
func (t *Tracker) settle(jobID string, out Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return
	}

	now := time.Now().UTC()
	job.state.EndedAt = now
	if out.Counts != nil {
		job.state.Counts = out.Counts
	}
	if out.Timing != nil {
		job.state.Timing = out.Timing
	}

	switch {
	case job.abortTo != "":
		job.state.Status = job.abortTo
		if err != nil && job.state.Message == "" {
			job.state.Message = err.Error()
		}
	case err == nil:
		job.state.Status = StatusCompleted
		job.state.Progress = 100
		if out.Message != "" {
			job.state.Message = out.Message
		}
	case cserr.IsCancelled(err):
		job.state.Status = StatusCancelled
		job.state.Error = err.Error()
	default:
		job.state.Status = StatusFailed
		job.state.Error = err.Error()
	}

	metrics.TasksTotal.WithLabelValues(t.step, string(job.state.Status)).Inc()
	metrics.StepDuration.WithLabelValues(t.step).Observe(now.Sub(job.state.StartedAt).Seconds())
}

// Status returns a copy of the job's state.
func (t *Tracker) Status(jobID string) (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return State{}, fmt.Errorf("%s: %w", jobID, ErrUnknownJob)
	}
	return job.state, nil
}

// Stop requests a graceful stop; the job settles as STOPPED.
func (t *Tracker) Stop(jobID string) (State, error) {
	return t.abort(jobID, StatusStopped)
}

// Cancel aborts immediately; the job settles as CANCELLED.
func (t *Tracker) Cancel(jobID string) (State, error) {
	return t.abort(jobID, StatusCancelled)
}

func (t *Tracker) abort(jobID string, to Status) (State, error) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return State{}, fmt.Errorf("%s: %w", jobID, ErrUnknownJob)
	}
	if job.state.Status.Terminal() {
		state := job.state
		t.mu.Unlock()
		return state, nil
	}
	job.abortTo = to
	cancel := job.cancel
	done := job.done
	t.mu.Unlock()

	cancel()
	<-done

	return t.Status(jobID)
}

// Wait blocks until the job finishes and returns its final state.
func (t *Tracker) Wait(ctx context.Context, jobID string) (State, error) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return State{}, fmt.Errorf("%s: %w", jobID, ErrUnknownJob)
	}

	select {
	case <-job.done:
		return t.Status(jobID)
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}
