package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codestoryhq/codestory/metrics"
	"github.com/codestoryhq/codestory/queue"
	"github.com/codestoryhq/codestory/step"
)

// stepResult is the worker-reported result payload of a finished task.
type stepResult struct {
	Status   string             `json:"status"`
	Progress float64            `json:"progress"`
	Message  string             `json:"message,omitempty"`
	Counts   map[string]int     `json:"counts,omitempty"`
	Timing   map[string]float64 `json:"timing,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// jobRun supervises one dispatched job until every handle settles.
// The job record is guarded by mu; the plan has its own lock.
type jobRun struct {
	o         *Orchestrator
	plan      *plan
	overrides map[string]map[string]any

	mu       sync.Mutex
	job      *Job
	handles  map[string]queue.Handle
	attempts map[string]int       // resubmissions per step
	retryAt  map[string]time.Time // backoff deadlines for failed steps
}

func (r *jobRun) run(parent context.Context) {
	defer r.o.wg.Done()
	defer metrics.JobsActive.Dec()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.mu.Lock()
	r.job.Status = StatusRunning
	r.mu.Unlock()
	r.sync(ctx)

	r.dispatch(ctx, r.plan.takeReady())
	r.sync(ctx)

	poll := time.NewTicker(r.o.poll)
	defer poll.Stop()
	heartbeat := time.NewTicker(r.o.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			status := r.job.Status
			r.mu.Unlock()
			if status.Terminal() {
				r.o.jobFinished(r.job.ID, status)
			} else {
				r.o.logger.Warn("job abandoned on shutdown", "job_id", r.job.ID, "status", string(status))
			}
			return
		case <-heartbeat.C:
			r.sync(ctx)
		case <-poll.C:
			if r.tick(ctx) {
				status := r.settle(ctx)
				r.o.jobFinished(r.job.ID, status)
				return
			}
		}
	}
}

// tick advances the job one inspection round. It reports true once
// nothing is in flight and nothing is awaiting retry.
func (r *jobRun) tick(ctx context.Context) bool {
	changed := r.resubmitDue(ctx)
	if r.inspect(ctx) {
		changed = true
	}
	if changed {
		r.sync(ctx)
	}
	r.mu.Lock()
	idle := len(r.handles) == 0 && len(r.retryAt) == 0
	r.mu.Unlock()
	return idle
}

// inspect polls every active handle and folds task state into the
// job record. It reports whether anything changed.
func (r *jobRun) inspect(ctx context.Context) bool {
	r.mu.Lock()
	active := make(map[string]queue.Handle, len(r.handles))
	for name, h := range r.handles {
		active[name] = h
	}
	r.mu.Unlock()

	changed := false
	for name, h := range active {
		info, err := r.o.queue.Inspect(ctx, h)
		if err != nil {
			if errors.Is(err, queue.ErrUnknownTask) {
				r.stepFailed(name, "task record expired")
				changed = true
				continue
			}
			r.o.logger.Warn("task inspection failed", "job_id", r.job.ID, "step", name, "error", err)
			continue
		}
		if r.apply(ctx, name, info) {
			changed = true
		}
	}
	return changed
}

// apply routes one task observation. Terminal states hand off to the
// dedicated transitions.
func (r *jobRun) apply(ctx context.Context, name string, info queue.TaskInfo) bool {
	switch info.State {
	case queue.TaskRunning:
		if r.o.liveness > 0 && time.Since(info.UpdatedAt) > r.o.liveness {
			r.stepLost(ctx, name, info)
			return true
		}
		return r.fold(name, info)
	case queue.TaskSuccess:
		r.stepCompleted(ctx, name, info)
		return true
	case queue.TaskFailure:
		msg := info.Error
		if msg == "" {
			msg = "task failed"
		}
		r.stepFailed(name, msg)
		return true
	case queue.TaskRevoked:
		r.stepRevoked(name)
		return true
	}
	// TaskPending: submitted but not yet claimed by a worker.
	return false
}

// fold records worker progress for a running task.
func (r *jobRun) fold(name string, info queue.TaskInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.job.Steps[name]
	changed := false
	if rec.Status != step.StatusRunning {
		rec.Status = step.StatusRunning
		now := time.Now().UTC()
		rec.StartedAt = &now
		metrics.TasksTotal.WithLabelValues(name, string(queue.TaskRunning)).Inc()
		changed = true
	}
	if p, ok := metaFloat(info.Meta, "progress"); ok && p != rec.Progress {
		rec.Progress = p
		changed = true
	}
	if m, ok := info.Meta["message"].(string); ok && m != "" && m != rec.Message {
		rec.Message = m
		changed = true
	}
	if changed {
		r.job.recomputeProgress()
	}
	return changed
}

// stepCompleted settles a successful task and dispatches whatever it
// unblocked. Completions arriving after a job failure are still
// recorded; they just dispatch nothing.
func (r *jobRun) stepCompleted(ctx context.Context, name string, info queue.TaskInfo) {
	now := time.Now().UTC()
	r.mu.Lock()
	rec := r.job.Steps[name]
	delete(r.handles, name)
	rec.Status = step.StatusCompleted
	rec.Progress = 100
	rec.EndedAt = &now
	var res stepResult
	if len(info.Result) > 0 && json.Unmarshal(info.Result, &res) == nil {
		if res.Message != "" {
			rec.Message = res.Message
		}
		rec.Counts = res.Counts
	}
	metrics.TasksTotal.WithLabelValues(name, string(queue.TaskSuccess)).Inc()
	if rec.StartedAt != nil {
		metrics.StepDuration.WithLabelValues(name).Observe(now.Sub(*rec.StartedAt).Seconds())
	}
	running := r.job.Status == StatusRunning
	r.mu.Unlock()

	r.o.logger.Info("step completed", "job_id", r.job.ID, "step", name)
	if running {
		r.dispatch(ctx, r.plan.complete(name))
	}

	// Recompute only after the unblocked wave registered its handles,
	// so the denominator widens in the same observation and the figure
	// cannot spike to 100 between waves.
	r.mu.Lock()
	r.job.recomputeProgress()
	r.mu.Unlock()
}

// stepFailed retries the step while attempts remain, then fails it
// for good.
func (r *jobRun) stepFailed(name, msg string) {
	r.mu.Lock()
	retry := r.o.pipeline.Retry
	if r.job.Status == StatusRunning && r.attempts[name] < retry.MaxRetries {
		rec := r.job.Steps[name]
		delete(r.handles, name)
		r.attempts[name]++
		r.retryAt[name] = time.Now().Add(time.Duration(retry.BackOffSeconds) * time.Second)
		rec.Status = step.StatusPending
		rec.Message = fmt.Sprintf("retrying after failure (attempt %d of %d)", r.attempts[name]+1, retry.MaxRetries+1)
		attempt := r.attempts[name]
		r.mu.Unlock()
		r.o.logger.Warn("step failed, retrying", "job_id", r.job.ID, "step", name, "attempt", attempt, "error", msg)
		return
	}
	r.mu.Unlock()
	r.failStep(name, msg)
}

// failStep marks the step failed for good. The first failure fails
// the job: undispatched steps can no longer run and are failed in
// place, while running siblings keep their handles and drain normally.
func (r *jobRun) failStep(name, msg string) {
	r.mu.Lock()
	rec := r.job.Steps[name]
	delete(r.handles, name)
	rec.Status = step.StatusFailed
	rec.Error = msg
	now := time.Now().UTC()
	rec.EndedAt = &now
	metrics.TasksTotal.WithLabelValues(name, string(queue.TaskFailure)).Inc()

	if r.job.Status == StatusRunning {
		r.job.Status = StatusFailed
		r.job.FailedStep = name
		r.job.Error = fmt.Sprintf("step %s failed: %s", name, msg)
		r.job.Message = r.job.Error

		dependents := r.plan.dependentsOf(name)
		for _, blocked := range r.plan.undispatched() {
			brec := r.job.Steps[blocked]
			brec.Status = step.StatusFailed
			if dependents[blocked] {
				brec.Error = fmt.Sprintf("dependency %s failed", name)
			} else {
				brec.Error = fmt.Sprintf("not dispatched: step %s failed", name)
			}
		}
		for parked := range r.retryAt {
			prec := r.job.Steps[parked]
			prec.Status = step.StatusFailed
			prec.Error = fmt.Sprintf("retry abandoned after step %s failed", name)
		}
		clear(r.retryAt)
	}
	r.mu.Unlock()
	r.o.logger.Error("step failed", "job_id", r.job.ID, "step", name, "error", msg)
}

// stepLost handles a running task whose worker stopped heartbeating.
// The stale task is revoked so no late claimant resumes it, then the
// step goes through the normal failure path.
func (r *jobRun) stepLost(ctx context.Context, name string, info queue.TaskInfo) {
	r.o.logger.Warn("worker lost", "job_id", r.job.ID, "step", name,
		"last_update", info.UpdatedAt.Format(time.RFC3339))
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if ok {
		if err := r.o.queue.Revoke(ctx, h, true); err != nil {
			r.o.logger.Warn("revoke stale task", "job_id", r.job.ID, "step", name, "error", err)
		}
	}
	r.stepFailed(name, "worker lost")
}

// stepRevoked records a task revoked outside cancel_job. The job
// itself was not cancelled, so the step counts as failed; revocation
// is an operator decision, so no retry.
func (r *jobRun) stepRevoked(name string) {
	r.mu.Lock()
	delete(r.handles, name)
	cancelled := r.job.Status == StatusCancelled
	r.mu.Unlock()
	if cancelled {
		return
	}
	metrics.TasksTotal.WithLabelValues(name, string(queue.TaskRevoked)).Inc()
	r.failStep(name, "task revoked")
}

// cancelRun revokes every active handle and settles the record as
// CANCELLED. The supervisor notices on its next tick and exits.
func (r *jobRun) cancelRun(ctx context.Context) (*Job, error) {
	r.mu.Lock()
	if r.job.Status.Terminal() {
		out := r.job.clone()
		r.mu.Unlock()
		return out, nil
	}
	now := time.Now().UTC()
	for name, h := range r.handles {
		if err := r.o.queue.Revoke(ctx, h, true); err != nil {
			r.o.logger.Warn("revoke task", "job_id", r.job.ID, "step", name, "error", err)
		}
		rec := r.job.Steps[name]
		rec.Status = step.StatusCancelled
		rec.EndedAt = &now
		metrics.TasksTotal.WithLabelValues(name, string(queue.TaskRevoked)).Inc()
	}
	clear(r.handles)
	clear(r.retryAt)
	for _, rec := range r.job.Steps {
		if !rec.Status.Terminal() {
			rec.Status = step.StatusCancelled
		}
	}
	r.job.Status = StatusCancelled
	r.job.Message = "cancelled"
	out := r.job.clone()
	r.mu.Unlock()

	r.sync(ctx)
	r.o.logger.Info("job cancelled", "job_id", r.job.ID)
	return out, nil
}

// dispatch submits one wave. Independent steps go out in parallel; a
// submission failure counts against the step's retry budget.
func (r *jobRun) dispatch(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			r.submit(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// submit hands one step to the task queue and records the handle.
func (r *jobRun) submit(ctx context.Context, name string) {
	args := r.taskArgs(name)
	opts := queue.SubmitOptions{}
	if cfg, ok := args["config"].(map[string]any); ok {
		opts.Timeout = timeoutFrom(cfg)
	}
	h, err := r.o.queue.Submit(ctx, name, args, r.o.queueName, opts)
	if err != nil {
		r.o.logger.Error("step submission failed", "job_id", r.job.ID, "step", name, "error", err)
		r.stepFailed(name, fmt.Sprintf("submit: %v", err))
		return
	}

	r.mu.Lock()
	r.handles[name] = h
	rec := r.job.Steps[name]
	rec.Handle = string(h)
	rec.Status = step.StatusPending
	rec.Message = ""
	rec.Error = ""
	r.mu.Unlock()
	metrics.TasksTotal.WithLabelValues(name, string(queue.TaskPending)).Inc()
	r.o.logger.Info("step dispatched", "job_id", r.job.ID, "step", name, "handle", string(h))
}

// taskArgs builds the worker payload: repository path, job id and the
// step's effective config (pipeline defaults layered with request
// overrides).
func (r *jobRun) taskArgs(name string) map[string]any {
	cfg := make(map[string]any)
	for k, v := range r.o.pipeline.StepConfig(name) {
		cfg[k] = v
	}
	for k, v := range r.overrides[name] {
		cfg[k] = v
	}
	cfg["job_id"] = r.job.ID
	if r.job.Incremental {
		cfg["incremental"] = true
	}
	return map[string]any{
		"repo_path": r.job.Repo,
		"job_id":    r.job.ID,
		"config":    cfg,
	}
}

// resubmitDue redispatches steps whose retry backoff elapsed.
func (r *jobRun) resubmitDue(ctx context.Context) bool {
	r.mu.Lock()
	if r.job.Status != StatusRunning {
		clear(r.retryAt)
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	var due []string
	for name, at := range r.retryAt {
		if !now.Before(at) {
			due = append(due, name)
		}
	}
	for _, name := range due {
		delete(r.retryAt, name)
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return false
	}
	sort.Strings(due)
	for _, name := range due {
		r.submit(ctx, name)
	}
	return true
}

// settle closes out the record once nothing is in flight.
func (r *jobRun) settle(ctx context.Context) Status {
	r.mu.Lock()
	if r.job.Status == StatusRunning {
		allDone := true
		for _, rec := range r.job.Steps {
			if rec.Status != step.StatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			r.job.Status = StatusCompleted
			r.job.Progress = 100
			r.job.Message = fmt.Sprintf("completed %d steps", len(r.job.Steps))
		} else {
			r.job.Status = StatusFailed
			r.job.Error = "job stalled before all steps finished"
			r.job.Message = r.job.Error
		}
	}
	status := r.job.Status
	r.mu.Unlock()

	r.sync(ctx)
	r.o.logger.Info("job finished", "job_id", r.job.ID, "status", string(status))
	return status
}

// sync persists the record and publishes a progress event.
func (r *jobRun) sync(ctx context.Context) {
	r.mu.Lock()
	r.job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r.job)
	ev := r.job.event()
	r.mu.Unlock()
	if err != nil {
		r.o.logger.Error("encode job record", "job_id", r.job.ID, "error", err)
		return
	}
	if err := r.o.jobs.Put(ctx, r.job.ID, data); err != nil {
		r.o.logger.Warn("persist job record", "job_id", r.job.ID, "error", err)
	}
	if err := r.o.queue.Publish(ctx, EventChannel(r.job.ID), ev); err != nil {
		r.o.logger.Warn("publish job event", "job_id", r.job.ID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("jobs").Inc()
}

func timeoutFrom(cfg map[string]any) time.Duration {
	switch v := cfg["timeout"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

func metaFloat(meta map[string]any, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
