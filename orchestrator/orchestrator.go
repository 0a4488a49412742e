// Package orchestrator schedules ingestion jobs across the task queue.
// A job names a repository and a set of pipeline steps; the
// orchestrator resolves the step dependency closure, dispatches
// independent steps in parallel, folds worker-reported progress into a
// persisted job record and publishes progress events for subscribers.
// Job records live in the queue's job bucket; in-flight scheduling
// state is process-local and does not survive a restart.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codestoryhq/codestory/config"
	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/metrics"
	"github.com/codestoryhq/codestory/queue"
	"github.com/codestoryhq/codestory/step"
)

// ErrUnknownJob is returned when no record exists for a job id.
var ErrUnknownJob = errors.New("unknown job")

// TaskQueue is the slice of the queue adapter the orchestrator uses.
// *queue.Queue satisfies it.
type TaskQueue interface {
	Submit(ctx context.Context, name string, args map[string]any, queueName string, opts queue.SubmitOptions) (queue.Handle, error)
	Inspect(ctx context.Context, handle queue.Handle) (queue.TaskInfo, error)
	Revoke(ctx context.Context, handle queue.Handle, terminate bool) error
	Publish(ctx context.Context, channel string, payload any) error
}

// JobStore persists job records. *queue.Store satisfies it; missing
// keys surface as jetstream.ErrKeyNotFound.
type JobStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	Keys(ctx context.Context) ([]string, error)
}

// Options configure an Orchestrator.
type Options struct {
	Queue    TaskQueue
	Jobs     JobStore
	Pipeline *config.Pipeline
	Logger   *slog.Logger

	// QueueName is the task-queue group ingestion tasks are submitted
	// to. Defaults to "ingest".
	QueueName string
	// PollInterval is the handle inspection cadence. Defaults to 2s.
	PollInterval time.Duration
	// Heartbeat is the idle event cadence for running jobs.
	// Defaults to 30s.
	Heartbeat time.Duration
	// Liveness bounds how stale a running task's record may grow
	// before its worker is declared lost. Defaults to 60s; negative
	// disables the check.
	Liveness time.Duration
}

// StartRequest describes one ingestion job.
type StartRequest struct {
	// Repo is the repository path handed to every step.
	Repo string
	// Steps are the requested step names; empty means every pipeline
	// step. In-job dependencies are pulled in automatically.
	Steps []string
	// Overrides layer per-step config on top of the pipeline defaults.
	Overrides map[string]map[string]any
	// DependsOn lists job ids that must finish before this job
	// dispatches. A failed or cancelled dependency fails this job.
	DependsOn []string
	// Incremental asks every step for an update pass instead of a full
	// run; steps are free to short-circuit on unchanged inputs.
	Incremental bool
}

// Orchestrator owns job scheduling. One per process.
type Orchestrator struct {
	queue     TaskQueue
	jobs      JobStore
	pipeline  *config.Pipeline
	logger    *slog.Logger
	queueName string
	poll      time.Duration
	heartbeat time.Duration
	liveness  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*jobRun
	waiting map[string]map[string]*waiter // dependency job id -> waiting job id
	closed  bool
	wg      sync.WaitGroup
}

// waiter is a job parked on cross-job dependencies.
type waiter struct {
	job       *Job
	plan      *plan
	overrides map[string]map[string]any
	remaining map[string]bool // non-terminal dependency job ids
}

// New wires an Orchestrator. Queue and Jobs are required; a nil
// Pipeline falls back to the built-in four-step layout.
func New(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil {
		return nil, cserr.NewConfigError("queue", errors.New("task queue is required"))
	}
	if opts.Jobs == nil {
		return nil, cserr.NewConfigError("jobs", errors.New("job store is required"))
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = config.DefaultPipeline()
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueName := opts.QueueName
	if queueName == "" {
		queueName = "ingest"
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	liveness := opts.Liveness
	if liveness == 0 {
		liveness = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		queue:     opts.Queue,
		jobs:      opts.Jobs,
		pipeline:  pipeline,
		logger:    logger,
		queueName: queueName,
		poll:      poll,
		heartbeat: heartbeat,
		liveness:  liveness,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*jobRun),
		waiting:   make(map[string]map[string]*waiter),
	}, nil
}

// StartJob records a new job and dispatches its first wave, unless
// cross-job dependencies hold it in the waiting set. The returned
// record is a snapshot.
func (o *Orchestrator) StartJob(ctx context.Context, req StartRequest) (*Job, error) {
	if strings.TrimSpace(req.Repo) == "" {
		return nil, cserr.NewConfigError("repo", errors.New("repository path is required"))
	}
	requested := req.Steps
	if len(requested) == 0 {
		for _, s := range o.pipeline.Steps {
			requested = append(requested, s.Name)
		}
	}
	pl, err := newPlan(requested, o.pipeline.Dependencies)
	if err != nil {
		return nil, cserr.NewConfigError("steps", err)
	}

	job := newJob(uuid.NewString(), req.Repo, pl.names(), req.DependsOn)
	job.Incremental = req.Incremental

	// Dependency classification and waiting-set registration happen
	// under the lock; finish notifications also take it, so a
	// dependency settling concurrently cannot slip between the read
	// and the registration.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("orchestrator closed")
	}

	blocked := make(map[string]bool)
	for _, depID := range job.DependsOn {
		dep, err := o.loadJob(ctx, depID)
		if err != nil {
			return nil, cserr.NewConfigError("dependencies", fmt.Errorf("job %s: %w", depID, err))
		}
		switch {
		case dep.Status == StatusCompleted:
		case dep.Status.Terminal():
			job.Status = StatusFailed
			job.Error = fmt.Sprintf("dependency job %s %s", depID, strings.ToLower(string(dep.Status)))
			job.Message = job.Error
			for _, rec := range job.Steps {
				rec.Status = step.StatusFailed
				rec.Error = job.Error
			}
			o.persist(ctx, job)
			o.publishJob(ctx, job)
			o.logger.Warn("job failed on submission", "job_id", job.ID, "error", job.Error)
			return job.clone(), nil
		default:
			blocked[depID] = true
		}
	}

	o.persist(ctx, job)
	o.publishJob(ctx, job)

	if len(blocked) > 0 {
		w := &waiter{job: job, plan: pl, overrides: req.Overrides, remaining: blocked}
		for depID := range blocked {
			set := o.waiting[depID]
			if set == nil {
				set = make(map[string]*waiter)
				o.waiting[depID] = set
			}
			set[job.ID] = w
		}
		o.logger.Info("job waiting on dependencies", "job_id", job.ID, "depends_on", job.DependsOn)
		return job.clone(), nil
	}

	// Snapshot before the supervisor starts mutating the record.
	out := job.clone()
	o.launch(job, pl, req.Overrides)
	o.logger.Info("job submitted", "job_id", job.ID, "repo", job.Repo, "steps", job.StepOrder)
	return out, nil
}

// launch starts a supervisor for job. Caller holds o.mu.
func (o *Orchestrator) launch(job *Job, pl *plan, overrides map[string]map[string]any) {
	r := &jobRun{
		o:         o,
		job:       job,
		plan:      pl,
		overrides: overrides,
		handles:   make(map[string]queue.Handle),
		attempts:  make(map[string]int),
		retryAt:   make(map[string]time.Time),
	}
	o.runs[job.ID] = r
	o.wg.Add(1)
	metrics.JobsActive.Inc()
	go r.run(o.ctx)
}

// CancelJob revokes every active handle of a running job, or unparks
// and settles a waiting one. Cancelling a terminal job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	o.mu.Lock()
	if r, ok := o.runs[jobID]; ok {
		o.mu.Unlock()
		return r.cancelRun(ctx)
	}
	defer o.mu.Unlock()

	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	for depID, set := range o.waiting {
		delete(set, jobID)
		if len(set) == 0 {
			delete(o.waiting, depID)
		}
	}
	job.Status = StatusCancelled
	job.Message = "cancelled"
	for _, rec := range job.Steps {
		if rec.Status == step.StatusPending {
			rec.Status = step.StatusCancelled
		}
	}
	o.persist(ctx, job)
	o.publishJob(ctx, job)
	o.releaseLocked(jobID, StatusCancelled)
	o.logger.Info("job cancelled", "job_id", jobID)
	return job, nil
}

// Job returns the persisted record for id.
func (o *Orchestrator) Job(ctx context.Context, id string) (*Job, error) {
	return o.loadJob(ctx, id)
}

// Jobs lists persisted records, newest first. An empty status matches
// everything; limit <= 0 means no cap.
func (o *Orchestrator) Jobs(ctx context.Context, status Status, limit int) ([]*Job, error) {
	keys, err := o.jobs.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*Job, 0, len(keys))
	for _, key := range keys {
		job, err := o.loadJob(ctx, key)
		if err != nil {
			o.logger.Warn("skipping unreadable job record", "key", key, "error", err)
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close stops accepting jobs and waits for supervisors to exit.
// Running jobs are abandoned, not cancelled; their records keep the
// last observed state.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// jobFinished runs after a supervisor settles its record.
func (o *Orchestrator) jobFinished(jobID string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, jobID)
	o.releaseLocked(jobID, status)
}

// releaseLocked re-evaluates jobs waiting on jobID. A completed
// dependency releases its waiters once every other dependency settled;
// anything else cascades failure, which may in turn release jobs
// waiting on the cascaded one. Caller holds o.mu.
func (o *Orchestrator) releaseLocked(jobID string, status Status) {
	waiters := o.waiting[jobID]
	delete(o.waiting, jobID)
	for _, w := range waiters {
		if status == StatusCompleted {
			delete(w.remaining, jobID)
			if len(w.remaining) == 0 {
				o.launch(w.job, w.plan, w.overrides)
				o.logger.Info("job released from waiting set", "job_id", w.job.ID)
			}
			continue
		}

		for depID := range w.remaining {
			if set := o.waiting[depID]; set != nil {
				delete(set, w.job.ID)
				if len(set) == 0 {
					delete(o.waiting, depID)
				}
			}
		}
		w.job.Status = StatusFailed
		w.job.Error = fmt.Sprintf("dependency job %s %s", jobID, strings.ToLower(string(status)))
		w.job.Message = w.job.Error
		for _, rec := range w.job.Steps {
			rec.Status = step.StatusFailed
			rec.Error = w.job.Error
		}
		o.persist(o.ctx, w.job)
		o.publishJob(o.ctx, w.job)
		o.logger.Warn("job failed on dependency", "job_id", w.job.ID, "dependency", jobID)
		o.releaseLocked(w.job.ID, StatusFailed)
	}
}

func (o *Orchestrator) loadJob(ctx context.Context, id string) (*Job, error) {
	data, _, err := o.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (o *Orchestrator) persist(ctx context.Context, job *Job) {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		o.logger.Error("encode job record", "job_id", job.ID, "error", err)
		return
	}
	if err := o.jobs.Put(ctx, job.ID, data); err != nil {
		o.logger.Warn("persist job record", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) publishJob(ctx context.Context, job *Job) {
	if err := o.queue.Publish(ctx, EventChannel(job.ID), job.event()); err != nil {
		o.logger.Warn("publish job event", "job_id", job.ID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("jobs").Inc()
}
