// Package worker runs ingestion steps on behalf of the task queue.
// A worker consumes task envelopes for one queue, builds the named
// step from the registry, relays step progress into the task record
// (which doubles as the liveness heartbeat) and settles the record
// with the step's outcome. Revocation signals cancel the matching
// in-flight run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/queue"
	"github.com/codestoryhq/codestory/step"
)

// TaskQueue is the slice of the queue adapter the worker uses.
// *queue.Queue satisfies it.
type TaskQueue interface {
	Consume(ctx context.Context, queueName string, handler func(context.Context, queue.Envelope) error) error
	Inspect(ctx context.Context, handle queue.Handle) (queue.TaskInfo, error)
	SetRunning(ctx context.Context, handle queue.Handle, progress float64, message string) error
	SetSuccess(ctx context.Context, handle queue.Handle, result any) error
	SetFailure(ctx context.Context, handle queue.Handle, reason string) error
	RevocationWatch(ctx context.Context) (<-chan string, error)
}

// Options configure a Worker.
type Options struct {
	Queue  TaskQueue
	Graph  step.GraphStore
	LLM    step.ChatClient
	Logger *slog.Logger

	// QueueName is the task group to consume. Defaults to "ingest".
	QueueName string
	// Concurrency is how many claim loops run side by side; they share
	// one durable consumer. Defaults to 1.
	Concurrency int
	// PollInterval is the step status poll and heartbeat cadence.
	// Defaults to 1s; it must stay well under the queue's liveness
	// window.
	PollInterval time.Duration
}

// Worker consumes and executes ingestion tasks. One per process is
// typical; Concurrency controls in-process parallelism.
type Worker struct {
	queue       TaskQueue
	graph       step.GraphStore
	llm         step.ChatClient
	logger      *slog.Logger
	queueName   string
	concurrency int
	poll        time.Duration

	mu     sync.Mutex
	active map[string]*activeRun // task id -> in-flight step job
}

type activeRun struct {
	step  step.Step
	jobID string
}

// New wires a Worker. Queue is required; Graph and LLM may be nil for
// deployments that only run steps which do not need them (the step
// factory rejects a task whose dependencies are missing).
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, cserr.NewConfigError("queue", errors.New("task queue is required"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueName := opts.QueueName
	if queueName == "" {
		queueName = "ingest"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:       opts.Queue,
		graph:       opts.Graph,
		llm:         opts.LLM,
		logger:      logger,
		queueName:   queueName,
		concurrency: concurrency,
		poll:        poll,
		active:      make(map[string]*activeRun),
	}, nil
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	revocations, err := w.queue.RevocationWatch(ctx)
	if err != nil {
		return fmt.Errorf("watch revocations: %w", err)
	}
	go w.reapRevocations(ctx, revocations)

	w.logger.Info("worker started",
		"queue", w.queueName, "concurrency", w.concurrency, "steps", step.Names())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.queue.Consume(gctx, w.queueName, w.handleTask)
		})
	}
	return g.Wait()
}

// reapRevocations cancels in-flight runs named on the control subject.
// Tasks this worker is not running are someone else's to cancel.
func (w *Worker) reapRevocations(ctx context.Context, ids <-chan string) {
	for id := range ids {
		w.mu.Lock()
		run, ok := w.active[id]
		w.mu.Unlock()
		if !ok {
			continue
		}
		w.logger.Info("revoking in-flight task", "task_id", id, "step", run.step.Name())
		if _, err := run.step.Cancel(ctx, run.jobID); err != nil {
			w.logger.Warn("cancel revoked task", "task_id", id, "error", err)
		}
	}
}

// handleTask executes one envelope end to end. The returned error is
// diagnostic only; the authoritative outcome is written to the task
// record.
func (w *Worker) handleTask(ctx context.Context, env queue.Envelope) error {
	handle := queue.Handle(env.ID)

	info, err := w.queue.Inspect(ctx, handle)
	if err != nil {
		// Expired record: running the step anyway would leave it
		// untracked. The orchestrator sees the expiry on its next poll.
		return fmt.Errorf("inspect task %s: %w", env.ID, err)
	}
	if info.State.Terminal() {
		w.logger.Info("skipping settled task", "task_id", env.ID, "name", env.Name, "state", string(info.State))
		return nil
	}

	repoPath, _ := env.Args["repo_path"].(string)
	rawCfg, _ := env.Args["config"].(map[string]any)
	cfg := step.FilterParams(env.Name, rawCfg)
	if repoPath == "" {
		reason := "task args missing repo_path"
		_ = w.queue.SetFailure(ctx, handle, reason)
		return errors.New(reason)
	}

	logger := w.logger.With("step", env.Name, "task_id", env.ID)
	report := func(progress float64, message string) {
		if err := w.queue.SetRunning(ctx, handle, progress, message); err != nil && !errors.Is(err, queue.ErrTaskFinished) {
			logger.Warn("report progress", "error", err)
		}
	}

	st, err := step.New(env.Name, step.Deps{
		Graph:  w.graph,
		LLM:    w.llm,
		Logger: logger,
		Report: report,
	})
	if err != nil {
		_ = w.queue.SetFailure(ctx, handle, err.Error())
		return err
	}

	if err := w.queue.SetRunning(ctx, handle, 0, "claimed by worker"); err != nil {
		if errors.Is(err, queue.ErrTaskFinished) {
			// Revoked between fetch and claim.
			return nil
		}
		reason := fmt.Sprintf("claim task: %v", err)
		_ = w.queue.SetFailure(ctx, handle, reason)
		return fmt.Errorf("claim task %s: %w", env.ID, err)
	}

	runCtx := ctx
	timeout := cfg.Seconds("timeout", 0)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var jobID string
	if cfg.Bool("incremental", false) {
		jobID, err = st.IngestionUpdate(runCtx, repoPath, cfg)
	} else {
		jobID, err = st.Run(runCtx, repoPath, cfg)
	}
	if err != nil {
		reason := fmt.Sprintf("start step %s: %v", env.Name, err)
		_ = w.queue.SetFailure(ctx, handle, reason)
		return errors.New(reason)
	}

	logger.Info("step started", "job_id", jobID, "repo", repoPath)
	w.track(env.ID, st, jobID)
	defer w.untrack(env.ID)

	state := w.await(runCtx, st, handle, jobID)
	return w.finish(env, handle, state, runCtx.Err(), timeout)
}

// await polls the step job until it settles, refreshing the task
// heartbeat on every observation. When the run context dies first
// (timeout or shutdown) the job is cancelled and its settled state
// returned.
func (w *Worker) await(runCtx context.Context, st step.Step, handle queue.Handle, jobID string) step.State {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		state, err := st.Status(runCtx, jobID)
		if err != nil {
			return step.State{Status: step.StatusFailed, Error: err.Error()}
		}
		if state.Status.Terminal() {
			return state
		}

		if err := w.queue.SetRunning(runCtx, handle, state.Progress, state.Message); err != nil && !errors.Is(err, queue.ErrTaskFinished) {
			w.logger.Warn("heartbeat", "task_id", string(handle), "error", err)
		}

		select {
		case <-runCtx.Done():
			// Cancel blocks until the job function returned, so the
			// settled state below is final.
			state, err := st.Cancel(context.Background(), jobID)
			if err != nil {
				return step.State{Status: step.StatusFailed, Error: err.Error()}
			}
			return state
		case <-ticker.C:
		}
	}
}

// result is the task result payload stored on success.
type result struct {
	Status   string             `json:"status"`
	Progress float64            `json:"progress"`
	Message  string             `json:"message,omitempty"`
	Counts   map[string]int     `json:"counts,omitempty"`
	Timing   map[string]float64 `json:"timing,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// finish writes the authoritative outcome to the task record. A
// revoked record rejects the transition with ErrTaskFinished, which is
// the expected end of a cancelled run. Settling uses a detached
// context so a shutdown still records the outcome.
func (w *Worker) finish(env queue.Envelope, handle queue.Handle, state step.State, cause error, timeout time.Duration) error {
	settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if state.Status == step.StatusCompleted {
		res := result{
			Status:   string(state.Status),
			Progress: state.Progress,
			Message:  state.Message,
			Counts:   state.Counts,
			Timing:   state.Timing,
		}
		if err := w.queue.SetSuccess(settleCtx, handle, res); err != nil && !errors.Is(err, queue.ErrTaskFinished) {
			w.logger.Warn("record task success", "task_id", env.ID, "error", err)
			return err
		}
		w.logger.Info("task completed", "task_id", env.ID, "step", env.Name)
		return nil
	}

	reason := state.Error
	if reason == "" {
		reason = state.Message
	}
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		reason = fmt.Sprintf("step %s timed out after %s", env.Name, timeout)
	case errors.Is(cause, context.Canceled):
		if reason == "" {
			reason = "worker shut down before the step finished"
		}
	case reason == "":
		reason = fmt.Sprintf("step ended %s", string(state.Status))
	}

	if err := w.queue.SetFailure(settleCtx, handle, reason); err != nil && !errors.Is(err, queue.ErrTaskFinished) {
		w.logger.Warn("record task failure", "task_id", env.ID, "error", err)
		return err
	}
	w.logger.Warn("task failed", "task_id", env.ID, "step", env.Name, "status", string(state.Status), "error", reason)
	return nil
}

func (w *Worker) track(taskID string, st step.Step, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[taskID] = &activeRun{step: st, jobID: jobID}
}

func (w *Worker) untrack(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, taskID)
}
