// Package astrunner implements the ast step: it runs the external
// code analyzer in a Docker container against a read-only mount of the
// repository, then verifies the analyzer left AST nodes in the graph.
// The step never parses code itself.
package astrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/step"
)

const stepName = "ast"

// DefaultImage is the analyzer image used when the pipeline does not
// name one.
const DefaultImage = "ghcr.io/codestoryhq/ast-analyzer:latest"

const defaultTimeout = 30 * time.Minute

func init() {
	step.Register(stepName, New)
}

// Step drives one analyzer container per job.
type Step struct {
	graph   step.GraphStore
	api     containerAPI
	logger  *slog.Logger
	push    step.ProgressFunc
	tracker *step.Tracker
}

// New builds the ast step. The Docker client is configured from the
// environment and dials lazily on first use.
func New(deps step.Deps) (step.Step, error) {
	if deps.Graph == nil {
		return nil, cserr.NewConfigError(stepName, errors.New("graph store is required"))
	}
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, cserr.NewConfigError("docker", err)
	}
	return &Step{
		graph:   deps.Graph,
		api:     api,
		logger:  deps.Logger.With("step", stepName),
		push:    deps.Report,
		tracker: step.NewTracker(stepName),
	}, nil
}

// Name returns the registered step name.
func (s *Step) Name() string { return stepName }

// Run schedules a full analyzer pass over the repository.
func (s *Step) Run(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, false)
}

// IngestionUpdate schedules an incremental pass; the analyzer is told
// via INCREMENTAL=true and decides itself what to reprocess.
func (s *Step) IngestionUpdate(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, true)
}

// Status reports the current state of a job.
func (s *Step) Status(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Status(jobID)
}

// Stop requests a graceful stop. The container receives SIGTERM with a
// grace window, then SIGKILL; a job whose container or image never
// materialized still settles STOPPED.
func (s *Step) Stop(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Stop(jobID)
}

// Cancel aborts the job; the container teardown is the same as Stop.
func (s *Step) Cancel(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Cancel(jobID)
}

func (s *Step) launch(ctx context.Context, repoPath string, cfg step.Config, incremental bool) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", cserr.NewConfigError("repo_path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", cserr.NewConfigError("repo_path", err)
	}
	if !info.IsDir() {
		return "", cserr.NewConfigError("repo_path", fmt.Errorf("%s is not a directory", abs))
	}

	cfg = step.FilterParams(stepName, cfg)

	run := analyzerRun{
		repoPath: abs,
		image:    cfg.String("image", DefaultImage),
		timeout:  cfg.Seconds("timeout", defaultTimeout),
		env: envConfig{
			GraphURI:       cfg.String("graph_uri", ""),
			GraphUsername:  cfg.String("graph_username", ""),
			GraphPassword:  cfg.String("graph_password", ""),
			GraphDatabase:  cfg.String("graph_database", ""),
			IgnorePatterns: cfg.Strings("ignore_patterns"),
			Incremental:    incremental,
		},
	}
	run.jobID = cfg.JobID()
	if run.jobID == "" {
		run.jobID = uuid.NewString()
	}

	jobID := s.tracker.Launch(ctx, func(ctx context.Context, report step.ProgressFunc) (step.Outcome, error) {
		return s.analyze(ctx, report, run)
	})

	s.logger.Info("analyzer scheduled",
		"repo", abs, "image", run.image, "job_id", jobID, "incremental", incremental)
	return jobID, nil
}

// analyzerRun is everything one container run needs.
type analyzerRun struct {
	repoPath string
	image    string
	timeout  time.Duration
	jobID    string
	env      envConfig
}

func (s *Step) analyze(ctx context.Context, report step.ProgressFunc, run analyzerRun) (step.Outcome, error) {
	emit := func(progress float64, message string) {
		report(progress, message)
		if s.push != nil {
			s.push(progress, message)
		}
	}

	emit(0, "preparing analyzer image")
	if err := ensureImage(ctx, s.api, run.image); err != nil {
		if ctx.Err() != nil {
			return step.Outcome{}, cserr.NewCancelledError("analyzer image pull")
		}
		return step.Outcome{}, cserr.NewExternalProcessError("docker pull "+run.image, -1, err)
	}

	emit(10, "creating analyzer container")
	name := containerName(run.jobID)
	env := buildEnv(run.jobID, run.env)
	containerID, err := createContainer(ctx, s.api, run.image, name, run.repoPath, env)
	if err != nil {
		return step.Outcome{}, cserr.NewExternalProcessError("docker create "+name, -1, err)
	}
	defer removeContainer(s.api, containerID)

	if err := s.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return step.Outcome{}, cserr.NewExternalProcessError("docker start "+name, -1, err)
	}
	emit(20, "analyzer running")
	started := time.Now()

	scanner := newLogScanner(func(percent int) {
		emit(analyzerProgress(percent), fmt.Sprintf("analyzer at %d%%", percent))
	})
	var logsDone chan struct{}
	logs, err := s.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		s.logger.Warn("analyzer logs unavailable", "container", name, "error", err)
	} else {
		defer logs.Close()
		logsDone = make(chan struct{})
		go func() {
			defer close(logsDone)
			scanner.consume(logs)
		}()
	}
	// The stream EOFs when the container exits; give it a moment to
	// drain so failure reports carry the tail.
	waitForLogs := func() {
		if logsDone == nil {
			return
		}
		select {
		case <-logsDone:
		case <-time.After(2 * time.Second):
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, run.timeout)
	defer cancel()
	go s.linearFill(runCtx, scanner, run.timeout, emit)

	var resp container.WaitResponse
	waitCh, errCh := s.api.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		if err := stopContainer(s.api, containerID); err != nil {
			s.logger.Warn("analyzer stop failed", "container", name, "error", err)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return step.Outcome{}, cserr.NewStepTimeout(stepName, run.timeout)
		}
		return step.Outcome{}, cserr.NewCancelledError("ast analyzer")
	case err := <-errCh:
		return step.Outcome{}, cserr.NewExternalProcessError("ast analyzer", -1, err)
	case resp = <-waitCh:
	}
	elapsed := time.Since(started)
	waitForLogs()

	if resp.Error != nil {
		return step.Outcome{}, cserr.NewExternalProcessError("ast analyzer", -1, errors.New(resp.Error.Message))
	}
	if resp.StatusCode != 0 {
		return step.Outcome{}, cserr.NewExternalProcessError("ast analyzer", int(resp.StatusCode),
			exitError(resp.StatusCode, scanner.lastLines()))
	}

	emit(90, "verifying analyzer output")
	nodes, err := s.countASTNodes(ctx)
	if err != nil {
		return step.Outcome{}, err
	}
	if nodes == 0 {
		msg := "analyzer exited cleanly but wrote no AST nodes"
		if tail := scanner.lastLines(); tail != "" {
			msg = msg + "\n" + tail
		}
		return step.Outcome{}, cserr.NewStepFailed(stepName, msg)
	}

	emit(97, "recording analyzer results")
	if err := s.writeProcessingRecord(ctx, run, nodes, elapsed); err != nil {
		s.logger.Warn("processing record write failed", "error", err)
	}

	emit(100, "analyzer finished")
	s.logger.Info("analyzer finished",
		"repo", run.repoPath, "ast_nodes", nodes, "elapsed", elapsed)
	return step.Outcome{
		Message: fmt.Sprintf("analyzer wrote %d AST nodes", nodes),
		Counts:  map[string]int{"ast_nodes": int(nodes)},
		Timing:  map[string]float64{"analyzer_seconds": elapsed.Seconds()},
	}, nil
}

// linearFill advances progress through the 20-90 band while the
// analyzer emits no Progress lines of its own.
func (s *Step) linearFill(ctx context.Context, scanner *logScanner, timeout time.Duration, emit step.ProgressFunc) {
	interval := timeout / 70
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 15*time.Second {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	progress := 20.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if scanner.sawProgress() {
				return
			}
			if progress < 90 {
				progress++
				emit(progress, "analyzer running")
			}
		}
	}
}

// countASTNodes asks the graph how many nodes the analyzer produced.
func (s *Step) countASTNodes(ctx context.Context) (int64, error) {
	records, err := s.graph.Execute(ctx, "MATCH (a:AST) RETURN count(a) AS total", nil, false)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return asInt64(records[0]["total"]), nil
}

func (s *Step) writeProcessingRecord(ctx context.Context, run analyzerRun, nodes int64, elapsed time.Duration) error {
	query := `MERGE (r:ProcessingRecord {step: $step, job_id: $job_id})
SET r.repository = $repository,
    r.ast_nodes = $ast_nodes,
    r.image = $image,
    r.analyzer_seconds = $analyzer_seconds,
    r.created_at = $created_at`
	params := map[string]any{
		"step":             stepName,
		"job_id":           run.jobID,
		"repository":       run.repoPath,
		"ast_nodes":        nodes,
		"image":            run.image,
		"analyzer_seconds": elapsed.Seconds(),
		"created_at":       time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.graph.Execute(ctx, query, params, true)
	return err
}

func exitError(code int64, tail string) error {
	if tail == "" {
		return fmt.Errorf("analyzer exited with status %d", code)
	}
	return fmt.Errorf("analyzer exited with status %d; last output:\n%s", code, tail)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
