// Package summarizer implements the summarization step: it loads the
// code graph into a dependency DAG and generates a natural-language
// Summary node for every entity, bottom-up, so each summary can build
// on the summaries of the things it contains and depends on.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/step"
)

const stepName = "summarizer"

const defaultTimeout = time.Hour

func init() {
	step.Register(stepName, New)
}

// Step generates Summary nodes for the code graph.
type Step struct {
	graph   step.GraphStore
	llm     step.ChatClient
	logger  *slog.Logger
	push    step.ProgressFunc
	tracker *step.Tracker
}

// New builds the summarizer from its dependencies.
func New(deps step.Deps) (step.Step, error) {
	if deps.Graph == nil {
		return nil, cserr.NewConfigError(stepName, errors.New("graph store is required"))
	}
	if deps.LLM == nil {
		return nil, cserr.NewConfigError(stepName, errors.New("llm client is required"))
	}
	return &Step{
		graph:   deps.Graph,
		llm:     deps.LLM,
		logger:  deps.Logger.With("step", stepName),
		push:    deps.Report,
		tracker: step.NewTracker(stepName),
	}, nil
}

// Name returns the registered step name.
func (s *Step) Name() string { return stepName }

// Run schedules summarization of every node in the graph.
func (s *Step) Run(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, false)
}

// IngestionUpdate schedules an incremental pass: nodes whose existing
// summaries are untouched by any change keep them and are skipped.
func (s *Step) IngestionUpdate(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, true)
}

// Status reports the current state of a job.
func (s *Step) Status(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Status(jobID)
}

// Stop requests a graceful stop; in-flight node summaries settle,
// partial results stay in the graph.
func (s *Step) Stop(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Stop(jobID)
}

// Cancel aborts the job.
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

	jobID := s.tracker.Launch(ctx, func(ctx context.Context, report step.ProgressFunc) (step.Outcome, error) {
		return s.summarize(ctx, report, abs, cfg, incremental)
	})

	s.logger.Info("summarization scheduled",
		"repo", abs, "job_id", jobID, "incremental", incremental)
	return jobID, nil
}

func (s *Step) summarize(parentCtx context.Context, report step.ProgressFunc, repoPath string, cfg step.Config, incremental bool) (step.Outcome, error) {
	reporter := step.NewReporter(func(progress float64, message string) {
		report(progress, message)
		if s.push != nil {
			s.push(progress, message)
		}
	})
	reporter.Force(0, "loading code graph")

	timeout := cfg.Seconds("timeout", defaultTimeout)
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	started := time.Now()
	d, err := loadDAG(ctx, s.graph, repoPath, loadOptions{
		incremental:    incremental,
		ignorePatterns: cfg.Strings("ignore_patterns"),
	}, s.logger)
	if err != nil {
		return step.Outcome{}, err
	}
	if len(d.nodes) == 0 {
		return step.Outcome{Message: "nothing to summarize"}, nil
	}

	ext := newExtractor(repoPath, cfg.Int("max_tokens_per_file", 0))
	progress := newProgressTracker(d)
	exec := newExecutor(d, cfg.Int("max_concurrency", DefaultConcurrency), s.processNode(d, ext), s.logger)
	exec.onTerminal = func(n *Node) {
		progress.observe(n.Kind, n.status)
		reporter.Update(progress.percent(), progress.message())
	}

	reporter.Force(progress.percent(), fmt.Sprintf("summarizing %d nodes", len(d.nodes)))
	err = exec.Run(ctx)
	counts := progress.counts()
	if err != nil {
		if cserr.IsCancelled(err) && errors.Is(ctx.Err(), context.DeadlineExceeded) && parentCtx.Err() == nil {
			err = cserr.NewStepTimeout(stepName, timeout)
		}
		return step.Outcome{Counts: counts}, err
	}
	elapsed := time.Since(started)

	reporter.Force(97, "recording summarization results")
	jobID := cfg.JobID()
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if err := s.writeProcessingRecord(ctx, repoPath, jobID, counts, elapsed); err != nil {
		s.logger.Warn("processing record write failed", "error", err)
	}

	if counts["completed"] == 0 && counts["failed"] > 0 {
		return step.Outcome{Counts: counts},
			cserr.NewStepFailed(stepName, fmt.Sprintf("all %d nodes failed", counts["failed"]))
	}

	message := fmt.Sprintf("summarized %d of %d nodes", counts["completed"], counts["total"])
	if counts["failed"] > 0 {
		message += fmt.Sprintf(" (%d failed)", counts["failed"])
	}
	if counts["skipped"] > 0 {
		message += fmt.Sprintf(" (%d unchanged)", counts["skipped"])
	}
	s.logger.Info("summarization finished",
		"repo", repoPath, "completed", counts["completed"], "failed", counts["failed"],
		"skipped", counts["skipped"], "elapsed", elapsed)

	avg := 0.0
	if done := counts["completed"] + counts["failed"]; done > 0 {
		avg = elapsed.Seconds() / float64(done)
	}
	return step.Outcome{
		Message: message,
		Counts:  counts,
		Timing: map[string]float64{
			"elapsed_seconds":  elapsed.Seconds(),
			"avg_node_seconds": avg,
		},
	}, nil
}

// processNode returns the per-node worker body: extract, prompt, chat,
// write back.
func (s *Step) processNode(d *dag, ext *extractor) processFunc {
	return func(ctx context.Context, n *Node, children []childSummary) (string, error) {
		content, err := ext.extract(d, n)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", n.QualifiedName, err)
		}

		req := buildPrompt(n, content, children, 0)
		resp, err := s.llm.Chat(ctx, req)
		if err != nil {
			return "", fmt.Errorf("summarize %s: %w", n.QualifiedName, err)
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", fmt.Errorf("summarize %s: empty response", n.QualifiedName)
		}

		summaryID := newSummaryID()
		if err := writeSummary(ctx, s.graph, n, summaryID, text); err != nil {
			return "", fmt.Errorf("store summary for %s: %w", n.QualifiedName, err)
		}
		if err := attachEmbedding(ctx, s.graph, s.llm, summaryID, text); err != nil {
			s.logger.Warn("summary embedding skipped",
				"node", n.QualifiedName, "error", err)
		}
		if err := dumpAudit(ext.repoPath, n, summaryID, text, resp.Usage); err != nil {
			s.logger.Warn("summary audit dump failed",
				"node", n.QualifiedName, "error", err)
		}
		return text, nil
	}
}

func (s *Step) writeProcessingRecord(ctx context.Context, repoPath, jobID string, counts map[string]int, elapsed time.Duration) error {
	query := `MERGE (r:ProcessingRecord {step: $step, job_id: $job_id})
SET r.repository = $repository,
    r.total = $total,
    r.completed = $completed,
    r.failed = $failed,
    r.skipped = $skipped,
    r.elapsed_seconds = $elapsed_seconds,
    r.created_at = $created_at`
	params := map[string]any{
		"step":            stepName,
		"job_id":          jobID,
		"repository":      repoPath,
		"total":           counts["total"],
		"completed":       counts["completed"],
		"failed":          counts["failed"],
		"skipped":         counts["skipped"],
		"elapsed_seconds": elapsed.Seconds(),
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.graph.Execute(ctx, query, params, true)
	return err
}
