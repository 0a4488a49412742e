// Package filesystem implements the walk step: it mirrors a
// repository's directory tree into the graph as Directory and File
// nodes joined by CONTAINS edges rooted at the Repository.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/step"
)

const stepName = "filesystem"

func init() {
	step.Register(stepName, New)
}

// Step walks repositories into the graph.
type Step struct {
	graph   step.GraphStore
	logger  *slog.Logger
	push    step.ProgressFunc
	tracker *step.Tracker
}

// New builds the filesystem step from its dependencies.
func New(deps step.Deps) (step.Step, error) {
	if deps.Graph == nil {
		return nil, cserr.NewConfigError("filesystem", errors.New("graph store is required"))
	}
	return &Step{
		graph:   deps.Graph,
		logger:  deps.Logger.With("step", stepName),
		push:    deps.Report,
		tracker: step.NewTracker(stepName),
	}, nil
}

// Name returns the registered step name.
func (s *Step) Name() string { return stepName }

// Run schedules a full walk of the repository.
func (s *Step) Run(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, false)
}

// IngestionUpdate schedules an incremental walk: unchanged files are
// skipped and vanished paths are removed from the graph.
func (s *Step) IngestionUpdate(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, true)
}

// Status reports the current state of a job.
func (s *Step) Status(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Status(jobID)
}

// Stop requests a graceful stop.
func (s *Step) Stop(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Stop(jobID)
}

// Cancel aborts the walk.
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

	rules := NewRuleset()
	if err := rules.LoadGitignore(abs); err != nil {
		s.logger.Warn("could not read .gitignore", "repo", abs, "error", err)
	}
	rules.AddPatterns(cfg.Strings("ignore_patterns"))

	jobID := s.tracker.Launch(ctx, func(ctx context.Context, report step.ProgressFunc) (step.Outcome, error) {
		return s.walk(ctx, report, abs, rules, cfg, incremental)
	})

	s.logger.Info("filesystem walk scheduled",
		"repo", abs, "job_id", jobID, "incremental", incremental)
	return jobID, nil
}

// snapshot is the graph's current view of the repository, loaded for
// incremental walks.
type snapshot struct {
	files map[string]fileStamp
	dirs  map[string]bool
}

type fileStamp struct {
	size     int64
	modified int64
}

func (s *Step) walk(ctx context.Context, report step.ProgressFunc, repoPath string, rules *Ruleset, cfg step.Config, incremental bool) (step.Outcome, error) {
	reporter := step.NewReporter(func(progress float64, message string) {
		report(progress, message)
		if s.push != nil {
			s.push(progress, message)
		}
	})
	reporter.Force(0, "scanning repository")

	maxDepth := cfg.Int("max_depth", 0)
	include := extensionSet(cfg.Strings("include_extensions"))
	writer := newGraphWriter(s.graph, cfg.Int("concurrency", 1))

	if _, err := s.graph.Execute(ctx,
		"MERGE (r:Repository {path: $path}) SET r.name = $name",
		map[string]any{"path": repoPath, "name": filepath.Base(repoPath)}, true); err != nil {
		return step.Outcome{}, fmt.Errorf("write repository node: %w", err)
	}

	var existing *snapshot
	if incremental {
		snap, err := s.loadSnapshot(ctx)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("load graph snapshot: %w", err)
		}
		existing = snap
	}

	total := countEntries(repoPath, rules, maxDepth)

	var (
		visited, dirs, files, skipped, unchanged int
		seenFiles                                = map[string]bool{}
		seenDirs                                 = map[string]bool{}
	)
	progress := func() float64 {
		if total == 0 {
			return 5
		}
		return 5 + 90*float64(visited)/float64(total)
	}

	walkErr := filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("walk error, skipping", "path", p, "error", err)
			skipped++
			return nil
		}

		rel := relPath(repoPath, p)
		if rel == "." {
			return nil
		}
		depth := pathDepth(rel)

		if d.IsDir() {
			if rules.Match(rel, true) {
				skipped++
				return fs.SkipDir
			}
			visited++
			if incremental && existing.dirs[rel] {
				seenDirs[rel] = true
			} else {
				node, edge := directoryQueries(repoPath, rel)
				writer.addNode(node)
				writer.addEdge(edge)
				dirs++
				seenDirs[rel] = true
			}
			reporter.Force(progress(), "walking "+rel)
			if maxDepth > 0 && depth >= maxDepth {
				return fs.SkipDir
			}
			return writer.maybeFlush(ctx)
		}

		visited++
		switch {
		case !d.Type().IsRegular():
			skipped++
		case rules.Match(rel, false):
			skipped++
		case len(include) > 0 && !include[fileExtension(d.Name())]:
			skipped++
		default:
			info, err := d.Info()
			if err != nil {
				s.logger.Warn("stat failed, skipping file", "path", rel, "error", err)
				skipped++
				break
			}
			seenFiles[rel] = true
			if incremental && existing.unchanged(rel, info) {
				unchanged++
				break
			}
			node, edge := fileQueries(repoPath, rel, info)
			writer.addNode(node)
			writer.addEdge(edge)
			files++
		}

		reporter.Update(progress(), fmt.Sprintf("%d/%d items", visited, total))
		return writer.maybeFlush(ctx)
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return step.Outcome{}, cserr.NewCancelledError("filesystem walk")
		}
		return step.Outcome{}, walkErr
	}

	deleted := 0
	if incremental {
		for rel := range existing.files {
			if !seenFiles[rel] {
				writer.addDelete(deleteQuery("File", rel))
				deleted++
			}
		}
		for rel := range existing.dirs {
			if !seenDirs[rel] {
				writer.addDelete(deleteQuery("Directory", rel))
				deleted++
			}
		}
	}

	if err := writer.flush(ctx); err != nil {
		return step.Outcome{}, err
	}

	reporter.Force(97, "writing processing record")
	counts := map[string]int{
		"directories": dirs,
		"files":       files,
		"edges":       writer.edgesWritten,
		"skipped":     skipped,
	}
	if incremental {
		counts["unchanged"] = unchanged
		counts["deleted"] = deleted
	}
	outcome := step.Outcome{
		Message: fmt.Sprintf("walked %d directories, %d files", dirs, files),
		Counts:  counts,
		Timing:  writer.timing(),
	}

	if err := s.writeProcessingRecord(ctx, repoPath, cfg, outcome); err != nil {
		return outcome, fmt.Errorf("write processing record: %w", err)
	}
	reporter.Force(100, outcome.Message)

	s.logger.Info("filesystem walk finished",
		"repo", repoPath,
		"directories", dirs,
		"files", files,
		"skipped", skipped,
		"incremental", incremental)
	return outcome, nil
}

// loadSnapshot reads the File and Directory paths currently in the
// graph along with the stamps used for change detection.
func (s *Step) loadSnapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{files: map[string]fileStamp{}, dirs: map[string]bool{}}

	records, err := s.graph.Execute(ctx,
		"MATCH (f:File) RETURN f.path AS path, f.size AS size, f.modified_unix AS modified",
		nil, false)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		p, _ := rec["path"].(string)
		if p == "" {
			continue
		}
		snap.files[p] = fileStamp{size: asInt64(rec["size"]), modified: asInt64(rec["modified"])}
	}

	records, err = s.graph.Execute(ctx, "MATCH (d:Directory) RETURN d.path AS path", nil, false)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if p, _ := rec["path"].(string); p != "" {
			snap.dirs[p] = true
		}
	}
	return snap, nil
}

func (s *snapshot) unchanged(rel string, info fs.FileInfo) bool {
	stamp, ok := s.files[rel]
	return ok && stamp.size == info.Size() && stamp.modified == info.ModTime().Unix()
}

func (s *Step) writeProcessingRecord(ctx context.Context, repoPath string, cfg step.Config, out step.Outcome) error {
	jobID := cfg.JobID()
	if jobID == "" {
		jobID = uuid.NewString()
	}
	_, err := s.graph.Execute(ctx,
		`MERGE (p:ProcessingRecord {step: $step, job_id: $job_id})
SET p.repository = $repository, p.directories = $directories, p.files = $files,
    p.edges = $edges, p.skipped = $skipped,
    p.node_avg_ms = $node_avg_ms, p.edge_avg_ms = $edge_avg_ms,
    p.created_at = $created_at`,
		map[string]any{
			"step":        stepName,
			"job_id":      jobID,
			"repository":  repoPath,
			"directories": out.Counts["directories"],
			"files":       out.Counts["files"],
			"edges":       out.Counts["edges"],
			"skipped":     out.Counts["skipped"],
			"node_avg_ms": out.Timing["node_avg_ms"],
			"edge_avg_ms": out.Timing["edge_avg_ms"],
			"created_at":  time.Now().UTC().Format(time.RFC3339),
		}, true)
	return err
}

// countEntries pre-walks the tree applying the same pruning as the
// real pass so progress has a denominator.
func countEntries(root string, rules *Ruleset, maxDepth int) int {
	total := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel := relPath(root, p)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if rules.Match(rel, true) {
				return fs.SkipDir
			}
			total++
			if maxDepth > 0 && pathDepth(rel) >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		total++
		return nil
	})
	return total
}

func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "."
	}
	return filepath.ToSlash(rel)
}

func pathDepth(rel string) int {
	return strings.Count(rel, "/") + 1
}

func extensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return set
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
