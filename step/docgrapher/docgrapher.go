// Package docgrapher implements the documentation graphing step: it
// parses the documentation files recorded in the graph plus the
// docstrings in source files, extracts the code entities each document
// talks about, and links Documentation and DocumentationEntity nodes
// to the code graph with HAS_DOCUMENTATION, CONTAINS and DESCRIBES
// edges.
package docgrapher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/step"
)

const stepName = "docgrapher"

const defaultTimeout = 20 * time.Minute

func init() {
	step.Register(stepName, New)
}

// docDirs are directory names whose plain-text files count as
// documentation. Markup files count anywhere.
var docDirs = map[string]struct{}{
	"docs": {}, "doc": {}, "documentation": {}, "wiki": {},
}

// Step links documentation and docstrings into the code graph.
type Step struct {
	graph    step.GraphStore
	llm      step.ChatClient
	logger   *slog.Logger
	push     step.ProgressFunc
	tracker  *step.Tracker
	registry *Registry
}

// New builds the docgrapher from its dependencies. The LLM client is
// optional: without one, entity extraction stays heuristic and
// documents get no embeddings.
func New(deps step.Deps) (step.Step, error) {
	if deps.Graph == nil {
		return nil, cserr.NewConfigError(stepName, errors.New("graph store is required"))
	}
	return &Step{
		graph:    deps.Graph,
		llm:      deps.LLM,
		logger:   deps.Logger.With("step", stepName),
		push:     deps.Report,
		tracker:  step.NewTracker(stepName),
		registry: NewRegistry(),
	}, nil
}

// Name returns the registered step name.
func (s *Step) Name() string { return stepName }

// Run schedules documentation graphing for a repository.
func (s *Step) Run(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, false)
}

// IngestionUpdate schedules an incremental pass: documents whose
// content already matches the graph are skipped.
func (s *Step) IngestionUpdate(ctx context.Context, repoPath string, cfg step.Config) (string, error) {
	return s.launch(ctx, repoPath, cfg, true)
}

// Status reports the current state of a job.
func (s *Step) Status(_ context.Context, jobID string) (step.State, error) {
	return s.tracker.Status(jobID)
}

// Stop requests a graceful stop; documents already written stay.
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
		return s.graphDocs(ctx, report, abs, cfg, incremental)
	})

	s.logger.Info("documentation graphing scheduled",
		"repo", abs, "job_id", jobID, "incremental", incremental)
	return jobID, nil
}

// docTally aggregates what one run wrote.
type docTally struct {
	documents  int
	docstrings int
	entities   int
	links      int
	skipped    int
	failed     int
}

func (t docTally) counts() map[string]int {
	return map[string]int{
		"documents":  t.documents,
		"docstrings": t.docstrings,
		"entities":   t.entities,
		"links":      t.links,
		"skipped":    t.skipped,
		"failed":     t.failed,
	}
}

func (s *Step) graphDocs(parentCtx context.Context, report step.ProgressFunc, repoPath string, cfg step.Config, incremental bool) (step.Outcome, error) {
	reporter := step.NewReporter(func(progress float64, message string) {
		report(progress, message)
		if s.push != nil {
			s.push(progress, message)
		}
	})
	reporter.Force(0, "discovering documentation")

	timeout := cfg.Seconds("timeout", defaultTimeout)
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	started := time.Now()
	docFiles, pyFiles, err := s.discover(ctx, cfg.Strings("ignore_patterns"))
	if err != nil {
		return step.Outcome{}, err
	}
	if !cfg.Bool("parse_docstrings", true) {
		pyFiles = nil
	}
	if len(docFiles) == 0 && len(pyFiles) == 0 {
		return step.Outcome{Message: "no documentation found"}, nil
	}

	existing := map[string]string{}
	if incremental {
		if existing, err = existingDocs(ctx, s.graph); err != nil {
			return step.Outcome{}, err
		}
	}
	idx, err := loadCodeIndex(ctx, s.graph)
	if err != nil {
		return step.Outcome{}, err
	}

	useLLM := cfg.Bool("use_llm", false)
	if useLLM && s.llm == nil {
		s.logger.Warn("use_llm requested without an llm client, extraction stays heuristic")
		useLLM = false
	}

	w := &docWriter{graph: s.graph, llm: s.llm, logger: s.logger}
	var tally docTally

	reporter.Force(5, fmt.Sprintf("graphing %d documents", len(docFiles)))
	for i, rel := range docFiles {
		if ctx.Err() != nil {
			return step.Outcome{Counts: tally.counts()}, s.interrupted(parentCtx, ctx, timeout)
		}
		if err := s.processDocument(ctx, w, idx, repoPath, rel, useLLM, existing, &tally); err != nil {
			if ctx.Err() != nil {
				return step.Outcome{Counts: tally.counts()}, s.interrupted(parentCtx, ctx, timeout)
			}
			s.logger.Warn("document skipped", "path", rel, "error", err)
			tally.failed++
		}
		reporter.Update(5+65*float64(i+1)/float64(len(docFiles)),
			fmt.Sprintf("graphed %d/%d documents", i+1, len(docFiles)))
	}

	if len(pyFiles) > 0 {
		reporter.Force(70, fmt.Sprintf("parsing docstrings in %d files", len(pyFiles)))
		extractor := newDocstringExtractor()
		for i, rel := range pyFiles {
			if ctx.Err() != nil {
				return step.Outcome{Counts: tally.counts()}, s.interrupted(parentCtx, ctx, timeout)
			}
			if err := s.processDocstrings(ctx, w, idx, extractor, repoPath, rel, existing, &tally); err != nil {
				if ctx.Err() != nil {
					return step.Outcome{Counts: tally.counts()}, s.interrupted(parentCtx, ctx, timeout)
				}
				s.logger.Warn("docstrings skipped", "path", rel, "error", err)
				tally.failed++
			}
			reporter.Update(70+22*float64(i+1)/float64(len(pyFiles)),
				fmt.Sprintf("parsed docstrings in %d/%d files", i+1, len(pyFiles)))
		}
	}

	elapsed := time.Since(started)
	reporter.Force(97, "recording documentation results")
	jobID := cfg.JobID()
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if err := s.writeProcessingRecord(ctx, repoPath, jobID, tally, elapsed); err != nil {
		s.logger.Warn("processing record write failed", "error", err)
	}

	if tally.documents == 0 && tally.docstrings == 0 && tally.skipped == 0 && tally.failed > 0 {
		return step.Outcome{Counts: tally.counts()},
			cserr.NewStepFailed(stepName, fmt.Sprintf("all %d documents failed", tally.failed))
	}

	message := fmt.Sprintf("linked %d entities from %d documents and %d docstrings",
		tally.entities, tally.documents, tally.docstrings)
	if tally.skipped > 0 {
		message += fmt.Sprintf(" (%d unchanged)", tally.skipped)
	}
	if tally.failed > 0 {
		message += fmt.Sprintf(" (%d failed)", tally.failed)
	}
	s.logger.Info("documentation graphing finished",
		"repo", repoPath, "documents", tally.documents, "docstrings", tally.docstrings,
		"entities", tally.entities, "links", tally.links, "elapsed", elapsed)

	return step.Outcome{
		Message: message,
		Counts:  tally.counts(),
		Timing:  map[string]float64{"elapsed_seconds": elapsed.Seconds()},
	}, nil
}

// discover pulls the file inventory out of the graph and splits it
// into documentation files and Python sources. The filesystem step is
// the source of truth for what exists; the disk is only read for
// content.
func (s *Step) discover(ctx context.Context, ignorePatterns []string) (docFiles, pyFiles []string, err error) {
	records, err := s.graph.Execute(ctx,
		"MATCH (f:File) RETURN f.path AS path ORDER BY f.path", nil, false)
	if err != nil {
		return nil, nil, fmt.Errorf("list files: %w", err)
	}
	for _, rec := range records {
		rel, _ := rec["path"].(string)
		if rel == "" || matchesAny(ignorePatterns, rel) {
			continue
		}
		switch {
		case isDocPath(rel):
			docFiles = append(docFiles, rel)
		case strings.EqualFold(filepath.Ext(rel), ".py"):
			pyFiles = append(pyFiles, rel)
		}
	}
	return docFiles, pyFiles, nil
}

// isDocPath reports whether a repo-relative path is documentation.
// Markup formats count anywhere; plain text only under a doc directory.
func isDocPath(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".md", ".markdown", ".rst", ".html", ".htm":
		return true
	case ".txt":
		for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
			if _, ok := docDirs[strings.ToLower(seg)]; ok {
				return true
			}
		}
	}
	return false
}

func (s *Step) processDocument(ctx context.Context, w *docWriter, idx *codeIndex, repoPath, rel string, useLLM bool, existing map[string]string, tally *docTally) error {
	raw, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	doc, err := s.registry.Parse(rel, raw)
	if err != nil {
		return err
	}
	name := filepath.Base(rel)
	title := doc.Title
	if title == "" {
		title = name
	}

	if prior, ok := existing[docKey(rel, name)]; ok && prior == doc.Content {
		tally.skipped++
		return nil
	}

	var entities []docEntity
	if useLLM {
		entities, err = llmEntities(ctx, s.llm, doc)
		if err != nil {
			if cserr.IsCancelled(err) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("llm extraction failed, falling back to heuristic",
				"path", rel, "error", err)
			entities = heuristicEntities(doc)
		}
	} else {
		entities = heuristicEntities(doc)
	}

	if err := w.upsertDocumentation(ctx, rel, name, title, doc.ContentType, doc.Content); err != nil {
		return err
	}
	if s.llm != nil {
		if err := w.attachEmbedding(ctx, rel, name, doc.Content); err != nil {
			s.logger.Warn("document embedding skipped", "path", rel, "error", err)
		}
	}
	tally.documents++
	return s.writeEntities(ctx, w, idx, rel, name, entities, tally)
}

func (s *Step) processDocstrings(ctx context.Context, w *docWriter, idx *codeIndex, extractor *docstringExtractor, repoPath, rel string, existing map[string]string, tally *docTally) error {
	raw, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	docstrings, err := extractor.extract(ctx, rel, raw)
	if err != nil {
		return err
	}

	for _, d := range docstrings {
		if prior, ok := existing[docKey(rel, d.QualifiedName)]; ok && prior == d.Text {
			tally.skipped++
			continue
		}
		if err := w.upsertDocumentation(ctx, rel, d.QualifiedName, d.QualifiedName, "docstring", d.Text); err != nil {
			return err
		}
		tally.docstrings++

		// The docstring's owner is the entity it describes; its text
		// may reference further entities the heuristic can pick up.
		entities := append([]docEntity{{Name: d.QualifiedName, Type: d.Kind}},
			heuristicEntities(Document{Path: rel, Content: d.Text})...)
		if err := s.writeEntities(ctx, w, idx, rel, d.QualifiedName, entities, tally); err != nil {
			return err
		}
	}
	return nil
}

// writeEntities persists extracted entities and their DESCRIBES edges.
func (s *Step) writeEntities(ctx context.Context, w *docWriter, idx *codeIndex, docPath, docName string, entities []docEntity, tally *docTally) error {
	for _, e := range entities {
		if err := w.upsertEntity(ctx, docPath, docName, e); err != nil {
			return err
		}
		tally.entities++
		for _, ref := range idx.resolve(e.Name) {
			if err := w.linkDescribes(ctx, e.Name, ref); err != nil {
				return err
			}
			tally.links++
		}
	}
	return nil
}

// interrupted maps a dead context to the step error the caller should
// surface: a deadline that fired locally is a step timeout, anything
// else is a cancellation.
func (s *Step) interrupted(parentCtx, ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parentCtx.Err() == nil {
		return cserr.NewStepTimeout(stepName, timeout)
	}
	return cserr.NewCancelledError(stepName)
}

func (s *Step) writeProcessingRecord(ctx context.Context, repoPath, jobID string, tally docTally, elapsed time.Duration) error {
	query := `MERGE (r:ProcessingRecord {step: $step, job_id: $job_id})
SET r.repository = $repository,
    r.documents = $documents,
    r.docstrings = $docstrings,
    r.entities = $entities,
    r.links = $links,
    r.skipped = $skipped,
    r.failed = $failed,
    r.elapsed_seconds = $elapsed_seconds,
    r.created_at = $created_at`
	params := map[string]any{
		"step":            stepName,
		"job_id":          jobID,
		"repository":      repoPath,
		"documents":       tally.documents,
		"docstrings":      tally.docstrings,
		"entities":        tally.entities,
		"links":           tally.links,
		"skipped":         tally.skipped,
		"failed":          tally.failed,
		"elapsed_seconds": elapsed.Seconds(),
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.graph.Execute(ctx, query, params, true)
	return err
}

// matchesAny reports whether a repo-relative path matches any ignore
// pattern; bare patterns match at any depth.
func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(strings.TrimSpace(pattern), "/")
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") {
			pattern = "**/" + pattern
		}
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern+"/**", rel); err == nil && ok {
			return true
		}
	}
	return false
}
