package filesystem

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a repository for changes and invokes a callback
// with the batch of repo-relative paths that changed, after a debounce
// window. The service layer uses it to enqueue incremental ingestion
// runs while in watch mode.
type Watcher struct {
	repo     string
	rules    *Ruleset
	debounce time.Duration
	onBatch  func(paths []string)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewWatcher builds a watcher over repoPath. Ignored paths never reach
// the callback. A zero debounce defaults to two seconds.
func NewWatcher(repoPath string, rules *Ruleset, debounce time.Duration, onBatch func([]string), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = NewRuleset()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		repo:     repoPath,
		rules:    rules,
		debounce: debounce,
		onBatch:  onBatch,
		logger:   logger,
		fsw:      fsw,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start adds watches for every non-ignored directory and begins
// processing events until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatches(w.repo); err != nil {
		return err
	}
	go w.loop(ctx)
	w.logger.Info("repository watcher started", "repo", w.repo, "debounce", w.debounce)
	return nil
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) addWatches(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel := relPath(w.repo, p)
		if rel != "." && w.rules.Match(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("could not watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel := relPath(w.repo, event.Name)
	if rel == "." {
		return
	}

	// New directories need their own watch before events under them
	// can be seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.rules.Match(rel, true) {
				if err := w.fsw.Add(event.Name); err != nil {
					w.logger.Warn("could not watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}

	if w.rules.Match(rel, false) {
		return
	}

	w.pendingMu.Lock()
	w.pending[rel] = struct{}{}
	w.pendingMu.Unlock()
	w.logger.Debug("change detected", "path", rel, "op", event.Op.String())
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	if w.onBatch != nil {
		w.onBatch(paths)
	}
}
