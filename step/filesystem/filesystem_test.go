package filesystem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/graph"
	"github.com/codestoryhq/codestory/step"
)

// fakeGraph records every query and serves scripted snapshot reads.
type fakeGraph struct {
	mu      sync.Mutex
	execs   []graph.Query
	batched []graph.Query
	files   []graph.Record // MATCH (f:File) response
	dirs    []graph.Record // MATCH (d:Directory) response
	failOn  string         // queries containing this substring error
}

func (f *fakeGraph) Execute(_ context.Context, query string, params map[string]any, _ bool) ([]graph.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return nil, errors.New("graph unavailable")
	}
	f.execs = append(f.execs, graph.Query{Text: query, Params: params})
	switch {
	case strings.Contains(query, "(f:File)"):
		return f.files, nil
	case strings.Contains(query, "(d:Directory)"):
		return f.dirs, nil
	}
	return nil, nil
}

func (f *fakeGraph) ExecuteMany(_ context.Context, queries []graph.Query, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range queries {
		if f.failOn != "" && strings.Contains(q.Text, f.failOn) {
			return errors.New("graph unavailable")
		}
	}
	f.batched = append(f.batched, append([]graph.Query(nil), queries...)...)
	return nil
}

// mergedPaths collects the path parameter of every batched query whose
// text contains marker.
func (f *fakeGraph) mergedPaths(marker, param string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, q := range f.batched {
		if strings.Contains(q.Text, marker) {
			if p, ok := q.Params[param].(string); ok {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func (f *fakeGraph) execContaining(marker string) *graph.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.execs {
		if strings.Contains(f.execs[i].Text, marker) {
			return &f.execs[i]
		}
	}
	return nil
}

func newTestStep(t *testing.T, g *fakeGraph) *Step {
	t.Helper()
	st, err := New(step.Deps{
		Graph:  g,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return st.(*Step)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func runAndWait(t *testing.T, s *Step, run func() (string, error)) step.State {
	t.Helper()
	jobID, err := run()
	require.NoError(t, err)
	state, err := s.tracker.Wait(context.Background(), jobID)
	require.NoError(t, err)
	return state
}

func TestRunWalksRepository(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"README.md":            "# readme",
		"src/main.py":          "print('hi')",
		"src/util/helpers.py":  "pass",
		"src/cache.pyc":        "binary",
		".git/config":          "[core]",
		"node_modules/x/i.js":  "x",
		"logs/debug.log":       "noise",
	})

	g := &fakeGraph{}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.Run(context.Background(), root, nil)
	})

	assert.Equal(t, step.StatusCompleted, state.Status)
	assert.Equal(t, float64(100), state.Progress)

	assert.ElementsMatch(t,
		[]string{"README.md", "src/main.py", "src/util/helpers.py"},
		g.mergedPaths("MERGE (f:File", "path"))
	assert.ElementsMatch(t,
		[]string{"src", "src/util", "logs"},
		g.mergedPaths("MERGE (d:Directory", "path"))

	// Root children hang off the Repository, nested ones off their parent.
	rootChildren := g.mergedPaths("(r:Repository", "child")
	assert.Contains(t, rootChildren, "README.md")
	assert.Contains(t, rootChildren, "src")
	nested := g.mergedPaths("(p:Directory", "child")
	assert.Contains(t, nested, "src/main.py")
	assert.Contains(t, nested, "src/util/helpers.py")

	repo := g.execContaining("MERGE (r:Repository")
	require.NotNil(t, repo)
	assert.Equal(t, root, repo.Params["path"])

	record := g.execContaining("ProcessingRecord")
	require.NotNil(t, record)
	assert.Equal(t, "filesystem", record.Params["step"])
	assert.Equal(t, 3, record.Params["files"])

	assert.Equal(t, 3, state.Counts["directories"])
	assert.Equal(t, 3, state.Counts["files"])
	assert.Equal(t, 6, state.Counts["edges"])
	assert.Equal(t, 4, state.Counts["skipped"]) // .pyc, .log, .git/, node_modules/
	assert.Contains(t, state.Timing, "node_avg_ms")
	assert.Contains(t, state.Timing, "edge_avg_ms")
}

func TestRunHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":     "secret/\n!keep.log\n",
		"secret/key.txt": "shh",
		"app.log":        "noise",
		"keep.log":       "kept by negation",
		"main.go":        "package main",
	})

	g := &fakeGraph{}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.Run(context.Background(), root, nil)
	})

	require.Equal(t, step.StatusCompleted, state.Status)
	assert.ElementsMatch(t,
		[]string{".gitignore", "keep.log", "main.go"},
		g.mergedPaths("MERGE (f:File", "path"))
	assert.Empty(t, g.mergedPaths("MERGE (d:Directory", "path"))
}

func TestRunConfigIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"docs/guide.md": "g",
		"main.go":       "package main",
		"scratch.bak":   "b",
	})

	g := &fakeGraph{}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.Run(context.Background(), root, step.Config{
			"ignore_patterns": []string{"docs/", "*.bak"},
		})
	})

	require.Equal(t, step.StatusCompleted, state.Status)
	assert.ElementsMatch(t, []string{"main.go"}, g.mergedPaths("MERGE (f:File", "path"))
}

func TestRunMaxDepthAndIncludeExtensions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"root.md":        "r",
		"a/top.txt":      "t",
		"a/skip.bin":     "b",
		"a/b/c/deep.txt": "d",
	})

	g := &fakeGraph{}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.Run(context.Background(), root, step.Config{
			"max_depth":          2,
			"include_extensions": []string{".md", "txt"},
		})
	})

	require.Equal(t, step.StatusCompleted, state.Status)
	assert.ElementsMatch(t, []string{"root.md", "a/top.txt"}, g.mergedPaths("MERGE (f:File", "path"))
	assert.ElementsMatch(t, []string{"a", "a/b"}, g.mergedPaths("MERGE (d:Directory", "path"))
}

func TestIngestionUpdateSkipsUnchangedAndDeletesVanished(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"same.txt":    "unchanged contents",
		"changed.txt": "new contents",
	})

	sameInfo, err := os.Stat(filepath.Join(root, "same.txt"))
	require.NoError(t, err)

	g := &fakeGraph{
		files: []graph.Record{
			{"path": "same.txt", "size": sameInfo.Size(), "modified": sameInfo.ModTime().Unix()},
			{"path": "changed.txt", "size": int64(1), "modified": int64(1)},
			{"path": "gone.txt", "size": int64(5), "modified": int64(5)},
		},
		dirs: []graph.Record{
			{"path": "olddir"},
		},
	}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.IngestionUpdate(context.Background(), root, nil)
	})

	require.Equal(t, step.StatusCompleted, state.Status)
	assert.Equal(t, 1, state.Counts["unchanged"])
	assert.Equal(t, 1, state.Counts["files"], "only the changed file is rewritten")
	assert.Equal(t, 2, state.Counts["deleted"])

	assert.ElementsMatch(t, []string{"changed.txt"}, g.mergedPaths("MERGE (f:File", "path"))
	assert.ElementsMatch(t, []string{"gone.txt"}, g.mergedPaths("MATCH (n:File", "path"))
	assert.ElementsMatch(t, []string{"olddir"}, g.mergedPaths("MATCH (n:Directory", "path"))
}

func TestRunFailsOnGraphWriteError(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"main.go": "package main"})

	g := &fakeGraph{failOn: "MERGE (f:File"}
	s := newTestStep(t, g)

	state := runAndWait(t, s, func() (string, error) {
		return s.Run(context.Background(), root, nil)
	})

	assert.Equal(t, step.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "write nodes")
}

func TestRunRejectsBadRepoPath(t *testing.T) {
	g := &fakeGraph{}
	s := newTestStep(t, g)

	_, err := s.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = s.Run(context.Background(), file, nil)
	assert.Error(t, err)
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"main.go", "go"},
		{"archive.tar.gz", "gz"},
		{"UPPER.PY", "py"},
		{"README", ""},
		{".gitignore", ""},
		{"trailing.", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fileExtension(tt.name), "name %q", tt.name)
	}
}
