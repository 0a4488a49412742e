package filesystem

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherBatchesChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	var mu sync.Mutex
	var batches [][]string
	onBatch := func(paths []string) {
		mu.Lock()
		batches = append(batches, paths)
		mu.Unlock()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWatcher(root, NewRuleset(), 50*time.Millisecond, onBatch, logger)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Let the watches settle before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "noise.log"), []byte("ignored"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, batch := range batches {
			for _, p := range batch {
				if p == "src/main.go" {
					return true
				}
			}
		}
		return false
	}, 3*time.Second, 25*time.Millisecond, "expected a batch containing src/main.go")

	mu.Lock()
	defer mu.Unlock()
	for _, batch := range batches {
		assert.NotContains(t, batch, "noise.log", "ignored files never reach the callback")
	}
}

func TestWatcherFlushEmptyIsNoop(t *testing.T) {
	root := t.TempDir()
	called := false
	w, err := NewWatcher(root, nil, time.Second, func([]string) { called = true }, nil)
	require.NoError(t, err)
	defer w.Close()

	w.flush()
	assert.False(t, called)
}

func TestWatcherDefaults(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 2*time.Second, w.debounce)
	assert.NotNil(t, w.rules)
}
