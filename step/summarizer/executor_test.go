package summarizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/cserr"
)

// orderRecorder captures the order nodes were processed in.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

// chainDAG builds method <- class <- file <- dir <- repo, where each
// node depends on the one before it.
func chainDAG() *dag {
	d := newDAG()
	method := d.add(&Node{Kind: KindMethod, Name: "run", Module: "pkg.Job", QualifiedName: "pkg.Job.run"})
	class := d.add(&Node{Kind: KindClass, Name: "Job", Module: "pkg", QualifiedName: "pkg.Job"})
	file := d.add(&Node{Kind: KindFile, Path: "pkg/job.py", QualifiedName: "pkg/job.py"})
	dir := d.add(&Node{Kind: KindDirectory, Name: "pkg", Path: "pkg", QualifiedName: "pkg"})
	repo := d.add(&Node{Kind: KindRepository, Path: "/repo", QualifiedName: "repository root"})
	d.addDep(class, method)
	d.addDep(file, class)
	d.addDep(dir, file)
	d.addDep(repo, dir)
	d.sortEdges()
	return d
}

func TestExecutorProcessesBottomUp(t *testing.T) {
	d := chainDAG()
	rec := &orderRecorder{}
	exec := newExecutor(d, 2, func(_ context.Context, n *Node, _ []childSummary) (string, error) {
		rec.record(n.QualifiedName)
		return "summary of " + n.QualifiedName, nil
	}, discardLogger())

	require.NoError(t, exec.Run(context.Background()))

	want := []string{"pkg.Job.run", "pkg.Job", "pkg/job.py", "pkg", "repository root"}
	assert.Equal(t, want, rec.order)
	for _, n := range d.nodes {
		assert.Equal(t, NodeCompleted, n.status)
		assert.Equal(t, "summary of "+n.QualifiedName, n.summary)
	}
}

func TestExecutorRespectsConcurrencyCap(t *testing.T) {
	d := newDAG()
	for i := 0; i < 10; i++ {
		d.add(&Node{Kind: KindFile, Path: fmt.Sprintf("f%d.py", i), QualifiedName: fmt.Sprintf("f%d.py", i)})
	}

	var active, peak int64
	exec := newExecutor(d, 3, func(_ context.Context, _ *Node, _ []childSummary) (string, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return "done", nil
	}, discardLogger())

	require.NoError(t, exec.Run(context.Background()))

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Equal(t, 10, exec.statusCounts()[NodeCompleted])
}

func TestExecutorFailedDependencyUnblocksDependents(t *testing.T) {
	d := newDAG()
	good := d.add(&Node{Kind: KindClass, Name: "Good", Module: "m", QualifiedName: "m.Good"})
	bad := d.add(&Node{Kind: KindClass, Name: "Bad", Module: "m", QualifiedName: "m.Bad"})
	file := d.add(&Node{Kind: KindFile, Path: "m.py", QualifiedName: "m.py"})
	d.addDep(file, good)
	d.addDep(file, bad)
	d.sortEdges()

	var fileChildren []childSummary
	exec := newExecutor(d, 2, func(_ context.Context, n *Node, children []childSummary) (string, error) {
		switch n.QualifiedName {
		case "m.Bad":
			return "", fmt.Errorf("model refused")
		case "m.py":
			fileChildren = children
		}
		return "summary of " + n.QualifiedName, nil
	}, discardLogger())

	require.NoError(t, exec.Run(context.Background()))

	assert.Equal(t, NodeFailed, d.nodes[bad].status)
	assert.Equal(t, NodeCompleted, d.nodes[file].status, "a failed dependency must not block its dependents")
	require.Len(t, fileChildren, 1)
	assert.Equal(t, "m.Good", fileChildren[0].Name)
	assert.Equal(t, "summary of m.Good", fileChildren[0].Text)
}

func TestExecutorSkippedDependencyFeedsContext(t *testing.T) {
	d := newDAG()
	cached := d.add(&Node{Kind: KindFile, Path: "old.py", QualifiedName: "old.py"})
	dir := d.add(&Node{Kind: KindDirectory, Name: "src", Path: "src", QualifiedName: "src"})
	d.addDep(dir, cached)
	d.sortEdges()
	d.nodes[cached].status = NodeSkipped
	d.nodes[cached].summary = "cached summary"

	var processed []string
	var dirChildren []childSummary
	exec := newExecutor(d, 1, func(_ context.Context, n *Node, children []childSummary) (string, error) {
		processed = append(processed, n.QualifiedName)
		dirChildren = children
		return "fresh", nil
	}, discardLogger())

	require.NoError(t, exec.Run(context.Background()))

	assert.Equal(t, []string{"src"}, processed, "skipped nodes are not reprocessed")
	require.Len(t, dirChildren, 1)
	assert.Equal(t, "cached summary", dirChildren[0].Text)
}

func TestExecutorFailsSurvivorsOfStalledGraph(t *testing.T) {
	// An unbroken cycle never becomes ready; the executor must
	// terminalize it instead of hanging.
	d := newDAG()
	a := d.add(&Node{Kind: KindFile, Path: "a.py", QualifiedName: "a.py"})
	b := d.add(&Node{Kind: KindFile, Path: "b.py", QualifiedName: "b.py"})
	d.addDep(a, b)
	d.addDep(b, a)
	d.sortEdges()

	exec := newExecutor(d, 2, func(_ context.Context, _ *Node, _ []childSummary) (string, error) {
		t.Error("no node should be processed")
		return "", nil
	}, discardLogger())

	require.NoError(t, exec.Run(context.Background()))
	assert.Equal(t, NodeFailed, d.nodes[a].status)
	assert.Equal(t, NodeFailed, d.nodes[b].status)
}

func TestExecutorCancellation(t *testing.T) {
	d := newDAG()
	d.add(&Node{Kind: KindFile, Path: "slow.py", QualifiedName: "slow.py"})

	started := make(chan struct{})
	exec := newExecutor(d, 1, func(ctx context.Context, _ *Node, _ []childSummary) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := exec.Run(ctx)
	require.Error(t, err)
	assert.True(t, cserr.IsCancelled(err))
}

func TestExecutorTerminalHook(t *testing.T) {
	d := chainDAG()
	var statuses []NodeStatus
	exec := newExecutor(d, 1, func(_ context.Context, n *Node, _ []childSummary) (string, error) {
		if n.Kind == KindClass {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}, discardLogger())
	exec.onTerminal = func(n *Node) {
		statuses = append(statuses, n.status)
	}

	require.NoError(t, exec.Run(context.Background()))

	require.Len(t, statuses, len(d.nodes))
	failed := 0
	for _, s := range statuses {
		if s == NodeFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}
