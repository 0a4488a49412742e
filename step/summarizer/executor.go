package summarizer

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/codestoryhq/codestory/cserr"
)

// DefaultConcurrency caps simultaneous summarization workers.
const DefaultConcurrency = 5

// processFunc summarizes one node and returns its summary text. The
// children slice carries the already-produced summaries of the node's
// dependencies.
type processFunc func(ctx context.Context, n *Node, children []childSummary) (string, error)

// executor drives nodes through the DAG bottom-up under a concurrency
// cap. A node is dispatched only once every dependency reached a
// terminal status; failures terminalize the node without blocking its
// dependents.
type executor struct {
	dag     *dag
	process processFunc
	logger  *slog.Logger

	maxConcurrent int
	onTerminal    func(n *Node) // progress hook, called outside the lock

	mu    sync.Mutex
	unmet []int
}

func newExecutor(d *dag, maxConcurrent int, process processFunc, logger *slog.Logger) *executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &executor{
		dag:           d,
		process:       process,
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// Run processes every node to a terminal status. It returns a
// cancellation error when the context dies first; per-node failures
// are not errors at this level.
func (e *executor) Run(ctx context.Context) error {
	ready, remaining := e.prepare()
	if remaining == 0 {
		return nil
	}

	sem := make(chan struct{}, e.maxConcurrent)
	doneCh := make(chan int, len(e.dag.nodes))
	var wg sync.WaitGroup

	e.dispatch(ctx, ready, sem, doneCh, &wg)

	active := len(ready)
	for remaining > 0 {
		if active == 0 {
			// Queue drained with pending nodes left: dependency
			// record corruption. Terminalize the survivors.
			marked := e.failSurvivors()
			if marked == 0 {
				break
			}
			remaining -= marked
			continue
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return cserr.NewCancelledError("summarization")
		case idx := <-doneCh:
			active--
			remaining--
			newly := e.settle(idx)
			e.dispatch(ctx, newly, sem, doneCh, &wg)
			active += len(newly)
		}
	}
	wg.Wait()
	return nil
}

// prepare computes unmet dependency counts, marks dependency-free
// nodes READY, and returns them with the count of nodes still needing
// processing.
func (e *executor) prepare() ([]int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unmet = make([]int, len(e.dag.nodes))
	remaining := 0
	for idx, n := range e.dag.nodes {
		if n.status.terminal() {
			continue
		}
		remaining++
		for _, dep := range n.deps {
			if !e.dag.nodes[dep].status.terminal() {
				e.unmet[idx]++
			}
		}
	}

	var ready []int
	for idx, n := range e.dag.nodes {
		if !n.status.terminal() && e.unmet[idx] == 0 {
			n.status = NodeReady
			ready = append(ready, idx)
		}
	}
	return ready, remaining
}

// dispatch launches a worker per ready node. Workers gate on the
// semaphore, so at most maxConcurrent run at once.
func (e *executor) dispatch(ctx context.Context, ready []int, sem chan struct{}, doneCh chan<- int, wg *sync.WaitGroup) {
	for _, idx := range ready {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { doneCh <- idx }()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				e.setStatus(idx, NodeFailed, "")
				return
			}
			if ctx.Err() != nil {
				e.setStatus(idx, NodeFailed, "")
				return
			}

			if !e.claim(idx) {
				return
			}
			n := e.dag.nodes[idx]
			children := e.dependencySummaries(idx)
			summary, err := e.process(ctx, n, children)
			if err != nil {
				e.logger.Warn("node summarization failed",
					"kind", n.Kind, "node", n.QualifiedName, "error", err)
				e.setStatus(idx, NodeFailed, "")
				return
			}
			e.setStatus(idx, NodeCompleted, summary)
		}(idx)
	}
}

// claim transitions READY → PROCESSING exactly once.
func (e *executor) claim(idx int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dag.nodes[idx].status != NodeReady {
		return false
	}
	e.dag.nodes[idx].status = NodeProcessing
	return true
}

func (e *executor) setStatus(idx int, status NodeStatus, summary string) {
	e.mu.Lock()
	n := e.dag.nodes[idx]
	n.status = status
	if summary != "" {
		n.summary = summary
	}
	e.mu.Unlock()

	if e.onTerminal != nil && status.terminal() {
		e.onTerminal(n)
	}
}

// settle decrements dependents' unmet counts after idx terminalized
// and returns newly READY nodes. Failed dependencies unblock their
// dependents all the same; the failed summary is simply absent from
// the dependents' context.
func (e *executor) settle(idx int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var newly []int
	for _, dep := range e.dag.nodes[idx].dependents {
		n := e.dag.nodes[dep]
		if n.status.terminal() || n.status == NodeProcessing {
			continue
		}
		e.unmet[dep]--
		if e.unmet[dep] <= 0 && n.status == NodePending {
			n.status = NodeReady
			newly = append(newly, dep)
		}
	}
	sort.Ints(newly)
	return newly
}

// failSurvivors terminalizes nodes stranded by an unexpected stall and
// returns how many it marked.
func (e *executor) failSurvivors() int {
	e.mu.Lock()
	var stranded []*Node
	count := 0
	for _, n := range e.dag.nodes {
		if !n.status.terminal() {
			n.status = NodeFailed
			stranded = append(stranded, n)
			count++
		}
	}
	e.mu.Unlock()

	for _, n := range stranded {
		e.logger.Warn("node never became ready, marking failed",
			"kind", n.Kind, "node", n.QualifiedName)
		if e.onTerminal != nil {
			e.onTerminal(n)
		}
	}
	return count
}

// dependencySummaries collects the summaries of idx's terminalized
// dependencies for prompt context, in deterministic order.
func (e *executor) dependencySummaries(idx int) []childSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []childSummary
	for _, dep := range e.dag.nodes[idx].deps {
		n := e.dag.nodes[dep]
		if n.summary == "" {
			continue
		}
		out = append(out, childSummary{
			Kind: n.Kind,
			Name: n.QualifiedName,
			Text: n.summary,
		})
	}
	return out
}

// childSummary is one dependency's summary offered as prompt context.
type childSummary struct {
	Kind Kind
	Name string
	Text string
}

// statusCounts tallies node statuses per kind.
func (e *executor) statusCounts() map[NodeStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[NodeStatus]int)
	for _, n := range e.dag.nodes {
		out[n.status]++
	}
	return out
}
