package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codestoryhq/codestory/graph"
	"github.com/codestoryhq/codestory/step"
)

// rollingAvg accumulates write durations so per-item averages can be
// surfaced in timing metadata while a walk is still running.
type rollingAvg struct {
	total time.Duration
	items int
}

func (a *rollingAvg) add(d time.Duration, n int) {
	a.total += d
	a.items += n
}

// msPerItem returns the average milliseconds per written item.
func (a *rollingAvg) msPerItem() float64 {
	if a.items == 0 {
		return 0
	}
	return float64(a.total) / float64(time.Millisecond) / float64(a.items)
}

// graphWriter batches node and edge queries. Node batches always
// commit before the edge batches queued alongside them, so CONTAINS
// MERGEs find both endpoints. Independent chunks within one kind flush
// in parallel when concurrency allows it.
type graphWriter struct {
	graph       step.GraphStore
	batchSize   int
	concurrency int

	nodes   []graph.Query
	edges   []graph.Query
	deletes []graph.Query

	nodesWritten int
	edgesWritten int
	deleted      int
	nodeTime     rollingAvg
	edgeTime     rollingAvg
}

func newGraphWriter(g step.GraphStore, concurrency int) *graphWriter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &graphWriter{graph: g, batchSize: graph.DefaultBatchSize, concurrency: concurrency}
}

func (w *graphWriter) addNode(q graph.Query) { w.nodes = append(w.nodes, q) }
func (w *graphWriter) addEdge(q graph.Query) { w.edges = append(w.edges, q) }

// addDelete queues a detach-delete; deletions flush after the MERGE
// phases so they never race node writes.
func (w *graphWriter) addDelete(q graph.Query) {
	w.deletes = append(w.deletes, q)
}

// maybeFlush writes out the queues once enough work is pending to fill
// concurrency batches.
func (w *graphWriter) maybeFlush(ctx context.Context) error {
	if len(w.nodes)+len(w.edges)+len(w.deletes) < w.batchSize*w.concurrency {
		return nil
	}
	return w.flush(ctx)
}

func (w *graphWriter) flush(ctx context.Context) error {
	if err := w.writeChunks(ctx, w.nodes, &w.nodeTime, &w.nodesWritten); err != nil {
		return fmt.Errorf("write nodes: %w", err)
	}
	w.nodes = w.nodes[:0]

	if err := w.writeChunks(ctx, w.edges, &w.edgeTime, &w.edgesWritten); err != nil {
		return fmt.Errorf("write edges: %w", err)
	}
	w.edges = w.edges[:0]

	var delTime rollingAvg
	if err := w.writeChunks(ctx, w.deletes, &delTime, &w.deleted); err != nil {
		return fmt.Errorf("delete vanished nodes: %w", err)
	}
	w.deletes = w.deletes[:0]
	return nil
}

func (w *graphWriter) writeChunks(ctx context.Context, queries []graph.Query, timing *rollingAvg, written *int) error {
	if len(queries) == 0 {
		return nil
	}

	chunks := graph.ChunkQueries(queries, w.batchSize)
	if w.concurrency == 1 || len(chunks) == 1 {
		for _, chunk := range chunks {
			start := time.Now()
			if err := w.graph.ExecuteMany(ctx, chunk, true); err != nil {
				return err
			}
			timing.add(time.Since(start), len(chunk))
			*written += len(chunk)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	var mu sync.Mutex
	for _, chunk := range chunks {
		g.Go(func() error {
			start := time.Now()
			if err := w.graph.ExecuteMany(gctx, chunk, true); err != nil {
				return err
			}
			mu.Lock()
			timing.add(time.Since(start), len(chunk))
			*written += len(chunk)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// timing returns the rolling write averages in milliseconds.
func (w *graphWriter) timing() map[string]float64 {
	return map[string]float64{
		"node_avg_ms": w.nodeTime.msPerItem(),
		"edge_avg_ms": w.edgeTime.msPerItem(),
	}
}

// directoryQueries builds the MERGE for a Directory node plus its
// CONTAINS edge from the parent.
func directoryQueries(repoPath, rel string) (graph.Query, graph.Query) {
	node := graph.Query{
		Text:   "MERGE (d:Directory {path: $path}) SET d.name = $name",
		Params: map[string]any{"path": rel, "name": path.Base(rel)},
	}
	return node, containsEdge(repoPath, rel, "Directory")
}

// fileQueries builds the MERGE for a File node plus its CONTAINS edge.
func fileQueries(repoPath, rel string, info fs.FileInfo) (graph.Query, graph.Query) {
	name := path.Base(rel)
	var extension any
	if ext := fileExtension(name); ext != "" {
		extension = ext
	}
	node := graph.Query{
		Text: "MERGE (f:File {path: $path}) " +
			"SET f.name = $name, f.extension = $extension, f.size = $size, f.modified_unix = $modified",
		Params: map[string]any{
			"path":      rel,
			"name":      name,
			"extension": extension,
			"size":      info.Size(),
			"modified":  info.ModTime().Unix(),
		},
	}
	return node, containsEdge(repoPath, rel, "File")
}

// containsEdge links an item to its parent directory, or to the
// Repository for root children.
func containsEdge(repoPath, rel, childLabel string) graph.Query {
	parent := path.Dir(rel)
	if parent == "." {
		return graph.Query{
			Text: fmt.Sprintf(
				"MATCH (r:Repository {path: $repo}), (c:%s {path: $child}) MERGE (r)-[:CONTAINS]->(c)",
				childLabel),
			Params: map[string]any{"repo": repoPath, "child": rel},
		}
	}
	return graph.Query{
		Text: fmt.Sprintf(
			"MATCH (p:Directory {path: $parent}), (c:%s {path: $child}) MERGE (p)-[:CONTAINS]->(c)",
			childLabel),
		Params: map[string]any{"parent": parent, "child": rel},
	}
}

// deleteQuery removes a vanished node and any summary hanging off it.
func deleteQuery(label, rel string) graph.Query {
	return graph.Query{
		Text: fmt.Sprintf(
			"MATCH (n:%s {path: $path}) OPTIONAL MATCH (n)-[:HAS_SUMMARY]->(s:Summary) DETACH DELETE n, s",
			label),
		Params: map[string]any{"path": rel},
	}
}

// fileExtension returns the lowercase suffix after the last dot, or ""
// when the name has none. A leading dot alone does not start an
// extension, so dotfiles like .gitignore have no extension.
func fileExtension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
