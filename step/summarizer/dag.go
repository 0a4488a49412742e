package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/codestoryhq/codestory/step"
)

// Kind classifies a summarizable node.
type Kind string

const (
	KindRepository Kind = "repository"
	KindDirectory  Kind = "directory"
	KindFile       Kind = "file"
	KindModule     Kind = "module"
	KindClass      Kind = "class"
	KindMethod     Kind = "method"
	KindFunction   Kind = "function"
)

// priority orders cycle-break victims: when a dependency cycle must be
// broken, the member with the highest (priority, qualified name) loses
// its in-cycle dependencies first.
func (k Kind) priority() int {
	switch k {
	case KindRepository:
		return 7
	case KindDirectory:
		return 6
	case KindFile:
		return 5
	case KindModule:
		return 4
	case KindClass:
		return 3
	case KindMethod:
		return 2
	case KindFunction:
		return 1
	}
	return 0
}

// NodeStatus is the per-node processing state.
type NodeStatus string

const (
	NodePending    NodeStatus = "PENDING"
	NodeReady      NodeStatus = "READY"
	NodeProcessing NodeStatus = "PROCESSING"
	NodeCompleted  NodeStatus = "COMPLETED"
	NodeFailed     NodeStatus = "FAILED"
	NodeSkipped    NodeStatus = "SKIPPED"
)

// terminal reports whether the status unblocks dependents.
func (s NodeStatus) terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// Node is one summarizable entity loaded from the graph. Edges are
// arena indexes: deps must reach a terminal status before the node
// runs; dependents are the reverse.
type Node struct {
	Kind          Kind
	Name          string
	Module        string
	QualifiedName string
	Path          string // repo-relative for fs nodes, containing file for code nodes
	StartLine     int
	EndLine       int
	Docstring     string
	Parents       []string // INHERITS_FROM ancestors, classes only
	MethodNames   []string // contained methods, classes only

	deps       []int
	dependents []int
	children   []int // structural children, for directory listings and skip cascades

	status  NodeStatus
	summary string
}

// key is the arena index key for a node identity.
func nodeKey(kind Kind, name, module, p string) string {
	switch kind {
	case KindRepository, KindDirectory, KindFile:
		return string(kind) + "|" + p
	case KindModule:
		return string(kind) + "|" + name
	default:
		return string(kind) + "|" + qualifiedName(module, name)
	}
}

func qualifiedName(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

// dag is the dependency graph over summarizable nodes. It is built
// once by loadDAG; the executor owns all runtime mutation.
type dag struct {
	nodes []*Node
	index map[string]int

	totalDirs  int
	totalFiles int
	topLevel   []string // top-level directory names for repository context
}

func newDAG() *dag {
	return &dag{index: make(map[string]int)}
}

func (d *dag) add(n *Node) int {
	key := nodeKey(n.Kind, n.Name, n.Module, n.Path)
	if idx, ok := d.index[key]; ok {
		return idx
	}
	n.status = NodePending
	d.nodes = append(d.nodes, n)
	idx := len(d.nodes) - 1
	d.index[key] = idx
	return idx
}

func (d *dag) lookup(kind Kind, name, module, p string) (int, bool) {
	idx, ok := d.index[nodeKey(kind, name, module, p)]
	return idx, ok
}

// addDep records that nodes[from] depends on nodes[to]: to must be
// summarized first.
func (d *dag) addDep(from, to int) {
	if from == to {
		return
	}
	for _, existing := range d.nodes[from].deps {
		if existing == to {
			return
		}
	}
	d.nodes[from].deps = append(d.nodes[from].deps, to)
	d.nodes[to].dependents = append(d.nodes[to].dependents, from)
}

// addChild records structural containment alongside the dependency.
func (d *dag) addChild(parent, child int) {
	d.addDep(parent, child)
	d.nodes[parent].children = append(d.nodes[parent].children, child)
}

// sortEdges makes edge iteration order deterministic.
func (d *dag) sortEdges() {
	for _, n := range d.nodes {
		sort.Ints(n.deps)
		sort.Ints(n.dependents)
		sort.Ints(n.children)
		sort.Strings(n.Parents)
		sort.Strings(n.MethodNames)
	}
}

// loadOptions shape a DAG load.
type loadOptions struct {
	incremental    bool
	ignorePatterns []string
}

// loadDAG reads the code graph and assembles the bottom-up dependency
// DAG: every structural parent depends on its children, files depend
// on their imports, classes on their ancestors. The result is acyclic;
// cycles found in the source data are broken deterministically.
func loadDAG(ctx context.Context, g step.GraphStore, repoPath string, opts loadOptions, logger *slog.Logger) (*dag, error) {
	d := newDAG()

	repoIdx := -1
	records, err := g.Execute(ctx, "MATCH (r:Repository {path: $path}) RETURN r.path AS path LIMIT 1",
		map[string]any{"path": repoPath}, false)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		repoIdx = d.add(&Node{Kind: KindRepository, Path: asString(records[0]["path"]), QualifiedName: "repository root"})
	}

	records, err = g.Execute(ctx, "MATCH (d:Directory) RETURN d.path AS path, d.name AS name ORDER BY path", nil, false)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		p := asString(rec["path"])
		d.add(&Node{Kind: KindDirectory, Name: asString(rec["name"]), Path: p, QualifiedName: p})
		d.totalDirs++
	}

	records, err = g.Execute(ctx, "MATCH (f:File) RETURN f.path AS path, f.name AS name ORDER BY path", nil, false)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		p := asString(rec["path"])
		d.add(&Node{Kind: KindFile, Name: asString(rec["name"]), Path: p, QualifiedName: p})
		d.totalFiles++
	}

	records, err = g.Execute(ctx, "MATCH (m:Module) RETURN m.name AS name, m.path AS path ORDER BY name", nil, false)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		name := asString(rec["name"])
		d.add(&Node{Kind: KindModule, Name: name, Path: asString(rec["path"]), QualifiedName: name})
	}

	for kind, label := range map[Kind]string{KindClass: "Class", KindFunction: "Function", KindMethod: "Method"} {
		query := fmt.Sprintf(`MATCH (n:%s)
RETURN n.name AS name, n.module AS module, n.path AS path,
       n.start_line AS start_line, n.end_line AS end_line, n.docstring AS docstring
ORDER BY module, name`, label)
		records, err = g.Execute(ctx, query, nil, false)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			name := asString(rec["name"])
			module := asString(rec["module"])
			d.add(&Node{
				Kind:          kind,
				Name:          name,
				Module:        module,
				Path:          asString(rec["path"]),
				StartLine:     asInt(rec["start_line"]),
				EndLine:       asInt(rec["end_line"]),
				Docstring:     asString(rec["docstring"]),
				QualifiedName: qualifiedName(module, name),
			})
		}
	}

	if err := d.loadContainment(ctx, g, repoIdx); err != nil {
		return nil, err
	}
	if err := d.loadImports(ctx, g); err != nil {
		return nil, err
	}
	if err := d.loadInheritance(ctx, g); err != nil {
		return nil, err
	}

	d.sortEdges()
	d.breakCycles(logger)

	if len(opts.ignorePatterns) > 0 {
		d.skipMatching(opts.ignorePatterns, logger)
	}
	if opts.incremental {
		if err := d.skipUnaffected(ctx, g, logger); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// loadContainment wires CONTAINS edges: the parent depends on each
// child so children summarize first.
func (d *dag) loadContainment(ctx context.Context, g step.GraphStore, repoIdx int) error {
	query := `MATCH (p)-[:CONTAINS]->(c)
RETURN labels(p) AS plabels, p.path AS ppath, p.name AS pname, p.module AS pmodule,
       labels(c) AS clabels, c.path AS cpath, c.name AS cname, c.module AS cmodule`
	records, err := g.Execute(ctx, query, nil, false)
	if err != nil {
		return err
	}
	for _, rec := range records {
		parent, ok := d.lookupByRecord(rec, "plabels", "pname", "pmodule", "ppath")
		if !ok {
			continue
		}
		child, ok := d.lookupByRecord(rec, "clabels", "cname", "cmodule", "cpath")
		if !ok {
			continue
		}
		d.addChild(parent, child)
		if d.nodes[parent].Kind == KindClass && d.nodes[child].Kind == KindMethod {
			d.nodes[parent].MethodNames = append(d.nodes[parent].MethodNames, d.nodes[child].Name)
		}
	}

	// Top-level directory names feed the repository prompt.
	if repoIdx >= 0 {
		for _, child := range d.nodes[repoIdx].children {
			if d.nodes[child].Kind == KindDirectory {
				d.topLevel = append(d.topLevel, d.nodes[child].Name)
			}
		}
		sort.Strings(d.topLevel)
	}
	return nil
}

func (d *dag) loadImports(ctx context.Context, g step.GraphStore) error {
	records, err := g.Execute(ctx,
		"MATCH (a:File)-[:IMPORTS]->(b:File) RETURN a.path AS from, b.path AS to", nil, false)
	if err != nil {
		return err
	}
	for _, rec := range records {
		from, okFrom := d.lookup(KindFile, "", "", asString(rec["from"]))
		to, okTo := d.lookup(KindFile, "", "", asString(rec["to"]))
		if okFrom && okTo {
			d.addDep(from, to)
		}
	}
	return nil
}

func (d *dag) loadInheritance(ctx context.Context, g step.GraphStore) error {
	query := `MATCH (a:Class)-[:INHERITS_FROM]->(b:Class)
RETURN a.name AS aname, a.module AS amodule, b.name AS bname, b.module AS bmodule`
	records, err := g.Execute(ctx, query, nil, false)
	if err != nil {
		return err
	}
	for _, rec := range records {
		parentName := qualifiedName(asString(rec["bmodule"]), asString(rec["bname"]))
		from, okFrom := d.lookup(KindClass, asString(rec["aname"]), asString(rec["amodule"]), "")
		if !okFrom {
			continue
		}
		d.nodes[from].Parents = append(d.nodes[from].Parents, parentName)
		if to, okTo := d.lookup(KindClass, asString(rec["bname"]), asString(rec["bmodule"]), ""); okTo {
			d.addDep(from, to)
		}
	}
	return nil
}

func (d *dag) lookupByRecord(rec map[string]any, labelsKey, nameKey, moduleKey, pathKey string) (int, bool) {
	kind, ok := kindFromLabels(rec[labelsKey])
	if !ok {
		return 0, false
	}
	return d.lookup(kind, asString(rec[nameKey]), asString(rec[moduleKey]), asString(rec[pathKey]))
}

func kindFromLabels(v any) (Kind, bool) {
	labels, ok := v.([]any)
	if !ok {
		return "", false
	}
	for _, l := range labels {
		switch asString(l) {
		case "Repository":
			return KindRepository, true
		case "Directory":
			return KindDirectory, true
		case "File":
			return KindFile, true
		case "Module":
			return KindModule, true
		case "Class":
			return KindClass, true
		case "Function":
			return KindFunction, true
		case "Method":
			return KindMethod, true
		}
	}
	return "", false
}

// breakCycles makes the dependency graph acyclic. Strongly connected
// components are located with Tarjan's algorithm; within each, the
// member ranking highest by (kind priority, qualified name) drops its
// in-component dependencies, and the search repeats until clean.
func (d *dag) breakCycles(logger *slog.Logger) {
	for round := 0; round < len(d.nodes)+1; round++ {
		sccs := d.stronglyConnected()
		broke := false
		for _, scc := range sccs {
			if len(scc) < 2 {
				continue
			}
			broke = true
			victim := scc[0]
			for _, idx := range scc[1:] {
				if d.cycleOrderLess(victim, idx) {
					victim = idx
				}
			}
			member := make(map[int]bool, len(scc))
			for _, idx := range scc {
				member[idx] = true
			}
			dropped := d.dropDepsWithin(victim, member)
			names := make([]string, 0, len(scc))
			for _, idx := range scc {
				names = append(names, d.nodes[idx].QualifiedName)
			}
			sort.Strings(names)
			logger.Warn("dependency cycle broken",
				"node", d.nodes[victim].QualifiedName, "dropped_edges", dropped, "members", strings.Join(names, ", "))
		}
		if !broke {
			return
		}
	}
}

// cycleOrderLess reports whether b outranks a in the cycle-break order.
func (d *dag) cycleOrderLess(a, b int) bool {
	na, nb := d.nodes[a], d.nodes[b]
	if na.Kind.priority() != nb.Kind.priority() {
		return na.Kind.priority() < nb.Kind.priority()
	}
	return na.QualifiedName < nb.QualifiedName
}

func (d *dag) dropDepsWithin(idx int, member map[int]bool) int {
	n := d.nodes[idx]
	kept := n.deps[:0]
	dropped := 0
	for _, dep := range n.deps {
		if member[dep] {
			d.removeDependent(dep, idx)
			dropped++
			continue
		}
		kept = append(kept, dep)
	}
	n.deps = kept
	return dropped
}

func (d *dag) removeDependent(from, dependent int) {
	n := d.nodes[from]
	for i, idx := range n.dependents {
		if idx == dependent {
			n.dependents = append(n.dependents[:i], n.dependents[i+1:]...)
			return
		}
	}
}

// stronglyConnected returns Tarjan SCCs over the dependency edges.
func (d *dag) stronglyConnected() [][]int {
	n := len(d.nodes)
	indexOf := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range indexOf {
		indexOf[i] = -1
	}

	var (
		counter int
		stack   []int
		out     [][]int
	)

	// Iterative Tarjan; recursion depth over large repos is unbounded.
	type frame struct {
		node, edge int
	}
	for start := 0; start < n; start++ {
		if indexOf[start] != -1 {
			continue
		}
		frames := []frame{{node: start}}
		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			v := f.node
			if f.edge == 0 {
				indexOf[v] = counter
				lowlink[v] = counter
				counter++
				stack = append(stack, v)
				onStack[v] = true
			}
			advanced := false
			for f.edge < len(d.nodes[v].deps) {
				w := d.nodes[v].deps[f.edge]
				f.edge++
				if indexOf[w] == -1 {
					frames = append(frames, frame{node: w})
					advanced = true
					break
				}
				if onStack[w] && indexOf[w] < lowlink[v] {
					lowlink[v] = indexOf[w]
				}
			}
			if advanced {
				continue
			}
			if lowlink[v] == indexOf[v] {
				var scc []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == v {
						break
					}
				}
				sort.Ints(scc)
				out = append(out, scc)
			}
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
		}
	}
	return out
}

// skipMatching marks files and directories matching the ignore
// patterns SKIPPED, together with their structural descendants.
func (d *dag) skipMatching(patterns []string, logger *slog.Logger) {
	skipped := 0
	for idx, n := range d.nodes {
		if n.Kind != KindFile && n.Kind != KindDirectory {
			continue
		}
		if !matchesAny(patterns, n.Path) {
			continue
		}
		skipped += d.skipSubtree(idx)
	}
	if skipped > 0 {
		logger.Info("nodes excluded by ignore patterns", "count", skipped)
	}
}

func (d *dag) skipSubtree(root int) int {
	count := 0
	queue := []int{root}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		if d.nodes[idx].status == NodeSkipped {
			continue
		}
		d.nodes[idx].status = NodeSkipped
		count++
		queue = append(queue, d.nodes[idx].children...)
	}
	return count
}

// skipUnaffected implements incremental mode: nodes that already have
// a summary and sit outside the dependency closure of any unsummarized
// node keep their summary and are SKIPPED. Their text still serves as
// context for dependents.
func (d *dag) skipUnaffected(ctx context.Context, g step.GraphStore, logger *slog.Logger) error {
	query := `MATCH (n)-[:HAS_SUMMARY]->(s:Summary)
RETURN labels(n) AS labels, n.path AS path, n.name AS name, n.module AS module, s.text AS text`
	records, err := g.Execute(ctx, query, nil, false)
	if err != nil {
		return err
	}

	existing := make(map[int]string)
	for _, rec := range records {
		idx, ok := d.lookupByRecord(rec, "labels", "name", "module", "path")
		if !ok {
			continue
		}
		existing[idx] = asString(rec["text"])
	}

	// Nodes without a summary are dirty; everything upstream of a
	// dirty node must re-run.
	affected := make([]bool, len(d.nodes))
	var queue []int
	for idx, n := range d.nodes {
		if n.status == NodeSkipped {
			continue
		}
		if _, ok := existing[idx]; !ok {
			affected[idx] = true
			queue = append(queue, idx)
		}
	}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		for _, dep := range d.nodes[idx].dependents {
			if !affected[dep] {
				affected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	kept := 0
	for idx, text := range existing {
		if affected[idx] || d.nodes[idx].status == NodeSkipped {
			continue
		}
		d.nodes[idx].status = NodeSkipped
		d.nodes[idx].summary = text
		kept++
	}
	if kept > 0 {
		logger.Info("unchanged nodes keep existing summaries", "count", kept)
	}
	return nil
}

// relDir returns the repo-relative directory listing name of a child.
func childDisplayName(n *Node) string {
	switch n.Kind {
	case KindDirectory:
		return path.Base(n.Path) + "/"
	case KindFile:
		return path.Base(n.Path)
	default:
		return n.QualifiedName
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
