package orchestrator

import (
	"fmt"
	"sort"
	"sync"
)

// plan tracks which steps of one job may be dispatched. It is built
// from the transitive closure of the requested steps under the in-job
// dependency map and hands out steps as their dependencies complete.
// All methods are safe for concurrent use.
type plan struct {
	mu         sync.Mutex
	order      []string            // topological, dependencies first
	inDegree   map[string]int      // unmet in-job dependencies
	dependents map[string][]string // reverse edges within the closure
	dispatched map[string]bool
}

// newPlan resolves requested step names against the dependency map.
// Unknown names and cyclic declarations are rejected.
func newPlan(requested []string, deps map[string][]string) (*plan, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("no steps requested")
	}

	// Pull in everything the requested steps transitively need.
	closure := make(map[string]bool)
	stack := append([]string(nil), requested...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[name] {
			continue
		}
		pre, ok := deps[name]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", name)
		}
		closure[name] = true
		stack = append(stack, pre...)
	}

	p := &plan{
		inDegree:   make(map[string]int, len(closure)),
		dependents: make(map[string][]string, len(closure)),
		dispatched: make(map[string]bool, len(closure)),
	}
	for name := range closure {
		p.inDegree[name] = 0
	}
	for name := range closure {
		for _, pre := range deps[name] {
			p.inDegree[name]++
			p.dependents[pre] = append(p.dependents[pre], name)
		}
	}

	// Kahn's algorithm both orders the closure and proves it acyclic.
	// Waves are sorted so the order is stable for equal ranks.
	degree := make(map[string]int, len(p.inDegree))
	for name, d := range p.inDegree {
		degree[name] = d
	}
	for len(degree) > 0 {
		var wave []string
		for name, d := range degree {
			if d == 0 {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cyclic step dependencies: %d steps cannot be ordered", len(degree))
		}
		sort.Strings(wave)
		for _, name := range wave {
			delete(degree, name)
			p.order = append(p.order, name)
			for _, dep := range p.dependents[name] {
				degree[dep]--
			}
		}
	}
	return p, nil
}

// names returns the resolved steps in topological order.
func (p *plan) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// takeReady returns the steps whose dependencies are all satisfied and
// marks them dispatched. Used for the first wave.
func (p *plan) takeReady() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, name := range p.order {
		if p.inDegree[name] == 0 && !p.dispatched[name] {
			p.dispatched[name] = true
			out = append(out, name)
		}
	}
	return out
}

// complete records a finished step and returns the steps it unblocked,
// marking them dispatched.
func (p *plan) complete(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var freed []string
	for _, dep := range p.dependents[name] {
		p.inDegree[dep]--
		if p.inDegree[dep] == 0 && !p.dispatched[dep] {
			freed = append(freed, dep)
		}
	}
	sort.Strings(freed)
	for _, dep := range freed {
		p.dispatched[dep] = true
	}
	return freed
}

// undispatched returns the steps that were never handed out.
func (p *plan) undispatched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, name := range p.order {
		if !p.dispatched[name] {
			out = append(out, name)
		}
	}
	return out
}

// dependentsOf returns every step that transitively depends on name.
func (p *plan) dependentsOf(name string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	stack := append([]string(nil), p.dependents[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, p.dependents[n]...)
	}
	return seen
}
