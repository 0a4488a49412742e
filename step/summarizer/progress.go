package summarizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// progressTracker aggregates per-kind completion counters into the
// percent and message reported upward. The 5s emission throttle lives
// in step.Reporter; this type only keeps the arithmetic.
type progressTracker struct {
	mu       sync.Mutex
	started  time.Time
	total    int
	terminal int
	byKind   map[Kind]*kindTally

	now func() time.Time
}

type kindTally struct {
	total     int
	completed int
	failed    int
	skipped   int
}

func newProgressTracker(d *dag) *progressTracker {
	t := &progressTracker{
		byKind: make(map[Kind]*kindTally),
		now:    time.Now,
	}
	for _, n := range d.nodes {
		tally := t.tally(n.Kind)
		tally.total++
		t.total++
		if n.status == NodeSkipped {
			tally.skipped++
			t.terminal++
		}
	}
	t.started = time.Now()
	return t
}

func (t *progressTracker) tally(k Kind) *kindTally {
	tally, ok := t.byKind[k]
	if !ok {
		tally = &kindTally{}
		t.byKind[k] = tally
	}
	return tally
}

// observe records one node reaching a terminal status.
func (t *progressTracker) observe(kind Kind, status NodeStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tally := t.tally(kind)
	switch status {
	case NodeCompleted:
		tally.completed++
	case NodeFailed:
		tally.failed++
	case NodeSkipped:
		tally.skipped++
	default:
		return
	}
	t.terminal++
}

// percent is terminal nodes over total, 0-100.
func (t *progressTracker) percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked()
}

func (t *progressTracker) percentLocked() float64 {
	if t.total == 0 {
		return 100
	}
	return float64(t.terminal) / float64(t.total) * 100
}

// eta estimates remaining time from elapsed time and current percent.
func (t *progressTracker) eta() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked()
}

func (t *progressTracker) etaLocked() time.Duration {
	pct := t.percentLocked()
	if pct <= 0 || pct >= 100 {
		return 0
	}
	elapsed := t.now().Sub(t.started)
	estimated := time.Duration(float64(elapsed) / pct * 100)
	return (estimated - elapsed).Round(time.Second)
}

// message renders the human progress line: aggregate count, the
// busiest kinds, and the remaining-time estimate.
func (t *progressTracker) message() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	kinds := make([]string, 0, len(t.byKind))
	for kind, tally := range t.byKind {
		done := tally.completed + tally.failed + tally.skipped
		kinds = append(kinds, fmt.Sprintf("%s %d/%d", kind, done, tally.total))
	}
	sort.Strings(kinds)

	msg := fmt.Sprintf("summarized %d/%d (%s)", t.terminal, t.total, strings.Join(kinds, ", "))
	if eta := t.etaLocked(); eta > 0 {
		msg += fmt.Sprintf(", about %s left", eta)
	}
	return msg
}

// counts flattens the tallies for the job outcome.
func (t *progressTracker) counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed, failed, skipped := 0, 0, 0
	for _, tally := range t.byKind {
		completed += tally.completed
		failed += tally.failed
		skipped += tally.skipped
	}
	return map[string]int{
		"total":     t.total,
		"completed": completed,
		"failed":    failed,
		"skipped":   skipped,
	}
}
