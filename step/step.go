// Package step defines the contract shared by all ingestion steps:
// a common lifecycle (run, status, stop, cancel, incremental update),
// a build-time registry, parameter filtering, and the progress
// plumbing used by step implementations.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/graph"
	"github.com/codestoryhq/codestory/llm"
)

// Status is the lifecycle state of a step job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// State is the pollable condition of a step job. Counts and Timing
// carry step-specific aggregates (nodes written, rolling write
// averages) into the task result.
type State struct {
	Status     Status             `json:"status"`
	Progress   float64            `json:"progress"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	CPUPercent float64            `json:"cpu_percent,omitempty"`
	MemoryMB   float64            `json:"memory_mb,omitempty"`
	Counts     map[string]int     `json:"counts,omitempty"`
	Timing     map[string]float64 `json:"timing,omitempty"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	EndedAt    time.Time          `json:"ended_at,omitempty"`
}

// Step is the lifecycle every ingestion step satisfies. Run and
// IngestionUpdate schedule work and return without blocking on
// completion; the returned job id is pollable through Status.
type Step interface {
	// Name returns the registered step name.
	Name() string

	// Run schedules a full run over the repository.
	Run(ctx context.Context, repoPath string, cfg Config) (string, error)

	// Status reports the current state of a job.
	Status(ctx context.Context, jobID string) (State, error)

	// Stop requests a graceful stop; the job ends STOPPED.
	Stop(ctx context.Context, jobID string) (State, error)

	// Cancel aborts immediately; the job ends CANCELLED.
	Cancel(ctx context.Context, jobID string) (State, error)

	// IngestionUpdate schedules an incremental run. Steps may
	// short-circuit when inputs are unchanged.
	IngestionUpdate(ctx context.Context, repoPath string, cfg Config) (string, error)
}

// GraphStore is the slice of the graph adapter steps read and write
// through. Narrow so step logic is testable with a fake.
type GraphStore interface {
	Execute(ctx context.Context, query string, params map[string]any, write bool) ([]graph.Record, error)
	ExecuteMany(ctx context.Context, queries []graph.Query, write bool) error
}

// ChatClient is the slice of the LLM adapter used by summarizing and
// doc-extraction steps.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ProgressFunc receives throttled progress updates; the worker wires
// it to the task record heartbeat.
type ProgressFunc func(progress float64, message string)

// Deps carries the adapters a step factory may need. Steps ignore
// fields they do not use.
type Deps struct {
	Graph  GraphStore
	LLM    ChatClient
	Logger *slog.Logger
	Report ProgressFunc
}

// Factory builds a step instance from its dependencies.
type Factory func(deps Deps) (Step, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a step factory under name. Step packages call it from
// init; duplicate names are a programming error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("step %q registered twice", name))
	}
	registry[name] = factory
}

// New builds the named step. Unknown names are a configuration error.
func New(name string, deps Deps) (Step, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, cserr.NewConfigError("step", fmt.Errorf("unknown step %q (known: %v)", name, Names()))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return factory(deps)
}

// Names returns the registered step names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownJob is returned by Status, Stop and Cancel for job ids the
// step has no record of.
var ErrUnknownJob = errors.New("unknown job id")
