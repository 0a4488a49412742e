// Package queue provides the task queue adapter over NATS JetStream.
// Tasks are published to a work-queue stream and consumed by worker
// processes; task and job state lives in JetStream key-value buckets
// so any process can observe a handle. Core NATS subjects carry
// progress events and revocation signals.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TaskState is the queue-level lifecycle of a submitted task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
	TaskRevoked TaskState = "REVOKED"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskRevoked
}

// Handle identifies a submitted task. It is stable across processes.
type Handle string

// TaskInfo is the observable state of a task, stored as JSON in the
// task bucket. Meta carries worker-reported progress: the orchestrator
// reads "progress" (0-100) and "message".
type TaskInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	State       TaskState       `json:"state"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Envelope is the wire form of a task on the work-queue stream.
type Envelope struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Queue       string         `json:"queue"`
	Args        map[string]any `json:"args,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	// Timeout is advisory; workers bound the task context with it.
	Timeout time.Duration
}

// ErrUnknownTask is returned by Inspect and Revoke when the handle has
// no record (expired or never submitted).
var ErrUnknownTask = errors.New("unknown task handle")

// Bucket and stream naming. The stream captures three-token task
// subjects only; control traffic uses four tokens and stays out of the
// work queue.
const (
	DefaultStream = "CODESTORY_TASKS"
	TaskBucket    = "codestory_tasks"
	JobBucket     = "codestory_jobs"

	taskSubjectWildcard   = "tasks.*.*"
	revokeSubjectWildcard = "tasks.control.revoke.*"
)

var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validToken accepts queue and task names that are safe as NATS
// subject tokens. "control" is reserved for revocation subjects.
func validToken(s string) error {
	if !tokenPattern.MatchString(s) {
		return fmt.Errorf("invalid name %q: must match %s", s, tokenPattern)
	}
	if s == "control" {
		return fmt.Errorf("name %q is reserved", s)
	}
	return nil
}

func taskSubject(queueName, task string) string {
	return fmt.Sprintf("tasks.%s.%s", queueName, task)
}

func eventSubject(channel string) string {
	return "events." + channel
}

func revokeSubject(id string) string {
	return "tasks.control.revoke." + id
}
