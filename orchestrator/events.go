package orchestrator

import (
	"time"

	"github.com/codestoryhq/codestory/step"
)

// EventChannel returns the pub/sub channel carrying a job's progress
// events; the queue adapter prefixes channels with "events.".
func EventChannel(jobID string) string {
	return "jobs." + jobID
}

// Event is published on a job's channel on every state change and on
// the heartbeat while the job runs. The bus keeps no history beyond
// the job record itself.
type Event struct {
	JobID    string               `json:"job_id"`
	Status   Status               `json:"status"`
	Progress float64              `json:"progress"`
	Message  string               `json:"message,omitempty"`
	Steps    map[string]StepEvent `json:"steps"`
	TS       time.Time            `json:"ts"`
}

// StepEvent is the per-step slice of an Event.
type StepEvent struct {
	Status   step.Status `json:"status"`
	Progress float64     `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// event snapshots the record as the wire payload for subscribers.
func (j *Job) event() Event {
	steps := make(map[string]StepEvent, len(j.Steps))
	for name, rec := range j.Steps {
		steps[name] = StepEvent{
			Status:   rec.Status,
			Progress: rec.Progress,
			Message:  rec.Message,
			Error:    rec.Error,
		}
	}
	return Event{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
		Steps:    steps,
		TS:       time.Now().UTC(),
	}
}
