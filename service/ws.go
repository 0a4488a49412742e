package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codestoryhq/codestory/orchestrator"
)

// WebSocket timing. Pongs must arrive within pongWait; pings go out a
// little more often than that.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleEvents handles GET /v1/ingest/{id}/events. It upgrades to a
// WebSocket and relays the job's progress events until the job
// finishes, the subscription drops or the client goes away. Each text
// frame carries one event payload exactly as the orchestrator
// published it.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.runner.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("load job for event stream", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	// Subscribe before the upgrade so a failure still produces a plain
	// HTTP error.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.events.Subscribe(ctx, orchestrator.EventChannel(id))
	if err != nil {
		s.logger.Error("subscribe to job events", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to subscribe to events")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("event stream opened", "job_id", id, "remote", conn.RemoteAddr().String())

	// The client sends nothing we care about, but reading is what
	// surfaces close frames and keeps the pong handler running.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Snapshot first: subscribers arriving mid-job see the current
	// state without waiting for the next transition.
	if snapshot, err := json.Marshal(jobEvent(job)); err == nil {
		if !s.writeFrame(conn, id, snapshot) {
			return
		}
	}
	if job.Status.Terminal() {
		s.closeStream(conn, "job "+strings.ToLower(string(job.Status)))
		return
	}

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case payload, ok := <-events:
			if !ok {
				s.closeStream(conn, "event stream ended")
				return
			}
			if !s.writeFrame(conn, id, payload) {
				return
			}
			if eventTerminal(payload) {
				s.closeStream(conn, "job finished")
				return
			}
		}
	}
}

// writeFrame sends one event payload and reports whether the
// connection is still usable.
func (s *Service) writeFrame(conn *websocket.Conn, jobID string, payload []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug("event stream write failed", "job_id", jobID, "error", err)
		return false
	}
	return true
}

// closeStream sends a normal close frame; the deferred Close tears the
// socket down regardless.
func (s *Service) closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// jobEvent rebuilds the wire event from a persisted record for the
// snapshot frame.
func jobEvent(job *orchestrator.Job) orchestrator.Event {
	steps := make(map[string]orchestrator.StepEvent, len(job.Steps))
	for name, rec := range job.Steps {
		steps[name] = orchestrator.StepEvent{
			Status:   rec.Status,
			Progress: rec.Progress,
			Message:  rec.Message,
			Error:    rec.Error,
		}
	}
	return orchestrator.Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Steps:    steps,
		TS:       time.Now().UTC(),
	}
}

// eventTerminal sniffs the status out of a published payload.
func eventTerminal(payload []byte) bool {
	var probe struct {
		Status orchestrator.Status `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Status.Terminal()
}
