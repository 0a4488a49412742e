package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codestoryhq/codestory/orchestrator"
)

// maxAPIResponseSize bounds how much of a service reply the CLI reads.
const maxAPIResponseSize = 8 << 20 // 8 MB

// apiClient talks to a running codestory service.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx reply, carrying the service's error message.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("service returned %d", e.status)
	}
	return e.message
}

// submitRequest mirrors the service's ingest request body.
type submitRequest struct {
	Source       string                    `json:"source"`
	Steps        []string                  `json:"steps,omitempty"`
	Options      map[string]map[string]any `json:"options,omitempty"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Incremental  bool                      `json:"incremental,omitempty"`
}

// jobAck mirrors the service's submit and cancel acknowledgements.
type jobAck struct {
	JobID  string              `json:"job_id"`
	Status orchestrator.Status `json:"status"`
}

// jobList mirrors the service's job listing.
type jobList struct {
	Jobs  []*orchestrator.Job `json:"jobs"`
	Total int                 `json:"total"`
}

func (c *apiClient) submitJob(ctx context.Context, req submitRequest) (*jobAck, error) {
	var ack jobAck
	if err := c.do(ctx, http.MethodPost, "/v1/ingest", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *apiClient) job(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	var job orchestrator.Job
	if err := c.do(ctx, http.MethodGet, "/v1/ingest/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) cancelJob(ctx context.Context, jobID string) (*jobAck, error) {
	var ack jobAck
	if err := c.do(ctx, http.MethodPost, "/v1/ingest/"+url.PathEscape(jobID)+"/cancel", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *apiClient) listJobs(ctx context.Context, status string, limit int) (*jobList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/ingest/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list jobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// do runs one request/response round trip. Non-2xx replies decode the
// service's {"error": ...} body into an apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach service at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	return &apiError{status: status, message: payload.Error}
}

// followEvents streams a job's progress over the service's WebSocket
// endpoint until the stream closes. The service replays the current
// state first, so a finished job still yields one event. A normal
// close returns nil.
func (c *apiClient) followEvents(ctx context.Context, jobID string, onEvent func(orchestrator.Event)) error {
	wsBase := "ws" + strings.TrimPrefix(c.base, "http")
	endpoint := wsBase + "/v1/ingest/" + url.PathEscape(jobID) + "/events"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
			return decodeAPIError(resp.StatusCode, data)
		}
		return fmt.Errorf("reach service at %s: %w", c.base, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev orchestrator.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream: %w", err)
		}
		onEvent(ev)
	}
}
