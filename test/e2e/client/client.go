// Package client provides the HTTP client e2e scenarios use to drive
// a running codestory service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/codestoryhq/codestory/orchestrator"
)

// ServiceClient talks to the codestory service's public API: the same
// surface the CLI uses, so scenarios exercise the whole request path.
type ServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the service at baseURL.
func New(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Health is the decoded body of GET /healthz.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// CheckHealth fetches /healthz. A degraded stack returns the decoded
// body along with an error naming the failing checks.
func (c *ServiceClient) CheckHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("service degraded: %v", health.Checks)
	}
	return &health, nil
}

// SubmitRequest is the body of POST /v1/ingest.
type SubmitRequest struct {
	Source      string   `json:"source"`
	Steps       []string `json:"steps,omitempty"`
	Incremental bool     `json:"incremental,omitempty"`
}

type jobAck struct {
	JobID  string              `json:"job_id"`
	Status orchestrator.Status `json:"status"`
}

// SubmitJob enqueues an ingestion job and returns its ID.
func (c *ServiceClient) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reach service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", apiError(resp.StatusCode, data)
	}

	var ack jobAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return ack.JobID, nil
}

// Job fetches the current state of a job.
func (c *ServiceClient) Job(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/ingest/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}

	var job orchestrator.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// WaitForJob polls a job until it reaches a terminal status or ctx
// expires. The terminal job is returned either way it ended.
func (c *ServiceClient) WaitForJob(ctx context.Context, jobID string, poll time.Duration) (*orchestrator.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case orchestrator.StatusCompleted, orchestrator.StatusFailed, orchestrator.StatusCancelled:
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, fmt.Errorf("job %s still %s: %w", jobID, job.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("service returned %d: %s", status, payload.Error)
	}
	return fmt.Errorf("service returned %d", status)
}
