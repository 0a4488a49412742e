package scenarios

import (
	"context"
	"fmt"
	"os"

	"github.com/codestoryhq/codestory/orchestrator"
	"github.com/codestoryhq/codestory/step"
	"github.com/codestoryhq/codestory/test/e2e/client"
	"github.com/codestoryhq/codestory/test/e2e/config"
	"github.com/codestoryhq/codestory/test/e2e/fixtures"
)

// IngestBasicScenario runs a filesystem-only ingestion of a generated
// sample repository and waits for the job to complete. It proves the
// submit → queue → worker → graph path end to end without needing the
// analyzer containers or a real LLM.
type IngestBasicScenario struct {
	config  *config.Config
	service *client.ServiceClient
	repoDir string
}

// NewIngestBasicScenario creates the basic ingestion scenario.
func NewIngestBasicScenario(cfg *config.Config) *IngestBasicScenario {
	return &IngestBasicScenario{config: cfg}
}

func (s *IngestBasicScenario) Name() string { return "ingest-basic" }

func (s *IngestBasicScenario) Description() string {
	return "Filesystem-only ingest of a sample Go repository runs to completion"
}

func (s *IngestBasicScenario) Setup(ctx context.Context) error {
	s.service = client.New(s.config.ServerURL)

	dir, err := os.MkdirTemp("", "codestory-e2e-*")
	if err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	if err := fixtures.WriteGoProject(dir); err != nil {
		os.RemoveAll(dir)
		return err
	}
	s.repoDir = dir
	return nil
}

func (s *IngestBasicScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	var jobID string
	ok := result.stage("submit", func() error {
		ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
		defer cancel()

		var err error
		jobID, err = s.service.SubmitJob(ctx, client.SubmitRequest{
			Source: s.repoDir,
			Steps:  []string{"filesystem"},
		})
		if err != nil {
			return err
		}
		result.SetDetail("job_id", jobID)
		return nil
	})
	if !ok {
		return result, nil
	}

	var job *orchestrator.Job
	ok = result.stage("wait", func() error {
		ctx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
		defer cancel()

		var err error
		job, err = s.service.WaitForJob(ctx, jobID, s.config.PollInterval)
		return err
	})
	if !ok {
		return result, nil
	}

	result.stage("verify", func() error {
		if job.Status != orchestrator.StatusCompleted {
			return fmt.Errorf("job ended %s: %s", job.Status, job.Error)
		}
		if job.Progress != 100 {
			return fmt.Errorf("completed job reports %.1f%% progress", job.Progress)
		}
		rec, present := job.Steps["filesystem"]
		if !present {
			return fmt.Errorf("job has no filesystem step record")
		}
		if rec.Status != step.StatusCompleted {
			return fmt.Errorf("filesystem step ended %s: %s", rec.Status, rec.Error)
		}
		result.SetMetric("job_duration_ms", job.UpdatedAt.Sub(job.CreatedAt).Milliseconds())
		result.SetDetail("step_message", rec.Message)
		return nil
	})

	result.Success = len(result.Errors) == 0
	return result, nil
}

func (s *IngestBasicScenario) Teardown(ctx context.Context) error {
	if s.repoDir == "" {
		return nil
	}
	return os.RemoveAll(s.repoDir)
}
