package scenarios

import (
	"context"
	"fmt"

	"github.com/codestoryhq/codestory/test/e2e/client"
	"github.com/codestoryhq/codestory/test/e2e/config"
)

// HealthScenario verifies that a running stack is reachable and that
// every dependency probe (graph, queue, llm) reports healthy. It is
// the cheapest scenario and a prerequisite sanity check for the rest.
type HealthScenario struct {
	config  *config.Config
	service *client.ServiceClient
}

// NewHealthScenario creates the health-check scenario.
func NewHealthScenario(cfg *config.Config) *HealthScenario {
	return &HealthScenario{config: cfg}
}

func (s *HealthScenario) Name() string { return "health" }

func (s *HealthScenario) Description() string {
	return "Service reachable and all dependency probes healthy"
}

func (s *HealthScenario) Setup(ctx context.Context) error {
	s.service = client.New(s.config.ServerURL)
	return nil
}

func (s *HealthScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	var health *client.Health
	ok := result.stage("healthz", func() error {
		ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
		defer cancel()

		var err error
		health, err = s.service.CheckHealth(ctx)
		return err
	})
	if !ok {
		return result, nil
	}

	result.stage("probes", func() error {
		for _, name := range []string{"graph", "queue", "llm"} {
			verdict, present := health.Checks[name]
			if !present {
				return fmt.Errorf("probe %q missing from health response", name)
			}
			if verdict != "ok" {
				return fmt.Errorf("probe %q unhealthy: %s", name, verdict)
			}
			result.SetDetail(name, verdict)
		}
		return nil
	})

	result.Success = len(result.Errors) == 0
	return result, nil
}

func (s *HealthScenario) Teardown(ctx context.Context) error { return nil }
