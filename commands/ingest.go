package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codestoryhq/codestory/orchestrator"
)

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var (
		steps       []string
		stepOptions []string
		dependsOn   []string
		incremental bool
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Submit a repository for ingestion",
		Long: `Submit a repository to the ingestion pipeline. Without a path the
configured (or auto-detected) repository is used. The job id is printed
immediately; --wait streams progress until the job finishes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}

			source := cfg.Repo.Path
			if len(args) == 1 {
				source = args[0]
			}
			if strings.TrimSpace(source) == "" {
				return fmt.Errorf("no repository path given and none configured")
			}
			abs, err := filepath.Abs(source)
			if err != nil {
				return fmt.Errorf("resolve repository path: %w", err)
			}

			overrides, err := parseStepOptions(stepOptions)
			if err != nil {
				return err
			}

			client := newAPIClient(opts.serverURL(cfg))
			ack, err := client.submitJob(cmd.Context(), submitRequest{
				Source:       abs,
				Steps:        steps,
				Options:      overrides,
				Dependencies: dependsOn,
				Incremental:  incremental,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "job %s submitted (%s)\n", ack.JobID, ack.Status)
			if !wait {
				return nil
			}
			return followJob(cmd, client, ack.JobID)
		},
	}

	cmd.Flags().StringSliceVar(&steps, "step", nil, "Steps to run (default: the full pipeline)")
	cmd.Flags().StringArrayVar(&stepOptions, "step-option", nil, "Per-step override as step.key=value (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Job ids that must finish before this job starts")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Ask every step for an incremental pass")
	cmd.Flags().BoolVar(&wait, "wait", false, "Stream progress until the job finishes")

	return cmd
}

// parseStepOptions turns repeated step.key=value flags into the
// per-step override map. Values go through YAML scalar parsing, so
// numbers and booleans arrive typed.
func parseStepOptions(pairs []string) (map[string]map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]map[string]any)
	for _, pair := range pairs {
		key, rawValue, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid step option %q: expected step.key=value", pair)
		}
		stepName, optName, found := strings.Cut(key, ".")
		if !found || stepName == "" || optName == "" {
			return nil, fmt.Errorf("invalid step option %q: expected step.key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(rawValue), &value); err != nil {
			value = rawValue
		}
		if overrides[stepName] == nil {
			overrides[stepName] = make(map[string]any)
		}
		overrides[stepName][optName] = value
	}
	return overrides, nil
}

// followJob streams events until the stream closes, then settles on
// the job record. A failed or cancelled job exits non-zero.
func followJob(cmd *cobra.Command, client *apiClient, jobID string) error {
	out := cmd.OutOrStdout()
	if err := client.followEvents(cmd.Context(), jobID, func(ev orchestrator.Event) {
		line := fmt.Sprintf("%6.1f%%  %-9s", ev.Progress, ev.Status)
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Fprintln(out, line)
	}); err != nil {
		return err
	}

	job, err := client.job(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case orchestrator.StatusFailed:
		if job.Error != "" {
			return fmt.Errorf("job %s failed: %s", jobID, job.Error)
		}
		return fmt.Errorf("job %s failed", jobID)
	case orchestrator.StatusCancelled:
		return fmt.Errorf("job %s was cancelled", jobID)
	}
	return nil
}
