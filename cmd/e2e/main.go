// Package main provides the e2e test runner CLI.
//
// It drives a running codestory stack (service plus Neo4j and NATS,
// typically from "codestory dev up" and "codestory serve") through the
// public HTTP API and reports pass/fail per scenario.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codestoryhq/codestory/test/e2e/config"
	"github.com/codestoryhq/codestory/test/e2e/scenarios"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		serverURL     string
		outputJSON    bool
		timeout       time.Duration
		stageTimeout  time.Duration
		globalTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run codestory e2e tests",
		Long: `Run end-to-end tests against a running codestory stack.

Available scenarios:
  health        - Service reachable, all dependency probes healthy
  ingest-basic  - Filesystem-only ingest of a sample repository
  all           - Run all scenarios (default)

Examples:
  e2e                                # Run all scenarios
  e2e health                         # Run specific scenario
  e2e --json                         # Output results as JSON
  e2e --server http://host:8900      # Custom service URL
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarioName := "all"
			if len(args) > 0 {
				scenarioName = args[0]
			}

			cfg := &config.Config{
				ServerURL:      serverURL,
				CommandTimeout: timeout,
				SetupTimeout:   timeout * 2,
				StageTimeout:   stageTimeout,
				PollInterval:   config.DefaultPollInterval,
			}

			return run(scenarioName, cfg, outputJSON, globalTimeout)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", config.DefaultServerURL, "codestory service URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", config.DefaultCommandTimeout, "Per-command timeout")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", config.DefaultStageTimeout, "Timeout for long stages such as job completion")
	cmd.Flags().DurationVar(&globalTimeout, "global-timeout", 10*time.Minute, "Global timeout for all scenarios")

	cmd.AddCommand(listCmd())

	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available scenarios:")
			fmt.Println()
			fmt.Println("  health        Service reachable, all dependency probes healthy")
			fmt.Println("  ingest-basic  Filesystem-only ingest of a sample repository")
			fmt.Println()
			fmt.Println("Use 'e2e all' to run all scenarios.")
		},
	}
}

func run(scenarioName string, cfg *config.Config, outputJSON bool, globalTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), globalTimeout)
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	all := []scenarios.Scenario{
		scenarios.NewHealthScenario(cfg),
		scenarios.NewIngestBasicScenario(cfg),
	}

	toRun := all
	if scenarioName != "all" {
		toRun = nil
		for _, s := range all {
			if s.Name() == scenarioName {
				toRun = []scenarios.Scenario{s}
				break
			}
		}
		if toRun == nil {
			return fmt.Errorf("unknown scenario: %s (try 'e2e list')", scenarioName)
		}
	}

	results := make([]*scenarios.Result, 0, len(toRun))
	for _, scenario := range toRun {
		if ctx.Err() != nil {
			if !outputJSON {
				fmt.Println("\ninterrupted; skipping remaining scenarios")
			}
			break
		}
		results = append(results, runScenario(ctx, scenario, !outputJSON))
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	if outputJSON {
		if err := printJSON(results, failed); err != nil {
			return err
		}
	} else {
		printSummary(results, failed)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

// runScenario walks one scenario through setup, execute and teardown.
// A setup failure produces a failed result rather than aborting the
// whole run; teardown failures only warn.
func runScenario(ctx context.Context, scenario scenarios.Scenario, verbose bool) *scenarios.Result {
	if verbose {
		fmt.Printf("\n--- %s: %s\n", scenario.Name(), scenario.Description())
	}

	if err := scenario.Setup(ctx); err != nil {
		result := scenarios.NewResult(scenario.Name())
		result.Error = fmt.Sprintf("setup failed: %v", err)
		result.AddError(result.Error)
		result.Complete()
		if verbose {
			fmt.Printf("    setup: FAILED: %v\n", err)
		}
		return result
	}

	result, err := scenario.Execute(ctx)
	if err != nil {
		result = scenarios.NewResult(scenario.Name())
		result.Error = fmt.Sprintf("execution error: %v", err)
		result.AddError(result.Error)
		result.Complete()
	}

	if terr := scenario.Teardown(ctx); terr != nil {
		result.AddWarning(fmt.Sprintf("teardown failed: %v", terr))
	}

	if verbose {
		for _, stage := range result.Stages {
			mark := "ok"
			if !stage.Success {
				mark = "FAILED: " + stage.Error
			}
			fmt.Printf("    %s (%dms): %s\n", stage.Name, stage.Duration.Milliseconds(), mark)
		}
		for _, w := range result.Warnings {
			fmt.Printf("    warning: %s\n", w)
		}
	}

	return result
}

func printJSON(results []*scenarios.Result, failed int) error {
	report := struct {
		Timestamp time.Time           `json:"timestamp"`
		Results   []*scenarios.Result `json:"results"`
		Total     int                 `json:"total"`
		Passed    int                 `json:"passed"`
		Failed    int                 `json:"failed"`
	}{
		Timestamp: time.Now(),
		Results:   results,
		Total:     len(results),
		Passed:    len(results) - failed,
		Failed:    failed,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printSummary(results []*scenarios.Result, failed int) {
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCENARIO\tRESULT\tDURATION\tERROR")
	for _, r := range results {
		verdict := "pass"
		if !r.Success {
			verdict = "FAIL"
		}
		errMsg := r.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n",
			r.ScenarioName, verdict, r.Duration.Milliseconds(), errMsg)
	}
	w.Flush()
	fmt.Printf("\n%d passed, %d failed\n", len(results)-failed, failed)
}
