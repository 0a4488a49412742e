package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codestoryhq/codestory/orchestrator"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}

			client := newAPIClient(opts.serverURL(cfg))
			jobID := args[0]

			if follow {
				return followJob(cmd, client, jobID)
			}

			job, err := client.job(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", false, "Stream progress until the job finishes")

	return cmd
}

func printJob(cmd *cobra.Command, job *orchestrator.Job) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Job:        %s\n", job.ID)
	fmt.Fprintf(out, "Repository: %s\n", job.Repo)
	fmt.Fprintf(out, "Status:     %s\n", job.Status)
	fmt.Fprintf(out, "Progress:   %.1f%%\n", job.Progress)
	if job.Incremental {
		fmt.Fprintln(out, "Mode:       incremental")
	}
	if job.Message != "" {
		fmt.Fprintf(out, "Message:    %s\n", job.Message)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", job.Error)
	}
	if job.FailedStep != "" {
		fmt.Fprintf(out, "Failed in:  %s\n", job.FailedStep)
	}
	if len(job.DependsOn) > 0 {
		fmt.Fprintf(out, "Depends on: %v\n", job.DependsOn)
	}
	if !job.CreatedAt.IsZero() {
		fmt.Fprintf(out, "Created:    %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if len(job.StepOrder) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tPROGRESS\tDETAIL")
	for _, name := range job.StepOrder {
		rec, ok := job.Steps[name]
		if !ok {
			continue
		}
		detail := rec.Message
		if rec.Error != "" {
			detail = rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\n", name, rec.Status, rec.Progress, detail)
	}
	return w.Flush()
}
