package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List ingestion jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}

			client := newAPIClient(opts.serverURL(cfg))
			list, err := client.listJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list.Jobs) == 0 {
				fmt.Fprintln(out, "no jobs")
				return nil
			}

			w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tSTATUS\tPROGRESS\tREPOSITORY\tUPDATED")
			for _, job := range list.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n",
					job.ID, job.Status, job.Progress, job.Repo, relativeTime(job.UpdatedAt))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if list.Total > len(list.Jobs) {
				fmt.Fprintf(out, "\n%d of %d jobs shown (raise --limit for more)\n", len(list.Jobs), list.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")

	return cmd
}

// relativeTime renders a timestamp as a coarse age.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
