package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an ingestion job",
		Long: `Cancel a pending or running job. In-flight steps are revoked on the
task queue; already finished steps keep their results.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}

			client := newAPIClient(opts.serverURL(cfg))
			ack, err := client.cancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", ack.JobID, ack.Status)
			return nil
		},
	}
}
