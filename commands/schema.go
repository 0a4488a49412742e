package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codestoryhq/codestory/graph"
)

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the graph schema",
	}
	cmd.AddCommand(newSchemaInitCommand(opts))
	return cmd
}

func newSchemaInitCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the constraints and indexes ingestion relies on",
		Long: `Create the uniqueness constraints, fulltext and property indexes, and
vector indexes in the graph database. Existing elements are left alone;
--force drops and recreates them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := graph.NewStore(ctx, graph.Config{
				URI:        cfg.Graph.URI,
				Username:   cfg.Graph.Username,
				Password:   cfg.Graph.Password,
				Database:   cfg.Graph.Database,
				MaxRetries: cfg.Graph.MaxRetries,
				RetryBase:  cfg.Graph.RetryBase,
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = store.Close(closeCtx)
			}()

			if err := store.InitializeSchema(ctx, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "graph schema initialized")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Drop and recreate existing schema elements")

	return cmd
}
