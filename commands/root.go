// Package commands implements the codestory CLI: job submission and
// inspection verbs that talk to a running service over HTTP, plus the
// long-running serve and worker modes and local development helpers.
package commands

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codestoryhq/codestory/config"
)

const appName = "codestory"

// Version and BuildTime are stamped by the build.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Root builds the codestory command tree.
func Root() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Repository ingestion into a queryable knowledge graph",
		Long: `Code Story ingests a source repository into a Neo4j knowledge graph:
filesystem layout, AST entities, LLM-written summaries and documentation
links end up as one connected, queryable graph.

Ingestion runs as pipeline steps on a NATS-backed task queue. A running
service (codestory serve) owns job scheduling, workers execute the
steps, and the other verbs talk to the service over HTTP.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.server, "server", "", "Base URL of a running codestory service")

	cmd.AddCommand(
		newIngestCommand(opts),
		newJobsCommand(opts),
		newStatusCommand(opts),
		newCancelCommand(opts),
		newServeCommand(opts),
		newWorkerCommand(opts),
		newSchemaCommand(opts),
		newDevCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

// rootOptions carries the persistent flags shared by every verb.
type rootOptions struct {
	configPath string
	logLevel   string
	server     string
}

// logger builds the process logger at the selected level.
func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the effective configuration. An explicit --config
// file is used as-is on top of the defaults; otherwise the layered
// loader applies user config, project config and environment overrides.
func (o *rootOptions) loadConfig(logger *slog.Logger) (*config.Config, error) {
	if o.configPath != "" {
		cfg, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// serverURL resolves the service base URL. Precedence: --server flag,
// CODESTORY_SERVER, then the configured listen address on localhost.
func (o *rootOptions) serverURL(cfg *config.Config) string {
	if o.server != "" {
		return strings.TrimSuffix(o.server, "/")
	}
	if env := os.Getenv("CODESTORY_SERVER"); env != "" {
		return strings.TrimSuffix(env, "/")
	}

	listen := ":8900"
	if cfg != nil && cfg.Service.Listen != "" {
		listen = cfg.Service.Listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://localhost:8900"
	}
	// A wildcard bind is not dialable; the service is on this machine.
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}
