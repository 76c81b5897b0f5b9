// Package main is the entrypoint for the toolsystem service and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/morezero/toolsystem/internal/config"
	"github.com/morezero/toolsystem/internal/server"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolsystem",
		Short: "Provider-based tool dispatch across contexts",
		Long: `toolsystem hosts one dispatch context: a dispatcher with its providers,
joined to a cross-context channel (NATS, Postgres relay or in-memory).

Usage modes:
  toolsystem serve             Start the service (default when no command is given)
  toolsystem call <tool> [json] Invoke a tool on a peer, or locally with --local
  toolsystem migrate <up|down|status>
  toolsystem clear             Truncate the relay table; schema is preserved
  toolsystem ensure-db [name]  Create a database on the DATABASE_URL host

Environment: COMMS_URL, TOOL_TRANSPORT, TOOL_CHANNEL_NAME, DATABASE_URL,
MIGRATION_PATH, HTTP_PORT, LOG_LEVEL. See README for the full list.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, serveOptions{})
		},
	}

	root.AddGroup(
		&cobra.Group{ID: "service", Title: "Service:"},
		&cobra.Group{ID: "db", Title: "Database:"},
	)

	serve := serveCmd()
	serve.GroupID = "service"
	call := callCmd()
	call.GroupID = "service"
	migrate := migrateCmd()
	migrate.GroupID = "db"
	clearRelay := clearCmd()
	clearRelay.GroupID = "db"
	ensure := ensureDBCmd()
	ensure.GroupID = "db"

	root.AddCommand(serve, call, migrate, clearRelay, ensure)
	return root
}

type serveOptions struct {
	embeddedNATS bool
	manifest     string
	transport    string
	codec        string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool service",
		Long: `Start the tool service: dispatcher, state provider, channel communicator
and the HTTP surface on HTTP_PORT.

Examples:
  toolsystem serve --embedded-nats
  toolsystem serve --transport postgres --manifest config/tools.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.embeddedNATS, "embedded-nats", false, "Start an in-process NATS server instead of dialing COMMS_URL")
	cmd.Flags().StringVar(&opts.manifest, "manifest", "", "Tool manifest file (tried before TOOL_MANIFEST_FILE)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "Override TOOL_TRANSPORT (auto|nats|postgres|memory)")
	cmd.Flags().StringVar(&opts.codec, "codec", "", "Override TOOL_CODEC (json|msgpack)")
	return cmd
}

func runServe(_ *cobra.Command, opts serveOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeOptions(cfg, opts)
	return server.RunWithConfig(cfg, opts.manifest)
}

func applyServeOptions(cfg *config.Config, opts serveOptions) {
	if opts.embeddedNATS {
		cfg.EmbeddedNATS = true
		if cfg.Transport == config.TransportAuto {
			cfg.Transport = config.TransportNATS
		}
	}
	if opts.transport != "" {
		cfg.Transport = opts.transport
	}
	if opts.codec != "" {
		cfg.Codec = opts.codec
	}
}
