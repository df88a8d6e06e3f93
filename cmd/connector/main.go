package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"connector/internal/engine"
	"connector/internal/logging"

	// drivers register themselves
	_ "connector/sink/kafka"
	_ "connector/sink/s3"
	_ "connector/sink/stdout"
	_ "connector/source/kafka"
	_ "connector/source/postgres"
)

var version = "0.1.0"

func main() {
	logging.InitFromEnv()

	root := &cobra.Command{
		Use:   "connector",
		Short: "Synchronize records from a source to a sink with durable checkpoints",
		Long: `connector polls a partitioned source, transforms each record, delivers
batches to a sink with retries, and advances a per-partition checkpoint only
after everything before it has been acknowledged or dead-lettered.`,
		SilenceUsage: true,
	}
	var logLevel string
	var logJSON bool
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides CONNECTOR_LOG_LEVEL")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON; overrides CONNECTOR_LOG_JSON")
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-json") {
			logging.Configure(logging.Options{Level: logLevel, JSON: logJSON})
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "connector v%s\n", version)
		},
	})
	root.AddCommand(runCmd(), statusCmd(), checkpointCmd(), deadletterCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var cfg engine.Config
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until interrupted",
		Long: `Run a pipeline until SIGINT or SIGTERM. On signal, polling stops, every
in-flight batch is drained (bounded by shutdown.drain_timeout) and the
final checkpoints are committed.

Example:
  connector run -p pipeline.yml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Bootstrap(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			return e.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfg.PipelineYml, "pipeline", "p", "pipeline.yml", "Path to the pipeline file")
	cmd.Flags().StringVar(&cfg.GRPCAddr, "grpc-addr", "", "Control plane listen address; overrides control.grpc_addr")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Metrics listen address; overrides control.metrics_addr")
	return cmd
}
