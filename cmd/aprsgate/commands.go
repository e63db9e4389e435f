package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/aprsgate/config"
	"github.com/c360/aprsgate/metric"
	"github.com/c360/aprsgate/natsclient"
	"github.com/c360/aprsgate/provider"
	"github.com/c360/aprsgate/service"
	"github.com/c360/aprsgate/snapshot"
)

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Admin gateway for an APRS daemon",
		Long:          "aprsgate serves the daemon's status snapshot and live log stream over HTTP, WebSocket and SSE.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(setupLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", getEnv("APRSGATE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: APRSGATE_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", getEnv("APRSGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: APRSGATE_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", getEnv("APRSGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: APRSGATE_LOG_FORMAT)")

	root.AddCommand(
		newServeCommand(opts),
		newSnapshotCommand(opts),
		newValidateCommand(opts),
		newVersionCommand(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			slog.Info("Starting aprsgate",
				"version", Version,
				"build_time", BuildTime,
				"config_path", opts.configPath,
				"config", cfg.String())

			admin, err := service.NewAdmin(cfg,
				service.WithLogger(slog.Default().With("service", "admin")),
				service.WithMetrics(metric.NewMetricsRegistry()),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := admin.Run(ctx); err != nil {
				return fmt.Errorf("admin service: %w", err)
			}
			slog.Info("aprsgate shutdown complete")
			return nil
		},
	}
}

func newSnapshotCommand(opts *cliOptions) *cobra.Command {
	var (
		format   string
		overview bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch one status snapshot from the daemon and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","),
				natsclient.WithName(cfg.NATS.Name),
				natsclient.WithToken(cfg.NATS.Token),
				natsclient.WithMaxReconnects(0),
				natsclient.WithHealthInterval(0),
			)
			if err != nil {
				return err
			}
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			defer func() { _ = client.Close(context.Background()) }()

			rpc := provider.NewRPC(client,
				provider.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
				provider.WithTimeout(cfg.NATS.RequestTimeout.Std()),
			)
			agg := snapshot.NewAggregator(rpc,
				snapshot.WithFeatures(snapshot.Features{
					WatchList: cfg.Features.WatchList,
					SeenList:  cfg.Features.SeenList,
				}),
				snapshot.WithTransport(cfg.Transport),
				snapshot.WithCallsign(cfg.Daemon.Callsign),
				snapshot.WithWatchListAlert(cfg.Features.WatchListAlert.Std()),
			)

			ov := agg.Overview(ctx)
			out := cmd.OutOrStdout()

			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if overview {
					return enc.Encode(ov)
				}
				return enc.Encode(ov.Snapshot)
			case "text":
				return writeSummary(out, ov)
			default:
				return fmt.Errorf("unknown format %q (want json or text)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&overview, "overview", false, "Print the overview document instead of the snapshot (json only)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

func newValidateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid\n%s\n", cfg.String())
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built %s)\n", appName, Version, BuildTime)
			return err
		},
	}
}
