// Package main provides the conclav-notify binary entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conclav/conclav-notify/internal/app"
	"github.com/conclav/conclav-notify/internal/config"
	"github.com/conclav/conclav-notify/internal/pkg/postgres"
	"github.com/conclav/conclav-notify/internal/version"
	"github.com/conclav/conclav-notify/migrations"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "conclav-notify",
		Short: "Conclav notification dispatch batcher",
		Long: `conclav-notify reads the notification queue, groups pending entries per
recipient, network and type, renders one email per group and records
the delivery outcome on every entry.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONCLAV_CONFIG"), "Config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		runCmd(&configPath),
		sweepCmd(&configPath),
		migrateCmd(&configPath),
		versionCmd(),
	)

	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch trigger and run the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Run()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				application.Close()
				return err
			case sig := <-sigCh:
				slog.Info("received signal", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return application.Shutdown(ctx)
		},
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one dispatch invocation and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := application.Batcher().Run(ctx)
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"run_id":    result.RunID,
				"processed": result.Processed,
				"sent":      result.Sent,
				"failed":    result.Failed,
				"retrying":  result.Retrying,
				"skipped":   result.Skipped,
				"emails":    result.Units,
				"swept":     result.Swept,
			})
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete sent notifications older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			n, err := application.Batcher().Sweep(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sent notifications older than %s\n", n, cfg.Dispatch.Retention)
			return err
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	var (
		steps       int
		databaseURL string
	)

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(postgres.MigrateUp), string(postgres.MigrateDown)},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := postgres.MigrateDirection(strings.ToLower(args[0]))
			if direction == postgres.MigrateDown && steps == 0 {
				return errors.New("migrate down requires --steps")
			}

			if databaseURL == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				databaseURL = cfg.Database.URL
			}

			return postgres.Migrate(migrations.FS, databaseURL, direction, steps)
		},
	}

	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 applies all pending for up)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Database URL; skips loading the full configuration")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
