package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarkoPoloResearchLab/ridebook/internal/catalog"
	"github.com/MarkoPoloResearchLab/ridebook/internal/config"
	"github.com/MarkoPoloResearchLab/ridebook/internal/oplog"
	"github.com/MarkoPoloResearchLab/ridebook/internal/schedule"
	"github.com/MarkoPoloResearchLab/ridebook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ridebookd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "ridebookd",
		Short:         "Bicycle slot reservation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd, viper.New())
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().String(flagConfig, "", "YAML config file")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "PostgreSQL or SQLite connection string")
	cmd.PersistentFlags().String(flagLogFormat, "", "log format: json or console")

	cmd.AddCommand(
		newServeCommand(cfg),
		newSweepCommand(cfg),
		newRepairCommand(cfg),
		newCatalogCommand(cfg),
		newMigrateCommand(cfg),
	)
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := newLogger(cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(ctx, *cfg, logger)
		},
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app := fx.New(serveOptions(cfg, logger))
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case shutdownSignal := <-app.Wait():
		if shutdownSignal.ExitCode != 0 {
			exitErr = fmt.Errorf("serve exited with code %d", shutdownSignal.ExitCode)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && exitErr == nil {
		exitErr = fmt.Errorf("stop: %w", err)
	}
	return exitErr
}

func newSweepCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep archive|expire",
		Short:     "Run one lifecycle sweep and print its report",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{booking.SweepArchive, booking.SweepExpire},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runSweep(cmd.Context(), *cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, cfg config.Config, logger *zap.Logger, sweep string, out io.Writer) error {
	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	sweeper, err := newSweeper(store, store, cfg, logger)
	if err != nil {
		return err
	}
	lease, closeLease, err := newLease(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLease() }()

	var report booking.SweepReport
	job := schedule.Job{
		Name:     sweep,
		Schedule: schedule.Every{Interval: time.Hour},
		Run: func(ctx context.Context) error {
			var runErr error
			if sweep == booking.SweepArchive {
				report, runErr = sweeper.ArchiveReservations(ctx)
			} else {
				report, runErr = sweeper.ExpireBatches(ctx)
			}
			return runErr
		},
	}
	runner, err := schedule.NewRunner([]schedule.Job{job}, schedule.WithLease(lease), schedule.WithLogger(logger))
	if err != nil {
		return err
	}
	ran, err := runner.RunOnce(ctx, job)
	if err != nil {
		return err
	}
	if !ran {
		fmt.Fprintf(out, "%s sweep skipped: another instance holds the lease\n", sweep)
		return nil
	}
	fmt.Fprintln(out, formatReport(report))
	return nil
}

func formatReport(report booking.SweepReport) string {
	return fmt.Sprintf("%s sweep: processed=%d archived=%d deleted=%d expired=%d skipped=%d pending=%d errored=%d credits_expired=%d elapsed=%s",
		report.Sweep,
		report.Processed,
		report.Archived,
		report.Deleted,
		report.Expired,
		report.Skipped,
		report.Pending,
		report.Errored,
		report.CreditsExpired,
		report.FinishedAt.Sub(report.StartedAt),
	)
}

func newRepairCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <user-id>",
		Short: "Recompute an account's available credits from its batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runRepair(cmd.Context(), *cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
}

func runRepair(ctx context.Context, cfg config.Config, logger *zap.Logger, rawUserID string, out io.Writer) error {
	userID, err := booking.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	location, err := cfg.Location()
	if err != nil {
		return err
	}
	service, err := booking.NewService(store, store, time.Now,
		booking.WithOperationLogger(oplog.New(logger)),
		booking.WithLocation(location),
	)
	if err != nil {
		return err
	}
	result, err := service.RepairAccountCredits(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d -> %d\n", result.UserID.String(), result.Before, result.After)
	return nil
}

func newCatalogCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage class slots and bicycles",
	}
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert slots and bicycles from a YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagFile)
			if err != nil {
				return err
			}
			return runCatalogImport(cmd.Context(), *cfg, path, cmd.OutOrStdout())
		},
	}
	importCmd.Flags().String(flagFile, "", "catalog YAML file")
	_ = importCmd.MarkFlagRequired(flagFile)
	cmd.AddCommand(importCmd)
	return cmd
}

func runCatalogImport(ctx context.Context, cfg config.Config, path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	report, err := catalog.Import(ctx, file, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d slots and %d resources\n", report.Slots, report.Resources)
	return nil
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, cfg config.Config, out io.Writer) error {
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(out, "schema ready (%s)\n", driver)
	return nil
}
