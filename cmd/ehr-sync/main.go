package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/domain/ruleset"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-sync",
		Short: "EHR data synchronization engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API, the workers and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
}

func openPool(ctx context.Context) (*config.Config, func(), *db.Migrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.UsesMemoryStore() {
		return nil, nil, nil, fmt.Errorf("migrations need a PostgreSQL DATABASE_URL")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg.Env))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pool.Close, db.NewMigrator(pool, migrations.FS), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, closePool, migrator, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			gdb, err := db.OpenGorm(cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer db.CloseGorm(gdb)
			if err := ruleset.NewGormStore(gdb).AutoMigrate(); err != nil {
				return fmt.Errorf("rule set schema: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, closePool, migrator, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with transformation rule sets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [dir]",
		Short: "Compile every rule set in a directory without loading it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "./rules"
			if len(args) == 1 {
				dir = args[0]
			}
			compiled, err := transform.NewEngine(nil).LoadRegistry(transform.NewRegistry(), dir)
			if err != nil {
				return err
			}
			for _, c := range compiled {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %-30s %s\n", c.Set.Name, c.Key())
			}
			return nil
		},
	})

	return cmd
}
