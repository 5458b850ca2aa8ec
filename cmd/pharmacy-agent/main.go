package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/config"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/db"
	"github.com/chromylcl/pharmacy-agentic-ai/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharmacy-agent",
		Short: "Conversational pharmacy ordering server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy agent API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session persistence schema",
	}

	open := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if !cfg.PersistenceEnabled() {
			return nil, nil, fmt.Errorf("DATABASE_URL is required to run migrations")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, connectTimeout)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrations.FS, newLogger(cfg)), pool.Close, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := open(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := open(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the seed medicine catalog",
	}

	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a YAML seed catalog and print its safety attributes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.CatalogFile
			}
			if path == "" {
				return fmt.Errorf("no catalog file given and CATALOG_FILE is not set")
			}

			meds, err := medication.LoadCatalogFile(path)
			if err != nil {
				return err
			}
			defaultLimit, _ := cmd.Flags().GetInt("default-limit")
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-32s %10s %6s %6s %s\n", "NAME", "PRICE", "LIMIT", "STOCK", "RX")
			for _, m := range meds {
				rx := ""
				if m.PrescriptionRequired {
					rx = "yes"
				}
				fmt.Fprintf(out, "%-32s %10s %6d %6d %s\n", m.Name, m.UnitPrice.StringFixed(2), m.Limit(defaultLimit), m.Stock, rx)
			}
			fmt.Fprintf(out, "%d medicine(s) OK\n", len(meds))
			return nil
		},
	}
	checkCmd.Flags().Int("default-limit", medication.DefaultMaxSafeDosage, "Dosage limit applied to entries without max_safe_dosage")
	cmd.AddCommand(checkCmd)
	return cmd
}
