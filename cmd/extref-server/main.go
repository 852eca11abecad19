package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kamdental/extref/internal/config"
	"github.com/kamdental/extref/internal/harness"
	"github.com/kamdental/extref/internal/platform/auth"
	"github.com/kamdental/extref/internal/platform/db"
	"github.com/kamdental/extref/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "extref-server",
		Short:        "External identity resolution and reconciliation server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(codesCmd())
	rootCmd.AddCommand(bindCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(detectWorkbookCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(harnessCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM so long commands stop
// cleanly between rows.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the resolution API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if cfg.StoreDriver == config.DriverSQLite {
				conn, err := db.OpenSQLite(cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer conn.Close()
				fmt.Fprintf(out, "SQLite schema is up to date at %s\n", cfg.SQLitePath)
				return nil
			}

			migrator, closePool, err := openMigrator(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			defer closePool()

			if schema == "" {
				schema = cfg.DBSchema
			}
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status needs STORE_DRIVER=%s", config.DriverPostgres)
			}
			migrator, closePool, err := openMigrator(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			defer closePool()

			if schema == "" {
				schema = cfg.DBSchema
			}
			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := warn("pending")
				appliedAt := ""
				if s.Applied {
					status = ok("applied")
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, cfg *config.Config, dir string) (*db.Migrator, func(), error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if dir != "" {
		return db.NewDirMigrator(pool, dir), pool.Close, nil
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func harnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Run resilience scenarios against the in-process system",
	}

	runCmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run one or more scenario files and print their reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger := zerolog.Nop()
			if verbose {
				logger = newLogger(nil)
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				s, err := harness.LoadScenario(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				rep, err := harness.Run(cmd.Context(), s, logger)
				if err != nil {
					return err
				}
				fmt.Fprint(out, colorReport(rep))
				if !rep.Passed() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenario(s) failed", failed, len(args))
			}
			return nil
		},
	}
	runCmd.Flags().Bool("verbose", false, "Log system activity while scenarios run")
	cmd.AddCommand(runCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			system, _ := cmd.Flags().GetString("system")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken([]byte(cfg.AuthSigningKey), auth.TokenRequest{
				Subject:    subject,
				Roles:      roles,
				SystemName: system,
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				TTL:        ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject, e.g. the agent name")
	cmd.Flags().StringSlice("role", []string{"sync_agent"}, "Roles: admin, operator, sync_agent")
	cmd.Flags().String("system", "", "Bind the token to one external system")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
