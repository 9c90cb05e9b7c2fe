package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/api"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-accessory-bridge/migrations"
)

// =============================================================================
// Root command: run the bridge
// =============================================================================

func newRootCmd() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:          "accessorybridge",
		Short:        "Cache the native accessory graph and serve it to application runtimes",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Cancel on Ctrl+C or SIGTERM for graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, getConfigPath(configFlag))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "path to the YAML config file (overrides ACCBRIDGE_CONFIG)")

	root.AddCommand(newTokenCmd(&configFlag), newMigrateCmd(&configFlag))
	return root
}

// =============================================================================
// token: issue API tokens for application runtimes
// =============================================================================

func newTokenCmd(configFlag *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Print a signed API token for an application runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.OutOrStdout(), getConfigPath(*configFlag), args[0], ttl)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default 24h)")
	return cmd
}

// issueToken prints a signed API token for subject using the configured
// JWT secret.
func issueToken(w io.Writer, configPath, subject string, ttl time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; the API accepts requests without tokens")
	}
	token, err := api.IssueToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// =============================================================================
// migrate: manage the history journal schema
// =============================================================================

func newMigrateCmd(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the history journal database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrateUp(cmd.Context(), cmd.OutOrStdout(), getConfigPath(*configFlag))
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrateDown(cmd.Context(), cmd.OutOrStdout(), getConfigPath(*configFlag))
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrateStatus(cmd.Context(), cmd.OutOrStdout(), getConfigPath(*configFlag))
			},
		},
	)
	return cmd
}

func migrateUp(ctx context.Context, w io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = fmt.Fprintf(w, "database %s is up to date\n", db.Path())
	return err
}

func migrateDown(ctx context.Context, w io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	applied, _, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if len(applied) == 0 {
		_, err = fmt.Fprintln(w, "nothing to roll back")
		return err
	}
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		return fmt.Errorf("rolling back: %w", err)
	}
	_, err = fmt.Fprintf(w, "rolled back %s\n", applied[len(applied)-1].Version)
	return err
}

func migrateStatus(ctx context.Context, w io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT")
	for _, m := range applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
	}
	return tw.Flush()
}
