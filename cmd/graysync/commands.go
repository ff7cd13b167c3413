package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/api"
	"github.com/nerrad567/gray-logic-sync/internal/auth"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/scheduler"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, version)

			db, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if down {
				if err := db.MigrateDown(cmd.Context()); err != nil {
					return fmt.Errorf("rolling back migrations: %w", err)
				}
			}
			v, dirty, err := db.MigrationVersion()
			if err != nil {
				return fmt.Errorf("reading schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration after applying pending ones")
	return cmd
}

func newPruneLogsCmd(load configLoader) *cobra.Command {
	var months int
	cmd := &cobra.Command{
		Use:   "prune-logs",
		Short: "Drop sync, activity and notification logs past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("months") {
				months = cfg.Retention.Months
			}
			if months <= 0 {
				return fmt.Errorf("retention months must be positive, got %d", months)
			}
			log := logging.New(cfg.Logging, version)

			db, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := activity.NewRepository(db.DB).Prune(cmd.Context(), months, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("pruning logs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d months: %d sync logs, %d activity logs, %d notifications\n",
				len(res.Months), res.SyncLogs, res.Activity, res.Notifications)
			return nil
		},
	}
	cmd.Flags().IntVar(&months, "months", 0, "months to keep (default retention.months)")
	return cmd
}

func newSyncNowCmd(load configLoader) *cobra.Command {
	var (
		deviceIDs []string
		direction string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "sync-now <integration-id>",
		Short: "Queue a manual reconcile for an integration",
		Long: "Queue a manual reconcile for an integration. The entries are " +
			"processed by a running serve process.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := integration.Direction(direction)
			if dir != "" && !slices.Contains(integration.AllDirections(), dir) {
				return fmt.Errorf("unknown direction %q", direction)
			}

			cfg, _, err := load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, version)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.scheduler.SyncNow(cmd.Context(), args[0], scheduler.SyncRequest{
				DeviceIDs: deviceIDs,
				Direction: dir,
				DryRun:    dryRun,
			})
			if err != nil {
				return fmt.Errorf("queueing sync: %w", err)
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), e.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&deviceIDs, "device", nil, "limit the sync to these device IDs")
	cmd.Flags().StringVar(&direction, "direction", "", "override the sync direction (import, export, bidirectional)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute changes without applying them")
	return cmd
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		org     string
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
			}
			if ttl <= 0 {
				ttl = time.Hour
			}
			token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, org, auth.Role(role), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization the token is scoped to")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject (user ID)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "token role (viewer, collaborator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graysync %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
