package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/applytrack/backend/internal/backup/scheduler"
	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore and delete snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current records",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery options, database snapshots first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a snapshot on top of the current records",
	Long:  "Takes a safety backup of the current records, then adds every snapshot record as a new record. Records that fail validation are reported without aborting the rest.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest local-cache snapshots",
	Args:  cobra.NoArgs,
	RunE:  runBackupPrune,
}

var backupScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Take local-cache snapshots on the configured interval until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runBackupSchedule,
}

var (
	backupLocal  bool
	backupOrigin string
	backupKeep   int
)

func init() {
	backupCreateCmd.Flags().BoolVar(&backupLocal, "local", false, "Write a local-cache archive instead of a database snapshot")
	for _, c := range []*cobra.Command{backupRestoreCmd, backupDeleteCmd} {
		c.Flags().StringVar(&backupOrigin, "origin", string(models.OriginDatabase), "Snapshot origin: database or local-cache")
	}
	backupPruneCmd.Flags().IntVar(&backupKeep, "keep", 0, "Number of archives to keep (defaults to backup.retention)")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupDeleteCmd, backupPruneCmd, backupScheduleCmd)
	rootCmd.AddCommand(backupCmd)
}

func parseOrigin(s string) (models.BackupOrigin, error) {
	switch o := models.BackupOrigin(s); o {
	case models.OriginDatabase, models.OriginLocalCache:
		return o, nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown origin %q", s)
	}
}

func runBackupCreate(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var (
			snap *models.BackupSnapshot
			err  error
		)
		if backupLocal {
			snap, err = a.backups.CreateLocalBackup(ctx)
		} else {
			snap, err = a.backups.CreateBackup(ctx)
		}
		if err != nil {
			return err
		}
		return writeJSON(cmd, snap.Summary())
	})
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		options, err := a.engine.ListRecoveryOptions(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, options)
	})
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	origin, err := parseOrigin(backupOrigin)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		outcome, err := a.engine.Restore(ctx, models.BackupSnapshot{ID: models.UUID(args[0]), Origin: origin})
		if err != nil {
			return err
		}
		return writeJSON(cmd, outcome)
	})
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	origin, err := parseOrigin(backupOrigin)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		id := models.UUID(args[0])
		if err := a.backups.DeleteBackup(ctx, origin, id); err != nil {
			return err
		}
		return writeJSON(cmd, map[string]any{"deleted": id, "origin": origin})
	})
}

func runBackupPrune(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app) error {
		keep := a.cfg.Backup.Retention
		if cmd.Flags().Changed("keep") {
			keep = backupKeep
		}
		if keep < 0 {
			return apperrors.New(apperrors.ErrInvalid, "keep must not be negative")
		}
		removed, err := a.backups.PruneLocalBackups(keep)
		if err != nil {
			return err
		}
		return writeJSON(cmd, map[string]any{"removed": removed})
	})
}

func runBackupSchedule(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		interval := scheduler.Interval(a.cfg.Backup.Interval)
		if interval == scheduler.IntervalManual {
			return apperrors.New(apperrors.ErrInvalid, "backup.interval is manual; set hourly, daily or weekly")
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := scheduler.New(a.backups, scheduler.Config{
			Interval:       interval,
			RetentionCount: a.cfg.Backup.Retention,
		})
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-ctx.Done()
		s.Stop()
		return writeJSON(cmd, map[string]any{"stopped": true, "interval": interval})
	})
}
