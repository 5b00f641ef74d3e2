package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/sync/conflict"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Detect and resolve differences between local and cloud records",
}

var conflictsDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Compare local and cloud records and print the conflicts",
	Args:  cobra.NoArgs,
	RunE:  runConflictsDetect,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one conflict (--id) or every conflict (--all) with a strategy",
	Args:  cobra.NoArgs,
	RunE:  runConflictsResolve,
}

var (
	resolveStrategy string
	resolveRecordID string
	resolveAll      bool
)

func init() {
	conflictsResolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", "", "local-wins, remote-wins or merge (required)")
	conflictsResolveCmd.Flags().StringVar(&resolveRecordID, "id", "", "Record ID of the conflict to resolve")
	conflictsResolveCmd.Flags().BoolVar(&resolveAll, "all", false, "Resolve every detected conflict")
	conflictsResolveCmd.MarkFlagsMutuallyExclusive("id", "all")
	conflictsResolveCmd.MarkFlagsOneRequired("id", "all")
	if err := conflictsResolveCmd.MarkFlagRequired("strategy"); err != nil {
		panic(fmt.Sprintf("failed to mark strategy flag as required: %v", err))
	}

	conflictsCmd.AddCommand(conflictsDetectCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func runConflictsDetect(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		conflicts, err := a.engine.DetectConflicts(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, conflicts)
	})
}

func runConflictsResolve(cmd *cobra.Command, _ []string) error {
	kind, err := conflict.ParseStrategy(resolveStrategy)
	if err != nil {
		return err
	}
	strategy := conflict.NewStrategy(kind, time.Now())

	return withApp(cmd, func(ctx context.Context, a *app) error {
		conflicts, err := a.engine.DetectConflicts(ctx)
		if err != nil {
			return err
		}

		if resolveAll {
			resolved, err := a.engine.ResolveAll(ctx, conflicts, strategy)
			if err != nil {
				return err
			}
			return writeJSON(cmd, resolved)
		}

		c := findConflict(conflicts, models.UUID(resolveRecordID))
		if c == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "no conflict for record %s", resolveRecordID)
		}
		resolved, err := a.engine.ResolveConflict(ctx, c, strategy)
		if err != nil {
			return err
		}
		return writeJSON(cmd, resolved)
	})
}

func findConflict(conflicts []*models.DataConflict, recordID models.UUID) *models.DataConflict {
	for _, c := range conflicts {
		if c.RecordID == recordID {
			return c
		}
	}
	return nil
}
