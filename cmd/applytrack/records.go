package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/store"
)

const dateLayout = "2006-01-02"

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List, add, update and delete application records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every record",
	Args:  cobra.NoArgs,
	RunE:  runRecordsList,
}

var recordsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a record",
	Args:  cobra.NoArgs,
	RunE:  runRecordsAdd,
}

var recordsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update the given fields of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsUpdate,
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete records after taking a safety backup",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecordsDelete,
}

var recordsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Print the conflict resolutions recorded for a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsHistory,
}

var recordsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove attachment content no record references any more",
	Args:  cobra.NoArgs,
	RunE:  runRecordsGC,
}

// recordFlags are shared by add and update.
type recordFlags struct {
	company         string
	position        string
	date            string
	status          string
	employmentType  string
	workArrangement string
	location        string
	salary          string
	source          string
	url             string
	notes           string
	attach          []string
}

var (
	addFlags    recordFlags
	updateFlags recordFlags
)

func (f *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.company, "company", "", "Company name")
	cmd.Flags().StringVar(&f.position, "position", "", "Position title")
	cmd.Flags().StringVar(&f.date, "date", "", "Date applied (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.status, "status", string(models.StatusApplied), "Applied, Interview, Offer or Rejected")
	cmd.Flags().StringVar(&f.employmentType, "employment-type", "", "Employment type")
	cmd.Flags().StringVar(&f.workArrangement, "work-arrangement", "", "Work arrangement")
	cmd.Flags().StringVar(&f.location, "location", "", "Location")
	cmd.Flags().StringVar(&f.salary, "salary", "", "Salary")
	cmd.Flags().StringVar(&f.source, "source", "", "Where the posting was found")
	cmd.Flags().StringVar(&f.url, "url", "", "Posting URL")
	cmd.Flags().StringVar(&f.notes, "notes", "", "Free-form notes")
	cmd.Flags().StringArrayVar(&f.attach, "attach", nil, "File to attach (repeatable)")
}

func init() {
	addFlags.register(recordsAddCmd)
	updateFlags.register(recordsUpdateCmd)

	if err := recordsAddCmd.MarkFlagRequired("company"); err != nil {
		panic(fmt.Sprintf("failed to mark company flag as required: %v", err))
	}
	if err := recordsAddCmd.MarkFlagRequired("position"); err != nil {
		panic(fmt.Sprintf("failed to mark position flag as required: %v", err))
	}

	recordsCmd.AddCommand(recordsListCmd, recordsAddCmd, recordsUpdateCmd, recordsDeleteCmd, recordsHistoryCmd, recordsGCCmd)
	rootCmd.AddCommand(recordsCmd)
}

func runRecordsList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.store.GetAll(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, records)
	})
}

func runRecordsAdd(cmd *cobra.Command, _ []string) error {
	rec, err := addFlags.record()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		added, err := a.store.Add(ctx, rec)
		if err != nil {
			return err
		}
		return writeJSON(cmd, added)
	})
}

func runRecordsUpdate(cmd *cobra.Command, args []string) error {
	patch, err := updateFlags.patch(cmd)
	if err != nil {
		return err
	}
	id := models.UUID(args[0])
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var updated *models.ApplicationRecord
		err := a.store.Exclusive(ctx, func(ctx context.Context, tx store.RecordStore) error {
			// --attach appends to the existing attachments.
			if patch.Attachments != nil {
				current, err := tx.Get(ctx, id)
				if err != nil {
					return err
				}
				merged := append(current.Attachments, *patch.Attachments...)
				patch.Attachments = &merged
			}
			var err error
			updated, err = tx.Update(ctx, id, patch)
			return err
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd, updated)
	})
}

func runRecordsDelete(cmd *cobra.Command, args []string) error {
	ids := make([]models.UUID, 0, len(args))
	for _, arg := range args {
		ids = append(ids, models.UUID(arg))
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		outcome, err := a.engine.DeleteRecords(ctx, ids)
		if err != nil {
			return err
		}
		return writeJSON(cmd, outcome)
	})
}

func runRecordsHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		logs, err := a.repo.ListConflictLogs(ctx, models.UUID(args[0]))
		if err != nil {
			return err
		}
		return writeJSON(cmd, logs)
	})
}

func runRecordsGC(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var removed int
		err := a.store.Exclusive(ctx, func(ctx context.Context, _ store.RecordStore) error {
			var err error
			removed, err = a.repo.PruneBlobs(ctx)
			return err
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd, map[string]int{"removed": removed})
	})
}

func (f *recordFlags) record() (*models.ApplicationRecord, error) {
	status, err := models.ParseStatus(f.status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid status", err)
	}
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if f.date != "" {
		if date, err = parseDate(f.date); err != nil {
			return nil, err
		}
	}
	attachments, err := readAttachments(f.attach)
	if err != nil {
		return nil, err
	}
	return &models.ApplicationRecord{
		Company:         f.company,
		Position:        f.position,
		DateApplied:     date,
		Status:          status,
		EmploymentType:  f.employmentType,
		WorkArrangement: f.workArrangement,
		Location:        f.location,
		Salary:          f.salary,
		Source:          f.source,
		URL:             f.url,
		Notes:           f.notes,
		Attachments:     attachments,
	}, nil
}

// patch builds a RecordPatch from the flags the user actually set.
func (f *recordFlags) patch(cmd *cobra.Command) (models.RecordPatch, error) {
	var p models.RecordPatch
	changed := cmd.Flags().Changed
	strs := []struct {
		flag string
		val  string
		dst  **string
	}{
		{"company", f.company, &p.Company},
		{"position", f.position, &p.Position},
		{"employment-type", f.employmentType, &p.EmploymentType},
		{"work-arrangement", f.workArrangement, &p.WorkArrangement},
		{"location", f.location, &p.Location},
		{"salary", f.salary, &p.Salary},
		{"source", f.source, &p.Source},
		{"url", f.url, &p.URL},
		{"notes", f.notes, &p.Notes},
	}
	for _, s := range strs {
		if changed(s.flag) {
			v := s.val
			*s.dst = &v
		}
	}
	if changed("status") {
		status, err := models.ParseStatus(f.status)
		if err != nil {
			return p, apperrors.Wrap(apperrors.ErrValidation, "invalid status", err)
		}
		p.Status = &status
	}
	if changed("date") {
		date, err := parseDate(f.date)
		if err != nil {
			return p, err
		}
		p.DateApplied = &date
	}
	if changed("attach") {
		attachments, err := readAttachments(f.attach)
		if err != nil {
			return p, err
		}
		p.Attachments = &attachments
	}
	return p, nil
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s), err)
	}
	return d, nil
}

func readAttachments(paths []string) ([]models.Attachment, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]models.Attachment, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read attachment %s", p), err)
		}
		out = append(out, models.Attachment{
			Name:      filepath.Base(p),
			MediaType: mime.TypeByExtension(filepath.Ext(p)),
			Size:      int64(len(content)),
			Content:   content,
		})
	}
	return out, nil
}
