package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_RecordsAndBackups(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APPLYTRACK_DATA_DIR", dir)
	t.Setenv("APPLYTRACK_LOG_LEVEL", "error")

	out, err := execute(t, "records", "add", "--company", "Acme", "--position", "Engineer", "--date", "2024-03-01", "--status", "Interview")
	require.NoError(t, err)
	var added models.ApplicationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, models.StatusInterview, added.Status)

	out, err = execute(t, "records", "list")
	require.NoError(t, err)
	var records []models.ApplicationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Acme", records[0].Company)

	out, err = execute(t, "backup", "create")
	require.NoError(t, err)
	var snap models.BackupSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, models.OriginDatabase, snap.Origin)
	assert.Equal(t, 1, snap.RecordCount)

	out, err = execute(t, "backup", "list")
	require.NoError(t, err)
	var options []models.BackupSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &options))
	require.Len(t, options, 1)
	assert.Equal(t, snap.ID, options[0].ID)

	out, err = execute(t, "records", "history", string(added.ID))
	require.NoError(t, err)
	var history []models.ConflictLog
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Empty(t, history)

	out, err = execute(t, "records", "gc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed": 0}`, out)
}

func TestCLI_ConflictsWithoutRemote(t *testing.T) {
	t.Setenv("APPLYTRACK_DATA_DIR", t.TempDir())
	t.Setenv("APPLYTRACK_LOG_LEVEL", "error")

	_, err := execute(t, "conflicts", "detect")
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteNotConfigured), "got %v", err)
}

func TestParseOrigin(t *testing.T) {
	o, err := parseOrigin("local-cache")
	require.NoError(t, err)
	assert.Equal(t, models.OriginLocalCache, o)

	_, err = parseOrigin("floppy")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRecordFlags_Record(t *testing.T) {
	f := recordFlags{company: "Acme", position: "Engineer", status: "Offer", date: "2024-02-29"}
	rec, err := f.record()
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffer, rec.Status)
	assert.Equal(t, 29, rec.DateApplied.Day())

	f.status = "Ghosted"
	_, err = f.record()
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	f.status = "Applied"
	f.date = "03/01/2024"
	_, err = f.record()
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestRecordFlags_PatchOnlyChanged(t *testing.T) {
	var f recordFlags
	cmd := &cobra.Command{Use: "update"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--status", "Rejected", "--notes", ""}))

	p, err := f.patch(cmd)
	require.NoError(t, err)
	require.NotNil(t, p.Status)
	assert.Equal(t, models.StatusRejected, *p.Status)
	require.NotNil(t, p.Notes)
	assert.Equal(t, "", *p.Notes)
	assert.Nil(t, p.Company)
	assert.Nil(t, p.DateApplied)
	assert.Nil(t, p.Attachments)
}

func TestReadAttachments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o600))

	atts, err := readAttachments([]string{path})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "resume.pdf", atts[0].Name)
	assert.Equal(t, int64(8), atts[0].Size)

	_, err = readAttachments([]string{filepath.Join(t.TempDir(), "missing.pdf")})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestFindConflict(t *testing.T) {
	c := &models.DataConflict{ID: "c1", RecordID: "r1", Local: &models.ApplicationRecord{ID: "r1"}, Remote: &models.ApplicationRecord{ID: "r1"}}
	assert.Same(t, c, findConflict([]*models.DataConflict{c}, "r1"))
	assert.Nil(t, findConflict([]*models.DataConflict{c}, "r2"))
}
