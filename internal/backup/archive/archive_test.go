package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

func sampleSnapshot(id models.UUID, createdAt time.Time) *models.BackupSnapshot {
	records := []*models.ApplicationRecord{
		{
			ID:          "r1",
			Company:     "Acme",
			Position:    "Backend Engineer",
			DateApplied: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			Status:      models.StatusApplied,
			Attachments: []models.Attachment{{ID: "a1", Name: "cv.pdf", Content: []byte("cv"), ContentHash: "h"}},
			CreatedAt:   createdAt.Add(-time.Hour),
			UpdatedAt:   createdAt.Add(-time.Minute),
		},
		{
			ID:        "r2",
			Company:   "Globex",
			Position:  "SRE",
			Status:    models.StatusOffer,
			CreatedAt: createdAt.Add(-time.Hour),
			UpdatedAt: createdAt.Add(-time.Hour),
		},
	}
	return models.NewSnapshot(id, models.OriginLocalCache, createdAt, records)
}

func TestWriteLoad_Plain(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := sampleSnapshot("s1", created)

	info, err := Write(dir, snap, "")
	require.NoError(t, err)
	assert.Equal(t, PathFor(dir, "s1"), info.Path)
	assert.Positive(t, info.SizeBytes)
	assert.False(t, info.Manifest.Encrypted)
	assert.Len(t, info.Manifest.Checksum, 64)
	assert.Equal(t, info.Manifest.Checksum, snap.Checksum)

	loaded, err := Load(info.Path, "")
	require.NoError(t, err)
	assert.Equal(t, models.OriginLocalCache, loaded.Origin)
	assert.Equal(t, 2, loaded.RecordCount)
	assert.True(t, created.Equal(loaded.CreatedAt))
	assert.Equal(t, snap.Records, loaded.Records)

	_, err = os.Stat(info.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteLoad_Encrypted(t *testing.T) {
	dir := t.TempDir()
	snap := sampleSnapshot("s1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	info, err := Write(dir, snap, "correct horse")
	require.NoError(t, err)
	assert.True(t, info.Manifest.Encrypted)

	m, err := ReadManifest(info.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RecordCount)

	loaded, err := Load(info.Path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, snap.Records, loaded.Records)

	_, err = Load(info.Path, "wrong password")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))

	_, err = Load(info.Path, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))
}

func TestWrite_ShortPassword(t *testing.T) {
	_, err := Write(t.TempDir(), sampleSnapshot("s1", time.Now()), "short")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(PathFor(t.TempDir(), "nope"), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestLoad_Corrupted(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "bad")
	require.NoError(t, os.WriteFile(path, []byte("not a gzip stream"), 0o600))

	_, err := Load(path, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCorruptedArchive))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := Write(dir, sampleSnapshot("old", base), "")
	require.NoError(t, err)
	_, err = Write(dir, sampleSnapshot("new", base.Add(time.Hour)), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(PathFor(dir, "junk"), []byte("junk"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, models.UUID("new"), infos[0].Manifest.SnapshotID)
	assert.Equal(t, models.UUID("old"), infos[1].Manifest.SnapshotID)

	summary := infos[0].Snapshot()
	assert.Nil(t, summary.Records)
	assert.Equal(t, models.OriginLocalCache, summary.Origin)
}

func TestList_MissingDir(t *testing.T) {
	infos, err := List(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.NotNil(t, infos)
	assert.Empty(t, infos)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	info, err := Write(dir, sampleSnapshot("s1", time.Now()), "")
	require.NoError(t, err)

	require.NoError(t, Remove(info.Path))
	assert.True(t, apperrors.Is(Remove(info.Path), apperrors.ErrNotFound))
}
