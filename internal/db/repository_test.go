// Package db provides unit tests for repository operations.
package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/sync/storage"
)

// setupTestRepo opens a migrated in-memory database.
func setupTestRepo(t *testing.T, blobs *storage.BlobStore) *Repository {
	t.Helper()
	database, err := OpenPath(":memory:")
	require.NoError(t, err)
	repo := NewRepository(database.DB, blobs)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sampleRecord(id string) *models.ApplicationRecord {
	synced := baseTime.Add(time.Minute)
	return &models.ApplicationRecord{
		ID:              models.UUID(id),
		Company:         "Acme",
		Position:        "Backend Engineer",
		DateApplied:     time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		EmploymentType:  "Full-time",
		WorkArrangement: "Remote",
		Status:          models.StatusApplied,
		Location:        "Berlin",
		Salary:          "90k",
		Source:          "referral",
		URL:             "https://acme.example/jobs/1",
		Notes:           "first round scheduled",
		Attachments: []models.Attachment{{
			ID: "att-1", Name: "cv.pdf", MediaType: "application/pdf", Size: 3,
			Content: []byte("pdf"), UploadedAt: baseTime,
		}},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
		SyncedAt:  &synced,
	}
}

func TestRepository_RecordCRUD(t *testing.T) {
	for _, tc := range []struct {
		name  string
		blobs func(t *testing.T) *storage.BlobStore
	}{
		{"inline content", func(*testing.T) *storage.BlobStore { return nil }},
		{"blob store", func(t *testing.T) *storage.BlobStore { return storage.NewBlobStore(t.TempDir()) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			repo := setupTestRepo(t, tc.blobs(t))

			rec := sampleRecord("r-1")
			require.NoError(t, repo.InsertRecord(ctx, rec))

			got, err := repo.GetRecord(ctx, "r-1")
			require.NoError(t, err)
			expected := rec.Clone()
			expected.Attachments[0].ContentHash = storage.CalculateHash([]byte("pdf"))
			assert.Equal(t, expected, got)

			got.Status = models.StatusInterview
			got.Attachments = nil
			got.SyncedAt = nil
			got.UpdatedAt = baseTime.Add(time.Hour)
			require.NoError(t, repo.UpdateRecord(ctx, got))

			reloaded, err := repo.GetRecord(ctx, "r-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusInterview, reloaded.Status)
			assert.Empty(t, reloaded.Attachments)
			assert.Nil(t, reloaded.SyncedAt)

			list, err := repo.ListRecords(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, repo.DeleteRecord(ctx, "r-1"))
			_, err = repo.GetRecord(ctx, "r-1")
			assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		})
	}
}

func TestRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)

	err := repo.UpdateRecord(ctx, sampleRecord("missing"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "update: %v", err)

	err = repo.DeleteRecord(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "delete: %v", err)

	_, err = repo.GetBackup(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "backup: %v", err)
}

func TestRepository_InsertDuplicateIsStorageFailure(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)
	require.NoError(t, repo.InsertRecord(ctx, sampleRecord("dup")))

	err := repo.InsertRecord(ctx, sampleRecord("dup"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageFailure), "got %v", err)
}

func TestRepository_ReplaceRecordsIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)
	require.NoError(t, repo.InsertRecord(ctx, sampleRecord("old")))

	require.NoError(t, repo.ReplaceRecords(ctx, []*models.ApplicationRecord{sampleRecord("a"), sampleRecord("b")}))
	list, err := repo.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Len(t, list[0].Attachments, 1)

	// Second element violates the primary key; nothing may change.
	err = repo.ReplaceRecords(ctx, []*models.ApplicationRecord{sampleRecord("c"), sampleRecord("c")})
	assert.Error(t, err)
	list, err = repo.ListRecords(ctx)
	require.NoError(t, err)
	ids := []models.UUID{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []models.UUID{"a", "b"}, ids)
}

func TestRepository_Backups(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)

	older := models.NewSnapshot("b-old", models.OriginDatabase, baseTime, []*models.ApplicationRecord{sampleRecord("r-1")})
	newer := models.NewSnapshot("b-new", models.OriginDatabase, baseTime.Add(time.Hour), nil)
	newer.Safety = true
	require.NoError(t, repo.SaveBackup(ctx, older))
	require.NoError(t, repo.SaveBackup(ctx, newer))

	list, err := repo.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.UUID("b-new"), list[0].ID)
	assert.True(t, list[0].Safety)
	assert.Nil(t, list[1].Records)
	assert.Equal(t, 1, list[1].RecordCount)

	loaded, err := repo.GetBackup(ctx, "b-old")
	require.NoError(t, err)
	require.Len(t, loaded.Records, 1)
	assert.Equal(t, "Acme", loaded.Records[0].Company)
	assert.True(t, loaded.Records[0].UpdatedAt.Equal(baseTime))

	require.NoError(t, repo.DeleteBackup(ctx, "b-old"))
	list, err = repo.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRepository_BackupChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)
	snap := models.NewSnapshot("b-1", models.OriginDatabase, baseTime, []*models.ApplicationRecord{sampleRecord("r-1")})
	require.NoError(t, repo.SaveBackup(ctx, snap))

	_, err := repo.db.Exec(`UPDATE backups SET payload = ? WHERE id = ?`, []byte(`[]`), "b-1")
	require.NoError(t, err)

	_, err = repo.GetBackup(ctx, "b-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCorruptedArchive), "got %v", err)
}

func TestRepository_ListBackupsEmpty(t *testing.T) {
	repo := setupTestRepo(t, nil)
	list, err := repo.ListBackups(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestRepository_ConflictLog(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, nil)

	entry := &models.ConflictLog{
		ID: "log-1", ConflictID: "c-1", RecordID: "r-1", Strategy: "merge",
		Fields: "status,notes", LocalUpdatedAt: baseTime, RemoteUpdatedAt: baseTime.Add(time.Second),
		ResolvedAt: baseTime.Add(time.Minute),
	}
	require.NoError(t, repo.CreateConflictLog(ctx, entry))

	logs, err := repo.ListConflictLogs(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"status", "notes"}, logs[0].FieldList())
	assert.True(t, logs[0].RemoteUpdatedAt.Equal(entry.RemoteUpdatedAt))
}

func TestRepository_AttachmentHashes(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t, storage.NewBlobStore(t.TempDir()))
	require.NoError(t, repo.InsertRecord(ctx, sampleRecord("r-1")))

	hashes, err := repo.AttachmentHashes(ctx)
	require.NoError(t, err)
	assert.True(t, hashes[storage.CalculateHash([]byte("pdf"))])
}

func TestRepository_PruneBlobs(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewBlobStore(t.TempDir())
	repo := setupTestRepo(t, blobs)
	require.NoError(t, repo.InsertRecord(ctx, sampleRecord("r-1")))
	orphan, err := blobs.Put([]byte("orphaned cover letter"))
	require.NoError(t, err)

	removed, err := repo.PruneBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, blobs.Exists(orphan))
	assert.True(t, blobs.Exists(storage.CalculateHash([]byte("pdf"))))

	require.NoError(t, repo.DeleteRecord(ctx, "r-1"))
	removed, err = repo.PruneBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRepository_PruneBlobsWithoutBlobStore(t *testing.T) {
	repo := setupTestRepo(t, nil)
	removed, err := repo.PruneBlobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
