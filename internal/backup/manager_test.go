package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/applytrack/backend/internal/db"
	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/store"
	"github.com/kimhsiao/applytrack/backend/internal/telemetry"
)

type fixture struct {
	store   *store.Store
	repo    *db.Repository
	manager *Manager
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	database, err := db.OpenPath(":memory:")
	require.NoError(t, err)
	repo := db.NewRepository(database.DB, nil)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	st := store.New(repo, store.WithClock(tick))
	opts = append([]Option{WithClock(tick)}, opts...)
	return &fixture{store: st, repo: repo, manager: NewManager(st, repo, cfg, opts...)}
}

func (f *fixture) seed(t *testing.T, companies ...string) []*models.ApplicationRecord {
	t.Helper()
	var out []*models.ApplicationRecord
	for _, c := range companies {
		rec, err := f.store.Add(context.Background(), &models.ApplicationRecord{
			Company:     c,
			Position:    "Engineer",
			DateApplied: time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC),
			Status:      models.StatusApplied,
			Notes:       "notes for " + c,
			Attachments: []models.Attachment{{Name: "cv.pdf", Content: []byte("cv-" + c)}},
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

// content strips identity and bookkeeping so records can be compared by value.
func content(r *models.ApplicationRecord) models.ApplicationRecord {
	c := *r.Clone()
	c.ID = ""
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	c.SyncedAt = nil
	for i := range c.Attachments {
		c.Attachments[i].UploadedAt = time.Time{}
	}
	return c
}

func TestListRecoveryOptions_Empty(t *testing.T) {
	f := newFixture(t, Config{CacheDir: t.TempDir()})

	options, err := f.manager.ListRecoveryOptions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, options)
	assert.Empty(t, options)
}

func TestCreateBackup_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	before := f.seed(t, "Acme", "Globex")

	snap, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.OriginDatabase, snap.Origin)
	assert.Equal(t, 2, snap.RecordCount)
	assert.False(t, snap.Safety)
	assert.Equal(t, before[1].UpdatedAt, snap.LastModified)

	after, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestListRecoveryOptions_GroupedAndOrdered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{CacheDir: t.TempDir()})
	f.seed(t, "Acme")

	db1, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)
	local1, err := f.manager.CreateLocalBackup(ctx)
	require.NoError(t, err)
	db2, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)
	local2, err := f.manager.CreateLocalBackup(ctx)
	require.NoError(t, err)

	options, err := f.manager.ListRecoveryOptions(ctx)
	require.NoError(t, err)
	require.Len(t, options, 4)

	var got []models.UUID
	for _, o := range options {
		got = append(got, o.ID)
		assert.Nil(t, o.Records)
	}
	assert.Equal(t, []models.UUID{db2.ID, db1.ID, local2.ID, local1.ID}, got)
	assert.Equal(t, models.OriginDatabase, options[0].Origin)
	assert.Equal(t, models.OriginLocalCache, options[3].Origin)
}

func TestRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	original := f.seed(t, "Acme", "Globex", "Initech")

	snap, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)

	outcome, err := f.manager.Restore(ctx, snap.Summary())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, outcome.SnapshotID)
	assert.NotEmpty(t, outcome.SafetyBackupID)
	assert.Equal(t, 3, outcome.Restored)
	assert.False(t, outcome.Partial())
	require.Len(t, outcome.RestoredIDs, 3)

	for i, id := range outcome.RestoredIDs {
		restored, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, original[i].ID, restored.ID)
		assert.True(t, restored.CreatedAt.After(original[i].CreatedAt))
		assert.Equal(t, content(original[i]), content(restored))
	}

	safety, err := f.repo.GetBackup(ctx, outcome.SafetyBackupID)
	require.NoError(t, err)
	assert.True(t, safety.Safety)
	assert.Equal(t, 3, safety.RecordCount)
}

func TestRestore_DedupeOnRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DedupeOnRestore: true})
	f.seed(t, "Acme", "Globex")

	snap, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)
	live, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Remove(ctx, live[0].ID))

	outcome, err := f.manager.Restore(ctx, snap.Summary())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Restored)
	assert.Equal(t, 1, outcome.Skipped)

	after, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestRestore_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	snap := models.NewSnapshot("manual", models.OriginDatabase, time.Now(), []*models.ApplicationRecord{
		{Company: "Acme", Position: "Engineer", Status: models.StatusApplied},
		{Company: "", Position: "Engineer", Status: models.StatusApplied},
		{Company: "Globex", Position: "SRE", Status: models.StatusOffer},
	})

	outcome, err := f.manager.Restore(ctx, *snap)
	require.NoError(t, err)
	assert.True(t, outcome.Partial())
	assert.Equal(t, 2, outcome.Restored)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, 1, outcome.Failed[0].Index)
	assert.Contains(t, outcome.Failed[0].Error, "VALIDATION_ERROR")

	live, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

type failingBackups struct {
	db.BackupRepository
}

func (failingBackups) SaveBackup(context.Context, *models.BackupSnapshot) error {
	return apperrors.Storage("failed to save backup", errors.New("disk I/O error"))
}

func TestRestore_FailsClosedWhenSafetyBackupFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	before := f.seed(t, "Acme")

	snap, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)

	broken := NewManager(f.store, failingBackups{f.repo}, Config{})
	outcome, err := broken.Restore(ctx, *snap)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageFailure))

	after, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRestore_UnknownSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.manager.Restore(context.Background(), models.BackupSnapshot{ID: "missing", Origin: models.OriginDatabase})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestLocalBackup_EncryptedRestore(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.New(true)
	f := newFixture(t, Config{CacheDir: t.TempDir(), Password: "hunter2hunter2"}, WithMetrics(metrics))
	original := f.seed(t, "Acme")

	snap, err := f.manager.CreateLocalBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.OriginLocalCache, snap.Origin)

	outcome, err := f.manager.Restore(ctx, snap.Summary())
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Restored)

	restored, err := f.store.Get(ctx, outcome.RestoredIDs[0])
	require.NoError(t, err)
	assert.Equal(t, content(original[0]), content(restored))

	values, err := metrics.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, values["applytrack_restores_total{status=success}"])
	assert.Equal(t, 1.0, values["applytrack_backups_total{kind=user,origin=local-cache,status=success}"])
	assert.Equal(t, 1.0, values["applytrack_backups_total{kind=safety,origin=database,status=success}"])
}

func TestCreateLocalBackup_NoCacheDir(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.manager.CreateLocalBackup(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestPruneLocalBackups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{CacheDir: t.TempDir()})
	f.seed(t, "Acme")

	var ids []models.UUID
	for i := 0; i < 4; i++ {
		snap, err := f.manager.CreateLocalBackup(ctx)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	removed, err := f.manager.PruneLocalBackups(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.UUID{ids[0], ids[1]}, removed)

	options, err := f.manager.ListRecoveryOptions(ctx)
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.Equal(t, ids[3], options[0].ID)

	removed, err = f.manager.PruneLocalBackups(0)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{CacheDir: t.TempDir()})

	dbSnap, err := f.manager.CreateBackup(ctx)
	require.NoError(t, err)
	localSnap, err := f.manager.CreateLocalBackup(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.DeleteBackup(ctx, models.OriginDatabase, dbSnap.ID))
	require.NoError(t, f.manager.DeleteBackup(ctx, models.OriginLocalCache, localSnap.ID))
	assert.True(t, apperrors.Is(f.manager.DeleteBackup(ctx, models.OriginDatabase, dbSnap.ID), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(f.manager.DeleteBackup(ctx, "tape", "x"), apperrors.ErrInvalid))
}
