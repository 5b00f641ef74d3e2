// Package backup takes, lists and restores snapshots of the record
// collection. Database-origin snapshots live in the sqlite backups table;
// local-cache snapshots are archive files in the cache directory.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/applytrack/backend/internal/backup/archive"
	"github.com/kimhsiao/applytrack/backend/internal/db"
	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/store"
	"github.com/kimhsiao/applytrack/backend/internal/telemetry"
	"github.com/kimhsiao/applytrack/backend/internal/uuid"
)

// Config holds backup manager settings.
type Config struct {
	CacheDir string // local-cache archive directory; empty disables local-cache snapshots
	Password string // local-cache archive password; empty leaves archives unencrypted

	// DedupeOnRestore skips snapshot records whose company, position and
	// dateApplied match a live record.
	DedupeOnRestore bool
}

// Manager owns backup snapshots.
type Manager struct {
	store   store.Serializer
	repo    db.BackupRepository
	config  Config
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches telemetry.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager over the record store and backup repository.
func NewManager(st store.Serializer, repo db.BackupRepository, config Config, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		repo:   repo,
		config: config,
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateBackup snapshots the live collection into the database. It never
// mutates the live collection.
func (m *Manager) CreateBackup(ctx context.Context) (*models.BackupSnapshot, error) {
	records, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return m.saveDatabaseSnapshot(ctx, records, false)
}

// SafetyBackup snapshots the collection visible through tx before a
// destructive operation. Callers must abort the operation on error.
func (m *Manager) SafetyBackup(ctx context.Context, tx store.RecordStore) (*models.BackupSnapshot, error) {
	records, err := tx.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return m.saveDatabaseSnapshot(ctx, records, true)
}

func (m *Manager) saveDatabaseSnapshot(ctx context.Context, records []*models.ApplicationRecord, safety bool) (*models.BackupSnapshot, error) {
	start := time.Now()
	snap := models.NewSnapshot(models.UUID(m.newID()), models.OriginDatabase, m.now(), records)
	snap.Safety = safety

	// The snapshot must be durable even if the caller gives up.
	err := m.repo.SaveBackup(context.WithoutCancel(ctx), snap)
	m.metrics.ObserveBackup(models.OriginDatabase, safety, time.Since(start), err)
	if err != nil {
		logging.Error("Backup failed", err, map[string]interface{}{"safety": safety})
		return nil, err
	}

	logging.Info("Backup created",
		map[string]interface{}{
			"backup_id": snap.ID,
			"origin":    snap.Origin,
			"records":   snap.RecordCount,
			"safety":    safety,
		})
	return snap, nil
}

// CreateLocalBackup snapshots the live collection into a local-cache archive.
func (m *Manager) CreateLocalBackup(ctx context.Context) (*models.BackupSnapshot, error) {
	if m.config.CacheDir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "backup cache directory is not configured")
	}
	records, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	snap := models.NewSnapshot(models.UUID(m.newID()), models.OriginLocalCache, m.now(), records)
	_, err = archive.Write(m.config.CacheDir, snap, m.config.Password)
	m.metrics.ObserveBackup(models.OriginLocalCache, false, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListRecoveryOptions returns snapshot summaries from every origin: database
// snapshots first, then local-cache, each most recent first. Records are not
// loaded. No backups yields an empty slice.
func (m *Manager) ListRecoveryOptions(ctx context.Context) ([]models.BackupSnapshot, error) {
	options, err := m.repo.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = []models.BackupSnapshot{}
	}

	if m.config.CacheDir != "" {
		infos, err := archive.List(m.config.CacheDir)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			options = append(options, info.Snapshot())
		}
	}
	return options, nil
}

// LoadSnapshot returns a snapshot with its records.
func (m *Manager) LoadSnapshot(ctx context.Context, origin models.BackupOrigin, id models.UUID) (*models.BackupSnapshot, error) {
	switch origin {
	case models.OriginDatabase:
		return m.repo.GetBackup(ctx, id)
	case models.OriginLocalCache:
		if m.config.CacheDir == "" {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", id)
		}
		return archive.Load(archive.PathFor(m.config.CacheDir, id), m.config.Password)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown backup origin %q", origin)
	}
}

// DeleteBackup removes a snapshot.
func (m *Manager) DeleteBackup(ctx context.Context, origin models.BackupOrigin, id models.UUID) error {
	switch origin {
	case models.OriginDatabase:
		return m.repo.DeleteBackup(ctx, id)
	case models.OriginLocalCache:
		if m.config.CacheDir == "" {
			return apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", id)
		}
		return archive.Remove(archive.PathFor(m.config.CacheDir, id))
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown backup origin %q", origin)
	}
}

// PruneLocalBackups keeps the newest keep local-cache archives and removes
// the rest. keep <= 0 keeps everything.
func (m *Manager) PruneLocalBackups(keep int) ([]models.UUID, error) {
	if keep <= 0 || m.config.CacheDir == "" {
		return nil, nil
	}
	infos, err := archive.List(m.config.CacheDir)
	if err != nil {
		return nil, err
	}
	if len(infos) <= keep {
		return nil, nil
	}

	var removed []models.UUID
	for _, info := range infos[keep:] {
		if err := archive.Remove(info.Path); err != nil {
			logging.Warn("Failed to prune snapshot archive",
				map[string]interface{}{"path": info.Path, "error": err.Error()})
			continue
		}
		removed = append(removed, info.Manifest.SnapshotID)
	}
	logging.Info("Pruned local-cache snapshots",
		map[string]interface{}{"removed": len(removed), "kept": keep})
	return removed, nil
}

// Restore re-inserts a snapshot's records while holding the record store's
// token, so no other mutation interleaves between the safety backup and the
// last insert.
func (m *Manager) Restore(ctx context.Context, snap models.BackupSnapshot) (*models.RecoveryOutcome, error) {
	var outcome *models.RecoveryOutcome
	err := m.store.Exclusive(ctx, func(ctx context.Context, tx store.RecordStore) error {
		var err error
		outcome, err = m.RestoreInto(ctx, tx, snap)
		return err
	})
	return outcome, err
}

// RestoreInto performs a restore through tx, which the caller must hold
// exclusively. It takes a safety backup first and aborts if that fails.
// Records are inserted as new records with fresh identities; failed inserts
// are reported in the outcome and earlier inserts are kept.
func (m *Manager) RestoreInto(ctx context.Context, tx store.RecordStore, snap models.BackupSnapshot) (*models.RecoveryOutcome, error) {
	start := time.Now()
	outcome, err := m.restoreInto(ctx, tx, snap)
	m.metrics.ObserveRestore(outcome, time.Since(start), err)
	return outcome, err
}

func (m *Manager) restoreInto(ctx context.Context, tx store.RecordStore, snap models.BackupSnapshot) (*models.RecoveryOutcome, error) {
	full := &snap
	if snap.Records == nil {
		loaded, err := m.LoadSnapshot(ctx, snap.Origin, snap.ID)
		if err != nil {
			return nil, err
		}
		full = loaded
	}

	safety, err := m.SafetyBackup(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("restore aborted, safety backup failed: %w", err)
	}

	outcome := &models.RecoveryOutcome{
		SnapshotID:     full.ID,
		SafetyBackupID: safety.ID,
		RestoredIDs:    []models.UUID{},
	}

	var existing map[string]bool
	if m.config.DedupeOnRestore {
		live, err := tx.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		existing = make(map[string]bool, len(live))
		for _, r := range live {
			existing[r.BusinessKey()] = true
		}
	}

	for i, rec := range full.Records {
		if rec == nil {
			outcome.Failed = append(outcome.Failed, models.RestoreFailure{Index: i, Error: "empty snapshot record"})
			continue
		}
		if existing != nil && existing[rec.BusinessKey()] {
			outcome.Skipped++
			continue
		}

		data := rec.Clone()
		data.ID = ""
		added, err := tx.Add(ctx, data)
		if err != nil {
			outcome.Failed = append(outcome.Failed, models.RestoreFailure{
				Index:    i,
				Company:  rec.Company,
				Position: rec.Position,
				Error:    err.Error(),
			})
			continue
		}
		outcome.Restored++
		outcome.RestoredIDs = append(outcome.RestoredIDs, added.ID)
		if existing != nil {
			existing[added.BusinessKey()] = true
		}
	}

	ctxMap := map[string]interface{}{
		"snapshot_id":      outcome.SnapshotID,
		"safety_backup_id": outcome.SafetyBackupID,
		"restored":         outcome.Restored,
		"skipped":          outcome.Skipped,
		"failed":           len(outcome.Failed),
	}
	if outcome.Partial() {
		ctxMap["code"] = apperrors.ErrPartialRecovery
		logging.Warn("Restore completed with failures", ctxMap)
	} else {
		logging.Info("Restore completed", ctxMap)
	}
	return outcome, nil
}
