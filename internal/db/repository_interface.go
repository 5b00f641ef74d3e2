package db

import (
	"context"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// RecordRepository defines persistence for the live record collection.
type RecordRepository interface {
	// ListRecords returns every record with its attachments.
	ListRecords(ctx context.Context) ([]*models.ApplicationRecord, error)

	// GetRecord retrieves a record by ID.
	GetRecord(ctx context.Context, id models.UUID) (*models.ApplicationRecord, error)

	// InsertRecord stores a fully-populated new record.
	InsertRecord(ctx context.Context, rec *models.ApplicationRecord) error

	// UpdateRecord overwrites an existing record.
	UpdateRecord(ctx context.Context, rec *models.ApplicationRecord) error

	// DeleteRecord removes a record.
	DeleteRecord(ctx context.Context, id models.UUID) error

	// ReplaceRecords atomically swaps the whole collection.
	ReplaceRecords(ctx context.Context, records []*models.ApplicationRecord) error
}

// BackupRepository defines persistence for database-origin snapshots.
type BackupRepository interface {
	SaveBackup(ctx context.Context, snap *models.BackupSnapshot) error
	ListBackups(ctx context.Context) ([]models.BackupSnapshot, error)
	GetBackup(ctx context.Context, id models.UUID) (*models.BackupSnapshot, error)
	DeleteBackup(ctx context.Context, id models.UUID) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, recordID models.UUID) ([]*models.ConflictLog, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository      = (*Repository)(nil)
	_ BackupRepository      = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
)
