// Package sync coordinates conflict detection, resolution and recovery
// around the record store.
package sync

import (
	"context"

	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/sync/conflict"
)

// Orchestrator is the surface the presentation layer calls. All inputs and
// outputs are plain data.
type Orchestrator interface {
	// DetectConflicts compares the local collection with the remote one.
	DetectConflicts(ctx context.Context) ([]*models.DataConflict, error)

	// ResolveConflict settles one conflict and commits the result.
	ResolveConflict(ctx context.Context, c *models.DataConflict, s conflict.Strategy) (*models.ApplicationRecord, error)

	// ResolveAll settles every conflict with one strategy, all or nothing.
	ResolveAll(ctx context.Context, conflicts []*models.DataConflict, s conflict.Strategy) ([]*models.ApplicationRecord, error)

	// ListRecoveryOptions lists snapshots from every origin.
	ListRecoveryOptions(ctx context.Context) ([]models.BackupSnapshot, error)

	// Restore re-inserts a snapshot after taking a safety backup.
	Restore(ctx context.Context, snap models.BackupSnapshot) (*models.RecoveryOutcome, error)

	// DeleteRecords removes records after taking a safety backup.
	DeleteRecords(ctx context.Context, ids []models.UUID) (*DeleteOutcome, error)

	// Push uploads the local collection to the remote source.
	Push(ctx context.Context) (*PushResult, error)

	// SetEventHandler registers a callback for engine events.
	SetEventHandler(handler EventHandler)

	// Status returns the current engine status.
	Status() Status

	// LastError returns the last error an operation returned.
	LastError() error
}
