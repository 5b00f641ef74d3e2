package models

import "time"

// BackupOrigin tags where a snapshot lives.
type BackupOrigin string

const (
	OriginLocalCache BackupOrigin = "local-cache"
	OriginDatabase   BackupOrigin = "database"
)

// BackupSnapshot is an immutable full copy of the record collection.
// Records is nil in listings and loaded on demand for restore.
type BackupSnapshot struct {
	ID           UUID                 `db:"id" json:"id"`
	Origin       BackupOrigin         `db:"origin" json:"origin"`
	CreatedAt    time.Time            `db:"created_at" json:"createdAt"`
	RecordCount  int                  `db:"record_count" json:"recordCount"`
	LastModified time.Time            `db:"last_modified" json:"lastModified"`
	Safety       bool                 `db:"is_safety" json:"safety"`
	Checksum     string               `db:"checksum" json:"checksum,omitempty"`
	Records      []*ApplicationRecord `db:"-" json:"records,omitempty"`
}

// TableName returns the table name for BackupSnapshot.
func (BackupSnapshot) TableName() string {
	return "backups"
}

// NewSnapshot copies records into a snapshot and derives its count and last-modified marker.
func NewSnapshot(id UUID, origin BackupOrigin, createdAt time.Time, records []*ApplicationRecord) *BackupSnapshot {
	snap := &BackupSnapshot{
		ID:        id,
		Origin:    origin,
		CreatedAt: Timestamp(createdAt),
		Records:   make([]*ApplicationRecord, 0, len(records)),
	}
	for _, r := range records {
		snap.Records = append(snap.Records, r.Clone())
		if r.UpdatedAt.After(snap.LastModified) {
			snap.LastModified = r.UpdatedAt
		}
	}
	snap.RecordCount = len(snap.Records)
	return snap
}

// Summary returns a copy without the record payload.
func (s *BackupSnapshot) Summary() BackupSnapshot {
	c := *s
	c.Records = nil
	return c
}

// RestoreFailure describes one snapshot record that could not be re-inserted.
type RestoreFailure struct {
	Index    int    `json:"index"`
	Company  string `json:"company"`
	Position string `json:"position"`
	Error    string `json:"error"`
}

// RecoveryOutcome is the structured result of a restore.
type RecoveryOutcome struct {
	SnapshotID     UUID             `json:"snapshotId"`
	SafetyBackupID UUID             `json:"safetyBackupId"`
	Restored       int              `json:"restored"`
	Skipped        int              `json:"skipped"`
	Failed         []RestoreFailure `json:"failed,omitempty"`
	RestoredIDs    []UUID           `json:"restoredIds,omitempty"`
}

// Partial reports whether some but not all records failed.
func (o *RecoveryOutcome) Partial() bool {
	return len(o.Failed) > 0
}
