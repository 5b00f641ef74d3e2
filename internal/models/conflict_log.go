package models

import (
	"strings"
	"time"
)

// DataConflict is a divergence between a local and a remote record sharing an identity.
// Fields lists the differing top-level fields in canonical order and is never empty.
type DataConflict struct {
	ID         UUID               `json:"id"`
	RecordID   UUID               `json:"recordId"`
	Local      *ApplicationRecord `json:"localData"`
	Remote     *ApplicationRecord `json:"remoteData"`
	Fields     []string           `json:"conflictFields"`
	DetectedAt time.Time          `json:"detectedAt"`
}

// HasField reports whether name is one of the conflict fields.
func (c *DataConflict) HasField(name string) bool {
	for _, f := range c.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// ConflictLog records resolved conflicts for user awareness.
type ConflictLog struct {
	ID              UUID      `db:"id" json:"id"`
	ConflictID      UUID      `db:"conflict_id" json:"conflictId"`
	RecordID        UUID      `db:"record_id" json:"recordId"`
	Strategy        string    `db:"strategy" json:"strategy"`
	Fields          string    `db:"fields" json:"fields"` // comma-separated
	LocalUpdatedAt  time.Time `db:"local_updated_at" json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time `db:"remote_updated_at" json:"remoteUpdatedAt"`
	ResolvedAt      time.Time `db:"resolved_at" json:"resolvedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// FieldList splits Fields back into names.
func (c *ConflictLog) FieldList() []string {
	if c.Fields == "" {
		return nil
	}
	return strings.Split(c.Fields, ",")
}
