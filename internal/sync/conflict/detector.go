// Package conflict detects divergent local/remote application records and
// resolves them with a user-chosen strategy.
package conflict

import (
	"time"

	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/uuid"
)

// Detector compares local and remote records field by field.
type Detector struct {
	now   func() time.Time
	newID func() string
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the detection timestamp source.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// WithConflictIDs overrides conflict identity generation.
func WithConflictIDs(newID func() string) DetectorOption {
	return func(d *Detector) { d.newID = newID }
}

// NewDetector creates a Detector.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{now: time.Now, newID: uuid.New}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiffFields returns the top-level fields on which local and remote differ,
// in canonical order. Identity is never compared.
func DiffFields(local, remote *models.ApplicationRecord) []string {
	var fields []string
	for _, f := range fieldOrder {
		if !f.equal(local, remote) {
			fields = append(fields, f.name)
		}
	}
	return fields
}

// Detect compares two records sharing an identity. It reports false when
// either side is missing, the identities differ, or every field is equal.
func (d *Detector) Detect(local, remote *models.ApplicationRecord) (*models.DataConflict, bool) {
	if local == nil || remote == nil || local.ID != remote.ID {
		return nil, false
	}

	fields := DiffFields(local, remote)
	if len(fields) == 0 {
		return nil, false
	}

	c := &models.DataConflict{
		ID:         models.UUID(d.newID()),
		RecordID:   local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Fields:     fields,
		DetectedAt: models.Timestamp(d.now()),
	}

	logging.Warn("Data conflict detected",
		map[string]interface{}{
			"conflict_id":       c.ID,
			"record_id":         c.RecordID,
			"fields":            fields,
			"local_updated_at":  local.UpdatedAt,
			"remote_updated_at": remote.UpdatedAt,
		})

	return c, true
}

// DetectAll pairs the two collections by identity and returns one conflict
// per differing pair, in the order of the local collection. Records present
// on only one side are not conflicts.
func (d *Detector) DetectAll(local, remote []*models.ApplicationRecord) []*models.DataConflict {
	byID := make(map[models.UUID]*models.ApplicationRecord, len(remote))
	for _, r := range remote {
		if r != nil {
			byID[r.ID] = r
		}
	}

	conflicts := make([]*models.DataConflict, 0)
	seen := make(map[models.UUID]bool, len(local))
	for _, l := range local {
		if l == nil || seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		if c, ok := d.Detect(l, byID[l.ID]); ok {
			conflicts = append(conflicts, c)
		}
	}

	logging.Debug("Conflict detection finished",
		map[string]interface{}{
			"local":     len(local),
			"remote":    len(remote),
			"conflicts": len(conflicts),
		})

	return conflicts
}
