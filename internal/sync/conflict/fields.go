package conflict

import (
	"sort"
	"time"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// Field names as they appear in DataConflict.Fields.
const (
	FieldCompany         = "company"
	FieldPosition        = "position"
	FieldDateApplied     = "dateApplied"
	FieldStatus          = "status"
	FieldEmploymentType  = "employmentType"
	FieldWorkArrangement = "workArrangement"
	FieldLocation        = "location"
	FieldSalary          = "salary"
	FieldSource          = "source"
	FieldURL             = "url"
	FieldNotes           = "notes"
	FieldAttachments     = "attachments"
	FieldCreatedAt       = "createdAt"
	FieldUpdatedAt       = "updatedAt"
	FieldSyncedAt        = "syncedAt"
)

// fieldSpec knows how to compare one top-level field and copy it between records.
type fieldSpec struct {
	name  string
	equal func(a, b *models.ApplicationRecord) bool
	take  func(dst, src *models.ApplicationRecord)
}

func stringField(name string, get func(r *models.ApplicationRecord) *string) fieldSpec {
	return fieldSpec{
		name:  name,
		equal: func(a, b *models.ApplicationRecord) bool { return *get(a) == *get(b) },
		take:  func(dst, src *models.ApplicationRecord) { *get(dst) = *get(src) },
	}
}

func timeField(name string, get func(r *models.ApplicationRecord) *time.Time) fieldSpec {
	return fieldSpec{
		name:  name,
		equal: func(a, b *models.ApplicationRecord) bool { return sameInstant(*get(a), *get(b)) },
		take:  func(dst, src *models.ApplicationRecord) { *get(dst) = *get(src) },
	}
}

// sameInstant compares parsed instants; two zero values are both unset.
func sameInstant(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return a.Equal(b)
}

// fieldOrder is the canonical field order. The resolution UI renders fields
// in this order, so it must not change.
//
// updatedAt is compared like any other field, so a one-sided status edit
// reports [status updatedAt], not [status] alone; only edits that leave both
// timestamps equal report status by itself.
var fieldOrder = []fieldSpec{
	stringField(FieldCompany, func(r *models.ApplicationRecord) *string { return &r.Company }),
	stringField(FieldPosition, func(r *models.ApplicationRecord) *string { return &r.Position }),
	timeField(FieldDateApplied, func(r *models.ApplicationRecord) *time.Time { return &r.DateApplied }),
	{
		name:  FieldStatus,
		equal: func(a, b *models.ApplicationRecord) bool { return a.Status == b.Status },
		take:  func(dst, src *models.ApplicationRecord) { dst.Status = src.Status },
	},
	stringField(FieldEmploymentType, func(r *models.ApplicationRecord) *string { return &r.EmploymentType }),
	stringField(FieldWorkArrangement, func(r *models.ApplicationRecord) *string { return &r.WorkArrangement }),
	stringField(FieldLocation, func(r *models.ApplicationRecord) *string { return &r.Location }),
	stringField(FieldSalary, func(r *models.ApplicationRecord) *string { return &r.Salary }),
	stringField(FieldSource, func(r *models.ApplicationRecord) *string { return &r.Source }),
	stringField(FieldURL, func(r *models.ApplicationRecord) *string { return &r.URL }),
	stringField(FieldNotes, func(r *models.ApplicationRecord) *string { return &r.Notes }),
	{
		name:  FieldAttachments,
		equal: func(a, b *models.ApplicationRecord) bool { return sameAttachmentSet(a.Attachments, b.Attachments) },
		take: func(dst, src *models.ApplicationRecord) {
			dst.Attachments = src.Clone().Attachments
		},
	},
	timeField(FieldCreatedAt, func(r *models.ApplicationRecord) *time.Time { return &r.CreatedAt }),
	timeField(FieldUpdatedAt, func(r *models.ApplicationRecord) *time.Time { return &r.UpdatedAt }),
	{
		name: FieldSyncedAt,
		equal: func(a, b *models.ApplicationRecord) bool {
			return sameInstant(derefTime(a.SyncedAt), derefTime(b.SyncedAt))
		},
		take: func(dst, src *models.ApplicationRecord) {
			dst.SyncedAt = src.Clone().SyncedAt
		},
	},
}

var fieldIndex = func() map[string]int {
	idx := make(map[string]int, len(fieldOrder))
	for i, f := range fieldOrder {
		idx[f.name] = i
	}
	return idx
}()

// CanonicalFields returns the comparable field names in canonical order.
func CanonicalFields() []string {
	names := make([]string, len(fieldOrder))
	for i, f := range fieldOrder {
		names[i] = f.name
	}
	return names
}

// SortFields orders names canonically; unknown names sort last, alphabetically.
func SortFields(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		a, aok := fieldIndex[names[i]]
		b, bok := fieldIndex[names[j]]
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return names[i] < names[j]
		}
	})
}

func lookupField(name string) (fieldSpec, bool) {
	i, ok := fieldIndex[name]
	if !ok {
		return fieldSpec{}, false
	}
	return fieldOrder[i], true
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// sameAttachmentSet compares attachments as sets of (id, content hash).
func sameAttachmentSet(a, b []models.Attachment) bool {
	keys := make(map[string]int, len(a))
	for _, att := range a {
		keys[att.Key()]++
	}
	distinctB := make(map[string]bool, len(b))
	for _, att := range b {
		k := att.Key()
		if _, ok := keys[k]; !ok {
			return false
		}
		distinctB[k] = true
	}
	return len(distinctB) == len(keys)
}

// unionAttachments keeps every attachment from either side: local order first,
// then remote attachments not already present.
func unionAttachments(local, remote []models.Attachment) []models.Attachment {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]models.Attachment, 0, len(local)+len(remote))
	for _, side := range [][]models.Attachment{local, remote} {
		for _, att := range side {
			k := att.Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, att.Clone())
		}
	}
	return out
}
