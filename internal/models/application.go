package models

import (
	"fmt"
	"time"
)

// Status is the closed set of application states.
type Status string

const (
	StatusApplied   Status = "Applied"
	StatusInterview Status = "Interview"
	StatusOffer     Status = "Offer"
	StatusRejected  Status = "Rejected"
)

// Statuses lists every valid Status in pipeline order.
var Statuses = []Status{StatusApplied, StatusInterview, StatusOffer, StatusRejected}

// ParseStatus resolves a raw status string once, at the boundary.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// ApplicationRecord is the unit of synchronization: one job application.
type ApplicationRecord struct {
	ID              UUID         `db:"id" json:"id"`
	Company         string       `db:"company" json:"company" validate:"required"`
	Position        string       `db:"position" json:"position" validate:"required"`
	DateApplied     time.Time    `db:"date_applied" json:"dateApplied"`
	EmploymentType  string       `db:"employment_type" json:"employmentType,omitempty"`
	WorkArrangement string       `db:"work_arrangement" json:"workArrangement,omitempty"`
	Status          Status       `db:"status" json:"status" validate:"required,oneof=Applied Interview Offer Rejected"`
	Location        string       `db:"location" json:"location,omitempty"`
	Salary          string       `db:"salary" json:"salary,omitempty"`
	Source          string       `db:"source" json:"source,omitempty"`
	URL             string       `db:"url" json:"url,omitempty" validate:"omitempty,url"`
	Notes           string       `db:"notes" json:"notes,omitempty"`
	Attachments     []Attachment `db:"-" json:"attachments,omitempty" validate:"dive"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
	SyncedAt        *time.Time   `db:"synced_at" json:"syncedAt,omitempty"`
}

// TableName returns the table name for ApplicationRecord.
func (ApplicationRecord) TableName() string {
	return "application_records"
}

// Clone returns a deep copy so snapshots never share mutable state.
func (r *ApplicationRecord) Clone() *ApplicationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.SyncedAt != nil {
		s := *r.SyncedAt
		c.SyncedAt = &s
	}
	if r.Attachments != nil {
		c.Attachments = make([]Attachment, len(r.Attachments))
		for i, a := range r.Attachments {
			c.Attachments[i] = a.Clone()
		}
	}
	return &c
}

// BusinessKey identifies the same application across identities.
func (r *ApplicationRecord) BusinessKey() string {
	return fmt.Sprintf("%s\x00%s\x00%s", r.Company, r.Position, r.DateApplied.UTC().Format("2006-01-02"))
}

// NextUpdatedAt returns a mutation timestamp strictly after prev.
func NextUpdatedAt(prev, now time.Time) time.Time {
	now = Timestamp(now)
	if !now.After(prev) {
		return Timestamp(prev).Add(time.Millisecond)
	}
	return now
}

// RecordPatch is a partial update; nil fields are left unchanged.
type RecordPatch struct {
	Company         *string       `json:"company,omitempty"`
	Position        *string       `json:"position,omitempty"`
	DateApplied     *time.Time    `json:"dateApplied,omitempty"`
	EmploymentType  *string       `json:"employmentType,omitempty"`
	WorkArrangement *string       `json:"workArrangement,omitempty"`
	Status          *Status       `json:"status,omitempty"`
	Location        *string       `json:"location,omitempty"`
	Salary          *string       `json:"salary,omitempty"`
	Source          *string       `json:"source,omitempty"`
	URL             *string       `json:"url,omitempty"`
	Notes           *string       `json:"notes,omitempty"`
	Attachments     *[]Attachment `json:"attachments,omitempty"`
	SyncedAt        *time.Time    `json:"syncedAt,omitempty"`
}

// PatchFrom builds a patch that overwrites every mutable field with rec's values.
func PatchFrom(rec *ApplicationRecord) RecordPatch {
	r := rec.Clone()
	atts := r.Attachments
	return RecordPatch{
		Company:         &r.Company,
		Position:        &r.Position,
		DateApplied:     &r.DateApplied,
		EmploymentType:  &r.EmploymentType,
		WorkArrangement: &r.WorkArrangement,
		Status:          &r.Status,
		Location:        &r.Location,
		Salary:          &r.Salary,
		Source:          &r.Source,
		URL:             &r.URL,
		Notes:           &r.Notes,
		Attachments:     &atts,
		SyncedAt:        r.SyncedAt,
	}
}

// Apply writes the non-nil patch fields into rec.
func (p RecordPatch) Apply(rec *ApplicationRecord) {
	if p.Company != nil {
		rec.Company = *p.Company
	}
	if p.Position != nil {
		rec.Position = *p.Position
	}
	if p.DateApplied != nil {
		rec.DateApplied = *p.DateApplied
	}
	if p.EmploymentType != nil {
		rec.EmploymentType = *p.EmploymentType
	}
	if p.WorkArrangement != nil {
		rec.WorkArrangement = *p.WorkArrangement
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Location != nil {
		rec.Location = *p.Location
	}
	if p.Salary != nil {
		rec.Salary = *p.Salary
	}
	if p.Source != nil {
		rec.Source = *p.Source
	}
	if p.URL != nil {
		rec.URL = *p.URL
	}
	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
	if p.Attachments != nil {
		rec.Attachments = make([]Attachment, len(*p.Attachments))
		for i, a := range *p.Attachments {
			rec.Attachments[i] = a.Clone()
		}
	}
	if p.SyncedAt != nil {
		s := Timestamp(*p.SyncedAt)
		rec.SyncedAt = &s
	}
}
