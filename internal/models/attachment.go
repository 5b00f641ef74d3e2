package models

import (
	"time"

	"github.com/kimhsiao/applytrack/backend/internal/sync/storage"
)

// Attachment is a file attached to an application (resume, cover letter, offer).
type Attachment struct {
	ID          UUID      `db:"id" json:"id"`
	Name        string    `db:"name" json:"name" validate:"required"`
	MediaType   string    `db:"media_type" json:"mediaType"`
	Size        int64     `db:"size_bytes" json:"size"`
	Content     []byte    `db:"-" json:"content,omitempty"`
	ContentHash string    `db:"content_hash" json:"contentHash"`
	UploadedAt  time.Time `db:"uploaded_at" json:"uploadedAt"`
}

// TableName returns the table name for Attachment.
func (Attachment) TableName() string {
	return "attachments"
}

// Hash returns the sha256 content hash, computing it from Content when unset.
func (a Attachment) Hash() string {
	if a.ContentHash != "" {
		return a.ContentHash
	}
	return storage.CalculateHash(a.Content)
}

// Key is the attachment's identity for equality and union: id plus content hash.
func (a Attachment) Key() string {
	return string(a.ID) + ":" + a.Hash()
}

// Clone returns a deep copy of the attachment.
func (a Attachment) Clone() Attachment {
	c := a
	if a.Content != nil {
		c.Content = append([]byte(nil), a.Content...)
	}
	return c
}
