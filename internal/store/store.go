// Package store implements the record store: the single owner of the live
// application collection. Every call is serialized through one token so no
// caller can observe a half-applied write; Exclusive lets a caller hold that
// token across a compound operation such as backup-then-restore.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/kimhsiao/applytrack/backend/internal/db"
	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/uuid"
)

// RecordStore is the record store contract consumed by the backup manager and sync engine.
type RecordStore interface {
	// GetAll returns a copy of every live record.
	GetAll(ctx context.Context) ([]*models.ApplicationRecord, error)

	// Get returns one record or NOT_FOUND.
	Get(ctx context.Context, id models.UUID) (*models.ApplicationRecord, error)

	// Add assigns identity, createdAt and updatedAt and persists a new record.
	Add(ctx context.Context, data *models.ApplicationRecord) (*models.ApplicationRecord, error)

	// Update applies patch to an existing record and bumps updatedAt.
	Update(ctx context.Context, id models.UUID, patch models.RecordPatch) (*models.ApplicationRecord, error)

	// Remove deletes a record.
	Remove(ctx context.Context, id models.UUID) error

	// ReplaceAll atomically swaps the whole collection.
	ReplaceAll(ctx context.Context, records []*models.ApplicationRecord) error
}

// Serializer is a RecordStore whose serialization token can be held across
// several calls.
type Serializer interface {
	RecordStore
	Exclusive(ctx context.Context, fn func(ctx context.Context, tx RecordStore) error) error
}

// Store serializes all access to a db.RecordRepository.
type Store struct {
	token    *semaphore.Weighted
	repo     db.RecordRepository
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over repo.
func New(repo db.RecordRepository, opts ...Option) *Store {
	s := &Store{
		token:    semaphore.NewWeighted(1),
		repo:     repo,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Serializer = (*Store)(nil)

// acquire waits for the serialization token. Once held, the returned context
// ignores cancellation so an in-flight write always runs to completion.
func (s *Store) acquire(ctx context.Context) (context.Context, func(), error) {
	if err := s.token.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	return context.WithoutCancel(ctx), func() { s.token.Release(1) }, nil
}

// Exclusive runs fn while holding the serialization token. fn receives a view
// of the store that must not be used after fn returns.
func (s *Store) Exclusive(ctx context.Context, fn func(ctx context.Context, tx RecordStore) error) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, session{s})
}

// GetAll returns a copy of every live record.
func (s *Store) GetAll(ctx context.Context) ([]*models.ApplicationRecord, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.getAll(ctx)
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.ApplicationRecord, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.repo.GetRecord(ctx, id)
}

// Add persists a new record built from data.
func (s *Store) Add(ctx context.Context, data *models.ApplicationRecord) (*models.ApplicationRecord, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.add(ctx, data)
}

// Update applies patch to the record with id.
func (s *Store) Update(ctx context.Context, id models.UUID, patch models.RecordPatch) (*models.ApplicationRecord, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.update(ctx, id, patch)
}

// Remove deletes the record with id.
func (s *Store) Remove(ctx context.Context, id models.UUID) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.remove(ctx, id)
}

// ReplaceAll atomically replaces the collection.
func (s *Store) ReplaceAll(ctx context.Context, records []*models.ApplicationRecord) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.replaceAll(ctx, records)
}

func (s *Store) getAll(ctx context.Context) ([]*models.ApplicationRecord, error) {
	records, err := s.repo.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.ApplicationRecord{}
	}
	return records, nil
}

func (s *Store) validateRecord(rec *models.ApplicationRecord) error {
	if err := s.validate.Struct(rec); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid application record", err)
	}
	return nil
}

// prepareAttachments fills derived attachment fields; existing identities are kept.
func (s *Store) prepareAttachments(rec *models.ApplicationRecord, now time.Time) {
	for i := range rec.Attachments {
		a := &rec.Attachments[i]
		if a.ID == "" {
			a.ID = models.UUID(uuid.New())
		}
		if a.Size == 0 {
			a.Size = int64(len(a.Content))
		}
		a.ContentHash = a.Hash()
		if a.UploadedAt.IsZero() {
			a.UploadedAt = now
		}
		a.UploadedAt = models.Timestamp(a.UploadedAt)
	}
}

func (s *Store) add(ctx context.Context, data *models.ApplicationRecord) (*models.ApplicationRecord, error) {
	if data == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "record data is nil")
	}
	rec := data.Clone()
	now := models.Timestamp(s.now())
	rec.ID = models.UUID(uuid.New())
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.SyncedAt = nil
	rec.DateApplied = models.Timestamp(rec.DateApplied)
	s.prepareAttachments(rec, now)
	if err := s.validateRecord(rec); err != nil {
		return nil, err
	}

	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	logging.Debug("Record added", map[string]interface{}{"record_id": rec.ID, "company": rec.Company})
	return rec.Clone(), nil
}

func (s *Store) update(ctx context.Context, id models.UUID, patch models.RecordPatch) (*models.ApplicationRecord, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	now := models.Timestamp(s.now())
	patch.Apply(rec)
	rec.DateApplied = models.Timestamp(rec.DateApplied)
	rec.UpdatedAt = models.NextUpdatedAt(rec.UpdatedAt, now)
	s.prepareAttachments(rec, now)
	if err := s.validateRecord(rec); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *Store) remove(ctx context.Context, id models.UUID) error {
	return s.repo.DeleteRecord(ctx, id)
}

func (s *Store) replaceAll(ctx context.Context, records []*models.ApplicationRecord) error {
	now := models.Timestamp(s.now())
	seen := make(map[models.UUID]bool, len(records))
	prepared := make([]*models.ApplicationRecord, 0, len(records))
	for i, r := range records {
		if r == nil || r.ID == "" {
			return apperrors.Newf(apperrors.ErrInvalid, "record %d has no identity", i)
		}
		if seen[r.ID] {
			return apperrors.Newf(apperrors.ErrInvalid, "duplicate record identity %s", r.ID)
		}
		seen[r.ID] = true

		rec := r.Clone()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		s.prepareAttachments(rec, now)
		if err := s.validateRecord(rec); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		prepared = append(prepared, rec)
	}
	if err := s.repo.ReplaceRecords(ctx, prepared); err != nil {
		return err
	}
	logging.Info("Record collection replaced", map[string]interface{}{"records": len(prepared)})
	return nil
}

// session is the unlocked view handed to Exclusive callbacks.
type session struct {
	s *Store
}

func (x session) GetAll(ctx context.Context) ([]*models.ApplicationRecord, error) {
	return x.s.getAll(ctx)
}

func (x session) Get(ctx context.Context, id models.UUID) (*models.ApplicationRecord, error) {
	return x.s.repo.GetRecord(ctx, id)
}

func (x session) Add(ctx context.Context, data *models.ApplicationRecord) (*models.ApplicationRecord, error) {
	return x.s.add(ctx, data)
}

func (x session) Update(ctx context.Context, id models.UUID, patch models.RecordPatch) (*models.ApplicationRecord, error) {
	return x.s.update(ctx, id, patch)
}

func (x session) Remove(ctx context.Context, id models.UUID) error {
	return x.s.remove(ctx, id)
}

func (x session) ReplaceAll(ctx context.Context, records []*models.ApplicationRecord) error {
	return x.s.replaceAll(ctx, records)
}
