package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/sync/storage"
)

// Repository provides persistence for application records, backups and the conflict log.
// It performs no serialization of its own; the store package owns write ordering.
type Repository struct {
	db *sql.DB

	// blobs, when set, holds attachment content outside the database.
	blobs *storage.BlobStore

	// Prepared statements for read queries, created on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository. blobs may be nil to keep attachment
// content inline in the attachments table.
func NewRepository(db *sql.DB, blobs *storage.BlobStore) *Repository {
	return &Repository{db: db, blobs: blobs}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// =====================================================
// ApplicationRecord Operations
// =====================================================

const recordColumns = `id, company, position, date_applied, employment_type, work_arrangement,
	status, location, salary, source, url, notes, created_at, updated_at, synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ApplicationRecord, error) {
	var rec models.ApplicationRecord
	var dateApplied, createdAt, updatedAt int64
	var syncedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Company, &rec.Position, &dateApplied, &rec.EmploymentType,
		&rec.WorkArrangement, &rec.Status, &rec.Location, &rec.Salary, &rec.Source, &rec.URL,
		&rec.Notes, &createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	rec.DateApplied = fromMillis(dateApplied)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if syncedAt.Valid {
		s := fromMillis(syncedAt.Int64)
		rec.SyncedAt = &s
	}
	return &rec, nil
}

func syncedAtValue(rec *models.ApplicationRecord) sql.NullInt64 {
	if rec.SyncedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*rec.SyncedAt), Valid: true}
}

// ListRecords returns every record ordered by creation time.
func (r *Repository) ListRecords(ctx context.Context) ([]*models.ApplicationRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM application_records ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.Storage("failed to list records", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Storage("failed to list records", err)
	}
	defer rows.Close()

	var records []*models.ApplicationRecord
	byID := make(map[models.UUID]*models.ApplicationRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to scan record", err)
		}
		records = append(records, rec)
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to iterate records", err)
	}
	rows.Close()

	if err := r.loadAttachments(ctx, "", byID); err != nil {
		return nil, err
	}
	return records, nil
}

// GetRecord retrieves one record, failing with NOT_FOUND when absent.
func (r *Repository) GetRecord(ctx context.Context, id models.UUID) (*models.ApplicationRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM application_records WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Storage("failed to get record", err)
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get record", err)
	}
	if err := r.loadAttachments(ctx, id, map[models.UUID]*models.ApplicationRecord{id: rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertRecord inserts rec verbatim; identity and timestamps must already be assigned.
func (r *Repository) InsertRecord(ctx context.Context, rec *models.ApplicationRecord) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.insertRecordTx(ctx, tx, rec)
	})
	return apperrors.Storage("failed to insert record", err)
}

func (r *Repository) insertRecordTx(ctx context.Context, tx *sql.Tx, rec *models.ApplicationRecord) error {
	query := `INSERT INTO application_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, query, rec.ID, rec.Company, rec.Position, toMillis(rec.DateApplied),
		rec.EmploymentType, rec.WorkArrangement, rec.Status, rec.Location, rec.Salary, rec.Source,
		rec.URL, rec.Notes, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), syncedAtValue(rec))
	if err != nil {
		return err
	}
	return r.writeAttachmentsTx(ctx, tx, rec)
}

// UpdateRecord overwrites the stored record with rec, failing with NOT_FOUND when absent.
func (r *Repository) UpdateRecord(ctx context.Context, rec *models.ApplicationRecord) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
		UPDATE application_records
		SET company = ?, position = ?, date_applied = ?, employment_type = ?, work_arrangement = ?,
			status = ?, location = ?, salary = ?, source = ?, url = ?, notes = ?,
			updated_at = ?, synced_at = ?
		WHERE id = ?`
		res, err := tx.ExecContext(ctx, query, rec.Company, rec.Position, toMillis(rec.DateApplied),
			rec.EmploymentType, rec.WorkArrangement, rec.Status, rec.Location, rec.Salary,
			rec.Source, rec.URL, rec.Notes, toMillis(rec.UpdatedAt), syncedAtValue(rec), rec.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", rec.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE record_id = ?`, rec.ID); err != nil {
			return err
		}
		return r.writeAttachmentsTx(ctx, tx, rec)
	})
	return apperrors.Storage("failed to update record", err)
}

// DeleteRecord removes a record and its attachments, failing with NOT_FOUND when absent.
func (r *Repository) DeleteRecord(ctx context.Context, id models.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM application_records WHERE id = ?`, id)
	if err != nil {
		return apperrors.Storage("failed to delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return nil
}

// ReplaceRecords atomically swaps the whole collection for records.
func (r *Repository) ReplaceRecords(ctx context.Context, records []*models.ApplicationRecord) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM application_records`); err != nil {
			return err
		}
		for _, rec := range records {
			if err := r.insertRecordTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	return apperrors.Storage("failed to replace records", err)
}

// =====================================================
// Attachment Operations
// =====================================================

func (r *Repository) writeAttachmentsTx(ctx context.Context, tx *sql.Tx, rec *models.ApplicationRecord) error {
	query := `INSERT INTO attachments (record_id, id, ordinal, name, media_type, size_bytes,
		content_hash, content, uploaded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, a := range rec.Attachments {
		hash := a.Hash()
		var content []byte
		if r.blobs != nil {
			stored, err := r.blobs.Put(a.Content)
			if err != nil {
				return err
			}
			hash = stored
		} else {
			content = a.Content
			if content == nil {
				content = []byte{}
			}
		}
		if _, err := tx.ExecContext(ctx, query, rec.ID, a.ID, i, a.Name, a.MediaType, a.Size,
			hash, content, toMillis(a.UploadedAt)); err != nil {
			return fmt.Errorf("attachment %s: %w", a.ID, err)
		}
	}
	return nil
}

// loadAttachments fills attachments for the records in byID; recordID narrows the query.
func (r *Repository) loadAttachments(ctx context.Context, recordID models.UUID, byID map[models.UUID]*models.ApplicationRecord) error {
	query := `SELECT record_id, id, name, media_type, size_bytes, content_hash, content, uploaded_at
		FROM attachments`
	var args []any
	if recordID != "" {
		query += ` WHERE record_id = ?`
		args = append(args, recordID)
	}
	query += ` ORDER BY record_id, ordinal`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return apperrors.Storage("failed to load attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner models.UUID
		var a models.Attachment
		var uploadedAt int64
		var content []byte
		if err := rows.Scan(&owner, &a.ID, &a.Name, &a.MediaType, &a.Size, &a.ContentHash, &content, &uploadedAt); err != nil {
			return apperrors.Storage("failed to scan attachment", err)
		}
		a.UploadedAt = fromMillis(uploadedAt)
		if r.blobs != nil && content == nil {
			content, err = r.blobs.Get(a.ContentHash)
			if err != nil {
				return apperrors.Storage("failed to read attachment content", err)
			}
		}
		if len(content) > 0 {
			a.Content = content
		}
		if rec, ok := byID[owner]; ok {
			rec.Attachments = append(rec.Attachments, a)
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.Storage("failed to iterate attachments", err)
	}
	return nil
}

// AttachmentHashes returns every content hash referenced by a live record.
func (r *Repository) AttachmentHashes(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT content_hash FROM attachments`)
	if err != nil {
		return nil, apperrors.Storage("failed to list attachment hashes", err)
	}
	defer rows.Close()
	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, apperrors.Storage("failed to scan attachment hash", err)
		}
		hashes[h] = true
	}
	return hashes, apperrors.Storage("failed to iterate attachment hashes", rows.Err())
}

// PruneBlobs deletes stored attachment content no live record references.
// Snapshots embed their attachment content, so they do not pin blobs.
func (r *Repository) PruneBlobs(ctx context.Context) (int, error) {
	if r.blobs == nil {
		return 0, nil
	}
	keep, err := r.AttachmentHashes(ctx)
	if err != nil {
		return 0, err
	}
	removed, err := r.blobs.Prune(keep)
	if err != nil {
		return removed, apperrors.Storage("failed to prune attachment blobs", err)
	}
	return removed, nil
}

// =====================================================
// BackupSnapshot Operations
// =====================================================

// SaveBackup persists a snapshot together with its JSON payload.
func (r *Repository) SaveBackup(ctx context.Context, snap *models.BackupSnapshot) error {
	payload, err := json.Marshal(snap.Records)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode backup payload", err)
	}
	snap.Checksum = storage.CalculateHash(payload)
	query := `INSERT INTO backups (id, origin, created_at, record_count, last_modified, is_safety, checksum, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query, snap.ID, snap.Origin, toMillis(snap.CreatedAt), snap.RecordCount,
		toMillis(snap.LastModified), snap.Safety, snap.Checksum, payload)
	return apperrors.Storage("failed to save backup", err)
}

const backupColumns = `id, origin, created_at, record_count, last_modified, is_safety, checksum`

func scanBackup(row rowScanner, extra ...any) (*models.BackupSnapshot, error) {
	var snap models.BackupSnapshot
	var createdAt, lastModified int64
	dest := append([]any{&snap.ID, &snap.Origin, &createdAt, &snap.RecordCount, &lastModified, &snap.Safety, &snap.Checksum}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	snap.CreatedAt = fromMillis(createdAt)
	snap.LastModified = fromMillis(lastModified)
	return &snap, nil
}

// ListBackups returns backup summaries (no payload), most recent first.
func (r *Repository) ListBackups(ctx context.Context) ([]models.BackupSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.Storage("failed to list backups", err)
	}
	defer rows.Close()

	snaps := []models.BackupSnapshot{}
	for rows.Next() {
		snap, err := scanBackup(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to scan backup", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, apperrors.Storage("failed to iterate backups", rows.Err())
}

// GetBackup loads a snapshot including its records, verifying the payload checksum.
func (r *Repository) GetBackup(ctx context.Context, id models.UUID) (*models.BackupSnapshot, error) {
	var payload []byte
	snap, err := scanBackup(r.db.QueryRowContext(ctx, `SELECT `+backupColumns+`, payload FROM backups WHERE id = ?`, id), &payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get backup", err)
	}
	if storage.CalculateHash(payload) != snap.Checksum {
		return nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "backup %s payload checksum mismatch", id)
	}
	if err := json.Unmarshal(payload, &snap.Records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to decode backup payload", err)
	}
	return snap, nil
}

// DeleteBackup removes a persisted snapshot.
func (r *Repository) DeleteBackup(ctx context.Context, id models.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return apperrors.Storage("failed to delete backup", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", id)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog appends a resolution entry.
func (r *Repository) CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	query := `INSERT INTO conflict_log (id, conflict_id, record_id, strategy, fields, local_updated_at,
		remote_updated_at, resolved_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, entry.ID, entry.ConflictID, entry.RecordID, entry.Strategy,
		entry.Fields, toMillis(entry.LocalUpdatedAt), toMillis(entry.RemoteUpdatedAt), toMillis(entry.ResolvedAt))
	return apperrors.Storage("failed to create conflict log", err)
}

// ListConflictLogs returns the resolutions recorded for a record, newest first.
func (r *Repository) ListConflictLogs(ctx context.Context, recordID models.UUID) ([]*models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, conflict_id, record_id, strategy, fields,
		local_updated_at, remote_updated_at, resolved_at
		FROM conflict_log WHERE record_id = ? ORDER BY resolved_at DESC`, recordID)
	if err != nil {
		return nil, apperrors.Storage("failed to list conflict logs", err)
	}
	defer rows.Close()

	entries := []*models.ConflictLog{}
	for rows.Next() {
		var e models.ConflictLog
		var local, remote, resolved int64
		if err := rows.Scan(&e.ID, &e.ConflictID, &e.RecordID, &e.Strategy, &e.Fields, &local, &remote, &resolved); err != nil {
			return nil, apperrors.Storage("failed to scan conflict log", err)
		}
		e.LocalUpdatedAt = fromMillis(local)
		e.RemoteUpdatedAt = fromMillis(remote)
		e.ResolvedAt = fromMillis(resolved)
		entries = append(entries, &e)
	}
	return entries, apperrors.Storage("failed to iterate conflict logs", rows.Err())
}
