// Package remote provides the cloud side of conflict detection: the owner's
// application records as last written by any device.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// Source is a remote record collection.
type Source interface {
	// FetchAll returns every remote record of the owner.
	FetchAll(ctx context.Context) ([]*models.ApplicationRecord, error)

	// Upsert writes records, replacing remote copies with the same identity.
	Upsert(ctx context.Context, records []*models.ApplicationRecord) error
}

const schema = `CREATE TABLE IF NOT EXISTS application_records (
	owner_id   TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, id)
)`

// CloudStore is a PostgreSQL-backed Source scoped to one owner.
type CloudStore struct {
	pool    *pgxpool.Pool
	ownerID string
}

var _ Source = (*CloudStore)(nil)

// Connect opens a pool to databaseURL and ensures the table exists.
func Connect(ctx context.Context, databaseURL, ownerID string) (*CloudStore, error) {
	if databaseURL == "" || ownerID == "" {
		return nil, apperrors.New(apperrors.ErrRemoteNotConfigured, "remote database url and owner id are required")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, apperrors.Storage("failed to connect to remote database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Storage("failed to ping remote database", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, apperrors.Storage("failed to ensure remote schema", err)
	}

	logging.Info("Remote database connected", map[string]interface{}{"owner_id": ownerID})
	return &CloudStore{pool: pool, ownerID: ownerID}, nil
}

// Close closes the connection pool.
func (c *CloudStore) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// FetchAll returns the owner's records ordered by last update.
func (c *CloudStore) FetchAll(ctx context.Context) ([]*models.ApplicationRecord, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT payload FROM application_records WHERE owner_id = $1 ORDER BY updated_at, id`,
		c.ownerID,
	)
	if err != nil {
		return nil, apperrors.Storage("failed to query remote records", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ApplicationRecord, error) {
		var payload []byte
		if err := row.Scan(&payload); err != nil {
			return nil, err
		}
		return decode(payload)
	})
	if err != nil {
		return nil, apperrors.Storage("failed to read remote records", err)
	}
	if records == nil {
		records = []*models.ApplicationRecord{}
	}
	return records, nil
}

// Upsert writes all records in one transaction.
func (c *CloudStore) Upsert(ctx context.Context, records []*models.ApplicationRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
		}
		batch.Queue(
			`INSERT INTO application_records (owner_id, id, payload, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (owner_id, id) DO UPDATE SET payload = $3, updated_at = $4`,
			c.ownerID, string(rec.ID), payload, rec.UpdatedAt,
		)
	}

	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return apperrors.Storage("failed to upsert remote records", err)
	}

	logging.Info("Remote records upserted",
		map[string]interface{}{"owner_id": c.ownerID, "records": len(records)})
	return nil
}

func decode(payload []byte) (*models.ApplicationRecord, error) {
	var rec models.ApplicationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode remote record: %w", err)
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("remote record %s has unknown status %q", rec.ID, rec.Status)
	}
	return &rec, nil
}
