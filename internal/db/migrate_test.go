// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	return raw
}

func TestMigrator_UpDown(t *testing.T) {
	raw := openRaw(t)
	m := NewMigrator(raw)

	require.NoError(t, m.Up())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "initial_schema", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Idempotent.
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	var n int
	err = raw.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='application_records'").Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Error(t, m.Down(), "nothing left to roll back")
}

func TestMigrator_DetectsModifiedMigration(t *testing.T) {
	raw := openRaw(t)
	m := NewMigrator(raw)
	require.NoError(t, m.Up())

	_, err := raw.Exec("UPDATE schema_migrations SET checksum = ? WHERE version = 1", checksumOf([]byte("other")))
	require.NoError(t, err)

	err = m.Up()
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration), "got %v", err)
}
