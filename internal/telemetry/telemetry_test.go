package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

func TestDisabledIsNoop(t *testing.T) {
	m := New(false)
	assert.Nil(t, m)
	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())

	m.ObserveBackup(models.OriginDatabase, false, time.Second, nil)
	m.ObserveRestore(&models.RecoveryOutcome{Restored: 1}, time.Second, nil)
	m.ObserveConflicts(3)
	m.ObserveResolution("merge", true, 3)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestObserveBackup(t *testing.T) {
	m := New(true)
	require.True(t, m.Enabled())

	m.ObserveBackup(models.OriginDatabase, true, 10*time.Millisecond, nil)
	m.ObserveBackup(models.OriginLocalCache, false, 0, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("database", "safety", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("local-cache", "user", "failed")))
}

func TestObserveRestore(t *testing.T) {
	m := New(true)

	m.ObserveRestore(&models.RecoveryOutcome{Restored: 2, Skipped: 1}, time.Millisecond, nil)
	m.ObserveRestore(&models.RecoveryOutcome{
		Restored: 1,
		Failed:   []models.RestoreFailure{{Index: 1, Error: "boom"}},
	}, time.Millisecond, nil)
	m.ObserveRestore(nil, time.Millisecond, errors.New("safety backup failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.restoresTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restoresTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restoresTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.restoredRecords.WithLabelValues("restored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restoredRecords.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restoredRecords.WithLabelValues("failed")))
}

func TestSnapshot(t *testing.T) {
	m := New(true)
	m.ObserveConflicts(4)
	m.ObserveResolution("remote-wins", false, 1)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap["applytrack_conflicts_detected_total"])
	assert.Equal(t, 1.0, snap["applytrack_conflict_resolutions_total{mode=single,strategy=remote-wins}"])
}
