package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

type fakeSnapshotter struct {
	mu        sync.Mutex
	snapshots int
	prunes    []int
	failNext  bool
}

func (f *fakeSnapshotter) CreateLocalBackup(context.Context) (*models.BackupSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("disk full")
	}
	f.snapshots++
	return &models.BackupSnapshot{ID: "s", Origin: models.OriginLocalCache}, nil
}

func (f *fakeSnapshotter) PruneLocalBackups(keep int) ([]models.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, keep)
	return nil, nil
}

func (f *fakeSnapshotter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func TestInterval_Duration(t *testing.T) {
	tests := []struct {
		interval Interval
		want     time.Duration
		wantErr  bool
	}{
		{IntervalHourly, time.Hour, false},
		{IntervalDaily, 24 * time.Hour, false},
		{IntervalWeekly, 7 * 24 * time.Hour, false},
		{IntervalManual, 0, true},
		{Interval("monthly"), 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got, err := tt.interval.Duration()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_NegativeRetention(t *testing.T) {
	s := New(&fakeSnapshotter{}, Config{Interval: IntervalDaily, RetentionCount: -3})
	assert.Equal(t, 0, s.config.RetentionCount)
	assert.NotNil(t, s.logger)
}

func TestStart_Manual(t *testing.T) {
	fake := &fakeSnapshotter{}
	s := New(fake, Config{Interval: IntervalManual})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Equal(t, 0, fake.count())
}

func TestStart_InvalidInterval(t *testing.T) {
	s := New(&fakeSnapshotter{}, Config{Interval: "fortnightly"})
	assert.Error(t, s.Start(context.Background()))
}

func TestStart_RunsPeriodically(t *testing.T) {
	fake := &fakeSnapshotter{}
	s := New(fake, Config{Interval: IntervalHourly, RetentionCount: 3}).withPeriod(5 * time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return fake.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	n := fake.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, fake.count())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.prunes)
	assert.Equal(t, 3, fake.prunes[0])
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	fake := &fakeSnapshotter{}
	s := New(fake, Config{Interval: IntervalHourly}).withPeriod(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return fake.count() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after cancel")
	}
}

func TestRunOnce(t *testing.T) {
	fake := &fakeSnapshotter{failNext: true}
	s := New(fake, Config{Interval: IntervalDaily})

	assert.Error(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, fake.count())
	assert.Empty(t, fake.prunes)
}
