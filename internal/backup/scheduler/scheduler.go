// Package scheduler takes periodic local-cache snapshots and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// Interval defines the snapshot frequency.
type Interval string

const (
	IntervalManual Interval = "manual"
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

// Duration converts the interval to a ticker period.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", i)
	}
}

// Snapshotter is the part of the backup manager the scheduler drives.
type Snapshotter interface {
	CreateLocalBackup(ctx context.Context) (*models.BackupSnapshot, error)
	PruneLocalBackups(keep int) ([]models.UUID, error)
}

// Config holds the scheduler configuration.
type Config struct {
	Interval       Interval
	RetentionCount int // archives to keep (0 = unlimited)
}

// Scheduler runs snapshots on a ticker.
type Scheduler struct {
	backups Snapshotter
	config  Config
	period  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// New creates a Scheduler.
func New(backups Snapshotter, config Config) *Scheduler {
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	return &Scheduler{
		backups: backups,
		config:  config,
		logger:  logging.Get().Slog(),
	}
}

// withPeriod overrides the ticker period, for tests.
func (s *Scheduler) withPeriod(d time.Duration) *Scheduler {
	s.period = d
	return s
}

// Start takes an initial snapshot and then one per interval until Stop is
// called or ctx is done. Manual mode returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		s.logger.Info("scheduler in manual mode, automatic snapshots disabled")
		return nil
	}

	period := s.period
	if period == 0 {
		d, err := s.config.Interval.Duration()
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		period = d
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"interval", s.config.Interval,
		"retention_count", s.config.RetentionCount)

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("initial snapshot failed", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.logger.Error("scheduled snapshot failed", "error", err)
				}
			case <-stopCh:
				s.logger.Info("scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

// Stop halts the scheduler and waits for an in-flight snapshot to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
}

// RunOnce takes one snapshot and applies the retention policy. A retention
// failure is logged but does not fail the snapshot.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	snap, err := s.backups.CreateLocalBackup(ctx)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	s.logger.Info("snapshot completed", "snapshot_id", snap.ID, "records", snap.RecordCount)

	if s.config.RetentionCount > 0 {
		if _, err := s.backups.PruneLocalBackups(s.config.RetentionCount); err != nil {
			s.logger.Error("retention policy failed", "error", err)
		}
	}
	return nil
}
