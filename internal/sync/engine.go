package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/applytrack/backend/internal/backup"
	"github.com/kimhsiao/applytrack/backend/internal/db"
	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/store"
	"github.com/kimhsiao/applytrack/backend/internal/sync/conflict"
	"github.com/kimhsiao/applytrack/backend/internal/sync/remote"
	"github.com/kimhsiao/applytrack/backend/internal/telemetry"
	"github.com/kimhsiao/applytrack/backend/internal/uuid"
)

// Status represents the engine's current activity.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusDetecting Status = "detecting"
	StatusResolving Status = "resolving"
	StatusRestoring Status = "restoring"
	StatusDeleting  Status = "deleting"
	StatusPushing   Status = "pushing"
	StatusFailed    Status = "failed"
)

// EventType names an engine event.
type EventType string

const (
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventRestoreCompleted EventType = "restore_completed"
	EventRecordsDeleted   EventType = "records_deleted"
	EventPushCompleted    EventType = "push_completed"
)

// Event notifies the presentation layer of a state change.
type Event struct {
	Type      EventType   `json:"type"`
	RecordID  models.UUID `json:"recordId,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler receives engine events. It is called synchronously.
type EventHandler func(Event)

// DeleteOutcome reports a bulk delete.
type DeleteOutcome struct {
	SafetyBackupID models.UUID   `json:"safetyBackupId"`
	Deleted        []models.UUID `json:"deleted"`
}

// PushResult reports a push.
type PushResult struct {
	Pushed   int       `json:"pushed"`
	SyncedAt time.Time `json:"syncedAt"`
}

// Engine is the recovery and conflict orchestrator.
type Engine struct {
	store    store.Serializer
	backups  *backup.Manager
	remote   remote.Source
	logs     db.ConflictLogRepository
	detector *conflict.Detector
	resolver *conflict.Resolver
	metrics  *telemetry.Metrics
	now      func() time.Time

	// resolveMu serializes resolutions so a conflict is committed at most once.
	resolveMu sync.Mutex
	resolved  map[models.UUID]*models.ApplicationRecord

	mu      sync.RWMutex
	status  Status
	lastErr error
	handler EventHandler
}

var _ Orchestrator = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithRemote sets the remote source. Without one, detection and push fail
// with REMOTE_NOT_CONFIGURED.
func WithRemote(src remote.Source) Option {
	return func(e *Engine) { e.remote = src }
}

// WithConflictLog persists a log entry per resolved conflict.
func WithConflictLog(logs db.ConflictLogRepository) Option {
	return func(e *Engine) { e.logs = logs }
}

// WithMetrics attaches telemetry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDetector overrides the conflict detector.
func WithDetector(d *conflict.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// NewEngine creates an Engine.
func NewEngine(st store.Serializer, backups *backup.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		backups:  backups,
		resolver: conflict.NewResolver(),
		now:      time.Now,
		resolved: make(map[models.UUID]*models.ApplicationRecord),
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil {
		e.detector = conflict.NewDetector(conflict.WithDetectorClock(e.now))
	}
	return e
}

// SetEventHandler registers handler; nil disables events.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastError returns the error of the last failed operation.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// begin sets the status and returns a func that records the outcome.
func (e *Engine) begin(s Status) func(err error) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	return func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.status = StatusFailed
			e.lastErr = err
			return
		}
		e.status = StatusIdle
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = models.Timestamp(e.now())
	}
	h(ev)
}

func (e *Engine) requireRemote() error {
	if e.remote == nil {
		return apperrors.New(apperrors.ErrRemoteNotConfigured, "no remote source configured")
	}
	return nil
}

// DetectConflicts fetches the local and remote collections concurrently and
// pairs them by identity.
func (e *Engine) DetectConflicts(ctx context.Context) (conflicts []*models.DataConflict, err error) {
	done := e.begin(StatusDetecting)
	defer func() { done(err) }()

	if err := e.requireRemote(); err != nil {
		return nil, err
	}

	var local, remoteRecs []*models.ApplicationRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = e.store.GetAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		remoteRecs, err = e.remote.FetchAll(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	conflicts = e.detector.DetectAll(local, remoteRecs)
	e.metrics.ObserveConflicts(len(conflicts))
	for _, c := range conflicts {
		e.emit(Event{Type: EventConflictDetected, RecordID: c.RecordID, Detail: strings.Join(c.Fields, ",")})
	}
	return conflicts, nil
}

// ResolveConflict resolves c with s and commits the result through the
// record store. Resolving an already-resolved conflict returns the first
// result without recomputing or committing again.
func (e *Engine) ResolveConflict(ctx context.Context, c *models.DataConflict, s conflict.Strategy) (rec *models.ApplicationRecord, err error) {
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()

	if c != nil {
		if prev, ok := e.resolved[c.ID]; ok {
			return prev.Clone(), nil
		}
	}

	done := e.begin(StatusResolving)
	defer func() { done(err) }()

	resolved, err := e.resolver.Resolve(c, s)
	if err != nil {
		return nil, err
	}

	written, err := e.commit(ctx, []*models.ApplicationRecord{resolved})
	if err != nil {
		return nil, err
	}
	committed := written[resolved.ID]

	e.markResolved(ctx, c, s, committed)
	e.metrics.ObserveResolution(string(s.Kind), false, 1)
	return committed.Clone(), nil
}

// ResolveAll resolves every conflict with s and commits all results in one
// atomic replace. A malformed conflict or a record that vanished since
// detection fails the whole call and nothing is committed. Conflicts already
// resolved in this session keep their earlier result.
func (e *Engine) ResolveAll(ctx context.Context, conflicts []*models.DataConflict, s conflict.Strategy) (out []*models.ApplicationRecord, err error) {
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()

	done := e.begin(StatusResolving)
	defer func() { done(err) }()

	var pending []*models.DataConflict
	queued := make(map[models.UUID]bool, len(conflicts))
	for _, c := range conflicts {
		if c == nil {
			pending = append(pending, c)
			continue
		}
		if _, ok := e.resolved[c.ID]; ok || queued[c.ID] {
			continue
		}
		queued[c.ID] = true
		pending = append(pending, c)
	}

	results, err := e.resolver.ResolveAll(pending, s)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return e.cachedResults(conflicts), nil
	}

	committed, err := e.commit(ctx, results)
	if err != nil {
		return nil, err
	}

	for _, c := range pending {
		e.markResolved(ctx, c, s, committed[c.RecordID])
	}
	e.metrics.ObserveResolution(string(s.Kind), true, len(pending))
	logging.Info("Bulk resolution committed",
		map[string]interface{}{"strategy": s.Kind, "resolved": len(pending), "requested": len(conflicts)})

	return e.cachedResults(conflicts), nil
}

// commit writes resolved records over their live versions in one atomic
// replace. Each committed updatedAt is strictly after both the live and the
// resolved value; syncedAt is written as resolved, nil included. A record
// missing from the live collection fails the whole commit.
func (e *Engine) commit(ctx context.Context, results []*models.ApplicationRecord) (map[models.UUID]*models.ApplicationRecord, error) {
	committed := make(map[models.UUID]*models.ApplicationRecord, len(results))
	err := e.store.Exclusive(ctx, func(ctx context.Context, tx store.RecordStore) error {
		live, err := tx.GetAll(ctx)
		if err != nil {
			return err
		}
		index := make(map[models.UUID]int, len(live))
		for i, r := range live {
			index[r.ID] = i
		}

		now := models.Timestamp(e.now())
		for _, r := range results {
			i, ok := index[r.ID]
			if !ok {
				return apperrors.Newf(apperrors.ErrNotFound, "record %s no longer exists", r.ID)
			}
			next := r.Clone()
			next.ID = live[i].ID
			next.CreatedAt = live[i].CreatedAt
			next.UpdatedAt = models.NextUpdatedAt(laterOf(live[i].UpdatedAt, r.UpdatedAt), now)
			live[i] = next
			committed[next.ID] = next
		}
		return tx.ReplaceAll(ctx, live)
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (e *Engine) cachedResults(conflicts []*models.DataConflict) []*models.ApplicationRecord {
	out := make([]*models.ApplicationRecord, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, e.resolved[c.ID].Clone())
	}
	return out
}

// markResolved caches the committed record and appends a conflict log entry.
// A log failure is reported but does not undo the resolution.
func (e *Engine) markResolved(ctx context.Context, c *models.DataConflict, s conflict.Strategy, committed *models.ApplicationRecord) {
	e.resolved[c.ID] = committed.Clone()

	if e.logs != nil {
		entry := &models.ConflictLog{
			ID:              models.UUID(uuid.New()),
			ConflictID:      c.ID,
			RecordID:        c.RecordID,
			Strategy:        string(s.Kind),
			Fields:          strings.Join(c.Fields, ","),
			LocalUpdatedAt:  c.Local.UpdatedAt,
			RemoteUpdatedAt: c.Remote.UpdatedAt,
			ResolvedAt:      models.Timestamp(e.now()),
		}
		if err := e.logs.CreateConflictLog(ctx, entry); err != nil {
			logging.Warn("Failed to write conflict log",
				map[string]interface{}{"conflict_id": c.ID, "error": err.Error()})
		}
	}

	e.emit(Event{Type: EventConflictResolved, RecordID: c.RecordID, Detail: string(s.Kind)})
}

// IsResolved reports whether the conflict was resolved in this session.
func (e *Engine) IsResolved(conflictID models.UUID) bool {
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()
	_, ok := e.resolved[conflictID]
	return ok
}

// ListRecoveryOptions lists snapshots from every origin.
func (e *Engine) ListRecoveryOptions(ctx context.Context) ([]models.BackupSnapshot, error) {
	return e.backups.ListRecoveryOptions(ctx)
}

// Restore re-inserts snap's records. The safety backup and every insert run
// under one hold of the record store's token.
func (e *Engine) Restore(ctx context.Context, snap models.BackupSnapshot) (outcome *models.RecoveryOutcome, err error) {
	done := e.begin(StatusRestoring)
	defer func() { done(err) }()

	outcome, err = e.backups.Restore(ctx, snap)
	if err != nil {
		return nil, err
	}
	e.emit(Event{
		Type:   EventRestoreCompleted,
		Detail: fmt.Sprintf("restored=%d skipped=%d failed=%d", outcome.Restored, outcome.Skipped, len(outcome.Failed)),
	})
	return outcome, nil
}

// DeleteRecords removes ids after a safety backup. Unknown ids fail the call
// before anything is backed up or removed.
func (e *Engine) DeleteRecords(ctx context.Context, ids []models.UUID) (outcome *DeleteOutcome, err error) {
	done := e.begin(StatusDeleting)
	defer func() { done(err) }()

	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "no records to delete")
	}

	err = e.store.Exclusive(ctx, func(ctx context.Context, tx store.RecordStore) error {
		for _, id := range ids {
			if _, err := tx.Get(ctx, id); err != nil {
				return err
			}
		}

		safety, err := e.backups.SafetyBackup(ctx, tx)
		if err != nil {
			return fmt.Errorf("delete aborted, safety backup failed: %w", err)
		}
		outcome = &DeleteOutcome{SafetyBackupID: safety.ID, Deleted: make([]models.UUID, 0, len(ids))}

		seen := make(map[models.UUID]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := tx.Remove(ctx, id); err != nil {
				return err
			}
			outcome.Deleted = append(outcome.Deleted, id)
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}

	logging.Info("Records deleted",
		map[string]interface{}{"deleted": len(outcome.Deleted), "safety_backup_id": outcome.SafetyBackupID})
	e.emit(Event{Type: EventRecordsDeleted, Detail: fmt.Sprintf("deleted=%d", len(outcome.Deleted))})
	return outcome, nil
}

// Push uploads every local record and, once the remote write succeeded,
// stamps syncedAt locally. updatedAt is left unchanged.
func (e *Engine) Push(ctx context.Context) (result *PushResult, err error) {
	done := e.begin(StatusPushing)
	defer func() { done(err) }()

	if err := e.requireRemote(); err != nil {
		return nil, err
	}

	err = e.store.Exclusive(ctx, func(ctx context.Context, tx store.RecordStore) error {
		live, err := tx.GetAll(ctx)
		if err != nil {
			return err
		}
		syncedAt := models.Timestamp(e.now())
		for _, r := range live {
			s := syncedAt
			r.SyncedAt = &s
		}

		if err := e.remote.Upsert(ctx, live); err != nil {
			return err
		}
		if err := tx.ReplaceAll(ctx, live); err != nil {
			return err
		}
		result = &PushResult{Pushed: len(live), SyncedAt: syncedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Push completed", map[string]interface{}{"pushed": result.Pushed})
	e.emit(Event{Type: EventPushCompleted, Detail: fmt.Sprintf("pushed=%d", result.Pushed)})
	return result, nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
