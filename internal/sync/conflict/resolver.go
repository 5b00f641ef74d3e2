package conflict

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// StrategyKind names a resolution strategy.
type StrategyKind string

const (
	LocalWins  StrategyKind = "local-wins"
	RemoteWins StrategyKind = "remote-wins"
	Merge      StrategyKind = "merge"
)

// Strategy is a user choice of how to settle a conflict. ChosenAt stamps the
// local-wins syncedAt so repeating the same choice yields the same record.
type Strategy struct {
	Kind     StrategyKind `json:"kind"`
	ChosenAt time.Time    `json:"chosenAt"`
}

// NewStrategy creates a Strategy chosen at the given time.
func NewStrategy(kind StrategyKind, chosenAt time.Time) Strategy {
	return Strategy{Kind: kind, ChosenAt: models.Timestamp(chosenAt)}
}

// ParseStrategy converts user input into a StrategyKind.
func ParseStrategy(s string) (StrategyKind, error) {
	k := StrategyKind(s)
	if !k.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown resolution strategy %q", s)
	}
	return k, nil
}

// Valid reports whether k is a known strategy.
func (k StrategyKind) Valid() bool {
	switch k {
	case LocalWins, RemoteWins, Merge:
		return true
	}
	return false
}

// Resolver produces resolved records from conflicts. It is stateless.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the record that should replace the local copy.
func (r *Resolver) Resolve(c *models.DataConflict, s Strategy) (*models.ApplicationRecord, error) {
	if err := validate(c, s); err != nil {
		return nil, err
	}

	var out *models.ApplicationRecord
	switch s.Kind {
	case LocalWins:
		out = resolveLocalWins(c, s)
	case RemoteWins:
		out = resolveRemoteWins(c)
	case Merge:
		out = resolveMerge(c)
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"conflict_id": c.ID,
			"record_id":   c.RecordID,
			"strategy":    s.Kind,
			"fields":      c.Fields,
		})

	return out, nil
}

// ResolveAll applies one strategy to every conflict. Either all conflicts
// resolve or none do: a malformed entry fails the whole call before any
// result is produced.
func (r *Resolver) ResolveAll(conflicts []*models.DataConflict, s Strategy) ([]*models.ApplicationRecord, error) {
	for i, c := range conflicts {
		if err := validate(c, s); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvariantViolation,
				fmt.Sprintf("bulk resolution rejected at index %d", i), err)
		}
	}

	out := make([]*models.ApplicationRecord, 0, len(conflicts))
	for _, c := range conflicts {
		rec, err := r.Resolve(c, s)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func validate(c *models.DataConflict, s Strategy) error {
	if !s.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvariantViolation, "unknown strategy %q", s.Kind)
	}
	if c == nil || c.Local == nil || c.Remote == nil {
		return apperrors.New(apperrors.ErrInvariantViolation, "conflict must carry both local and remote records")
	}
	if c.Local.ID != c.Remote.ID {
		return apperrors.Newf(apperrors.ErrInvariantViolation,
			"identity mismatch: local %s, remote %s", c.Local.ID, c.Remote.ID)
	}
	if len(c.Fields) == 0 {
		return apperrors.New(apperrors.ErrInvariantViolation, "conflict has no fields")
	}
	for _, name := range c.Fields {
		if _, ok := lookupField(name); !ok {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "field %q cannot be resolved", name)
		}
	}
	return nil
}

func resolveLocalWins(c *models.DataConflict, s Strategy) *models.ApplicationRecord {
	out := c.Local.Clone()
	synced := s.ChosenAt
	if synced.IsZero() {
		synced = models.Timestamp(time.Now())
	}
	out.SyncedAt = &synced
	return out
}

func resolveRemoteWins(c *models.DataConflict) *models.ApplicationRecord {
	out := c.Remote.Clone()
	out.UpdatedAt = laterOf(c.Local.UpdatedAt, c.Remote.UpdatedAt)
	return out
}

// resolveMerge takes each conflicted field from the side with the later
// updatedAt (remote on ties) and unions attachments. Fields outside the
// conflict are equal on both sides and come from remote.
func resolveMerge(c *models.DataConflict) *models.ApplicationRecord {
	newer := c.Remote
	if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
		newer = c.Local
	}

	out := c.Remote.Clone()
	for _, name := range c.Fields {
		if name == FieldAttachments {
			out.Attachments = unionAttachments(c.Local.Attachments, c.Remote.Attachments)
			continue
		}
		f, _ := lookupField(name)
		f.take(out, newer)
	}
	out.UpdatedAt = laterOf(c.Local.UpdatedAt, c.Remote.UpdatedAt)
	return out
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
