package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lwerrors "github.com/Michaelrobins938/lightwell-sync/internal/errors"
	"github.com/Michaelrobins938/lightwell-sync/internal/models"
	"github.com/Michaelrobins938/lightwell-sync/internal/state"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Resolution choices.
const (
	ResolveKeepLocal  = "local"
	ResolveKeepRemote = "remote"
	ResolveMerged     = "merged"
)

// Resolution is an explicit decision for one conflict: keep one side,
// or supply a merged payload.
type Resolution struct {
	Choice string          `json:"choice"`
	Merged json.RawMessage `json:"merged,omitempty"`
}

// conflictResolver is the backend call the tracker needs. *Client
// satisfies it.
type conflictResolver interface {
	ResolveConflict(ctx context.Context, userID, conflictID string, resolution Resolution) error
}

// Tracker holds conflicts reported by the backend until each is
// explicitly resolved. Conflicts are never merged or discarded
// automatically: a conflict leaves the set only when the backend
// accepts its resolution.
type Tracker struct {
	store  *state.State
	api    conflictResolver
	logger *slog.Logger

	mu sync.Mutex
}

// NewTracker creates a conflict tracker backed by the given store.
func NewTracker(store *state.State, api conflictResolver, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		api:    api,
		logger: logger,
	}
}

// Add records a conflict reported by the backend. A conflict without an
// ID gets one assigned.
func (t *Tracker) Add(c models.Conflict) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}

	if err := t.store.SaveConflict(c); err != nil {
		return fmt.Errorf("recording conflict: %w", err)
	}

	t.logger.Warn("sync conflict recorded",
		slog.String("conflict_id", c.ID),
		slog.String("resource_type", c.ResourceType),
		slog.String("resource_id", c.ResourceID),
	)

	return nil
}

// Conflicts returns the currently tracked conflicts.
func (t *Tracker) Conflicts() []models.Conflict {
	conflicts, err := t.store.Conflicts()
	if err != nil {
		t.logger.Error("listing conflicts", slog.String("error", err.Error()))
		return nil
	}

	return conflicts
}

// Resolve submits an explicit resolution to the backend and removes the
// conflict only when that call succeeds. A failed resolution leaves the
// conflict in place.
func (t *Tracker) Resolve(ctx context.Context, userID, conflictID string, resolution Resolution) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.store.GetConflict(conflictID)
	if err != nil {
		return fmt.Errorf("looking up conflict %s: %w", conflictID, err)
	}

	if c == nil {
		return fmt.Errorf("%w: %s", lwerrors.ErrConflictNotFound, conflictID)
	}

	if err := t.api.ResolveConflict(ctx, userID, conflictID, resolution); err != nil {
		return err
	}

	if err := t.store.DeleteConflict(conflictID); err != nil {
		return fmt.Errorf("clearing resolved conflict %s: %w", conflictID, err)
	}

	t.logger.Info("conflict resolved",
		slog.String("conflict_id", conflictID),
		slog.String("choice", resolution.Choice),
	)

	return nil
}

// Diff renders a human-readable text diff between the local and remote
// versions of one conflict, for display in a resolution UI.
func (t *Tracker) Diff(conflictID string) (string, error) {
	c, err := t.store.GetConflict(conflictID)
	if err != nil {
		return "", fmt.Errorf("looking up conflict %s: %w", conflictID, err)
	}

	if c == nil {
		return "", fmt.Errorf("%w: %s", lwerrors.ErrConflictNotFound, conflictID)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(c.LocalVersion), string(c.RemoteVersion), false)
	dmp.DiffCleanupSemantic(diffs)

	return dmp.DiffPrettyText(diffs), nil
}
