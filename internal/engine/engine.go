// Package engine composes the realtime connection, event dispatcher,
// sync orchestrator, and conflict tracker into one owned service with a
// single observable status surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Michaelrobins938/lightwell-sync/internal/config"
	lwerrors "github.com/Michaelrobins938/lightwell-sync/internal/errors"
	"github.com/Michaelrobins938/lightwell-sync/internal/models"
	"github.com/Michaelrobins938/lightwell-sync/internal/realtime"
	"github.com/Michaelrobins938/lightwell-sync/internal/retry"
	"github.com/Michaelrobins938/lightwell-sync/internal/state"
	"github.com/Michaelrobins938/lightwell-sync/internal/syncer"
	"github.com/google/uuid"
)

// Snapshot is the read contract for presentation layers. Everything a
// UI needs to render sync state is here; no other engine internals are
// exposed.
type Snapshot struct {
	IsConnected          bool                  `json:"isConnected"`
	IsAuthenticated      bool                  `json:"isAuthenticated"`
	IsDeviceRegistered   bool                  `json:"isDeviceRegistered"`
	ReconnectAttempts    int                   `json:"reconnectAttempts"`
	MaxReconnectAttempts int                   `json:"maxReconnectAttempts"`
	Status               realtime.Status       `json:"status"`
	ActiveDevices        []realtime.Device     `json:"activeDevices"`
	PendingEvents        []models.PendingEvent `json:"pendingEvents"`
	Conflicts            []models.Conflict     `json:"conflicts"`
	LastSyncTime         time.Time             `json:"lastSyncTime"`
}

// Engine owns the full synchronization stack for one device.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.State

	registry   *realtime.Registry
	conn       *realtime.Conn
	dispatcher *realtime.Dispatcher
	conflicts  *syncer.Tracker
	orch       *syncer.Orchestrator

	// payloadSource, when set, provides the local payload for periodic
	// sync passes. Without it the ticker only drains the queue.
	payloadSource func() syncer.Payload

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastStatus realtime.Status

	wg sync.WaitGroup
}

// New wires an engine from configuration and an opened store. The
// device identity is generated on first run and persisted.
func New(cfg *config.Config, store *state.State, logger *slog.Logger) (*Engine, error) {
	deviceID := store.DeviceID()
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := store.SetDeviceID(deviceID); err != nil {
			return nil, fmt.Errorf("persisting device identity: %w", err)
		}

		logger.Info("device identity created", slog.String("device_id", deviceID))
	}

	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(logger)

	conn := realtime.NewConn(realtime.Config{
		URL:          cfg.WebSocketURL(),
		UserID:       cfg.UserID,
		LaboratoryID: cfg.LaboratoryID,
		DeviceID:     deviceID,
		DeviceName:   cfg.DeviceName,
		DeviceType:   cfg.DeviceType,
		BaseDelay:    cfg.ReconnectBaseDelay,
		MaxAttempts:  cfg.MaxReconnectAttempts,
	}, registry, logger)

	conn.SetFrameHandler(dispatcher.HandleFrame)
	dispatcher.AttachSender(conn)

	api := syncer.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.RequestTimeout})
	conflicts := syncer.NewTracker(store, api, logger)
	orch := syncer.NewOrchestrator(conn, api, store, conflicts, cfg.UserID,
		retry.DefaultConfig, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		registry:   registry,
		conn:       conn,
		dispatcher: dispatcher,
		conflicts:  conflicts,
		orch:       orch,
		lastStatus: realtime.StatusDisconnected,
	}

	conn.SetOnChange(e.handleTransition)

	return e, nil
}

// SetPayloadSource wires the provider of local data for periodic sync
// passes. Must be called before Start.
func (e *Engine) SetPayloadSource(fn func() syncer.Payload) {
	e.payloadSource = fn
}

// Start connects and begins the periodic resync loop. The engine runs
// until Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.conn.Connect(ctx)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.resync(ctx)
			}
		}
	}()

	e.logger.Info("engine started",
		slog.String("server", e.cfg.WebSocketURL()),
		slog.Duration("sync_interval", e.cfg.SyncInterval),
	)
}

// Stop disconnects and halts the resync loop. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.conn.Disconnect()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// resync runs one periodic pass: drain queued mutations, then sync the
// current local payload if a source is wired.
func (e *Engine) resync(ctx context.Context) {
	if !e.conn.State().Connected {
		return
	}

	if err := e.orch.DrainQueue(ctx); err != nil {
		e.logger.Warn("queue drain incomplete", slog.String("error", err.Error()))
	}

	if e.payloadSource != nil {
		result := e.orch.SyncAll(ctx, e.payloadSource())
		if !result.Success {
			e.logger.Warn("periodic sync incomplete",
				slog.Int("synced", result.SyncedItems),
				slog.Int("failed", len(result.Errors)),
			)
		}
	}
}

// handleTransition runs on every connection state change. Reaching
// synced triggers an initial pull followed by a queue drain, off the
// connection's goroutine.
func (e *Engine) handleTransition() {
	status := e.conn.Status()

	e.mu.Lock()
	prev := e.lastStatus
	e.lastStatus = status
	cancel := e.cancel
	e.mu.Unlock()

	if status == prev {
		return
	}

	e.logger.Debug("status transition",
		slog.String("from", string(prev)),
		slog.String("to", string(status)),
	)

	if status == realtime.StatusSynced && cancel != nil {
		e.wg.Add(1)

		go func() {
			defer e.wg.Done()

			ctx, cancelSync := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
			defer cancelSync()

			loaded := e.orch.LoadAll(ctx)
			for _, loadErr := range loaded.Errors {
				e.logger.Warn("initial pull incomplete", slog.String("error", loadErr))
			}

			if err := e.orch.DrainQueue(ctx); err != nil {
				e.logger.Warn("queue drain incomplete", slog.String("error", err.Error()))
			}
		}()
	}
}

// Status returns the observable snapshot.
func (e *Engine) Status() Snapshot {
	st := e.conn.State()

	return Snapshot{
		IsConnected:          st.Connected,
		IsAuthenticated:      st.Authenticated,
		IsDeviceRegistered:   st.DeviceRegistered,
		ReconnectAttempts:    st.ReconnectAttempts,
		MaxReconnectAttempts: e.cfg.MaxReconnectAttempts,
		Status:               realtime.DeriveStatus(st),
		ActiveDevices:        e.registry.Devices(),
		PendingEvents:        e.orch.PendingEvents(),
		Conflicts:            e.conflicts.Conflicts(),
		LastSyncTime:         e.orch.LastSync(),
	}
}

// Retry re-arms connection attempts after the reconnect budget was
// exhausted.
func (e *Engine) Retry() {
	e.conn.Retry()
}

// Dispatcher exposes the event subscription surface.
func (e *Engine) Dispatcher() *realtime.Dispatcher {
	return e.dispatcher
}

// SendCollaborationMessage sends a task-scoped chat message over the
// live connection.
func (e *Engine) SendCollaborationMessage(taskID, content string) error {
	if !e.dispatcher.SendCollaborationMessage(taskID, content) {
		if e.conn.Terminal() {
			return lwerrors.ErrMaxReconnects
		}

		return lwerrors.ErrNotConnected
	}

	return nil
}

// RequestTaskUpdate asks the server to push the current state of a task.
func (e *Engine) RequestTaskUpdate(taskID string) error {
	if !e.dispatcher.RequestTaskUpdate(taskID) {
		if e.conn.Terminal() {
			return lwerrors.ErrMaxReconnects
		}

		return lwerrors.ErrNotConnected
	}

	return nil
}

// Push submits one domain mutation, queueing it when the backend is
// unreachable.
func (e *Engine) Push(ctx context.Context, domain string, payload []byte) (bool, error) {
	return e.orch.Push(ctx, domain, payload)
}

// SyncAll runs a full sync pass with the given payload.
func (e *Engine) SyncAll(ctx context.Context, payload syncer.Payload) syncer.Result {
	return e.orch.SyncAll(ctx, payload)
}

// LoadAll pulls the remote domains.
func (e *Engine) LoadAll(ctx context.Context) syncer.Loaded {
	return e.orch.LoadAll(ctx)
}

// ResolveConflict submits an explicit resolution for a tracked
// conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution syncer.Resolution) error {
	return e.conflicts.Resolve(ctx, e.cfg.UserID, conflictID, resolution)
}

// ConflictDiff renders a text diff of one conflict's two versions.
func (e *Engine) ConflictDiff(conflictID string) (string, error) {
	return e.conflicts.Diff(conflictID)
}

// Stats returns cumulative sync counters.
func (e *Engine) Stats() syncer.Stats {
	return e.orch.Stats()
}
