package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Michaelrobins938/lightwell-sync/internal/models"
	"github.com/Michaelrobins938/lightwell-sync/internal/realtime"
	"github.com/Michaelrobins938/lightwell-sync/internal/retry"
	"github.com/Michaelrobins938/lightwell-sync/internal/state"
	"github.com/google/uuid"
)

// connStatus reports whether the realtime connection is live.
// *realtime.Conn satisfies this interface.
type connStatus interface {
	State() realtime.ConnectionState
}

// apiClient is the backend surface the orchestrator needs. *Client
// satisfies this interface.
type apiClient interface {
	PushDomain(ctx context.Context, userID, domain string, version int64, data any) (PushAck, error)
	ChatHistory(ctx context.Context, userID string) ([]ChatConversation, error)
	Memories(ctx context.Context, userID string) ([]MemoryEntry, error)
	Preferences(ctx context.Context, userID string) (json.RawMessage, error)
}

// Stats are cumulative counters over the orchestrator's lifetime.
type Stats struct {
	Syncs       int64 `json:"syncs"`
	SyncedItems int64 `json:"syncedItems"`
	Failures    int64 `json:"failures"`
}

// Orchestrator reconciles the multi-domain payload between this device
// and the backend. Domains sync independently; the pending-event queue
// preserves mutation order across disconnects.
type Orchestrator struct {
	conn      connStatus
	api       apiClient
	store     *state.State
	conflicts *Tracker
	logger    *slog.Logger

	userID   string
	retryCfg retry.Config

	// mu serializes SyncAll and DrainQueue so queued mutations never
	// interleave with a sync pass. Push only tries the lock; a mutation
	// arriving mid-pass is queued instead of waiting.
	mu    sync.Mutex
	stats Stats
}

// NewOrchestrator creates a sync orchestrator for one user.
func NewOrchestrator(
	conn connStatus,
	api apiClient,
	store *state.State,
	conflicts *Tracker,
	userID string,
	retryCfg retry.Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		conn:      conn,
		api:       api,
		store:     store,
		conflicts: conflicts,
		userID:    userID,
		retryCfg:  retryCfg,
		logger:    logger,
	}
}

type domainData struct {
	domain string
	data   any
}

// presentDomains lists the domains the payload actually carries, in
// canonical domain order.
func presentDomains(p Payload) []domainData {
	var out []domainData

	if len(p.Waivers) > 0 {
		out = append(out, domainData{DomainWaivers, p.Waivers})
	}

	if len(p.Conversations) > 0 {
		out = append(out, domainData{DomainChat, p.Conversations})
	}

	if len(p.Memories) > 0 {
		out = append(out, domainData{DomainMemories, p.Memories})
	}

	if p.Onboarding != nil {
		out = append(out, domainData{DomainOnboarding, p.Onboarding})
	}

	if p.Assessment != nil {
		out = append(out, domainData{DomainAssessment, p.Assessment})
	}

	if p.Preferences != nil {
		out = append(out, domainData{DomainPreferences, p.Preferences})
	}

	if p.UIState != nil {
		out = append(out, domainData{DomainUIState, p.UIState})
	}

	return out
}

// SyncAll pushes every present domain of the payload. Domains are
// independent: one failure is recorded and the rest still sync. The
// sync timestamp is updated regardless of outcome.
func (o *Orchestrator) SyncAll(ctx context.Context, payload Payload) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := Result{LastSync: time.Now()}

	for _, dd := range presentDomains(payload) {
		if err := o.pushDomain(ctx, dd.domain, dd.data); err != nil {
			o.logger.Warn("domain sync failed",
				slog.String("domain", dd.domain),
				slog.String("error", err.Error()),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", dd.domain, err))
			o.stats.Failures++

			continue
		}

		result.SyncedItems++
		o.stats.SyncedItems++
	}

	result.Success = len(result.Errors) == 0
	o.stats.Syncs++

	if err := o.store.SetLastSync(o.userID, result.LastSync); err != nil {
		o.logger.Error("recording sync time", slog.String("error", err.Error()))
	}

	return result
}

// pushDomain sends one domain through the bounded retry helper, records
// any conflicts the backend reports, and advances the domain's version
// cursor on acknowledgment.
func (o *Orchestrator) pushDomain(ctx context.Context, domain string, data any) error {
	version := o.store.DomainVersion(o.userID, domain)

	var lastAck PushAck

	err := retry.Do(ctx, o.retryCfg, func(ctx context.Context) error {
		ack, err := o.api.PushDomain(ctx, o.userID, domain, version, data)
		lastAck = ack

		return err
	})

	// Conflicts are recorded once per push, from the final attempt's
	// ack, never once per retry.
	for _, c := range lastAck.Conflicts {
		if addErr := o.conflicts.Add(c); addErr != nil {
			o.logger.Error("recording conflict", slog.String("error", addErr.Error()))
		}
	}

	if err != nil {
		return err
	}

	if lastAck.Version > version {
		if verErr := o.store.SetDomainVersion(o.userID, domain, lastAck.Version); verErr != nil {
			o.logger.Error("recording domain version",
				slog.String("domain", domain),
				slog.String("error", verErr.Error()),
			)
		}
	}

	return nil
}

// LoadAll pulls chat history, memories, and preferences. Domains load
// independently; failures are named in the result and leave the
// corresponding field empty.
func (o *Orchestrator) LoadAll(ctx context.Context) Loaded {
	var loaded Loaded

	err := retry.Do(ctx, o.retryCfg, func(ctx context.Context) error {
		conversations, err := o.api.ChatHistory(ctx, o.userID)
		if err != nil {
			return err
		}

		loaded.Conversations = conversations

		return nil
	})
	if err != nil {
		loaded.Errors = append(loaded.Errors, fmt.Sprintf("%s: %v", DomainChat, err))
	}

	err = retry.Do(ctx, o.retryCfg, func(ctx context.Context) error {
		memories, err := o.api.Memories(ctx, o.userID)
		if err != nil {
			return err
		}

		loaded.Memories = memories

		return nil
	})
	if err != nil {
		loaded.Errors = append(loaded.Errors, fmt.Sprintf("%s: %v", DomainMemories, err))
	}

	err = retry.Do(ctx, o.retryCfg, func(ctx context.Context) error {
		prefs, err := o.api.Preferences(ctx, o.userID)
		if err != nil {
			return err
		}

		loaded.Preferences = prefs

		return nil
	})
	if err != nil {
		loaded.Errors = append(loaded.Errors, fmt.Sprintf("%s: %v", DomainPreferences, err))
	}

	return loaded
}

// Push submits one domain mutation. While disconnected, while older
// mutations are still queued, or while a sync pass holds the lock, the
// mutation is enqueued so the user's writes keep their order. A
// transmission failure also lands the mutation in the queue: a mutation
// is either queued, in flight, or acknowledged, never lost. The result
// reports whether the mutation was queued rather than delivered.
func (o *Orchestrator) Push(ctx context.Context, domain string, payload json.RawMessage) (bool, error) {
	// Push never waits on an in-flight SyncAll or DrainQueue. If the
	// lock is held, the mutation goes straight to the queue and the next
	// drain delivers it in order.
	if !o.mu.TryLock() {
		return true, o.enqueue(domain, payload)
	}
	defer o.mu.Unlock()

	if !o.conn.State().Connected || o.store.PendingCount() > 0 {
		return true, o.enqueue(domain, payload)
	}

	if err := o.pushDomain(ctx, domain, payload); err != nil {
		o.logger.Warn("push failed, queueing",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)

		return true, o.enqueue(domain, payload)
	}

	o.stats.SyncedItems++

	return false, nil
}

func (o *Orchestrator) enqueue(domain string, payload json.RawMessage) error {
	ev := models.PendingEvent{
		ID:        uuid.NewString(),
		EventType: domain,
		Timestamp: time.Now().UnixMilli(),
		UserID:    o.userID,
		Payload:   payload,
	}

	if err := o.store.EnqueuePending(ev); err != nil {
		return fmt.Errorf("queueing %s mutation: %w", domain, err)
	}

	o.logger.Debug("mutation queued",
		slog.String("domain", domain),
		slog.String("event_id", ev.ID),
	)

	return nil
}

// DrainQueue transmits queued mutations strictly in FIFO order, one at
// a time. An entry is removed only after the backend acknowledges it; a
// failure stops the drain and leaves the failed entry and everything
// behind it queued for the next attempt.
func (o *Orchestrator) DrainQueue(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	events, err := o.store.PendingEvents()
	if err != nil {
		return fmt.Errorf("reading pending queue: %w", err)
	}

	for _, ev := range events {
		if err := o.pushDomain(ctx, ev.EventType, ev.Payload); err != nil {
			o.stats.Failures++
			return fmt.Errorf("draining %s event %s: %w", ev.EventType, ev.ID, err)
		}

		if err := o.store.RemovePending(ev.ID); err != nil {
			return fmt.Errorf("removing acknowledged event %s: %w", ev.ID, err)
		}

		o.stats.SyncedItems++
		o.logger.Debug("queued mutation delivered",
			slog.String("domain", ev.EventType),
			slog.String("event_id", ev.ID),
		)
	}

	return nil
}

// PendingEvents returns the queued mutations in FIFO order.
func (o *Orchestrator) PendingEvents() []models.PendingEvent {
	events, err := o.store.PendingEvents()
	if err != nil {
		o.logger.Error("reading pending queue", slog.String("error", err.Error()))
		return nil
	}

	return events
}

// LastSync returns when the most recent sync pass ran.
func (o *Orchestrator) LastSync() time.Time {
	return o.store.LastSync(o.userID)
}

// Stats returns cumulative sync counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.stats
}
