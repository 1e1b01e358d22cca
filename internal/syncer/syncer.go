// Package syncer implements the sync manager: the drain loop that replays
// the mutation queue against the server, one entry at a time.
//
// Entries are processed strictly sequentially, oldest first, to preserve
// per-entity ordering. An entry whose dependsOn references a key that has
// not yet committed is skipped and left pending. Each drained entry either
// commits (removed from the queue, local store refreshed from the server
// response), conflicts (routed to the conflict log), or fails transiently
// (marked failed with the error recorded; never retried automatically).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/conflict"
	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/store"
)

// ErrBusy is returned when ProcessQueue is called while a drain is already
// in flight. Exactly one entry is syncing at a time per queue.
var ErrBusy = errors.New("a drain is already in progress")

// Config holds sync manager configuration.
type Config struct {
	// WorkspaceID scopes every server call.
	WorkspaceID string

	// Logger for drain activity (default: stderr logger).
	Logger *log.Logger

	// Notify, when set, receives engine events (commits, conflicts,
	// failures, drain completion). Called synchronously from the drain
	// loop; keep it fast.
	Notify func(Event)
}

// Manager drains the mutation queue against the network.
type Manager struct {
	store  *store.Store
	api    *api.Client
	config Config
	logger *log.Logger

	mu       sync.Mutex
	draining bool
}

// New creates a sync manager.
//
// Construction recovers entries left in syncing by an interrupted previous
// session: the response may have been lost after the server applied the
// write, so they are reset to pending and re-submitted. Re-submission is
// safe because the server deduplicates by idempotency key.
func New(ctx context.Context, st *store.Store, client *api.Client, config Config) (*Manager, error) {
	if config.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	m := &Manager{
		store:  st,
		api:    client,
		config: config,
		logger: logger,
	}

	recovered, err := st.RecoverStaleSyncing(ctx)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logger.Printf("Recovered %d interrupted mutation(s) to pending", recovered)
	}

	return m, nil
}

// Result summarizes one drain run.
type Result struct {
	Attempted  int
	Committed  int
	Conflicted int
	Failed     int
	Skipped    int
	Duration   time.Duration
}

// ProcessQueue drains all eligible queue entries once.
//
// Only pending entries are attempted; failed entries wait for an explicit
// retry, and syncing entries belong to an in-flight drain. One entry's
// failure never aborts the drain of subsequent independent entries.
func (m *Manager) ProcessQueue(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.draining = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	start := time.Now()
	result := &Result{}

	entries, err := m.store.MutationsByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		// Earlier commits can retarget this entry (a create's provisional
		// id replaced by the server's), so reload it rather than trusting
		// the snapshot taken at drain start.
		entry, err := m.store.MutationByID(ctx, entry.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		if entry.Status != store.StatusPending {
			continue
		}

		// Dependency state may have changed while earlier entries drained,
		// so it is re-checked here, not precomputed.
		eligible, err := m.dependenciesCommitted(ctx, entry)
		if err != nil {
			return result, err
		}
		if !eligible {
			result.Skipped++
			continue
		}

		result.Attempted++
		switch outcome := m.drainOne(ctx, entry); outcome {
		case outcomeCommitted:
			result.Committed++
		case outcomeConflicted:
			result.Conflicted++
		case outcomeFailed:
			result.Failed++
		}
	}

	result.Duration = time.Since(start)
	m.logger.Printf("Drain complete: attempted=%d committed=%d conflicted=%d failed=%d skipped=%d in %v",
		result.Attempted, result.Committed, result.Conflicted, result.Failed, result.Skipped,
		result.Duration.Round(time.Millisecond))
	m.notify(Event{Type: EventDrainComplete, Result: result})

	return result, nil
}

// dependenciesCommitted reports whether every dependsOn key has reached its
// committed terminal state. Committed entries are removed from the queue,
// so a key that is still present (pending, syncing, or failed) blocks its
// dependents.
func (m *Manager) dependenciesCommitted(ctx context.Context, entry *store.Mutation) (bool, error) {
	for _, key := range entry.DependsOn {
		present, err := m.store.HasMutationKey(ctx, key)
		if err != nil {
			return false, err
		}
		if present {
			return false, nil
		}
	}
	return true, nil
}

type drainOutcome int

const (
	outcomeCommitted drainOutcome = iota
	outcomeConflicted
	outcomeFailed
)

// drainOne attempts a single queue entry end to end.
func (m *Manager) drainOne(ctx context.Context, entry *store.Mutation) drainOutcome {
	if err := m.store.SetMutationStatus(ctx, entry.ID, store.StatusSyncing, ""); err != nil {
		m.logger.Printf("WARNING: failed to mark mutation %d syncing: %v", entry.ID, err)
		return outcomeFailed
	}

	// Updates carry the updated_at observed when the edit was queued. A
	// server record with a newer timestamp means someone else wrote in the
	// meantime, so the divergence is raised locally before submitting;
	// this also covers servers that accept blind writes without a 409.
	if entry.Operation == entity.OpUpdate && entry.BaselineUpdatedAt != "" {
		server, err := m.api.Get(ctx, m.config.WorkspaceID, entry.Entity, entry.EntityID)
		if err != nil {
			return m.fail(ctx, entry, err)
		}
		if server.UpdatedAt() != entry.BaselineUpdatedAt {
			return m.raiseConflict(ctx, entry, server)
		}
	}

	var rec entity.Record
	var err error
	switch entry.Operation {
	case entity.OpCreate:
		rec, err = m.api.Create(ctx, m.config.WorkspaceID, entry.Entity, entry.IdempotencyKey, entry.Payload)
	case entity.OpUpdate:
		rec, err = m.api.Update(ctx, m.config.WorkspaceID, entry.Entity, entry.EntityID, entry.IdempotencyKey, entry.Payload)
	default:
		err = fmt.Errorf("unknown operation %q", entry.Operation)
	}

	if err == nil {
		return m.commit(ctx, entry, rec)
	}

	var conflictErr *api.ConflictError
	if errors.As(err, &conflictErr) {
		return m.raiseConflict(ctx, entry, conflictErr.Server)
	}

	return m.fail(ctx, entry, err)
}

// commit applies the authoritative server record locally and removes the
// entry from the queue.
func (m *Manager) commit(ctx context.Context, entry *store.Mutation, rec entity.Record) drainOutcome {
	if err := m.store.Put(ctx, entry.Entity, rec); err != nil {
		return m.fail(ctx, entry, err)
	}
	// A create's provisional local id is superseded by the server's id:
	// drop the provisional record and point queued dependents at the
	// canonical id.
	if entry.Operation == entity.OpCreate && entry.EntityID != "" && entry.EntityID != rec.ID() {
		if err := m.store.DeleteByID(ctx, entry.Entity, entry.EntityID); err != nil {
			m.logger.Printf("WARNING: failed to drop provisional %s %s: %v", entry.Entity, entry.EntityID, err)
		}
		if n, err := m.store.RetargetMutations(ctx, entry.Entity, entry.EntityID, rec.ID()); err != nil {
			m.logger.Printf("WARNING: failed to retarget mutations for %s: %v", entry.EntityID, err)
		} else if n > 0 {
			m.logger.Printf("Retargeted %d queued mutation(s) from %s to %s", n, entry.EntityID, rec.ID())
		}
	}
	if err := m.store.RemoveMutation(ctx, entry.ID); err != nil {
		m.logger.Printf("WARNING: mutation %d committed but not removed: %v", entry.ID, err)
	}

	m.logger.Printf("Committed %s %s (key=%s, id=%s)", entry.Operation, entry.Entity, entry.IdempotencyKey, rec.ID())
	m.notify(Event{
		Type:           EventMutationCommitted,
		Entity:         entry.Entity,
		EntityID:       rec.ID(),
		Operation:      entry.Operation,
		IdempotencyKey: entry.IdempotencyKey,
	})
	return outcomeCommitted
}

// raiseConflict records the divergence in the conflict log and parks the
// entry as failed pending resolution.
func (m *Manager) raiseConflict(ctx context.Context, entry *store.Mutation, server entity.Record) drainOutcome {
	if server == nil {
		fetched, err := m.api.Get(ctx, m.config.WorkspaceID, entry.Entity, entry.EntityID)
		if err != nil {
			return m.fail(ctx, entry, fmt.Errorf("conflict reported but server record unavailable: %w", err))
		}
		server = fetched
	}

	local, err := m.localView(ctx, entry)
	if err != nil {
		return m.fail(ctx, entry, err)
	}

	fields := conflict.DiffFields(local, server)
	if len(fields) == 0 {
		// The versions diverged but no overlapping field actually differs;
		// the server record already reflects the edit.
		return m.commit(ctx, entry, server)
	}

	c := &store.ConflictEntry{
		EntityType:     entry.Entity,
		EntityID:       server.ID(),
		LocalData:      local,
		ServerData:     server,
		ConflictFields: fields,
		DetectedAt:     time.Now(),
	}
	if err := m.store.InsertConflict(ctx, c); err != nil {
		return m.fail(ctx, entry, err)
	}
	if err := m.store.MarkMutationFailed(ctx, entry.ID, "version conflict"); err != nil {
		m.logger.Printf("WARNING: failed to park conflicted mutation %d: %v", entry.ID, err)
	}

	m.logger.Printf("Conflict on %s %s: fields=%v (key=%s)", entry.Entity, server.ID(), fields, entry.IdempotencyKey)
	m.notify(Event{
		Type:           EventConflictDetected,
		Entity:         entry.Entity,
		EntityID:       server.ID(),
		IdempotencyKey: entry.IdempotencyKey,
		ConflictFields: fields,
	})
	return outcomeConflicted
}

// localView reconstructs the local side of a conflict: the queued payload
// merged onto the current local record (which already carries the
// optimistic edit).
func (m *Manager) localView(ctx context.Context, entry *store.Mutation) (entity.Record, error) {
	current, err := m.store.GetByID(ctx, entry.Entity, entry.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		current = entity.Record{"id": entry.EntityID}
	} else if err != nil {
		return nil, err
	}
	return current.Merge(entry.Payload), nil
}

// fail parks the entry as failed with the error recorded. Failed entries
// wait for an explicit user retry or cancel; there is no automatic retry,
// which avoids unbounded retry storms against a possibly-permanent error.
func (m *Manager) fail(ctx context.Context, entry *store.Mutation, cause error) drainOutcome {
	if err := m.store.MarkMutationFailed(ctx, entry.ID, cause.Error()); err != nil {
		m.logger.Printf("WARNING: failed to mark mutation %d failed: %v", entry.ID, err)
	}

	m.logger.Printf("Mutation %d failed (%s %s, key=%s): %v",
		entry.ID, entry.Operation, entry.Entity, entry.IdempotencyKey, cause)
	m.notify(Event{
		Type:           EventMutationFailed,
		Entity:         entry.Entity,
		EntityID:       entry.EntityID,
		Operation:      entry.Operation,
		IdempotencyKey: entry.IdempotencyKey,
		Error:          cause.Error(),
	})
	return outcomeFailed
}

// IsDraining reports whether a drain is currently in flight.
func (m *Manager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

func (m *Manager) notify(ev Event) {
	if m.config.Notify != nil {
		m.config.Notify(ev)
	}
}
