// Package queue implements the durable mutation queue: the ordered list of
// pending local edits replayed against the server by the sync manager.
//
// Enqueue is where a local edit becomes durable. It validates the payload
// against the per-kind schema (malformed mutations fail fast here, not
// during a later drain), generates a time-ordered idempotency key, snapshots
// the conflict baseline for updates, and applies the edit optimistically to
// the local store before the server has seen it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/store"
)

// ErrSyncing is returned when an operation is refused because the entry is
// currently owned by an in-flight drain.
var ErrSyncing = errors.New("mutation is syncing; wait for the in-flight attempt to resolve")

// Queue layers enqueue/retry/cancel semantics over the store's queue table.
type Queue struct {
	store  *store.Store
	logger *log.Logger

	// now and newKey are injectable for tests.
	now    func() time.Time
	newKey func() (string, error)
}

// New creates a mutation queue over the given store.
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		store:  st,
		logger: logger,
		now:    time.Now,
		newKey: newIdempotencyKey,
	}
}

// newIdempotencyKey generates a UUIDv7: unique for the lifetime of the
// store and ordered by time, so keys sort in enqueue order.
func newIdempotencyKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate idempotency key: %w", err)
	}
	return id.String(), nil
}

// Options carries the optional parts of an enqueue request.
type Options struct {
	// EntityID targets an existing entity. Required for updates; for
	// creates it is assigned locally when absent.
	EntityID string
	// DependsOn lists idempotency keys that must commit before this
	// mutation drains, e.g. the create of the entity being updated.
	DependsOn []string
}

// Enqueue validates and records a local edit, applies it optimistically to
// the local store, and returns the mutation's idempotency key.
func (q *Queue) Enqueue(ctx context.Context, op entity.Operation, kind entity.Kind, payload map[string]any, opts Options) (string, error) {
	if _, err := entity.ParseOperation(string(op)); err != nil {
		return "", err
	}
	if _, err := entity.ParseKind(string(kind)); err != nil {
		return "", err
	}
	if err := entity.ValidatePayload(kind, op, payload); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}
	if op == entity.OpUpdate && opts.EntityID == "" {
		return "", fmt.Errorf("update mutation for %s requires an entity id", kind)
	}

	key, err := q.newKey()
	if err != nil {
		return "", err
	}

	m := &store.Mutation{
		IdempotencyKey: key,
		Operation:      op,
		Entity:         kind,
		EntityID:       opts.EntityID,
		Payload:        payload,
		Timestamp:      q.now(),
		Status:         store.StatusPending,
		DependsOn:      opts.DependsOn,
	}

	switch op {
	case entity.OpCreate:
		if m.EntityID == "" {
			if id, ok := payload["id"].(string); ok && id != "" {
				m.EntityID = id
			} else {
				// Provisional local id; the commit path swaps it for the
				// server-assigned id.
				m.EntityID = key
			}
		}
		if err := q.applyOptimisticCreate(ctx, m); err != nil {
			return "", err
		}

	case entity.OpUpdate:
		baseline, err := q.captureBaseline(ctx, kind, m.EntityID)
		if err != nil {
			return "", err
		}
		m.BaselineUpdatedAt = baseline
		if err := q.applyOptimisticUpdate(ctx, m); err != nil {
			return "", err
		}
	}

	if err := q.store.InsertMutation(ctx, m); err != nil {
		return "", err
	}

	q.logger.Printf("Enqueued %s %s (key=%s, entity=%s)", op, kind, key, m.EntityID)
	return key, nil
}

// captureBaseline snapshots the entity's current server version. An entity
// that only exists as a pending create has no server version yet; the
// baseline stays empty and conflict detection is skipped for it.
func (q *Queue) captureBaseline(ctx context.Context, kind entity.Kind, entityID string) (string, error) {
	rec, err := q.store.GetByID(ctx, kind, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.UpdatedAt(), nil
}

// applyOptimisticCreate writes the provisional record so it is immediately
// visible to the UI and the offline search overlay.
func (q *Queue) applyOptimisticCreate(ctx context.Context, m *store.Mutation) error {
	rec := entity.Record(m.Payload).Clone()
	rec["id"] = m.EntityID
	return q.store.Put(ctx, m.Entity, rec)
}

// applyOptimisticUpdate merges the payload onto the current local record.
func (q *Queue) applyOptimisticUpdate(ctx context.Context, m *store.Mutation) error {
	current, err := q.store.GetByID(ctx, m.Entity, m.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		current = entity.Record{"id": m.EntityID}
	} else if err != nil {
		return err
	}
	return q.store.Put(ctx, m.Entity, current.Merge(m.Payload))
}

// Pending returns entries awaiting drain, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*store.Mutation, error) {
	return q.store.MutationsByStatus(ctx, store.StatusPending)
}

// All returns every queue entry, oldest first.
func (q *Queue) All(ctx context.Context) ([]*store.Mutation, error) {
	return q.store.Mutations(ctx)
}

// Retry resets a failed entry to pending with retries cleared. This is the
// explicit user action; failed entries are never retried automatically.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	m, err := q.store.MutationByID(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == store.StatusSyncing {
		return ErrSyncing
	}
	if err := q.store.ResetMutation(ctx, id); err != nil {
		return err
	}
	q.logger.Printf("Retrying mutation %d (key=%s)", id, m.IdempotencyKey)
	return nil
}

// Cancel removes an entry, discarding the edit. Cancelling a syncing entry
// is not supported; callers must wait for the in-flight attempt to resolve.
//
// Entries that depend on the cancelled key are parked as failed. Absence
// from the queue would otherwise read as committed, and the dependent would
// drain against a write that will never happen.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	m, err := q.store.MutationByID(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == store.StatusSyncing {
		return ErrSyncing
	}
	if err := q.store.RemoveMutation(ctx, id); err != nil {
		return err
	}
	if err := q.failDependents(ctx, m.IdempotencyKey); err != nil {
		return err
	}
	q.logger.Printf("Cancelled mutation %d (key=%s, %s %s)", id, m.IdempotencyKey, m.Operation, m.Entity)
	return nil
}

// failDependents parks pending entries whose dependsOn names the given key.
// Failed dependents stay in the queue, so anything depending on them in
// turn remains blocked until the user retries or cancels down the chain.
func (q *Queue) failDependents(ctx context.Context, key string) error {
	entries, err := q.store.MutationsByStatus(ctx, store.StatusPending)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		for _, dep := range entry.DependsOn {
			if dep != key {
				continue
			}
			reason := fmt.Sprintf("dependency %s was cancelled", key)
			if err := q.store.MarkMutationFailed(ctx, entry.ID, reason); err != nil {
				return err
			}
			q.logger.Printf("Parked mutation %d: %s", entry.ID, reason)
			break
		}
	}
	return nil
}

// Stats returns the number of entries per status.
func (q *Queue) Stats(ctx context.Context) (map[store.MutationStatus]int, error) {
	return q.store.QueueStats(ctx)
}
