package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
)

// Choice selects which side wins a single field in a merged resolution.
type Choice string

const (
	// ChoiceLocal takes the local edit's value for the field.
	ChoiceLocal Choice = "local"
	// ChoiceServer takes the server's value for the field.
	ChoiceServer Choice = "server"
)

// Resolver closes conflict log entries and propagates the chosen outcome.
type Resolver struct {
	store  *store.Store
	queue  *queue.Queue
	logger *log.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. The queue is used to re-submit
// local/merged outcomes to the server; pass nil to skip re-submission
// (resolves then only touch the local store).
func NewResolver(st *store.Store, q *queue.Queue, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		store:  st,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve closes a conflict with the given resolution and writes the final
// record to the local store.
//
//   - local: every field from the local edit.
//   - server: the server record as-is.
//   - merged: per-field selection; every conflicting field defaults to the
//     server side (safety first) unless fieldChoices overrides it.
//
// For local and merged outcomes a fresh update mutation is enqueued with
// the server's updated_at as baseline, so the choice reaches the server.
// Resolving an already-resolved conflict is an error; entries are
// immutable once closed.
func (r *Resolver) Resolve(ctx context.Context, conflictID int64, resolution store.Resolution, fieldChoices map[string]Choice) (entity.Record, error) {
	c, err := r.store.ConflictByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, fmt.Errorf("conflict %d already resolved as %s", conflictID, c.Resolution)
	}

	var final entity.Record
	switch resolution {
	case store.ResolutionLocal:
		final = c.LocalData.Clone()
	case store.ResolutionServer:
		final = c.ServerData.Clone()
	case store.ResolutionMerged:
		final = r.merge(c, fieldChoices)
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	// The server record carries the authoritative id and version; keep
	// them regardless of field choices.
	final["id"] = c.ServerData.ID()
	final["updated_at"] = c.ServerData.UpdatedAt()

	if err := r.store.CloseConflict(ctx, conflictID, resolution, final, r.now()); err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, c.EntityType, final); err != nil {
		return nil, err
	}

	if resolution != store.ResolutionServer && r.queue != nil {
		if err := r.resubmit(ctx, c, final); err != nil {
			return nil, err
		}
	}

	r.logger.Printf("Resolved conflict %d (%s %s) as %s", conflictID, c.EntityType, c.EntityID, resolution)
	return final, nil
}

// merge builds the merged record: the server record as the base, with each
// conflicting field taken from the chosen side. Unlisted conflicting
// fields default to server.
func (r *Resolver) merge(c *store.ConflictEntry, fieldChoices map[string]Choice) entity.Record {
	final := c.ServerData.Clone()
	for _, field := range c.ConflictFields {
		if fieldChoices[field] == ChoiceLocal {
			final[field] = c.LocalData[field]
		}
	}
	return final
}

// resubmit queues the kept local fields as a new update against the
// server's current version.
func (r *Resolver) resubmit(ctx context.Context, c *store.ConflictEntry, final entity.Record) error {
	payload := make(map[string]any, len(c.ConflictFields))
	for _, field := range c.ConflictFields {
		if v, ok := final[field]; ok {
			payload[field] = v
		}
	}
	if len(payload) == 0 {
		return nil
	}

	_, err := r.queue.Enqueue(ctx, entity.OpUpdate, c.EntityType, payload, queue.Options{
		EntityID: c.ServerData.ID(),
	})
	if err != nil {
		return fmt.Errorf("failed to re-submit resolution of conflict %d: %w", c.ID, err)
	}
	return nil
}

// Dismiss closes a conflict without an explicit choice. Dismissal is
// recorded as a server resolution so that a discarded edit always leaves
// an audit entry.
func (r *Resolver) Dismiss(ctx context.Context, conflictID int64) error {
	_, err := r.Resolve(ctx, conflictID, store.ResolutionServer, nil)
	return err
}

// Next returns the oldest unresolved conflict, or nil when the log is
// clean. The interactive flow surfaces one conflict at a time.
func (r *Resolver) Next(ctx context.Context) (*store.ConflictEntry, error) {
	open, err := r.store.OpenConflicts(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open[0], nil
}
