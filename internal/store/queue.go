package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	// StatusPending means the entry is waiting to be drained.
	StatusPending MutationStatus = "pending"
	// StatusSyncing means a drain currently owns the entry. At most one
	// entry is syncing at a time per queue.
	StatusSyncing MutationStatus = "syncing"
	// StatusFailed means the last attempt failed. Failed entries are never
	// retried automatically; they require an explicit retry or cancel.
	StatusFailed MutationStatus = "failed"
)

// Mutation is one durable queue entry: a local edit authored while offline
// (or before the server acknowledged it), replayed against the server by
// the sync manager.
type Mutation struct {
	// ID is the monotonic local sequence number assigned by the store.
	ID int64

	// IdempotencyKey is the client-generated unique token sent to the
	// server so retried requests are deduplicated server-side.
	IdempotencyKey string

	Operation entity.Operation
	Entity    entity.Kind

	// EntityID is the target id. For creates it is the locally assigned
	// provisional id, replaced by the server's id on commit.
	EntityID string

	// Payload holds the fields being written.
	Payload map[string]any

	// Timestamp is the enqueue time.
	Timestamp time.Time

	Retries   int
	LastError string
	Status    MutationStatus

	// BaselineUpdatedAt is the entity's server version captured at edit
	// time, used for conflict comparison on update.
	BaselineUpdatedAt string

	// DependsOn lists idempotency keys that must commit before this entry
	// is eligible to drain.
	DependsOn []string
}

// InsertMutation appends a mutation to the queue and assigns its ID.
// The idempotency key must be unique for the lifetime of the store; a
// duplicate key is a hard error.
func (s *Store) InsertMutation(ctx context.Context, m *Mutation) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode mutation payload: %w", err)
	}
	dependsOn, err := json.Marshal(m.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode dependsOn: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO mutation_queue (
		idempotency_key, operation, entity, entity_id, payload,
		ts, retries, last_error, status, baseline_updated_at, depends_on
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.IdempotencyKey,
		string(m.Operation),
		string(m.Entity),
		m.EntityID,
		string(payload),
		m.Timestamp.Format(time.RFC3339Nano),
		m.Retries,
		m.LastError,
		string(m.Status),
		m.BaselineUpdatedAt,
		string(dependsOn),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.IdempotencyKey, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mutation id: %w", err)
	}
	m.ID = id
	return nil
}

const mutationColumns = `id, idempotency_key, operation, entity, entity_id,
	payload, ts, retries, last_error, status, baseline_updated_at, depends_on`

// Mutations returns every queue entry, oldest first.
func (s *Store) Mutations(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+mutationColumns+" FROM mutation_queue ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// MutationsByStatus returns entries with the given status, oldest first.
func (s *Store) MutationsByStatus(ctx context.Context, status MutationStatus) ([]*Mutation, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+mutationColumns+" FROM mutation_queue WHERE status = ? ORDER BY id ASC",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s mutations: %w", status, err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// MutationByID returns a single queue entry, or ErrNotFound.
func (s *Store) MutationByID(ctx context.Context, id int64) (*Mutation, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+mutationColumns+" FROM mutation_queue WHERE id = ?", id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mutation %d: %w", id, ErrNotFound)
	}
	return m, err
}

// HasMutationKey reports whether any queue entry carries the given
// idempotency key. Committed entries are removed from the queue, so a key
// that is absent has reached its terminal committed state (or was cancelled,
// which the sync manager surfaces to dependents as a failure).
func (s *Store) HasMutationKey(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutation_queue WHERE idempotency_key = ?", key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return count > 0, nil
}

// SetMutationStatus updates the lifecycle status and error message of an
// entry. Retries are left untouched.
func (s *Store) SetMutationStatus(ctx context.Context, id int64, status MutationStatus, lastError string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ?, last_error = ? WHERE id = ?",
		string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %d: %w", id, err)
	}
	return requireRowChanged(res, id)
}

// MarkMutationFailed moves an entry to failed, increments its retry count,
// and records the error message.
func (s *Store) MarkMutationFailed(ctx context.Context, id int64, lastError string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ?, retries = retries + 1, last_error = ? WHERE id = ?",
		string(StatusFailed), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %d failed: %w", id, err)
	}
	return requireRowChanged(res, id)
}

// ResetMutation returns a failed entry to pending with retries cleared.
// This is the explicit user-driven retry.
func (s *Store) ResetMutation(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ?, retries = 0, last_error = '' WHERE id = ?",
		string(StatusPending), id)
	if err != nil {
		return fmt.Errorf("failed to reset mutation %d: %w", id, err)
	}
	return requireRowChanged(res, id)
}

// RecoverStaleSyncing resets entries left in syncing by an interrupted
// drain back to pending. Re-submission is safe because the server
// deduplicates by idempotency key. Returns the number of recovered entries.
func (s *Store) RecoverStaleSyncing(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ? WHERE status = ?",
		string(StatusPending), string(StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale syncing entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered entries: %w", err)
	}
	return int(n), nil
}

// RetargetMutations points queued mutations at a new entity id. Called when
// a create commits: dependent entries queued against the provisional local
// id must follow the server-assigned id.
func (s *Store) RetargetMutations(ctx context.Context, kind entity.Kind, oldID, newID string) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET entity_id = ? WHERE entity = ? AND entity_id = ?",
		newID, string(kind), oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to retarget mutations for %s %s: %w", kind, oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retargeted mutations: %w", err)
	}
	return int(n), nil
}

// RemoveMutation deletes a queue entry. This is both the commit path
// (entry drained successfully) and the explicit cancel path.
func (s *Store) RemoveMutation(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM mutation_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// QueueStats returns the number of entries per status.
func (s *Store) QueueStats(ctx context.Context) (map[MutationStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mutation_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[MutationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[MutationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}
	return stats, nil
}

func requireRowChanged(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of mutation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %d: %w", id, ErrNotFound)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*Mutation, error) {
	var m Mutation
	var operation, kind, ts, payload, dependsOn, status string
	var entityID, lastError, baseline sql.NullString

	err := row.Scan(
		&m.ID,
		&m.IdempotencyKey,
		&operation,
		&kind,
		&entityID,
		&payload,
		&ts,
		&m.Retries,
		&lastError,
		&status,
		&baseline,
		&dependsOn,
	)
	if err != nil {
		return nil, err
	}

	m.Operation = entity.Operation(operation)
	m.Entity = entity.Kind(kind)
	m.EntityID = entityID.String
	m.LastError = lastError.String
	m.Status = MutationStatus(status)
	m.BaselineUpdatedAt = baseline.String

	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		m.Timestamp = t
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of mutation %d: %w", m.ID, err)
	}
	if dependsOn != "" && dependsOn != "null" {
		if err := json.Unmarshal([]byte(dependsOn), &m.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependsOn of mutation %d: %w", m.ID, err)
		}
	}

	return &m, nil
}

func scanMutations(rows *sql.Rows) ([]*Mutation, error) {
	var mutations []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}
