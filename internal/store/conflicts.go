package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// Resolution is the terminal outcome recorded on a conflict log entry.
type Resolution string

const (
	// ResolutionLocal takes every field from the local edit.
	ResolutionLocal Resolution = "local"
	// ResolutionServer discards the local edit and takes the server record.
	ResolutionServer Resolution = "server"
	// ResolutionMerged takes a per-field selection of local and server.
	ResolutionMerged Resolution = "merged"
)

// ParseResolution validates a resolution name from external input.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionLocal, ResolutionServer, ResolutionMerged:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q (want local, server, or merged)", s)
}

// ConflictEntry records one detected divergence between a queued local edit
// and the server's current version of the same entity.
//
// Entries are created by the conflict detector and closed exactly once by
// the resolver; once ResolvedAt is set the entry is immutable.
type ConflictEntry struct {
	ID         int64
	EntityType entity.Kind
	EntityID   string

	// LocalData is the queued payload merged onto the pre-edit record.
	LocalData entity.Record
	// ServerData is the server's current record.
	ServerData entity.Record
	// ConflictFields lists the keys whose JSON-normalized values differ.
	ConflictFields []string

	Resolution   Resolution
	ResolvedData entity.Record

	DetectedAt time.Time
	ResolvedAt *time.Time
}

// Resolved reports whether the entry has reached its terminal state.
func (c *ConflictEntry) Resolved() bool {
	return c.ResolvedAt != nil
}

// InsertConflict appends a new unresolved entry to the conflict log and
// assigns its ID.
func (s *Store) InsertConflict(ctx context.Context, c *ConflictEntry) error {
	local, err := json.Marshal(c.LocalData)
	if err != nil {
		return fmt.Errorf("failed to encode local data: %w", err)
	}
	server, err := json.Marshal(c.ServerData)
	if err != nil {
		return fmt.Errorf("failed to encode server data: %w", err)
	}
	fields, err := json.Marshal(c.ConflictFields)
	if err != nil {
		return fmt.Errorf("failed to encode conflict fields: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO conflict_log (
		entity_type, entity_id, local_data, server_data,
		conflict_fields, detected_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(c.EntityType),
		c.EntityID,
		string(local),
		string(server),
		string(fields),
		c.DetectedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict for %s %s: %w", c.EntityType, c.EntityID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read conflict id: %w", err)
	}
	c.ID = id
	return nil
}

const conflictColumns = `id, entity_type, entity_id, local_data, server_data,
	conflict_fields, resolution, resolved_data, detected_at, resolved_at`

// ConflictByID returns a single conflict log entry, or ErrNotFound.
func (s *Store) ConflictByID(ctx context.Context, id int64) (*ConflictEntry, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+conflictColumns+" FROM conflict_log WHERE id = ?", id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	return c, err
}

// OpenConflicts returns unresolved entries, oldest first. The interactive
// flow surfaces at most one at a time, so callers typically take the head.
func (s *Store) OpenConflicts(ctx context.Context) ([]*ConflictEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflict_log WHERE resolved_at IS NULL ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query open conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// Conflicts returns the full conflict log, oldest first.
func (s *Store) Conflicts(ctx context.Context) ([]*ConflictEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflict_log ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict log: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// CloseConflict records the terminal resolution of an entry. It refuses to
// touch an already-resolved entry: the log is immutable once resolved_at is
// set.
func (s *Store) CloseConflict(ctx context.Context, id int64, resolution Resolution, resolvedData entity.Record, resolvedAt time.Time) error {
	data, err := json.Marshal(resolvedData)
	if err != nil {
		return fmt.Errorf("failed to encode resolved data: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE conflict_log
	SET resolution = ?, resolved_data = ?, resolved_at = ?
	WHERE id = ? AND resolved_at IS NULL
	`,
		string(resolution),
		string(data),
		resolvedAt.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to close conflict %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close of conflict %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %d is missing or already resolved: %w", id, ErrNotFound)
	}
	return nil
}

func scanConflict(row rowScanner) (*ConflictEntry, error) {
	var c ConflictEntry
	var entityType, local, server, fields, detectedAt string
	var resolution, resolvedData, resolvedAt sql.NullString

	err := row.Scan(
		&c.ID,
		&entityType,
		&c.EntityID,
		&local,
		&server,
		&fields,
		&resolution,
		&resolvedData,
		&detectedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	c.EntityType = entity.Kind(entityType)
	c.Resolution = Resolution(resolution.String)

	if err := json.Unmarshal([]byte(local), &c.LocalData); err != nil {
		return nil, fmt.Errorf("failed to decode local data of conflict %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(server), &c.ServerData); err != nil {
		return nil, fmt.Errorf("failed to decode server data of conflict %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(fields), &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("failed to decode conflict fields of conflict %d: %w", c.ID, err)
	}
	if resolvedData.Valid && resolvedData.String != "" {
		if err := json.Unmarshal([]byte(resolvedData.String), &c.ResolvedData); err != nil {
			return nil, fmt.Errorf("failed to decode resolved data of conflict %d: %w", c.ID, err)
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		c.DetectedAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}

	return &c, nil
}

func scanConflicts(rows *sql.Rows) ([]*ConflictEntry, error) {
	var conflicts []*ConflictEntry
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
