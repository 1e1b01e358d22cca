package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Well-known sync metadata keys.
const (
	// MetaLastSync is the RFC3339 timestamp of the last fully successful
	// bulk pull.
	MetaLastSync = "lastSync"
	// MetaWorkspaceID is the workspace the mirrored data belongs to. If it
	// differs from the active workspace, every entity table must be cleared
	// before the next pull.
	MetaWorkspaceID = "workspaceId"
)

// GetSyncMeta returns the value for a sync metadata key, or "" if unset.
func (s *Store) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync meta %q: %w", key, err)
	}
	return value, nil
}

// SetSyncMeta upserts a sync metadata key.
func (s *Store) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set sync meta %q: %w", key, err)
	}
	return nil
}
