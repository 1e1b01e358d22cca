package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FormDraft is an in-progress form persisted so it survives reloads.
// Drafts are independent of the sync engine: created or overwritten by the
// UI, deleted on successful submission.
type FormDraft struct {
	// ID is the form type plus context, e.g. "item-edit:abc123".
	ID      string
	Fields  map[string]any
	SavedAt time.Time
}

// SaveDraft creates or overwrites a form draft.
func (s *Store) SaveDraft(ctx context.Context, d *FormDraft) error {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode draft fields: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO form_drafts (id, fields, saved_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		fields = excluded.fields,
		saved_at = excluded.saved_at
	`, d.ID, string(fields), d.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save draft %s: %w", d.ID, err)
	}
	return nil
}

// Draft returns a single form draft, or ErrNotFound.
func (s *Store) Draft(ctx context.Context, id string) (*FormDraft, error) {
	var fields, savedAt string
	err := s.conn.QueryRowContext(ctx,
		"SELECT fields, saved_at FROM form_drafts WHERE id = ?", id).Scan(&fields, &savedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query draft %s: %w", id, err)
	}

	d := &FormDraft{ID: id}
	if err := json.Unmarshal([]byte(fields), &d.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode draft %s: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		d.SavedAt = t
	}
	return d, nil
}

// Drafts returns all form drafts, most recently saved first.
func (s *Store) Drafts(ctx context.Context) ([]*FormDraft, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, fields, saved_at FROM form_drafts ORDER BY saved_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*FormDraft
	for rows.Next() {
		var d FormDraft
		var fields, savedAt string
		if err := rows.Scan(&d.ID, &fields, &savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &d.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode draft %s: %w", d.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
			d.SavedAt = t
		}
		drafts = append(drafts, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drafts: %w", err)
	}
	return drafts, nil
}

// DeleteDraft removes a draft. Deleting a missing draft is a no-op.
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM form_drafts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", id, err)
	}
	return nil
}
