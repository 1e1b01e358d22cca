package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// tableFor maps a collection to its mirror table name.
// Kinds are a closed enum, so interpolating the name into SQL is safe;
// anything else is rejected before it reaches a query.
func tableFor(kind entity.Kind) (string, error) {
	if _, err := entity.ParseKind(string(kind)); err != nil {
		return "", err
	}
	return string(kind), nil
}

// GetAll returns every record in a collection mirror.
func (s *Store) GetAll(ctx context.Context, kind entity.Kind) ([]entity.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT data FROM %s ORDER BY id", table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var records []entity.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		var rec entity.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", kind, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", kind, err)
	}

	return records, nil
}

// GetByID returns a single record, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, kind entity.Kind, id string) (entity.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var data string
	err = s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", kind, id, err)
	}

	var rec entity.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return rec, nil
}

// Put upserts a single record keyed by its id.
func (s *Store) Put(ctx context.Context, kind entity.Kind, rec entity.Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return putRecord(ctx, s.conn, table, kind, rec)
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, table string, kind entity.Kind, rec entity.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("cannot store %s record without id", kind)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, updated_at, data)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		data = excluded.data
	`, table)

	if _, err := db.ExecContext(ctx, query, id, rec.UpdatedAt(), string(data)); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", kind, id, err)
	}
	return nil
}

// PutAll upserts a batch of records in a single transaction, all-or-nothing,
// so a partially applied bulk write is never observable.
func (s *Store) PutAll(ctx context.Context, kind entity.Kind, records []entity.Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := putRecord(ctx, tx, table, kind, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s batch: %w", kind, err)
	}
	return nil
}

// DeleteByID removes a record. Deleting a record that doesn't exist is a
// no-op (idempotent).
func (s *Store) DeleteByID(ctx context.Context, kind entity.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// ClearStore removes every record from a collection mirror.
func (s *Store) ClearStore(ctx context.Context, kind entity.Kind) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind, err)
	}
	return nil
}

// ReplaceAll atomically replaces the full contents of a collection mirror:
// clear plus repopulate in one transaction. This is how the bulk puller
// reflects server-side deletions, and it guarantees a reader never observes
// a half-replaced mirror.
func (s *Store) ReplaceAll(ctx context.Context, kind entity.Kind, records []entity.Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind, err)
	}

	for _, rec := range records {
		if err := putRecord(ctx, tx, table, kind, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s replace: %w", kind, err)
	}
	return nil
}

// Count returns the number of records in a collection mirror.
func (s *Store) Count(ctx context.Context, kind entity.Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}
