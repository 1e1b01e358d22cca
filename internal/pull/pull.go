// Package pull implements the bulk puller: the point-in-time full-resync
// primitive that mirrors every server-side collection into the local store.
//
// A pull is a full mirror replace, not a merge, so server-side deletions
// are correctly reflected. It is distinct from incremental mutation replay,
// which the sync manager handles.
package pull

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/store"
)

// Puller fetches complete server collections and replaces the local mirrors.
type Puller struct {
	store  *store.Store
	api    *api.Client
	logger *log.Logger

	// pageSize is the list page size requested per fetch, capped by the
	// server at api.MaxPageSize.
	pageSize int
}

// New creates a puller. If logger is nil, a default logger writing to
// stderr is used. pageSize <= 0 selects the server maximum.
func New(st *store.Store, client *api.Client, pageSize int, logger *log.Logger) *Puller {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	if pageSize <= 0 || pageSize > api.MaxPageSize {
		pageSize = api.MaxPageSize
	}
	return &Puller{
		store:    st,
		api:      client,
		logger:   logger,
		pageSize: pageSize,
	}
}

// Result reports the outcome of a workspace pull.
type Result struct {
	Success   bool
	Timestamp time.Time
	// Counts maps each collection to the number of records mirrored.
	// Collections that failed are absent.
	Counts map[entity.Kind]int
	// Err is the first per-collection error, nil on full success.
	Err error
}

// collectionResult reports one collection's fetch+replace outcome.
type collectionResult struct {
	kind  entity.Kind
	count int
	err   error
}

// SyncWorkspaceData mirrors every collection of the given workspace.
//
// If the stored workspace id differs from workspaceID, every entity table
// is cleared first so records never bleed across workspaces. The seven
// collection syncs run concurrently (independent tables); one collection's
// failure does not prevent the others from completing, but the overall
// result reports success only when all seven succeeded. SyncMeta is only
// advanced on full success.
func (p *Puller) SyncWorkspaceData(ctx context.Context, workspaceID string) (*Result, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	result := &Result{
		Counts:    make(map[entity.Kind]int),
		Timestamp: time.Now(),
	}

	if err := p.ensureWorkspace(ctx, workspaceID); err != nil {
		result.Err = err
		return result, err
	}

	p.logger.Printf("Pulling workspace %s", workspaceID)
	start := time.Now()

	kinds := entity.Kinds()
	results := make(chan collectionResult, len(kinds))
	for _, kind := range kinds {
		go func(kind entity.Kind) {
			count, err := p.syncCollection(ctx, workspaceID, kind)
			results <- collectionResult{kind: kind, count: count, err: err}
		}(kind)
	}

	for range kinds {
		r := <-results
		if r.err != nil {
			p.logger.Printf("WARNING: failed to pull %s: %v", r.kind, r.err)
			if result.Err == nil {
				result.Err = fmt.Errorf("failed to pull %s: %w", r.kind, r.err)
			}
			continue
		}
		result.Counts[r.kind] = r.count
	}

	if result.Err != nil {
		// Completed collections keep their fresh mirror (best effort), but
		// lastSync must not advance past a partial pull.
		return result, result.Err
	}

	now := time.Now()
	if err := p.store.SetSyncMeta(ctx, store.MetaLastSync, now.Format(time.RFC3339)); err != nil {
		result.Err = err
		return result, err
	}
	if err := p.store.SetSyncMeta(ctx, store.MetaWorkspaceID, workspaceID); err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	result.Timestamp = now
	p.logger.Printf("Pull complete in %v (%d collections)", time.Since(start).Round(time.Millisecond), len(result.Counts))
	return result, nil
}

// ensureWorkspace clears every entity table when the active workspace
// differs from the one the mirrors belong to. This runs before any fetch,
// so a cross-tenant mirror is never readable alongside new data.
func (p *Puller) ensureWorkspace(ctx context.Context, workspaceID string) error {
	stored, err := p.store.GetSyncMeta(ctx, store.MetaWorkspaceID)
	if err != nil {
		return err
	}
	if stored == "" || stored == workspaceID {
		return nil
	}

	p.logger.Printf("Workspace changed (%s -> %s); clearing local mirrors", stored, workspaceID)
	for _, kind := range entity.Kinds() {
		if err := p.store.ClearStore(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// syncCollection fetches every page of one collection sequentially and
// atomically replaces the local mirror.
func (p *Puller) syncCollection(ctx context.Context, workspaceID string, kind entity.Kind) (int, error) {
	records, err := p.fetchAll(ctx, workspaceID, kind)
	if err != nil {
		return 0, err
	}
	if err := p.store.ReplaceAll(ctx, kind, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// fetchAll pages through a collection until page > total_pages.
func (p *Puller) fetchAll(ctx context.Context, workspaceID string, kind entity.Kind) ([]entity.Record, error) {
	var records []entity.Record

	page := 1
	for {
		pg, err := p.api.ListPage(ctx, workspaceID, kind, page, p.pageSize)
		if err != nil {
			return nil, err
		}
		records = append(records, pg.Items...)

		if page >= pg.TotalPages {
			break
		}
		page++
	}

	return records, nil
}
