package search

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
)

func setupSearcher(t *testing.T) (*Searcher, *store.Store, *queue.Queue) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(io.Discard, "", 0)
	return New(st, logger), st, queue.New(st, logger)
}

func putItem(t *testing.T, st *store.Store, id, name, description string) {
	t.Helper()
	rec := entity.Record{"id": id, "name": name, "updated_at": "t1"}
	if description != "" {
		rec["description"] = description
	}
	if err := st.Put(context.Background(), entity.KindItems, rec); err != nil {
		t.Fatalf("failed to put item: %v", err)
	}
}

func TestSearchMatchesFuzzily(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	putItem(t, st, "itm_1", "Cordless Drill", "")
	putItem(t, st, "itm_2", "Drill Press", "")
	putItem(t, st, "itm_3", "Garden Hose", "")

	results, err := s.Search(ctx, entity.KindItems, "drill", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	for _, r := range results {
		if r.ID == "itm_3" {
			t.Error("non-matching record returned")
		}
	}
}

func TestSearchNameOutranksDescription(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	putItem(t, st, "itm_1", "Battery Pack", "spare for the drill")
	putItem(t, st, "itm_2", "Drill", "")

	results, err := s.Search(ctx, entity.KindItems, "drill", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "itm_2" {
		t.Errorf("name match ranked below description match: %+v", results)
	}
}

func TestSearchMinQueryLength(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	putItem(t, st, "itm_1", "Drill", "")

	results, err := s.Search(ctx, entity.KindItems, "d", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results != nil {
		t.Errorf("single-character query returned results: %+v", results)
	}
}

func TestSearchRejectsUnsearchableKind(t *testing.T) {
	s, _, _ := setupSearcher(t)

	if _, err := s.Search(context.Background(), entity.KindLoans, "anything", 0); err == nil {
		t.Error("search over a text-less collection was accepted")
	}
}

func TestGlobalSearchIncludesPendingCreates(t *testing.T) {
	s, st, q := setupSearcher(t)
	ctx := context.Background()

	putItem(t, st, "itm_1", "Drill Press", "")

	// A create queued offline must be findable immediately.
	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Cordless Drill"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	results, err := s.GlobalSearch(ctx, "drill", 0)
	if err != nil {
		t.Fatalf("GlobalSearch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}

	var pendingSeen bool
	for _, r := range results {
		name, _ := r.Record["name"].(string)
		if name == "Cordless Drill" {
			if !r.IsPending {
				t.Error("queued create not marked pending")
			}
			pendingSeen = true
		} else if r.IsPending {
			t.Errorf("mirrored record marked pending: %+v", r)
		}
	}
	if !pendingSeen {
		t.Error("queued create missing from results")
	}
}

func TestGlobalSearchDeduplicatesOptimisticRecords(t *testing.T) {
	s, st, q := setupSearcher(t)
	ctx := context.Background()

	// The optimistic create is visible in the mirror AND sits in the
	// queue; it must appear exactly once, tagged pending.
	key, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Cordless Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.GetByID(ctx, entity.KindItems, key); err != nil {
		t.Fatalf("optimistic record not in mirror: %v", err)
	}

	results, err := s.GlobalSearch(ctx, "drill", 0)
	if err != nil {
		t.Fatalf("GlobalSearch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if !results[0].IsPending {
		t.Error("queue-backed record not marked pending")
	}
}

func TestGlobalSearchClearsPendingAfterCommit(t *testing.T) {
	s, st, q := setupSearcher(t)
	ctx := context.Background()

	key, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Cordless Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate the drain committing the create: the server record replaces
	// the provisional one and the queue entry is removed.
	entries, err := st.MutationsByStatus(ctx, store.StatusPending)
	if err != nil || len(entries) != 1 {
		t.Fatalf("queue state unexpected: %v (%d entries)", err, len(entries))
	}
	if err := st.DeleteByID(ctx, entity.KindItems, key); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	putItem(t, st, "itm_srv", "Cordless Drill", "")
	if err := st.RemoveMutation(ctx, entries[0].ID); err != nil {
		t.Fatalf("RemoveMutation failed: %v", err)
	}

	results, err := s.GlobalSearch(ctx, "drill", 0)
	if err != nil {
		t.Fatalf("GlobalSearch failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "itm_srv" {
		t.Fatalf("got %+v, want the committed record only", results)
	}
	if results[0].IsPending {
		t.Error("committed record still marked pending")
	}
}

func TestGlobalSearchOverlaysUnmirroredCreates(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	// A pending create whose optimistic write never reached the mirror
	// (queued by another process) still surfaces from its payload.
	m := &store.Mutation{
		IdempotencyKey: "key_1",
		Operation:      entity.OpCreate,
		Entity:         entity.KindItems,
		EntityID:       "key_1",
		Payload:        map[string]any{"name": "Cordless Drill"},
		Timestamp:      time.Now(),
		Status:         store.StatusPending,
	}
	if err := st.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	results, err := s.GlobalSearch(ctx, "drill", 0)
	if err != nil {
		t.Fatalf("GlobalSearch failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "key_1" {
		t.Fatalf("got %+v, want the queued create", results)
	}
	if !results[0].IsPending {
		t.Error("overlay result not marked pending")
	}
}

func TestGlobalSearchSpansCollections(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	putItem(t, st, "itm_1", "Ladder", "")
	if err := st.Put(ctx, entity.KindBorrowers, entity.Record{"id": "brw_1", "name": "Ladislav", "updated_at": "t1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	results, err := s.GlobalSearch(ctx, "lad", 0)
	if err != nil {
		t.Fatalf("GlobalSearch failed: %v", err)
	}
	kinds := map[entity.Kind]bool{}
	for _, r := range results {
		kinds[r.Entity] = true
	}
	if !kinds[entity.KindItems] || !kinds[entity.KindBorrowers] {
		t.Errorf("results span %v, want items and borrowers", kinds)
	}
}

func TestSearchLimit(t *testing.T) {
	s, st, _ := setupSearcher(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		putItem(t, st, "itm_"+id, "Drill "+id, "")
	}

	results, err := s.Search(ctx, entity.KindItems, "drill", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}
