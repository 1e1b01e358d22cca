package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// insertTestMutation inserts a pending mutation with the given key.
func insertTestMutation(t *testing.T, st *Store, key string) *Mutation {
	t.Helper()

	m := &Mutation{
		IdempotencyKey: key,
		Operation:      entity.OpCreate,
		Entity:         entity.KindItems,
		EntityID:       "itm_" + key,
		Payload:        map[string]any{"name": "Drill"},
		Timestamp:      time.Now(),
		Status:         StatusPending,
	}
	if err := st.InsertMutation(context.Background(), m); err != nil {
		t.Fatalf("failed to insert mutation: %v", err)
	}
	return m
}

func TestInsertMutationAssignsID(t *testing.T) {
	st := setupTestStore(t)

	m := insertTestMutation(t, st, "key-1")
	if m.ID == 0 {
		t.Error("InsertMutation did not assign an id")
	}
}

func TestIdempotencyKeyIsUnique(t *testing.T) {
	st := setupTestStore(t)

	insertTestMutation(t, st, "key-1")

	dup := &Mutation{
		IdempotencyKey: "key-1",
		Operation:      entity.OpCreate,
		Entity:         entity.KindItems,
		Payload:        map[string]any{"name": "Saw"},
		Timestamp:      time.Now(),
		Status:         StatusPending,
	}
	if err := st.InsertMutation(context.Background(), dup); err == nil {
		t.Fatal("duplicate idempotency key was accepted")
	}
}

func TestMutationsOrderedOldestFirst(t *testing.T) {
	st := setupTestStore(t)

	insertTestMutation(t, st, "key-1")
	insertTestMutation(t, st, "key-2")
	insertTestMutation(t, st, "key-3")

	entries, err := st.Mutations(context.Background())
	if err != nil {
		t.Fatalf("Mutations failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"key-1", "key-2", "key-3"} {
		if entries[i].IdempotencyKey != want {
			t.Errorf("entries[%d].IdempotencyKey = %s, want %s", i, entries[i].IdempotencyKey, want)
		}
	}
}

func TestMutationRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	m := &Mutation{
		IdempotencyKey:    "key-rt",
		Operation:         entity.OpUpdate,
		Entity:            entity.KindInventory,
		EntityID:          "inv_9",
		Payload:           map[string]any{"quantity": float64(5)},
		Timestamp:         time.Now(),
		Status:            StatusPending,
		BaselineUpdatedAt: "2026-01-01T00:00:00Z",
		DependsOn:         []string{"key-a", "key-b"},
	}
	if err := st.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	got, err := st.MutationByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if got.Entity != entity.KindInventory || got.EntityID != "inv_9" {
		t.Errorf("unexpected target: %s %s", got.Entity, got.EntityID)
	}
	if got.Payload["quantity"] != float64(5) {
		t.Errorf("payload quantity = %v, want 5", got.Payload["quantity"])
	}
	if got.BaselineUpdatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("baseline = %q", got.BaselineUpdatedAt)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "key-a" {
		t.Errorf("dependsOn = %v", got.DependsOn)
	}
}

func TestStatusTransitions(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	m := insertTestMutation(t, st, "key-1")

	if err := st.SetMutationStatus(ctx, m.ID, StatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}
	if err := st.MarkMutationFailed(ctx, m.ID, "server unavailable"); err != nil {
		t.Fatalf("MarkMutationFailed failed: %v", err)
	}

	got, err := st.MutationByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if got.Status != StatusFailed || got.Retries != 1 || got.LastError != "server unavailable" {
		t.Errorf("after failure: status=%s retries=%d lastError=%q", got.Status, got.Retries, got.LastError)
	}

	if err := st.ResetMutation(ctx, m.ID); err != nil {
		t.Fatalf("ResetMutation failed: %v", err)
	}
	got, err = st.MutationByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if got.Status != StatusPending || got.Retries != 0 || got.LastError != "" {
		t.Errorf("after reset: status=%s retries=%d lastError=%q", got.Status, got.Retries, got.LastError)
	}
}

func TestRecoverStaleSyncing(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	m1 := insertTestMutation(t, st, "key-1")
	m2 := insertTestMutation(t, st, "key-2")
	insertTestMutation(t, st, "key-3")

	if err := st.SetMutationStatus(ctx, m1.ID, StatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}
	if err := st.SetMutationStatus(ctx, m2.ID, StatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}

	recovered, err := st.RecoverStaleSyncing(ctx)
	if err != nil {
		t.Fatalf("RecoverStaleSyncing failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("recovered = %d, want 2", recovered)
	}

	pending, err := st.MutationsByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("MutationsByStatus failed: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("pending after recovery = %d, want 3", len(pending))
	}
}

func TestHasMutationKey(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	m := insertTestMutation(t, st, "key-1")

	present, err := st.HasMutationKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("HasMutationKey failed: %v", err)
	}
	if !present {
		t.Error("key-1 not found in queue")
	}

	if err := st.RemoveMutation(ctx, m.ID); err != nil {
		t.Fatalf("RemoveMutation failed: %v", err)
	}

	present, err = st.HasMutationKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("HasMutationKey failed: %v", err)
	}
	if present {
		t.Error("removed key still reported present")
	}
}

func TestRetargetMutations(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	m := insertTestMutation(t, st, "key-1")
	other := insertTestMutation(t, st, "key-2")

	n, err := st.RetargetMutations(ctx, entity.KindItems, m.EntityID, "itm_srv")
	if err != nil {
		t.Fatalf("RetargetMutations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("retargeted %d entries, want 1", n)
	}

	got, err := st.MutationByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if got.EntityID != "itm_srv" {
		t.Errorf("entity id = %s, want itm_srv", got.EntityID)
	}

	// Entries targeting other ids are untouched.
	gotOther, err := st.MutationByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if gotOther.EntityID != other.EntityID {
		t.Errorf("unrelated entry retargeted: %s", gotOther.EntityID)
	}
}

func TestMutationByIDNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.MutationByID(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestQueueStats(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	insertTestMutation(t, st, "key-1")
	m2 := insertTestMutation(t, st, "key-2")
	if err := st.MarkMutationFailed(ctx, m2.ID, "boom"); err != nil {
		t.Fatalf("MarkMutationFailed failed: %v", err)
	}

	stats, err := st.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}
	if stats[StatusPending] != 1 || stats[StatusFailed] != 1 || stats[StatusSyncing] != 0 {
		t.Errorf("stats = %v", stats)
	}
}
