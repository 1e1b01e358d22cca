package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestManager builds a manager against the given handler and collects
// emitted events.
func newTestManager(t *testing.T, st *store.Store, handler http.Handler) (*Manager, *[]Event) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var events []Event
	m, err := New(context.Background(), st, api.New(srv.URL, ""), Config{
		WorkspaceID: "ws_1",
		Logger:      quietLogger(),
		Notify:      func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m, &events
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDrainCommitsCreate(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	key, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m, events := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != key {
			t.Errorf("Idempotency-Key = %q, want %q", got, key)
		}
		writeJSON(w, http.StatusCreated, entity.Record{"id": "itm_srv", "name": "Drill", "updated_at": "t1"})
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Attempted != 1 || result.Committed != 1 {
		t.Errorf("result = %+v", result)
	}

	// The committed entry leaves the queue.
	remaining, _ := st.Mutations(ctx)
	if len(remaining) != 0 {
		t.Errorf("queue not empty after commit: %+v", remaining)
	}

	// The server record replaces the provisional one.
	if _, err := st.GetByID(ctx, entity.KindItems, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("provisional record survived: err = %v", err)
	}
	rec, err := st.GetByID(ctx, entity.KindItems, "itm_srv")
	if err != nil {
		t.Fatalf("server record missing: %v", err)
	}
	if rec["updated_at"] != "t1" {
		t.Errorf("record = %v", rec)
	}

	if len(*events) != 2 || (*events)[0].Type != EventMutationCommitted || (*events)[1].Type != EventDrainComplete {
		t.Errorf("events = %+v", *events)
	}
}

func TestDrainAttemptsOnlyPending(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "A"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "B"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entries, _ := st.Mutations(ctx)
	if err := st.MarkMutationFailed(ctx, entries[0].ID, "previous failure"); err != nil {
		t.Fatalf("MarkMutationFailed failed: %v", err)
	}

	var submissions int
	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		submissions++
		writeJSON(w, http.StatusCreated, entity.Record{"id": fmt.Sprintf("itm_%d", submissions)})
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Attempted != 1 || submissions != 1 {
		t.Errorf("attempted %d, submitted %d; failed entries must wait for explicit retry", result.Attempted, submissions)
	}

	// The failed entry is still there, untouched.
	got, err := st.MutationByID(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("MutationByID failed: %v", err)
	}
	if got.Status != store.StatusFailed || got.LastError != "previous failure" {
		t.Errorf("failed entry = %+v", got)
	}
}

func TestStaleBaselineRaisesConflict(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	// Local mirror at version t1; the edit captures that baseline.
	if err := st.Put(ctx, entity.KindInventory, entity.Record{
		"id": "inv_1", "quantity": float64(3), "status": "AVAILABLE", "updated_at": "t1",
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpUpdate, entity.KindInventory,
		map[string]any{"quantity": float64(5)}, queue.Options{EntityID: "inv_1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Meanwhile the server moved to t2 with different values.
	serverRec := entity.Record{
		"id": "inv_1", "quantity": float64(2), "status": "IN_USE", "updated_at": "t2",
	}
	m, events := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, serverRec)
			return
		}
		t.Errorf("mutation submitted despite stale baseline: %s %s", r.Method, r.URL.Path)
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("result = %+v, want 1 conflicted", result)
	}

	open, err := st.OpenConflicts(ctx)
	if err != nil {
		t.Fatalf("OpenConflicts failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("conflict log has %d open entries, want 1", len(open))
	}
	c := open[0]
	// Local view is the optimistic edit (quantity 5) plus untouched fields;
	// quantity and status both diverge from the server.
	if len(c.ConflictFields) != 2 || c.ConflictFields[0] != "quantity" || c.ConflictFields[1] != "status" {
		t.Errorf("conflictFields = %v", c.ConflictFields)
	}
	if c.LocalData["quantity"] != float64(5) || c.ServerData["quantity"] != float64(2) {
		t.Errorf("versions: local=%v server=%v", c.LocalData, c.ServerData)
	}

	// The mutation is parked, not retried.
	entries, _ := st.Mutations(ctx)
	if len(entries) != 1 || entries[0].Status != store.StatusFailed {
		t.Errorf("queue after conflict = %+v", entries)
	}

	if (*events)[0].Type != EventConflictDetected {
		t.Errorf("first event = %+v", (*events)[0])
	}
}

func TestConflictResponseFromServer(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	// An update of a pending create has no baseline, so no pre-flight
	// check happens; the server's 409 is the first conflict signal.
	createKey, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpUpdate, entity.KindItems,
		map[string]any{"name": "Impact Drill"}, queue.Options{EntityID: createKey}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Drop the create so only the update drains.
	entries, _ := st.Mutations(ctx)
	if err := st.RemoveMutation(ctx, entries[0].ID); err != nil {
		t.Fatalf("RemoveMutation failed: %v", err)
	}

	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, `{"current": {"id": %q, "name": "Drill Press", "updated_at": "t3"}}`, createKey)
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("result = %+v, want 1 conflicted", result)
	}

	open, _ := st.OpenConflicts(ctx)
	if len(open) != 1 || open[0].ServerData["name"] != "Drill Press" {
		t.Errorf("open conflicts = %+v", open)
	}
}

func TestBenignConflictCommits(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	if err := st.Put(ctx, entity.KindItems, entity.Record{
		"id": "itm_1", "name": "Drill", "updated_at": "t1",
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpUpdate, entity.KindItems,
		map[string]any{"name": "Hammer Drill"}, queue.Options{EntityID: "itm_1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The server already has the same value under a newer version (e.g.
	// the same edit committed from another device).
	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, entity.Record{
			"id": "itm_1", "name": "Hammer Drill", "updated_at": "t2",
		})
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Committed != 1 || result.Conflicted != 0 {
		t.Errorf("result = %+v, want benign divergence committed", result)
	}

	open, _ := st.OpenConflicts(ctx)
	if len(open) != 0 {
		t.Errorf("benign divergence logged a conflict: %+v", open)
	}
	remaining, _ := st.Mutations(ctx)
	if len(remaining) != 0 {
		t.Errorf("queue not drained: %+v", remaining)
	}
}

func TestTransientFailureContinuesDrain(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "A"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindBorrowers, map[string]any{"name": "B"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Items are down, borrowers are fine.
		if r.URL.Path == "/workspaces/ws_1/items" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusCreated, entity.Record{"id": "brw_srv", "name": "B"})
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Failed != 1 || result.Committed != 1 {
		t.Errorf("result = %+v; one entry's failure must not abort the drain", result)
	}

	entries, _ := st.Mutations(ctx)
	if len(entries) != 1 || entries[0].Status != store.StatusFailed || entries[0].Entity != entity.KindItems {
		t.Errorf("queue after drain = %+v", entries)
	}
}

func TestDependsOnGatesDrain(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	createKey, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpUpdate, entity.KindItems,
		map[string]any{"notes": "charged"}, queue.Options{EntityID: createKey, DependsOn: []string{createKey}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The create fails transiently, so the dependent update must not be
	// attempted: it would target an entity the server has never seen.
	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		t.Errorf("dependent mutation submitted: %s %s", r.Method, r.URL.Path)
	}))

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Failed != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 failed + 1 skipped", result)
	}

	entries, _ := st.Mutations(ctx)
	if entries[1].Status != store.StatusPending {
		t.Errorf("gated update status = %s, want pending", entries[1].Status)
	}
}

func TestDependsOnSatisfiedAfterCommit(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	createKey, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Drill"}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, entity.OpUpdate, entity.KindItems,
		map[string]any{"notes": "charged"}, queue.Options{EntityID: createKey, DependsOn: []string{createKey}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, http.StatusCreated, entity.Record{"id": "itm_srv", "name": "Drill", "updated_at": "t1"})
		case http.MethodPatch:
			// The dependent update follows the server-assigned id, not the
			// provisional one.
			if r.URL.Path != "/workspaces/ws_1/items/itm_srv" {
				t.Errorf("update targeted %s, want the server id", r.URL.Path)
			}
			writeJSON(w, http.StatusOK, entity.Record{"id": "itm_srv", "name": "Drill", "notes": "charged", "updated_at": "t2"})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))

	// Both drain in one run: once the create commits and leaves the queue,
	// the dependency check passes for the update.
	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Committed != 2 || result.Skipped != 0 {
		t.Errorf("result = %+v, want both committed", result)
	}
}

func TestNewRecoversInterruptedEntries(t *testing.T) {
	st := setupTestStore(t)
	q := queue.New(st, quietLogger())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, entity.OpCreate, entity.KindItems, map[string]any{"name": "Drill"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entries, _ := st.Mutations(ctx)
	// Simulate a crash mid-drain.
	if err := st.SetMutationStatus(ctx, entries[0].ID, store.StatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}

	m, _ := newTestManager(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, entity.Record{"id": "itm_srv", "name": "Drill"})
	}))

	// Construction already reset the entry; a drain picks it up.
	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Committed != 1 {
		t.Errorf("result = %+v, want interrupted entry recovered and committed", result)
	}
}

func TestNewRequiresWorkspace(t *testing.T) {
	st := setupTestStore(t)

	_, err := New(context.Background(), st, api.New("http://localhost", ""), Config{Logger: quietLogger()})
	if err == nil {
		t.Fatal("New accepted an empty workspace id")
	}
}
