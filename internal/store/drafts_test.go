package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDraftLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	draft := &FormDraft{
		ID:      "items/new",
		Fields:  map[string]any{"name": "Drill", "quantity": float64(2)},
		SavedAt: time.Now(),
	}
	if err := st.SaveDraft(ctx, draft); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}

	// Saving again overwrites in place.
	draft.Fields["name"] = "Hammer Drill"
	if err := st.SaveDraft(ctx, draft); err != nil {
		t.Fatalf("second SaveDraft failed: %v", err)
	}

	got, err := st.Draft(ctx, "items/new")
	if err != nil {
		t.Fatalf("Draft failed: %v", err)
	}
	if got.Fields["name"] != "Hammer Drill" {
		t.Errorf("draft name = %v, want Hammer Drill", got.Fields["name"])
	}

	drafts, err := st.Drafts(ctx)
	if err != nil {
		t.Fatalf("Drafts failed: %v", err)
	}
	if len(drafts) != 1 {
		t.Errorf("got %d drafts, want 1", len(drafts))
	}

	if err := st.DeleteDraft(ctx, "items/new"); err != nil {
		t.Fatalf("DeleteDraft failed: %v", err)
	}
	if _, err := st.Draft(ctx, "items/new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted draft still readable: err = %v", err)
	}
}
