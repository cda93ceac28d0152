package state

import (
	"errors"
	"testing"
	"time"
)

func TestStore_BudgetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	b := Budget{ConversationID: "conv-1", SpentUSD: 1.25, CeilingUSD: 10, Blocked: false}
	if err := store.SaveBudget(b); err != nil {
		t.Fatalf("SaveBudget() error = %v", err)
	}

	got, err := store.GetBudget("conv-1")
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	if got.SpentUSD != 1.25 {
		t.Errorf("SpentUSD = %v, want 1.25", got.SpentUSD)
	}
	if got.Blocked {
		t.Error("Blocked = true, want false")
	}

	// Upsert overwrites
	b.SpentUSD = 11
	b.Blocked = true
	if err := store.SaveBudget(b); err != nil {
		t.Fatalf("SaveBudget() update error = %v", err)
	}
	got, err = store.GetBudget("conv-1")
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	if got.SpentUSD != 11 || !got.Blocked {
		t.Errorf("after update got spent=%v blocked=%v, want 11 true", got.SpentUSD, got.Blocked)
	}
}

func TestStore_GetBudget_NotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	_, err = store.GetBudget("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBudget() error = %v, want ErrNotFound", err)
	}
}

func TestStore_GroupLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	g := Group{
		ID:                   "grp-1",
		ParentConversationID: "conv-parent",
		InvocationID:         "tc-1",
		Deadline:             time.Now().Add(time.Hour),
	}
	children := []Child{
		{GroupID: "grp-1", ConversationID: "child-a", Position: 0, Profile: "worker"},
		{GroupID: "grp-1", ConversationID: "child-b", Position: 1, Profile: "worker"},
	}
	if err := store.CreateGroup(g, children); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	open, err := store.OpenGroups()
	if err != nil {
		t.Fatalf("OpenGroups() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != "grp-1" {
		t.Fatalf("OpenGroups() = %v, want [grp-1]", open)
	}

	if err := store.FinalizeChild("grp-1", "child-b", "done-b"); err != nil {
		t.Fatalf("FinalizeChild() error = %v", err)
	}

	kids, err := store.ChildrenOf("grp-1")
	if err != nil {
		t.Fatalf("ChildrenOf() error = %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("len(ChildrenOf()) = %d, want 2", len(kids))
	}
	if kids[0].ConversationID != "child-a" || kids[1].ConversationID != "child-b" {
		t.Errorf("children out of spawn order: %v, %v", kids[0].ConversationID, kids[1].ConversationID)
	}
	if kids[0].Finalized {
		t.Error("child-a Finalized = true, want false")
	}
	if !kids[1].Finalized || kids[1].Value != "done-b" {
		t.Errorf("child-b finalized=%v value=%q, want true %q", kids[1].Finalized, kids[1].Value, "done-b")
	}

	if err := store.ResolveGroup("grp-1", "completed"); err != nil {
		t.Fatalf("ResolveGroup() error = %v", err)
	}

	// Second resolution is rejected
	if err := store.ResolveGroup("grp-1", "timeout"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second ResolveGroup() error = %v, want ErrAlreadyResolved", err)
	}

	open, err = store.OpenGroups()
	if err != nil {
		t.Fatalf("OpenGroups() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("OpenGroups() after resolve = %d entries, want 0", len(open))
	}

	got, err := store.GetGroup("grp-1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.Resolution != "completed" {
		t.Errorf("Resolution = %q, want %q", got.Resolution, "completed")
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt = nil, want set")
	}
}

func TestStore_FinalizeChild_NotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	err = store.FinalizeChild("grp-missing", "child-x", "v")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FinalizeChild() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Cursors(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	seq, err := store.GetCursor("primary")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if seq != 0 {
		t.Errorf("GetCursor() on fresh store = %d, want 0", seq)
	}

	if err := store.SetCursor("primary", 42); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if err := store.SetCursor("primary", 43); err != nil {
		t.Fatalf("SetCursor() update error = %v", err)
	}

	seq, err = store.GetCursor("primary")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if seq != 43 {
		t.Errorf("GetCursor() = %d, want 43", seq)
	}
}
