package proposals

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreIsolatesCallerMutations(testContext *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	files := FileSet{"a.txt": "one"}
	if err := store.PutDocument(ctx, DefaultRoomID, files); err != nil {
		testContext.Fatalf("put document failed: %v", err)
	}
	files["a.txt"] = "mutated"

	stored, err := store.GetDocument(ctx, DefaultRoomID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if stored["a.txt"] != "one" {
		testContext.Fatalf("expected stored document to be isolated, got %q", stored["a.txt"])
	}
}

func TestMemoryStoreProposalQueries(testContext *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, proposal := range []Proposal{
		sampleProposal("second", 20, StatusApproved),
		sampleProposal("first", 10, StatusApproved),
		sampleProposal("waiting", 15, StatusPending),
	} {
		if err := store.InsertProposal(ctx, DefaultRoomID, proposal); err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
	}

	approved, err := store.ListApprovedProposals(ctx, DefaultRoomID)
	if err != nil {
		testContext.Fatalf("list approved failed: %v", err)
	}
	if len(approved) != 2 || approved[0].ID != "first" || approved[1].ID != "second" {
		testContext.Fatalf("unexpected approved ordering: %+v", approved)
	}

	if err := store.UpdateProposalStatus(ctx, DefaultRoomID, "first", StatusRolledBack); err != nil {
		testContext.Fatalf("update status failed: %v", err)
	}
	approved, _ = store.ListApprovedProposals(ctx, DefaultRoomID)
	if len(approved) != 1 || approved[0].ID != "second" {
		testContext.Fatalf("expected rolled back proposal to leave the approved list: %+v", approved)
	}

	if err := store.UpdateProposalVotes(ctx, DefaultRoomID, "missing", []string{"a"}); !errors.Is(err, ErrProposalNotFound) {
		testContext.Fatalf("expected not found error, got %v", err)
	}
}
