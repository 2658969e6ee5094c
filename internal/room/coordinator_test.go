package room

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
)

const testRoomID = "main"

var errStoreDown = errors.New("store unreachable")

type rebaseCall struct {
	current        proposals.FileSet
	proposalFiles  proposals.FileSet
	originalPrompt string
}

type fakeGenerator struct {
	mu           sync.Mutex
	rebaseResult generator.Result
	rebaseErr    error
	rebaseCalls  []rebaseCall
}

func (g *fakeGenerator) Generate(context.Context, proposals.FileSet, string) (generator.Result, error) {
	return generator.Result{}, generator.ErrUnavailable
}

func (g *fakeGenerator) Rebase(_ context.Context, current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (generator.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rebaseCalls = append(g.rebaseCalls, rebaseCall{current: current.Clone(), proposalFiles: proposalFiles.Clone(), originalPrompt: originalPrompt})
	return g.rebaseResult, g.rebaseErr
}

func (g *fakeGenerator) calls() []rebaseCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]rebaseCall(nil), g.rebaseCalls...)
}

// downStore fails every call.
type downStore struct{}

func (downStore) GetDocument(context.Context, string) (proposals.FileSet, error) {
	return nil, errStoreDown
}
func (downStore) PutDocument(context.Context, string, proposals.FileSet) error { return errStoreDown }
func (downStore) InsertProposal(context.Context, string, proposals.Proposal) error {
	return errStoreDown
}
func (downStore) GetProposal(context.Context, string, string) (proposals.Proposal, bool, error) {
	return proposals.Proposal{}, false, errStoreDown
}
func (downStore) UpdateProposalStatus(context.Context, string, string, proposals.Status) error {
	return errStoreDown
}
func (downStore) UpdateProposalVotes(context.Context, string, string, []string) error {
	return errStoreDown
}
func (downStore) ListApprovedProposals(context.Context, string) ([]proposals.Proposal, error) {
	return nil, errStoreDown
}
func (downStore) ListProposals(context.Context, string) ([]proposals.Proposal, error) {
	return nil, errStoreDown
}
func (downStore) LoadSnapshot(context.Context, string) (proposals.RoomState, bool, error) {
	return proposals.RoomState{}, false, errStoreDown
}
func (downStore) SaveSnapshot(context.Context, string, proposals.RoomState) error {
	return errStoreDown
}

type fixture struct {
	coordinator *Coordinator
	store       proposals.Store
	generator   *fakeGenerator
	dispatcher  *realtime.Dispatcher
	cancel      context.CancelFunc
}

func baseDocument() proposals.FileSet {
	return proposals.FileSet{"src/App.tsx": "base"}
}

func startFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	fake := &fakeGenerator{}
	cfg := Config{
		RoomID:       testRoomID,
		Store:        proposals.NewMemoryStore(),
		Generator:    fake,
		Dispatcher:   realtime.NewDispatcher(64),
		DefaultFiles: func() proposals.FileSet { return proposals.FileSet{"src/App.tsx": "default"} },
		VotesNeeded:  3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-coordinator.Done()
	})
	select {
	case <-coordinator.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not become ready")
	}
	return &fixture{coordinator: coordinator, store: cfg.Store, generator: fake, dispatcher: cfg.Dispatcher, cancel: cancel}
}

// withDocument seeds the store so the room starts from a live document.
func withDocument(files proposals.FileSet) func(*Config) {
	return func(cfg *Config) {
		store := proposals.NewMemoryStore()
		if err := store.PutDocument(context.Background(), testRoomID, files); err != nil {
			panic(err)
		}
		cfg.Store = store
	}
}

func newProposal(id string, timestamp int64, base proposals.FileSet, files proposals.FileSet) proposals.Proposal {
	return proposals.Proposal{
		ID:            id,
		Description:   "change " + id,
		UserPrompt:    "please " + id,
		Author:        "author-" + id,
		Timestamp:     timestamp,
		Files:         files,
		BaseFilesHash: proposals.Fingerprint(base),
		Status:        proposals.StatusPending,
		Votes:         []string{},
		VotesNeeded:   3,
	}
}

func (f *fixture) state(t *testing.T) proposals.RoomState {
	t.Helper()
	state, err := f.coordinator.State(context.Background())
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	return state
}

func (f *fixture) propose(t *testing.T, proposal proposals.Proposal) {
	t.Helper()
	_, created, err := f.coordinator.Propose(context.Background(), proposal)
	if err != nil {
		t.Fatalf("propose %s failed: %v", proposal.ID, err)
	}
	if !created {
		t.Fatalf("expected proposal %s to be created", proposal.ID)
	}
}

func (f *fixture) vote(t *testing.T, proposalID string, userID string) VoteResult {
	t.Helper()
	result, err := f.coordinator.Vote(context.Background(), proposalID, userID)
	if err != nil {
		t.Fatalf("vote on %s failed: %v", proposalID, err)
	}
	return result
}

func (f *fixture) approve(t *testing.T, proposal proposals.Proposal) VoteResult {
	t.Helper()
	f.propose(t, proposal)
	var result VoteResult
	for voter := 0; voter < proposal.VotesNeeded; voter++ {
		result = f.vote(t, proposal.ID, fmt.Sprintf("voter-%d", voter))
	}
	if !result.Merged {
		t.Fatalf("expected proposal %s to merge", proposal.ID)
	}
	return result
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	if err := f.coordinator.persistence.flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func (f *fixture) connect(t *testing.T, ctx context.Context, connectionID string) realtime.Subscription {
	t.Helper()
	subscription, cleanup, err := f.coordinator.Connect(ctx, connectionID)
	if err != nil {
		t.Fatalf("connect %s failed: %v", connectionID, err)
	}
	t.Cleanup(cleanup)
	return subscription
}

func (f *fixture) handleFrame(t *testing.T, ctx context.Context, connectionID string, frame string) {
	t.Helper()
	if err := f.coordinator.HandleFrame(ctx, connectionID, []byte(frame)); err != nil {
		t.Fatalf("handle frame %s failed: %v", frame, err)
	}
}

func nextFrame(t *testing.T, subscription realtime.Subscription) ServerMessage {
	t.Helper()
	select {
	case frame := <-subscription.Stream:
		message, err := ParseServerMessage(frame)
		if err != nil {
			t.Fatalf("failed to parse frame %s: %v", frame, err)
		}
		return message
	case <-time.After(time.Second):
		t.Fatal("expected a frame")
		return ServerMessage{}
	}
}

func expectNoFrame(t *testing.T, subscription realtime.Subscription) {
	t.Helper()
	select {
	case frame := <-subscription.Stream:
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectFiles(t *testing.T, label string, expected proposals.FileSet, actual proposals.FileSet) {
	t.Helper()
	if !actual.Equal(expected) {
		t.Fatalf("%s: expected files %v, got %v", label, expected, actual)
	}
}

func expectSameState(t *testing.T, label string, expected proposals.RoomState, actual proposals.RoomState) {
	t.Helper()
	if !reflect.DeepEqual(expected.Clone(), actual.Clone()) {
		t.Fatalf("%s: expected state %+v, got %+v", label, expected, actual)
	}
}

func TestVotesMergeExactlyOnceAtThreshold(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	p1Files := proposals.FileSet{"src/App.tsx": "p1"}
	f.propose(t, newProposal("p1", 1, baseDocument(), p1Files))

	first := f.vote(t, "p1", "alice")
	second := f.vote(t, "p1", "bob")
	if first.Merged || second.Merged {
		t.Fatalf("expected no merge below the threshold")
	}

	state := f.state(t)
	if len(state.Pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(state.Pending))
	}
	if !reflect.DeepEqual(state.Pending[0].Votes, []string{"alice", "bob"}) {
		t.Fatalf("unexpected votes %v", state.Pending[0].Votes)
	}
	expectFiles(t, "live before merge", baseDocument(), state.LiveFiles)
	if len(state.History) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(state.History))
	}

	third := f.vote(t, "p1", "carol")
	if !third.Found || !third.Merged {
		t.Fatalf("expected the third vote to merge, got %+v", third)
	}
	expectFiles(t, "merge result", p1Files, third.NewFiles)

	state = f.state(t)
	if len(state.Pending) != 0 || len(state.History) != 1 {
		t.Fatalf("expected the proposal to move to history, got pending=%d history=%d", len(state.Pending), len(state.History))
	}
	if state.History[0].ID != "p1" || state.History[0].Status != proposals.StatusApproved {
		t.Fatalf("unexpected history head %+v", state.History[0])
	}
	expectFiles(t, "live after merge", p1Files, state.LiveFiles)
	if calls := f.generator.calls(); len(calls) != 0 {
		t.Fatalf("expected no rebase, got %d calls", len(calls))
	}

	late := f.vote(t, "p1", "dave")
	if late.Found || late.Merged {
		t.Fatalf("expected a late vote to be a no-op, got %+v", late)
	}
	expectSameState(t, "after late vote", state, f.state(t))
}

func TestDuplicateVoteIsIdempotent(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	f.propose(t, newProposal("p1", 1, baseDocument(), proposals.FileSet{"src/App.tsx": "p1"}))

	f.vote(t, "p1", "alice")
	repeat := f.vote(t, "p1", "alice")
	if !repeat.Found {
		t.Fatalf("expected the repeated vote to find the proposal")
	}
	if !reflect.DeepEqual(repeat.Votes, []string{"alice"}) {
		t.Fatalf("expected a single vote, got %v", repeat.Votes)
	}

	state := f.state(t)
	if !reflect.DeepEqual(state.Pending[0].Votes, []string{"alice"}) {
		t.Fatalf("expected a single stored vote, got %v", state.Pending[0].Votes)
	}
}

func TestVoteOnUnknownProposalIsNoOp(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	before := f.state(t)

	if result := f.vote(t, "missing", "alice"); result.Found {
		t.Fatalf("expected unknown proposal to be reported missing")
	}
	expectSameState(t, "after unknown vote", before, f.state(t))

	if blank := f.vote(t, "missing", "  "); blank.Found {
		t.Fatalf("expected blank voter to be ignored")
	}
}

func TestRollbackOfNonApprovedIsNoOp(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	f.propose(t, newProposal("pending", 1, baseDocument(), proposals.FileSet{"a": "b"}))
	p1 := newProposal("p1", 2, baseDocument(), proposals.FileSet{"src/App.tsx": "p1"})
	f.approve(t, p1)

	ctx := context.Background()
	first, err := f.coordinator.Rollback(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if !first.Applied {
		t.Fatalf("expected the first rollback to apply")
	}
	before := f.state(t)

	for _, proposalID := range []string{"unknown", "pending", "p1"} {
		result, err := f.coordinator.Rollback(ctx, proposalID, "alice")
		if err != nil {
			t.Fatalf("rollback %s failed: %v", proposalID, err)
		}
		if result.Applied {
			t.Fatalf("expected rollback of %s to be a no-op", proposalID)
		}
		expectSameState(t, proposalID, before, f.state(t))
	}
}

func TestRollbackRevertsToPreviousApprovedOrDefault(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	p1Files := proposals.FileSet{"src/App.tsx": "p1"}
	p2Files := proposals.FileSet{"src/App.tsx": "p2"}
	f.approve(t, newProposal("p1", 1, baseDocument(), p1Files))
	f.approve(t, newProposal("p2", 2, p1Files, p2Files))

	ctx := context.Background()
	result, err := f.coordinator.Rollback(ctx, "p2", "alice")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if !result.Applied || result.Proposal.Status != proposals.StatusRolledBack {
		t.Fatalf("unexpected rollback result %+v", result)
	}
	expectFiles(t, "rollback result", p1Files, result.NewFiles)

	state := f.state(t)
	expectFiles(t, "live after rollback", p1Files, state.LiveFiles)
	if state.History[0].Status != proposals.StatusRolledBack {
		t.Fatalf("expected history head to be rolled back, got %s", state.History[0].Status)
	}

	result, err = f.coordinator.Rollback(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("second rollback failed: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the second rollback to apply")
	}
	expectFiles(t, "live after second rollback", proposals.FileSet{"src/App.tsx": "default"}, f.state(t).LiveFiles)
}

func TestRollbackOfOlderApprovedUsesMostRecentOther(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	p1Files := proposals.FileSet{"src/App.tsx": "p1"}
	p2Files := proposals.FileSet{"src/App.tsx": "p2"}
	f.approve(t, newProposal("p1", 1, baseDocument(), p1Files))
	f.approve(t, newProposal("p2", 2, p1Files, p2Files))

	result, err := f.coordinator.Rollback(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected rollback to apply")
	}

	state := f.state(t)
	expectFiles(t, "live after rollback", p2Files, state.LiveFiles)
	if state.History[0].ID != "p2" || state.History[0].Status != proposals.StatusApproved {
		t.Fatalf("unexpected history head %+v", state.History[0])
	}
	if state.History[1].ID != "p1" || state.History[1].Status != proposals.StatusRolledBack {
		t.Fatalf("unexpected history tail %+v", state.History[1])
	}
}

func TestMergeRebasesDivergedProposal(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	f.generator.rebaseResult = generator.Result{
		Description: "rebased p2",
		Files:       proposals.FileSet{"src/App.tsx": "p2 on p1"},
	}
	p1Files := proposals.FileSet{"src/App.tsx": "p1", "src/extra.ts": "extra"}
	f.propose(t, newProposal("p1", 1, baseDocument(), p1Files))
	f.propose(t, newProposal("p2", 2, baseDocument(), proposals.FileSet{"src/App.tsx": "p2"}))
	for _, voter := range []string{"a", "b", "c"} {
		f.vote(t, "p1", voter)
	}

	var result VoteResult
	for _, voter := range []string{"a", "b", "c"} {
		result = f.vote(t, "p2", voter)
	}
	if !result.Merged {
		t.Fatalf("expected p2 to merge")
	}

	calls := f.generator.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one rebase call, got %d", len(calls))
	}
	expectFiles(t, "rebase current", p1Files, calls[0].current)
	expectFiles(t, "rebase proposal", proposals.FileSet{"src/App.tsx": "p2"}, calls[0].proposalFiles)
	if calls[0].originalPrompt != "please p2" {
		t.Fatalf("expected the original prompt, got %q", calls[0].originalPrompt)
	}

	expected := proposals.FileSet{"src/App.tsx": "p2 on p1", "src/extra.ts": "extra"}
	expectFiles(t, "merge result", expected, result.NewFiles)
	if result.Proposal.Description != "rebased p2" {
		t.Fatalf("expected rebased description, got %q", result.Proposal.Description)
	}
	expectFiles(t, "live after merge", expected, f.state(t).LiveFiles)
}

func TestMergeFallsBackWhenRebaseFails(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	f.generator.rebaseErr = generator.ErrTransport

	stale := newProposal("stale", 1, proposals.FileSet{"src/App.tsx": "ancient"}, proposals.FileSet{"src/App.tsx": "stale"})
	result := f.approve(t, stale)

	if calls := f.generator.calls(); len(calls) != 1 {
		t.Fatalf("expected one rebase attempt, got %d", len(calls))
	}
	if result.Proposal.Status != proposals.StatusApproved {
		t.Fatalf("expected approved status, got %s", result.Proposal.Status)
	}
	expectFiles(t, "fallback merge", proposals.FileSet{"src/App.tsx": "stale"}, result.NewFiles)

	state := f.state(t)
	if len(state.Pending) != 0 {
		t.Fatalf("expected no pending proposals, got %d", len(state.Pending))
	}
	if state.History[0].ID != "stale" || state.History[0].Status != proposals.StatusApproved {
		t.Fatalf("unexpected history head %+v", state.History[0])
	}
}

func TestMergeWithoutBaseHashSkipsRebase(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	proposal := newProposal("p1", 1, nil, proposals.FileSet{"src/App.tsx": "p1"})
	proposal.BaseFilesHash = ""
	f.approve(t, proposal)
	if calls := f.generator.calls(); len(calls) != 0 {
		t.Fatalf("expected no rebase, got %d calls", len(calls))
	}
	expectFiles(t, "live after merge", proposals.FileSet{"src/App.tsx": "p1"}, f.state(t).LiveFiles)
}

func TestProposeBootstrapsEmptyDocumentOnly(t *testing.T) {
	f := startFixture(t, nil)
	if !f.state(t).IsEmpty() {
		t.Fatalf("expected an empty room")
	}

	first := proposals.FileSet{"src/App.tsx": "first"}
	f.propose(t, newProposal("p1", 1, nil, first))
	expectFiles(t, "bootstrapped document", first, f.state(t).LiveFiles)

	f.propose(t, newProposal("p2", 2, first, proposals.FileSet{"src/App.tsx": "second"}))
	state := f.state(t)
	expectFiles(t, "document after second proposal", first, state.LiveFiles)
	if len(state.Pending) != 2 || state.Pending[0].ID != "p1" || state.Pending[1].ID != "p2" {
		t.Fatalf("unexpected pending order %+v", state.Pending)
	}
}

func TestProposeIgnoresKnownIDsAndResetsVotes(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	proposal := newProposal("p1", 1, baseDocument(), proposals.FileSet{"src/App.tsx": "p1"})
	proposal.Votes = []string{"x", "y", "z"}
	proposal.Status = proposals.StatusApproved
	accepted, created, err := f.coordinator.Propose(context.Background(), proposal)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if !created {
		t.Fatalf("expected the proposal to be created")
	}
	if len(accepted.Votes) != 0 || accepted.Status != proposals.StatusPending {
		t.Fatalf("expected a fresh pending proposal, got %+v", accepted)
	}

	_, created, err = f.coordinator.Propose(context.Background(), proposal)
	if err != nil {
		t.Fatalf("repeated propose failed: %v", err)
	}
	if created {
		t.Fatalf("expected a known id to be ignored")
	}
	if pending := f.state(t).Pending; len(pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(pending))
	}

	if _, _, err := f.coordinator.Propose(context.Background(), proposals.Proposal{ID: "  "}); !errors.Is(err, ErrProposalRejected) {
		t.Fatalf("expected rejection for a blank id, got %v", err)
	}
}

type fakeVerifier struct{ accepted string }

func (v fakeVerifier) Verify(proposal proposals.Proposal) error {
	if proposal.Receipt != v.accepted {
		return errors.New("bad receipt")
	}
	return nil
}

func TestProposeRequiresReceiptWhenVerifierConfigured(t *testing.T) {
	f := startFixture(t, func(cfg *Config) { cfg.Receipts = fakeVerifier{accepted: "signed"} })

	unsigned := newProposal("p1", 1, nil, proposals.FileSet{"a": "b"})
	if _, _, err := f.coordinator.Propose(context.Background(), unsigned); !errors.Is(err, ErrProposalRejected) {
		t.Fatalf("expected an unsigned proposal to be rejected, got %v", err)
	}
	if !f.state(t).IsEmpty() {
		t.Fatalf("expected the rejected proposal to leave the room empty")
	}

	signed := unsigned
	signed.Receipt = "signed"
	f.propose(t, signed)
	if pending := f.state(t).Pending; len(pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(pending))
	}
}

func TestStoreFailuresNeverBlockTransitions(t *testing.T) {
	f := startFixture(t, func(cfg *Config) { cfg.Store = downStore{} })
	if !f.state(t).IsEmpty() {
		t.Fatalf("expected an empty room")
	}

	first := proposals.FileSet{"src/App.tsx": "first"}
	f.propose(t, newProposal("p1", 1, nil, first))
	second := proposals.FileSet{"src/App.tsx": "second"}
	result := f.approve(t, newProposal("p2", 2, first, second))

	expectFiles(t, "merge result", second, result.NewFiles)
	if calls := f.generator.calls(); len(calls) != 0 {
		t.Fatalf("expected no rebase, got %d calls", len(calls))
	}
	state := f.state(t)
	expectFiles(t, "live after merge", second, state.LiveFiles)
	if len(state.Pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(state.Pending))
	}

	rollback, err := f.coordinator.Rollback(context.Background(), "p2", "alice")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if !rollback.Applied {
		t.Fatalf("expected rollback to apply")
	}
	expectFiles(t, "live after rollback", proposals.FileSet{"src/App.tsx": "default"}, f.state(t).LiveFiles)
}

func TestMergePersistsDocumentProposalAndSnapshot(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	p1Files := proposals.FileSet{"src/App.tsx": "p1"}
	f.approve(t, newProposal("p1", 1, baseDocument(), p1Files))
	f.flush(t)

	ctx := context.Background()
	document, err := f.store.GetDocument(ctx, testRoomID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	expectFiles(t, "stored document", p1Files, document)

	stored, found, err := f.store.GetProposal(ctx, testRoomID, "p1")
	if err != nil || !found {
		t.Fatalf("expected stored proposal, found=%v err=%v", found, err)
	}
	if stored.Status != proposals.StatusApproved || len(stored.Votes) != 3 {
		t.Fatalf("unexpected stored proposal %+v", stored)
	}

	snapshot, found, err := f.store.LoadSnapshot(ctx, testRoomID)
	if err != nil || !found {
		t.Fatalf("expected stored snapshot, found=%v err=%v", found, err)
	}
	expectSameState(t, "snapshot", f.state(t), snapshot)
}

func TestRestartReloadsSnapshot(t *testing.T) {
	store := proposals.NewMemoryStore()
	f := startFixture(t, func(cfg *Config) { cfg.Store = store })
	f.propose(t, newProposal("p1", 1, nil, proposals.FileSet{"src/App.tsx": "p1"}))
	f.vote(t, "p1", "alice")
	expected := f.state(t)

	f.cancel()
	<-f.coordinator.Done()

	restarted := startFixture(t, func(cfg *Config) { cfg.Store = store })
	expectSameState(t, "after restart", expected, restarted.state(t))
}

func TestStartReconstructsFromRowsWithoutSnapshot(t *testing.T) {
	store := proposals.NewMemoryStore()
	ctx := context.Background()
	if err := store.PutDocument(ctx, testRoomID, baseDocument()); err != nil {
		t.Fatalf("put document failed: %v", err)
	}

	older := newProposal("old", 1, nil, proposals.FileSet{"a": "1"})
	older.Status = proposals.StatusApproved
	newer := newProposal("new", 2, nil, proposals.FileSet{"a": "2"})
	newer.Status = proposals.StatusRolledBack
	pendingA := newProposal("pa", 3, nil, proposals.FileSet{"a": "3"})
	pendingB := newProposal("pb", 4, nil, proposals.FileSet{"a": "4"})
	for _, proposal := range []proposals.Proposal{pendingB, newer, older, pendingA} {
		if err := store.InsertProposal(ctx, testRoomID, proposal); err != nil {
			t.Fatalf("insert %s failed: %v", proposal.ID, err)
		}
	}

	f := startFixture(t, func(cfg *Config) { cfg.Store = store })
	state := f.state(t)
	expectFiles(t, "reconstructed document", baseDocument(), state.LiveFiles)
	if len(state.Pending) != 2 || state.Pending[0].ID != "pa" || state.Pending[1].ID != "pb" {
		t.Fatalf("unexpected pending order %+v", state.Pending)
	}
	if len(state.History) != 2 || state.History[0].ID != "new" || state.History[1].ID != "old" {
		t.Fatalf("unexpected history order %+v", state.History)
	}
}

func TestConnectSendsStateFirstAndBroadcastsDeltas(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.connect(t, ctx, "conn-alice")
	bob := f.connect(t, ctx, "conn-bob")

	for _, subscription := range []realtime.Subscription{alice, bob} {
		state := nextFrame(t, subscription)
		if state.Type != TypeState {
			t.Fatalf("expected a state frame first, got %s", state.Type)
		}
		expectFiles(t, "initial state", baseDocument(), state.LiveFiles)
	}

	proposal := newProposal("p1", 1, baseDocument(), proposals.FileSet{"src/App.tsx": "p1"})
	f.handleFrame(t, ctx, "conn-alice", fmt.Sprintf(`{"type":"propose","proposal":%s}`, mustJSON(t, proposal)))

	for _, subscription := range []realtime.Subscription{alice, bob} {
		created := nextFrame(t, subscription)
		if created.Type != TypeProposalCreated || created.Proposal == nil || created.Proposal.ID != "p1" {
			t.Fatalf("unexpected created frame %+v", created)
		}
	}

	for _, voter := range []string{"u1", "u2", "u3"} {
		f.handleFrame(t, ctx, "conn-bob", fmt.Sprintf(`{"type":"vote","proposalId":"p1","userId":%q}`, voter))
	}
	for expectedVotes := 1; expectedVotes <= 3; expectedVotes++ {
		voted := nextFrame(t, alice)
		if voted.Type != TypeProposalVoted || len(voted.Votes) != expectedVotes {
			t.Fatalf("expected %d votes in a voted frame, got %+v", expectedVotes, voted)
		}
	}
	merged := nextFrame(t, alice)
	if merged.Type != TypeProposalMerged || merged.Proposal == nil || merged.Proposal.Status != proposals.StatusApproved {
		t.Fatalf("unexpected merged frame %+v", merged)
	}
	expectFiles(t, "merged frame", proposals.FileSet{"src/App.tsx": "p1"}, merged.NewFiles)
}

func TestSyncRepliesOnlyToRequester(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.connect(t, ctx, "conn-alice")
	bob := f.connect(t, ctx, "conn-bob")
	nextFrame(t, alice)
	nextFrame(t, bob)

	if err := f.coordinator.HandleFrame(ctx, "conn-alice", SyncFrame()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if frame := nextFrame(t, alice); frame.Type != TypeState {
		t.Fatalf("expected a state reply, got %s", frame.Type)
	}
	expectNoFrame(t, bob)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.connect(t, ctx, "conn-alice")
	nextFrame(t, alice)
	before := f.state(t)

	for _, frame := range []string{`not json`, `{"type":"explode"}`, `{}`, `{"type":"vote"}`, `{"type":"propose"}`} {
		f.handleFrame(t, ctx, "conn-alice", frame)
	}
	expectNoFrame(t, alice)
	expectSameState(t, "after malformed frames", before, f.state(t))
}

func TestSeedAcceptedOnlyOnceWhileEmpty(t *testing.T) {
	f := startFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.connect(t, ctx, "conn-alice")
	if initial := nextFrame(t, alice); len(initial.LiveFiles) != 0 {
		t.Fatalf("expected an empty initial document, got %v", initial.LiveFiles)
	}

	pending := newProposal("p1", 1, nil, proposals.FileSet{"a": "b"})
	approved := newProposal("p0", 0, nil, proposals.FileSet{"a": "a"})
	approved.Status = proposals.StatusApproved
	f.handleFrame(t, ctx, "conn-alice", fmt.Sprintf(`{"type":"seed","liveFiles":{"a":"a"},"pending":[%s],"history":[%s]}`,
		mustJSON(t, pending), mustJSON(t, approved)))

	seeded := nextFrame(t, alice)
	if seeded.Type != TypeState {
		t.Fatalf("expected a state frame, got %s", seeded.Type)
	}
	expectFiles(t, "seeded document", proposals.FileSet{"a": "a"}, seeded.LiveFiles)
	if len(seeded.Pending) != 1 || len(seeded.History) != 1 {
		t.Fatalf("expected one pending and one history entry, got %d and %d", len(seeded.Pending), len(seeded.History))
	}

	f.handleFrame(t, ctx, "conn-alice", `{"type":"seed","liveFiles":{"a":"overwritten"}}`)
	expectNoFrame(t, alice)
	expectFiles(t, "after second seed", proposals.FileSet{"a": "a"}, f.state(t).LiveFiles)
}

func TestSeedMergesPendingProposalsAtThreshold(t *testing.T) {
	f := startFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.connect(t, ctx, "conn-alice")
	nextFrame(t, alice)

	ready := newProposal("ready", 1, nil, proposals.FileSet{"a": "ready"})
	ready.BaseFilesHash = ""
	ready.Votes = []string{"u1", "u2", "u3"}
	waiting := newProposal("waiting", 2, nil, proposals.FileSet{"a": "waiting"})
	waiting.Votes = []string{"u1"}
	f.handleFrame(t, ctx, "conn-alice", fmt.Sprintf(`{"type":"seed","liveFiles":{"a":"seed"},"pending":[%s,%s]}`,
		mustJSON(t, ready), mustJSON(t, waiting)))

	if seeded := nextFrame(t, alice); seeded.Type != TypeState || len(seeded.Pending) != 2 {
		t.Fatalf("expected the seeded state first, got %+v", seeded)
	}
	merged := nextFrame(t, alice)
	if merged.Type != TypeProposalMerged || merged.Proposal == nil || merged.Proposal.ID != "ready" {
		t.Fatalf("expected the ready proposal to merge, got %+v", merged)
	}

	state := f.state(t)
	if len(state.Pending) != 1 || state.Pending[0].ID != "waiting" {
		t.Fatalf("expected only the under-voted proposal to stay pending, got %+v", state.Pending)
	}
	if len(state.History) != 1 || state.History[0].ID != "ready" || state.History[0].Status != proposals.StatusApproved {
		t.Fatalf("unexpected history %+v", state.History)
	}
	expectFiles(t, "live after seed merge", proposals.FileSet{"a": "ready"}, state.LiveFiles)
	for _, proposal := range state.Pending {
		if proposal.ThresholdReached() {
			t.Fatalf("pending proposal %s is at its threshold", proposal.ID)
		}
	}
}

func TestSeedIgnoredWhenRoomHasState(t *testing.T) {
	f := startFixture(t, withDocument(baseDocument()))
	f.handleFrame(t, context.Background(), "conn", `{"type":"seed","liveFiles":{"a":"a"}}`)
	expectFiles(t, "after ignored seed", baseDocument(), f.state(t).LiveFiles)
}

func TestStoppedCoordinatorRejectsCalls(t *testing.T) {
	f := startFixture(t, nil)
	f.cancel()
	<-f.coordinator.Done()

	if _, err := f.coordinator.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}
}

func TestNewCoordinatorValidatesDependencies(t *testing.T) {
	valid := Config{
		RoomID:     "main",
		Store:      proposals.NewMemoryStore(),
		Generator:  &fakeGenerator{},
		Dispatcher: realtime.NewDispatcher(1),
	}
	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"room":       {mutate: func(c *Config) { c.RoomID = " " }, want: errMissingRoomID},
		"store":      {mutate: func(c *Config) { c.Store = nil }, want: errMissingStore},
		"generator":  {mutate: func(c *Config) { c.Generator = nil }, want: errMissingGenerator},
		"dispatcher": {mutate: func(c *Config) { c.Dispatcher = nil }, want: errMissingDispatcher},
	}
	for name, testCase := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			testCase.mutate(&cfg)
			if _, err := NewCoordinator(cfg); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}
