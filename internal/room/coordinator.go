// Package room implements the authoritative per-room state machine.
//
// A Coordinator owns one room's live document, pending proposals, and
// history. Every mutation runs on the coordinator's own goroutine, one
// inbound message at a time, so the first vote that crosses a proposal's
// threshold merges it exactly once without further locking.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
)

const (
	defaultInboxSize     = 128
	defaultRebaseTimeout = 120 * time.Second
)

var (
	errMissingRoomID     = errors.New("room: room identifier is required")
	errMissingStore      = errors.New("room: store is required")
	errMissingGenerator  = errors.New("room: generator is required")
	errMissingDispatcher = errors.New("room: dispatcher is required")

	// ErrStopped indicates that the coordinator is no longer processing messages.
	ErrStopped = errors.New("room: coordinator stopped")
	// ErrProposalRejected indicates a proposal that failed validation or receipt verification.
	ErrProposalRejected = errors.New("room: proposal rejected")
)

// ReceiptVerifier checks that a proposal was built by this server.
type ReceiptVerifier interface {
	Verify(proposal proposals.Proposal) error
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	RoomID     string
	Store      proposals.Store
	Generator  generator.Generator
	Dispatcher *realtime.Dispatcher
	// Receipts, when set, rejects proposals without a matching receipt.
	Receipts      ReceiptVerifier
	DefaultFiles  func() proposals.FileSet
	VotesNeeded   int
	RebaseTimeout time.Duration
	StoreTimeout  time.Duration
	Logger        *zap.Logger
}

// VoteResult reports the outcome of a vote.
type VoteResult struct {
	// Found is false when the proposal is not pending.
	Found    bool
	Votes    []string
	Merged   bool
	Proposal proposals.Proposal
	NewFiles proposals.FileSet
}

// RollbackResult reports the outcome of a rollback.
type RollbackResult struct {
	// Applied is false when the proposal is not an approved history entry.
	Applied  bool
	Proposal proposals.Proposal
	NewFiles proposals.FileSet
}

// Coordinator is the single authoritative actor for one room.
type Coordinator struct {
	roomID        string
	store         proposals.Store
	generator     generator.Generator
	dispatcher    *realtime.Dispatcher
	receipts      ReceiptVerifier
	defaultFiles  func() proposals.FileSet
	votesNeeded   int
	rebaseTimeout time.Duration
	storeTimeout  time.Duration
	logger        *zap.Logger

	inbox       chan func(context.Context)
	persistence *persistenceQueue
	ready       chan struct{}
	done        chan struct{}

	// Owned by the Run goroutine.
	state  proposals.RoomState
	seeded bool
}

// NewCoordinator validates cfg. The coordinator does nothing until Run is called.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	roomID := strings.TrimSpace(cfg.RoomID)
	if roomID == "" {
		return nil, errMissingRoomID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room_id", roomID))
	defaultFiles := cfg.DefaultFiles
	if defaultFiles == nil {
		defaultFiles = proposals.DefaultFiles
	}
	votesNeeded := cfg.VotesNeeded
	if votesNeeded <= 0 {
		votesNeeded = proposals.DefaultVotesNeeded
	}
	rebaseTimeout := cfg.RebaseTimeout
	if rebaseTimeout <= 0 {
		rebaseTimeout = defaultRebaseTimeout
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreCallTimeout
	}
	return &Coordinator{
		roomID:        roomID,
		store:         cfg.Store,
		generator:     cfg.Generator,
		dispatcher:    cfg.Dispatcher,
		receipts:      cfg.Receipts,
		defaultFiles:  defaultFiles,
		votesNeeded:   votesNeeded,
		rebaseTimeout: rebaseTimeout,
		storeTimeout:  storeTimeout,
		logger:        logger,
		inbox:         make(chan func(context.Context), defaultInboxSize),
		persistence:   newPersistenceQueue(roomID, storeTimeout, logger),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		state:         emptyState(),
	}, nil
}

// RoomID returns the room identifier.
func (c *Coordinator) RoomID() string {
	return c.roomID
}

// Run loads the room and processes messages until ctx ends. Pending store
// writes are drained before Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	persistenceCtx, stopPersistence := context.WithCancel(context.Background())
	go c.persistence.run(persistenceCtx)
	defer func() {
		stopPersistence()
		<-c.persistence.stopped
	}()

	c.onStart(ctx)
	close(c.ready)

	for {
		select {
		case <-ctx.Done():
			return
		case step := <-c.inbox:
			step(ctx)
		}
	}
}

// Ready is closed once the initial load has finished.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Connect subscribes a connection to the room's broadcasts and queues the
// full room state as its first frame. The returned cleanup unsubscribes.
func (c *Coordinator) Connect(ctx context.Context, connectionID string) (realtime.Subscription, func(), error) {
	var (
		subscription realtime.Subscription
		cleanup      func()
	)
	err := c.call(ctx, func(runCtx context.Context) {
		subscription, cleanup = c.dispatcher.Subscribe(ctx, c.roomID, connectionID)
		c.sendState(connectionID)
		c.logger.Debug("connection joined", zap.String("connection_id", connectionID))
	})
	if err != nil {
		return realtime.Subscription{}, nil, err
	}
	return subscription, cleanup, nil
}

// HandleFrame queues a raw client frame. Malformed frames are dropped.
func (c *Coordinator) HandleFrame(ctx context.Context, connectionID string, frame []byte) error {
	message, err := ParseClientMessage(frame)
	if err != nil {
		c.logger.Debug("dropping client frame",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return nil
	}
	return c.submit(ctx, func(runCtx context.Context) {
		c.dispatch(runCtx, connectionID, message)
	})
}

// Propose submits a fully built proposal. It reports false when a proposal
// with the same id is already known.
func (c *Coordinator) Propose(ctx context.Context, proposal proposals.Proposal) (proposals.Proposal, bool, error) {
	var (
		accepted proposals.Proposal
		created  bool
		stepErr  error
	)
	err := c.call(ctx, func(runCtx context.Context) {
		accepted, created, stepErr = c.handlePropose(runCtx, proposal)
	})
	if err != nil {
		return proposals.Proposal{}, false, err
	}
	return accepted, created, stepErr
}

// Vote records userID's vote on a pending proposal and merges it when the threshold is reached.
func (c *Coordinator) Vote(ctx context.Context, proposalID string, userID string) (VoteResult, error) {
	var result VoteResult
	err := c.call(ctx, func(runCtx context.Context) {
		result = c.handleVote(runCtx, proposalID, userID)
	})
	return result, err
}

// Rollback reverts an approved proposal.
func (c *Coordinator) Rollback(ctx context.Context, proposalID string, userID string) (RollbackResult, error) {
	var result RollbackResult
	err := c.call(ctx, func(runCtx context.Context) {
		result = c.handleRollback(runCtx, proposalID, userID)
	})
	return result, err
}

// State returns a copy of the current room state.
func (c *Coordinator) State(ctx context.Context) (proposals.RoomState, error) {
	var state proposals.RoomState
	err := c.call(ctx, func(context.Context) {
		state = c.state.Clone()
	})
	return state, err
}

func (c *Coordinator) submit(ctx context.Context, step func(context.Context)) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- step:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) call(ctx context.Context, step func(context.Context)) error {
	finished := make(chan struct{})
	err := c.submit(ctx, func(runCtx context.Context) {
		defer close(finished)
		step(runCtx)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) onStart(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	snapshot, found, err := c.store.LoadSnapshot(loadCtx, c.roomID)
	if err != nil {
		c.logWarn("load_snapshot", "store_read_failed", err)
	} else if found {
		c.state = snapshot.Clone()
		c.logger.Info("room loaded from snapshot",
			zap.Int("pending", len(c.state.Pending)),
			zap.Int("history", len(c.state.History)))
		return
	}

	document, err := c.store.GetDocument(loadCtx, c.roomID)
	if err != nil {
		c.logWarn("get_document", "store_read_failed", err)
		document = nil
	}
	stored, err := c.store.ListProposals(loadCtx, c.roomID)
	if err != nil {
		c.logWarn("list_proposals", "store_read_failed", err)
		stored = nil
	}
	c.state = proposals.ReconstructState(document, stored)
	c.logger.Info("room loaded from rows",
		zap.Int("files", len(c.state.LiveFiles)),
		zap.Int("pending", len(c.state.Pending)),
		zap.Int("history", len(c.state.History)))
}

func (c *Coordinator) dispatch(ctx context.Context, connectionID string, message ClientMessage) {
	switch message.Type {
	case TypeSync:
		c.sendState(connectionID)
	case TypePropose:
		if _, _, err := c.handlePropose(ctx, *message.Proposal); err != nil {
			c.logger.Info("proposal dropped",
				zap.String("connection_id", connectionID),
				zap.String("proposal_id", message.Proposal.ID),
				zap.Error(err))
		}
	case TypeVote:
		c.handleVote(ctx, message.ProposalID, message.UserID)
	case TypeRollback:
		c.handleRollback(ctx, message.ProposalID, message.UserID)
	case TypeSeed:
		c.handleSeed(ctx, connectionID, message)
	}
}

func (c *Coordinator) handlePropose(ctx context.Context, incoming proposals.Proposal) (proposals.Proposal, bool, error) {
	proposal, err := incoming.Normalize(c.votesNeeded)
	if err != nil {
		return proposals.Proposal{}, false, fmt.Errorf("%w: %v", ErrProposalRejected, err)
	}
	if c.receipts != nil {
		if err := c.receipts.Verify(proposal); err != nil {
			return proposals.Proposal{}, false, fmt.Errorf("%w: %v", ErrProposalRejected, err)
		}
	}
	if existing, ok := c.findProposal(proposal.ID); ok {
		return existing.Clone(), false, nil
	}
	proposal.Status = proposals.StatusPending
	proposal.Votes = []string{}

	c.state.Pending = append(c.state.Pending, proposal)
	bootstrapped := false
	if c.state.LiveFiles.Empty() {
		c.state.LiveFiles = proposal.Files.Clone()
		bootstrapped = true
	}

	c.persistProposal(ctx, proposal)
	if bootstrapped {
		c.persistDocument(ctx, c.state.LiveFiles)
	}
	c.persistSnapshot(ctx)

	c.broadcast(EncodeProposalCreated(proposal))
	c.logger.Info("proposal created",
		zap.String("proposal_id", proposal.ID),
		zap.String("author", proposal.Author),
		zap.Bool("bootstrapped_document", bootstrapped))
	return proposal.Clone(), true, nil
}

func (c *Coordinator) handleVote(ctx context.Context, proposalID string, userID string) VoteResult {
	voter, err := proposals.NewUserID(userID)
	if err != nil {
		return VoteResult{}
	}
	index := c.pendingIndex(proposalID)
	if index < 0 {
		return VoteResult{}
	}
	proposal := &c.state.Pending[index]
	if !proposal.AddVote(voter) {
		return VoteResult{Found: true, Votes: append([]string(nil), proposal.Votes...), Proposal: proposal.Clone()}
	}
	votes := append([]string(nil), proposal.Votes...)
	c.persistVotes(ctx, *proposal)
	c.persistSnapshot(ctx)
	c.broadcast(EncodeProposalVoted(proposal.ID, votes))

	if !proposal.ThresholdReached() {
		return VoteResult{Found: true, Votes: votes, Proposal: proposal.Clone()}
	}
	merged, newFiles := c.merge(ctx, index)
	return VoteResult{Found: true, Votes: votes, Merged: true, Proposal: merged, NewFiles: newFiles}
}

// merge applies the pending proposal at index. It always completes: store
// and generator failures only change which files become live.
func (c *Coordinator) merge(ctx context.Context, index int) (proposals.Proposal, proposals.FileSet) {
	proposal := c.state.Pending[index].Clone()
	fields := []zap.Field{zap.String("proposal_id", proposal.ID)}

	if err := c.persistence.flush(ctx); err != nil {
		c.logWarn("flush", "store_flush_failed", err, fields...)
	}
	current := c.fetchCurrentDocument(ctx, fields...)

	newFiles := proposal.Files.Clone()
	rebased := false
	if proposal.BaseFilesHash != "" && proposals.Fingerprint(current) != proposal.BaseFilesHash {
		rebaseCtx, cancel := context.WithTimeout(ctx, c.rebaseTimeout)
		result, err := c.generator.Rebase(rebaseCtx, current, proposal.Files, rebasePrompt(proposal))
		cancel()
		if err != nil {
			c.logWarn("rebase", "generator_failed", err, fields...)
			newFiles = current.Overlay(proposal.Files)
		} else {
			newFiles = current.Overlay(result.Files)
			if result.Description != "" {
				proposal.Description = result.Description
			}
			rebased = true
		}
	}

	proposal.Status = proposals.StatusApproved
	proposal.Files = newFiles.Clone()
	c.state.Pending = append(c.state.Pending[:index], c.state.Pending[index+1:]...)
	c.state.History = append([]proposals.Proposal{proposal}, c.state.History...)
	c.state.LiveFiles = newFiles.Clone()

	c.persistDocument(ctx, newFiles)
	c.persistProposal(ctx, proposal)
	c.persistSnapshot(ctx)

	c.broadcast(EncodeProposalMerged(proposal, newFiles))
	c.logger.Info("proposal merged",
		zap.String("proposal_id", proposal.ID),
		zap.Int("votes", len(proposal.Votes)),
		zap.Bool("rebased", rebased))
	return proposal.Clone(), newFiles
}

// fetchCurrentDocument returns the stored document once this room's queued
// writes have landed, or the in-memory document when the store has none.
func (c *Coordinator) fetchCurrentDocument(ctx context.Context, fields ...zap.Field) proposals.FileSet {
	fetchCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	document, err := c.store.GetDocument(fetchCtx, c.roomID)
	if err != nil {
		c.logWarn("get_document", "store_read_failed", err, fields...)
		return c.state.LiveFiles.Clone()
	}
	if document.Empty() {
		return c.state.LiveFiles.Clone()
	}
	return document
}

func (c *Coordinator) handleRollback(ctx context.Context, proposalID string, userID string) RollbackResult {
	target := -1
	for index, proposal := range c.state.History {
		if proposal.ID == proposalID {
			target = index
			break
		}
	}
	if target < 0 || c.state.History[target].Status != proposals.StatusApproved {
		return RollbackResult{}
	}

	revertFiles := c.defaultFiles()
	for index, proposal := range c.state.History {
		if index != target && proposal.Status == proposals.StatusApproved {
			revertFiles = proposal.Files.Clone()
			break
		}
	}

	c.state.History[target].Status = proposals.StatusRolledBack
	rolledBack := c.state.History[target].Clone()
	c.state.LiveFiles = revertFiles.Clone()

	c.persistStatus(ctx, rolledBack)
	c.persistDocument(ctx, revertFiles)
	c.persistSnapshot(ctx)

	c.broadcast(EncodeProposalMerged(rolledBack, revertFiles))
	c.logger.Info("proposal rolled back",
		zap.String("proposal_id", rolledBack.ID),
		zap.String("requested_by", userID))
	return RollbackResult{Applied: true, Proposal: rolledBack, NewFiles: revertFiles}
}

// handleSeed adopts a client-pushed state while the room is still empty. A
// room accepts at most one seed.
func (c *Coordinator) handleSeed(ctx context.Context, connectionID string, message ClientMessage) {
	if c.seeded || !c.state.IsEmpty() {
		return
	}
	seed := proposals.RoomState{LiveFiles: message.LiveFiles}
	for _, candidate := range append(append([]proposals.Proposal(nil), message.Pending...), message.History...) {
		normalized, err := candidate.Normalize(c.votesNeeded)
		if err != nil {
			continue
		}
		if containsProposal(seed.Pending, normalized.ID) || containsProposal(seed.History, normalized.ID) {
			continue
		}
		if normalized.Status == proposals.StatusPending {
			seed.Pending = append(seed.Pending, normalized)
		} else {
			seed.History = append(seed.History, normalized)
		}
	}
	seed = seed.Clone()
	if seed.IsEmpty() {
		return
	}
	c.seeded = true
	c.state = seed

	c.persistDocument(ctx, seed.LiveFiles)
	for _, proposal := range seed.Pending {
		c.persistProposal(ctx, proposal)
	}
	for _, proposal := range seed.History {
		c.persistProposal(ctx, proposal)
	}
	c.persistSnapshot(ctx)

	frame, err := EncodeState(c.state)
	c.broadcast(frame, err)
	c.logger.Info("room seeded",
		zap.String("connection_id", connectionID),
		zap.Int("pending", len(seed.Pending)),
		zap.Int("history", len(seed.History)))

	// A seeded proposal may already carry enough votes; no pending proposal
	// stays at or above its threshold.
	for index := 0; index < len(c.state.Pending); {
		if !c.state.Pending[index].ThresholdReached() {
			index++
			continue
		}
		c.merge(ctx, index)
	}
}

func (c *Coordinator) sendState(connectionID string) {
	frame, err := EncodeState(c.state)
	if err != nil {
		c.logWarn("encode_state", "encode_failed", err)
		return
	}
	c.dispatcher.Send(c.roomID, connectionID, frame)
}

func (c *Coordinator) broadcast(frame []byte, err error) {
	if err != nil {
		c.logWarn("broadcast", "encode_failed", err)
		return
	}
	c.dispatcher.Publish(c.roomID, frame)
}

func (c *Coordinator) pendingIndex(proposalID string) int {
	for index, proposal := range c.state.Pending {
		if proposal.ID == proposalID {
			return index
		}
	}
	return -1
}

func (c *Coordinator) findProposal(proposalID string) (proposals.Proposal, bool) {
	for _, proposal := range c.state.Pending {
		if proposal.ID == proposalID {
			return proposal, true
		}
	}
	for _, proposal := range c.state.History {
		if proposal.ID == proposalID {
			return proposal, true
		}
	}
	return proposals.Proposal{}, false
}

func (c *Coordinator) persistProposal(ctx context.Context, proposal proposals.Proposal) {
	stored := proposal.Clone()
	c.persistence.enqueue(ctx, "insert_proposal", func(callCtx context.Context) error {
		return c.store.InsertProposal(callCtx, c.roomID, stored)
	}, zap.String("proposal_id", stored.ID))
}

func (c *Coordinator) persistVotes(ctx context.Context, proposal proposals.Proposal) {
	stored := proposal.Clone()
	c.persistence.enqueue(ctx, "update_votes", func(callCtx context.Context) error {
		err := c.store.UpdateProposalVotes(callCtx, c.roomID, stored.ID, stored.Votes)
		if errors.Is(err, proposals.ErrProposalNotFound) {
			return c.store.InsertProposal(callCtx, c.roomID, stored)
		}
		return err
	}, zap.String("proposal_id", stored.ID))
}

func (c *Coordinator) persistStatus(ctx context.Context, proposal proposals.Proposal) {
	stored := proposal.Clone()
	c.persistence.enqueue(ctx, "update_status", func(callCtx context.Context) error {
		err := c.store.UpdateProposalStatus(callCtx, c.roomID, stored.ID, stored.Status)
		if errors.Is(err, proposals.ErrProposalNotFound) {
			return c.store.InsertProposal(callCtx, c.roomID, stored)
		}
		return err
	}, zap.String("proposal_id", stored.ID))
}

func (c *Coordinator) persistDocument(ctx context.Context, files proposals.FileSet) {
	stored := files.Clone()
	c.persistence.enqueue(ctx, "put_document", func(callCtx context.Context) error {
		return c.store.PutDocument(callCtx, c.roomID, stored)
	})
}

func (c *Coordinator) persistSnapshot(ctx context.Context) {
	stored := c.state.Clone()
	c.persistence.enqueue(ctx, "save_snapshot", func(callCtx context.Context) error {
		return c.store.SaveSnapshot(callCtx, c.roomID, stored)
	})
}

func (c *Coordinator) logWarn(operation string, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Warn("room coordinator degraded", attrs...)
}

func rebasePrompt(proposal proposals.Proposal) string {
	if strings.TrimSpace(proposal.UserPrompt) != "" {
		return proposal.UserPrompt
	}
	return proposal.Description
}

func containsProposal(list []proposals.Proposal, proposalID string) bool {
	for _, proposal := range list {
		if proposal.ID == proposalID {
			return true
		}
	}
	return false
}

func emptyState() proposals.RoomState {
	return proposals.RoomState{}.Clone()
}
