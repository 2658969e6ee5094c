package proposals

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRoomID identifies the room whose document row is the singleton "main" document.
const DefaultRoomID = "main"

var (
	// ErrProposalNotFound indicates that no stored proposal matches an identifier.
	ErrProposalNotFound = errors.New("proposals: proposal not found")
	errMissingDatabase  = errors.New("database handle is required")
)

// Store is the durable adapter for proposals, live documents, and room snapshots.
// Every call may fail; callers in the room coordinator treat failures as
// best-effort and never block in-memory transitions on them.
type Store interface {
	// GetDocument returns the stored live document for a room, or an empty set when none exists.
	GetDocument(ctx context.Context, roomID string) (FileSet, error)
	PutDocument(ctx context.Context, roomID string, files FileSet) error
	// InsertProposal stores a proposal, replacing any stored row with the same room and id.
	InsertProposal(ctx context.Context, roomID string, proposal Proposal) error
	// GetProposal, UpdateProposalStatus, and UpdateProposalVotes address a
	// proposal by room and id; equal ids in different rooms are distinct rows.
	GetProposal(ctx context.Context, roomID string, proposalID string) (Proposal, bool, error)
	UpdateProposalStatus(ctx context.Context, roomID string, proposalID string, status Status) error
	UpdateProposalVotes(ctx context.Context, roomID string, proposalID string, votes []string) error
	// ListApprovedProposals returns approved proposals ordered by timestamp ascending.
	ListApprovedProposals(ctx context.Context, roomID string) ([]Proposal, error)
	// ListProposals returns every proposal of a room ordered by timestamp ascending.
	ListProposals(ctx context.Context, roomID string) ([]Proposal, error)
	LoadSnapshot(ctx context.Context, roomID string) (RoomState, bool, error)
	SaveSnapshot(ctx context.Context, roomID string, state RoomState) error
}

// StoreError carries a dotted operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opGetDocument           = "proposals.get_document"
	opPutDocument           = "proposals.put_document"
	opInsertProposal        = "proposals.insert_proposal"
	opGetProposal           = "proposals.get_proposal"
	opUpdateProposalStatus  = "proposals.update_status"
	opUpdateProposalVotes   = "proposals.update_votes"
	opListApprovedProposals = "proposals.list_approved"
	opListProposals         = "proposals.list"
	opLoadSnapshot          = "proposals.load_snapshot"
	opSaveSnapshot          = "proposals.save_snapshot"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonNotFound        = "not_found"
	reasonInvalidInput    = "invalid_input"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// ReconstructState rebuilds a room state from stored rows: pending proposals
// ordered by submission, terminal proposals most-recent-first. The document
// is used as the live files as-is.
func ReconstructState(document FileSet, stored []Proposal) RoomState {
	state := RoomState{
		LiveFiles: document.Clone(),
		Pending:   make([]Proposal, 0),
		History:   make([]Proposal, 0),
	}
	for _, proposal := range stored {
		if proposal.Status == StatusPending {
			state.Pending = append(state.Pending, proposal.Clone())
		}
	}
	for index := len(stored) - 1; index >= 0; index-- {
		if stored[index].Status != StatusPending {
			state.History = append(state.History, stored[index].Clone())
		}
	}
	return state
}
