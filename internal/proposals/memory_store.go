package proposals

import (
	"context"
	"sort"
	"sync"
)

type memoryProposalKey struct {
	roomID     string
	proposalID string
}

// MemoryStore is the in-process fallback Store used when no database is configured.
// Contents are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]FileSet
	proposals map[memoryProposalKey]Proposal
	snapshots map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]FileSet),
		proposals: make(map[memoryProposalKey]Proposal),
		snapshots: make(map[string][]byte),
	}
}

// GetDocument implements Store.
func (store *MemoryStore) GetDocument(_ context.Context, roomID string) (FileSet, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.documents[roomID].Clone(), nil
}

// PutDocument implements Store.
func (store *MemoryStore) PutDocument(_ context.Context, roomID string, files FileSet) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.documents[roomID] = files.Clone()
	return nil
}

// InsertProposal implements Store.
func (store *MemoryStore) InsertProposal(_ context.Context, roomID string, proposal Proposal) error {
	if _, err := NewProposalID(proposal.ID); err != nil {
		return newStoreError(opInsertProposal, reasonInvalidInput, err)
	}
	stored := proposal.Clone()
	stored.Votes = dedupeVotes(stored.Votes)
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.proposals[memoryProposalKey{roomID: roomID, proposalID: proposal.ID}] = stored
	return nil
}

// GetProposal implements Store.
func (store *MemoryStore) GetProposal(_ context.Context, roomID string, proposalID string) (Proposal, bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	stored, ok := store.proposals[memoryProposalKey{roomID: roomID, proposalID: proposalID}]
	if !ok {
		return Proposal{}, false, nil
	}
	return stored.Clone(), true, nil
}

// UpdateProposalStatus implements Store.
func (store *MemoryStore) UpdateProposalStatus(_ context.Context, roomID string, proposalID string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return newStoreError(opUpdateProposalStatus, reasonInvalidInput, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	key := memoryProposalKey{roomID: roomID, proposalID: proposalID}
	stored, ok := store.proposals[key]
	if !ok {
		return newStoreError(opUpdateProposalStatus, reasonNotFound, ErrProposalNotFound)
	}
	stored.Status = status
	store.proposals[key] = stored
	return nil
}

// UpdateProposalVotes implements Store.
func (store *MemoryStore) UpdateProposalVotes(_ context.Context, roomID string, proposalID string, votes []string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := memoryProposalKey{roomID: roomID, proposalID: proposalID}
	stored, ok := store.proposals[key]
	if !ok {
		return newStoreError(opUpdateProposalVotes, reasonNotFound, ErrProposalNotFound)
	}
	stored.Votes = dedupeVotes(votes)
	store.proposals[key] = stored
	return nil
}

// ListApprovedProposals implements Store.
func (store *MemoryStore) ListApprovedProposals(_ context.Context, roomID string) ([]Proposal, error) {
	return store.list(roomID, func(proposal Proposal) bool {
		return proposal.Status == StatusApproved
	}), nil
}

// ListProposals implements Store.
func (store *MemoryStore) ListProposals(_ context.Context, roomID string) ([]Proposal, error) {
	return store.list(roomID, func(Proposal) bool { return true }), nil
}

// LoadSnapshot implements Store.
func (store *MemoryStore) LoadSnapshot(_ context.Context, roomID string) (RoomState, bool, error) {
	store.mu.RLock()
	payload, ok := store.snapshots[roomID]
	store.mu.RUnlock()
	if !ok {
		return RoomState{}, false, nil
	}
	state, err := DecodeSnapshot(payload)
	if err != nil {
		return RoomState{}, false, newStoreError(opLoadSnapshot, reasonDecodeFailed, err)
	}
	return state, true, nil
}

// SaveSnapshot implements Store.
func (store *MemoryStore) SaveSnapshot(_ context.Context, roomID string, state RoomState) error {
	payload, err := EncodeSnapshot(state)
	if err != nil {
		return newStoreError(opSaveSnapshot, reasonEncodeFailed, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.snapshots[roomID] = payload
	return nil
}

func (store *MemoryStore) list(roomID string, keep func(Proposal) bool) []Proposal {
	store.mu.RLock()
	defer store.mu.RUnlock()
	matches := make([]Proposal, 0)
	for key, stored := range store.proposals {
		if key.roomID != roomID || !keep(stored) {
			continue
		}
		matches = append(matches, stored.Clone())
	}
	sort.SliceStable(matches, func(left, right int) bool {
		if matches[left].Timestamp != matches[right].Timestamp {
			return matches[left].Timestamp < matches[right].Timestamp
		}
		return matches[left].ID < matches[right].ID
	})
	return matches
}
