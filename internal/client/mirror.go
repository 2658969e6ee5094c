package client

import (
	"sync"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
)

// Mirror is the local copy of a room state. It changes only when a server
// frame is applied, so every participant converges on the same state.
type Mirror struct {
	mu    sync.RWMutex
	state proposals.RoomState
}

// NewMirror returns an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{state: proposals.RoomState{
		LiveFiles: proposals.FileSet{},
		Pending:   []proposals.Proposal{},
		History:   []proposals.Proposal{},
	}}
}

// Apply folds one server frame into the mirror and reports whether it was recognised.
func (m *Mirror) Apply(message room.ServerMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch message.Type {
	case room.TypeState:
		if !message.LiveFiles.Empty() {
			m.state.LiveFiles = message.LiveFiles.Clone()
		}
		m.state.Pending = cloneProposals(message.Pending)
		m.state.History = cloneProposals(message.History)
	case room.TypeProposalCreated:
		if message.Proposal == nil {
			return false
		}
		if indexOf(m.state.Pending, message.Proposal.ID) < 0 && indexOf(m.state.History, message.Proposal.ID) < 0 {
			m.state.Pending = append(m.state.Pending, message.Proposal.Clone())
		}
	case room.TypeProposalVoted:
		if index := indexOf(m.state.Pending, message.ProposalID); index >= 0 {
			m.state.Pending[index].Votes = append([]string{}, message.Votes...)
		}
	case room.TypeProposalMerged:
		if message.Proposal == nil {
			return false
		}
		merged := message.Proposal.Clone()
		m.state.Pending = removeByID(m.state.Pending, merged.ID)
		history := removeByID(m.state.History, merged.ID)
		m.state.History = append([]proposals.Proposal{merged}, history...)
		if !message.NewFiles.Empty() {
			m.state.LiveFiles = message.NewFiles.Clone()
		}
	default:
		return false
	}
	return true
}

// State returns a copy of the mirrored room state.
func (m *Mirror) State() proposals.RoomState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Find looks a proposal up in pending, then history.
func (m *Mirror) Find(proposalID string) (proposals.Proposal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index := indexOf(m.state.Pending, proposalID); index >= 0 {
		return m.state.Pending[index].Clone(), true
	}
	if index := indexOf(m.state.History, proposalID); index >= 0 {
		return m.state.History[index].Clone(), true
	}
	return proposals.Proposal{}, false
}

func indexOf(list []proposals.Proposal, proposalID string) int {
	for index, candidate := range list {
		if candidate.ID == proposalID {
			return index
		}
	}
	return -1
}

func removeByID(list []proposals.Proposal, proposalID string) []proposals.Proposal {
	kept := make([]proposals.Proposal, 0, len(list))
	for _, candidate := range list {
		if candidate.ID != proposalID {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func cloneProposals(list []proposals.Proposal) []proposals.Proposal {
	cloned := make([]proposals.Proposal, 0, len(list))
	for _, proposal := range list {
		cloned = append(cloned, proposal.Clone())
	}
	return cloned
}
