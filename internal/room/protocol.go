package room

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

// Client to server message types.
const (
	TypeSync     = "sync"
	TypePropose  = "propose"
	TypeVote     = "vote"
	TypeRollback = "rollback"
	TypeSeed     = "seed"
)

// Server to client message types.
const (
	TypeState           = "state"
	TypeProposalCreated = "proposal_created"
	TypeProposalVoted   = "proposal_voted"
	TypeProposalMerged  = "proposal_merged"
)

var (
	// ErrMalformedMessage indicates a frame that is not a JSON object with a type.
	ErrMalformedMessage = errors.New("room: malformed message")
	// ErrUnknownMessageType indicates a frame with an unsupported type.
	ErrUnknownMessageType = errors.New("room: unknown message type")
)

// ClientMessage is any frame a client may send.
type ClientMessage struct {
	Type       string               `json:"type"`
	Proposal   *proposals.Proposal  `json:"proposal,omitempty"`
	ProposalID string               `json:"proposalId,omitempty"`
	UserID     string               `json:"userId,omitempty"`
	LiveFiles  proposals.FileSet    `json:"liveFiles,omitempty"`
	Pending    []proposals.Proposal `json:"pending,omitempty"`
	History    []proposals.Proposal `json:"history,omitempty"`
}

// ServerMessage is the decoded form of any frame the server sends.
type ServerMessage struct {
	Type       string               `json:"type"`
	LiveFiles  proposals.FileSet    `json:"liveFiles,omitempty"`
	Pending    []proposals.Proposal `json:"pending,omitempty"`
	History    []proposals.Proposal `json:"history,omitempty"`
	Proposal   *proposals.Proposal  `json:"proposal,omitempty"`
	ProposalID string               `json:"proposalId,omitempty"`
	Votes      []string             `json:"votes,omitempty"`
	NewFiles   proposals.FileSet    `json:"newFiles,omitempty"`
}

type stateFrame struct {
	Type      string               `json:"type"`
	LiveFiles proposals.FileSet    `json:"liveFiles"`
	Pending   []proposals.Proposal `json:"pending"`
	History   []proposals.Proposal `json:"history"`
}

type proposalFrame struct {
	Type     string             `json:"type"`
	Proposal proposals.Proposal `json:"proposal"`
}

type votedFrame struct {
	Type       string   `json:"type"`
	ProposalID string   `json:"proposalId"`
	Votes      []string `json:"votes"`
}

type mergedFrame struct {
	Type     string             `json:"type"`
	Proposal proposals.Proposal `json:"proposal"`
	NewFiles proposals.FileSet  `json:"newFiles"`
}

// ParseClientMessage decodes a client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var message ClientMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch message.Type {
	case TypeSync, TypeSeed:
	case TypePropose:
		if message.Proposal == nil {
			return ClientMessage{}, fmt.Errorf("%w: propose without proposal", ErrMalformedMessage)
		}
	case TypeVote, TypeRollback:
		if message.ProposalID == "" {
			return ClientMessage{}, fmt.Errorf("%w: %s without proposalId", ErrMalformedMessage, message.Type)
		}
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, message.Type)
	}
	return message, nil
}

// ParseServerMessage decodes a server frame.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var message ServerMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch message.Type {
	case TypeState, TypeProposalCreated, TypeProposalVoted, TypeProposalMerged:
		return message, nil
	case "":
		return ServerMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return ServerMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, message.Type)
	}
}

// EncodeState renders the full room snapshot frame.
func EncodeState(state proposals.RoomState) ([]byte, error) {
	cloned := state.Clone()
	return json.Marshal(stateFrame{
		Type:      TypeState,
		LiveFiles: cloned.LiveFiles,
		Pending:   cloned.Pending,
		History:   cloned.History,
	})
}

// EncodeProposalCreated renders a proposal_created frame.
func EncodeProposalCreated(proposal proposals.Proposal) ([]byte, error) {
	return json.Marshal(proposalFrame{Type: TypeProposalCreated, Proposal: proposal.Clone()})
}

// EncodeProposalVoted renders a proposal_voted frame.
func EncodeProposalVoted(proposalID string, votes []string) ([]byte, error) {
	return json.Marshal(votedFrame{
		Type:       TypeProposalVoted,
		ProposalID: proposalID,
		Votes:      append(make([]string, 0, len(votes)), votes...),
	})
}

// EncodeProposalMerged renders a proposal_merged frame. Rollbacks use the same shape.
func EncodeProposalMerged(proposal proposals.Proposal, newFiles proposals.FileSet) ([]byte, error) {
	return json.Marshal(mergedFrame{
		Type:     TypeProposalMerged,
		Proposal: proposal.Clone(),
		NewFiles: newFiles.Clone(),
	})
}

// SyncFrame is the encoded sync request.
func SyncFrame() []byte {
	return []byte(`{"type":"sync"}`)
}
