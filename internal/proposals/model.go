package proposals

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Status enumerates the lifecycle states of a proposal.
type Status string

const (
	// StatusPending marks a proposal that is still collecting votes.
	StatusPending Status = "pending"
	// StatusApproved marks a proposal whose files replaced the live document.
	StatusApproved Status = "approved"
	// StatusRolledBack marks an approved proposal that was reverted.
	StatusRolledBack Status = "rolled_back"
)

// DefaultVotesNeeded is the approval threshold used when none is configured.
const DefaultVotesNeeded = 3

const maxIdentifierLength = 190

var (
	// ErrInvalidProposalID indicates that a proposal identifier is empty or exceeds storage bounds.
	ErrInvalidProposalID = errors.New("proposals: invalid proposal id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("proposals: invalid user id")
	// ErrInvalidStatus indicates an unknown proposal status.
	ErrInvalidStatus = errors.New("proposals: invalid status")
	// ErrInvalidProposal indicates that a proposal record is structurally unusable.
	ErrInvalidProposal = errors.New("proposals: invalid proposal")
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.TrimSpace(rawInput)) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRolledBack:
		return StatusRolledBack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ProposalID represents a validated proposal identifier.
type ProposalID string

// NewProposalID validates raw input and returns a ProposalID.
func NewProposalID(rawInput string) (ProposalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProposalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProposalID, maxIdentifierLength)
	}
	return ProposalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProposalID) String() string {
	return string(id)
}

// UserID represents a validated, self-assigned participant identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// FileSet maps a file path to its full text content.
type FileSet map[string]string

// Clone returns an independent copy. A nil set clones to an empty set.
func (files FileSet) Clone() FileSet {
	cloned := make(FileSet, len(files))
	for path, content := range files {
		cloned[path] = content
	}
	return cloned
}

// Overlay returns a new set holding every file of the receiver replaced or
// extended by the files in top.
func (files FileSet) Overlay(top FileSet) FileSet {
	merged := files.Clone()
	for path, content := range top {
		merged[path] = content
	}
	return merged
}

// Empty reports whether the set holds no files.
func (files FileSet) Empty() bool {
	return len(files) == 0
}

// Equal reports whether both sets hold the same paths with the same content.
func (files FileSet) Equal(other FileSet) bool {
	if len(files) != len(other) {
		return false
	}
	for path, content := range files {
		otherContent, ok := other[path]
		if !ok || otherContent != content {
			return false
		}
	}
	return true
}

// Paths returns the file paths in lexical order.
func (files FileSet) Paths() []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Proposal is a candidate whole-document replacement awaiting votes.
type Proposal struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	UserPrompt    string   `json:"userPrompt,omitempty"`
	Author        string   `json:"author"`
	Timestamp     int64    `json:"timestamp"`
	Branch        string   `json:"branch,omitempty"`
	Files         FileSet  `json:"files"`
	BaseFilesHash string   `json:"baseFilesHash"`
	Status        Status   `json:"status"`
	Votes         []string `json:"votes"`
	VotesNeeded   int      `json:"votesNeeded"`
	Receipt       string   `json:"receipt,omitempty"`
}

// Clone returns a deep copy of the proposal.
func (p Proposal) Clone() Proposal {
	cloned := p
	cloned.Files = p.Files.Clone()
	cloned.Votes = append(make([]string, 0, len(p.Votes)), p.Votes...)
	return cloned
}

// HasVote reports whether the user already voted.
func (p Proposal) HasVote(userID UserID) bool {
	for _, voter := range p.Votes {
		if voter == userID.String() {
			return true
		}
	}
	return false
}

// AddVote records the user's vote. It returns false when the user had already voted.
func (p *Proposal) AddVote(userID UserID) bool {
	if p.HasVote(userID) {
		return false
	}
	p.Votes = append(p.Votes, userID.String())
	return true
}

// ThresholdReached reports whether the distinct voter count meets the threshold.
func (p Proposal) ThresholdReached() bool {
	return len(p.Votes) >= p.VotesNeeded
}

// Normalize validates the proposal and repairs fields a client may omit.
// Duplicate voters are collapsed, a non-positive threshold is replaced by
// defaultVotesNeeded, and missing file sets become empty sets.
func (p Proposal) Normalize(defaultVotesNeeded int) (Proposal, error) {
	proposalID, err := NewProposalID(p.ID)
	if err != nil {
		return Proposal{}, err
	}
	normalized := p.Clone()
	normalized.ID = proposalID.String()
	normalized.Votes = dedupeVotes(normalized.Votes)
	if normalized.VotesNeeded <= 0 {
		normalized.VotesNeeded = defaultVotesNeeded
	}
	if normalized.VotesNeeded <= 0 {
		normalized.VotesNeeded = DefaultVotesNeeded
	}
	if normalized.Status == "" {
		normalized.Status = StatusPending
	}
	if _, err := ParseStatus(string(normalized.Status)); err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	return normalized, nil
}

func dedupeVotes(votes []string) []string {
	seen := make(map[string]struct{}, len(votes))
	unique := make([]string, 0, len(votes))
	for _, vote := range votes {
		trimmed := strings.TrimSpace(vote)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	return unique
}

// RoomState is the replicated aggregate of a room.
type RoomState struct {
	LiveFiles FileSet    `json:"liveFiles"`
	Pending   []Proposal `json:"pending"`
	History   []Proposal `json:"history"`
}

// Clone returns a deep copy with non-nil collections.
func (s RoomState) Clone() RoomState {
	cloned := RoomState{
		LiveFiles: s.LiveFiles.Clone(),
		Pending:   make([]Proposal, 0, len(s.Pending)),
		History:   make([]Proposal, 0, len(s.History)),
	}
	for _, proposal := range s.Pending {
		cloned.Pending = append(cloned.Pending, proposal.Clone())
	}
	for _, proposal := range s.History {
		cloned.History = append(cloned.History, proposal.Clone())
	}
	return cloned
}

// IsEmpty reports whether the state holds no document and no proposals.
func (s RoomState) IsEmpty() bool {
	return s.LiveFiles.Empty() && len(s.Pending) == 0 && len(s.History) == 0
}
