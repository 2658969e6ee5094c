package proposals

import "fmt"

// ProposalRecord stores one proposal row. Rows are keyed by (room_id, id).
type ProposalRecord struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null;index:idx_proposals_room_status_time,priority:1"`
	ProposalID      string `gorm:"column:id;primaryKey;size:190;not null"`
	Description     string `gorm:"column:description;type:text;not null;default:''"`
	UserPrompt      string `gorm:"column:user_prompt;type:text;not null;default:''"`
	Author          string `gorm:"column:author;size:190;not null;default:''"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_proposals_room_status_time,priority:3"`
	Branch          string `gorm:"column:branch;size:255;not null;default:''"`
	FilesJSON       string `gorm:"column:files_json;type:text;not null"`
	BaseFilesHash   string `gorm:"column:base_files_hash;size:64;not null;default:''"`
	Status          string `gorm:"column:status;size:32;not null;index:idx_proposals_room_status_time,priority:2"`
	VotesJSON       string `gorm:"column:votes_json;type:text;not null"`
	VotesNeeded     int    `gorm:"column:votes_needed;not null;default:3"`
}

// TableName provides the explicit table binding for GORM.
func (ProposalRecord) TableName() string {
	return "proposals"
}

// DocumentRecord stores the live document of a room. The default room's row has id "main".
type DocumentRecord struct {
	DocumentID       string `gorm:"column:id;primaryKey;size:190;not null"`
	FilesJSON        string `gorm:"column:files_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// RoomSnapshotRecord stores an encoded RoomState per room.
type RoomSnapshotRecord struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;not null"`
	Fingerprint      string `gorm:"column:fingerprint;size:64;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshotRecord) TableName() string {
	return "room_snapshots"
}

func newProposalRecord(roomID string, proposal Proposal) (ProposalRecord, error) {
	filesJSON, err := encodeFiles(proposal.Files)
	if err != nil {
		return ProposalRecord{}, err
	}
	votesJSON, err := encodeVotes(proposal.Votes)
	if err != nil {
		return ProposalRecord{}, err
	}
	status := proposal.Status
	if status == "" {
		status = StatusPending
	}
	return ProposalRecord{
		ProposalID:      proposal.ID,
		RoomID:          roomID,
		Description:     proposal.Description,
		UserPrompt:      proposal.UserPrompt,
		Author:          proposal.Author,
		TimestampMillis: proposal.Timestamp,
		Branch:          proposal.Branch,
		FilesJSON:       filesJSON,
		BaseFilesHash:   proposal.BaseFilesHash,
		Status:          string(status),
		VotesJSON:       votesJSON,
		VotesNeeded:     proposal.VotesNeeded,
	}, nil
}

func (record ProposalRecord) toProposal() (Proposal, error) {
	status, err := ParseStatus(record.Status)
	if err != nil {
		return Proposal{}, err
	}
	files, err := decodeFiles(record.FilesJSON)
	if err != nil {
		return Proposal{}, fmt.Errorf("files: %w", err)
	}
	votes, err := decodeVotes(record.VotesJSON)
	if err != nil {
		return Proposal{}, fmt.Errorf("votes: %w", err)
	}
	votesNeeded := record.VotesNeeded
	if votesNeeded <= 0 {
		votesNeeded = DefaultVotesNeeded
	}
	return Proposal{
		ID:            record.ProposalID,
		Description:   record.Description,
		UserPrompt:    record.UserPrompt,
		Author:        record.Author,
		Timestamp:     record.TimestampMillis,
		Branch:        record.Branch,
		Files:         files,
		BaseFilesHash: record.BaseFilesHash,
		Status:        status,
		Votes:         votes,
		VotesNeeded:   votesNeeded,
	}, nil
}
