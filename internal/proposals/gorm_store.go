package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldRoomID       = "room_id"
	fieldProposalID   = "proposal_id"
	queryID           = "id = ?"
	queryRoomProposal = "room_id = ? AND id = ?"
	queryRoomID       = "room_id = ?"
	queryRoomStatus   = "room_id = ? AND status = ?"
	orderTimestampAsc = "timestamp_ms ASC, id ASC"
)

var (
	noOpLogger = zap.NewNop()

	proposalConflict = clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "id"}},
		UpdateAll: true,
	}
)

// GormStoreConfig describes the dependencies of a relational Store.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore persists proposals, documents, and room snapshots through GORM.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError("proposals.store.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetDocument implements Store.
func (store *GormStore) GetDocument(ctx context.Context, roomID string) (FileSet, error) {
	if store.db == nil {
		return nil, newStoreError(opGetDocument, reasonMissingDatabase, errMissingDatabase)
	}
	var record DocumentRecord
	err := store.db.WithContext(ctx).Where(queryID, roomID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileSet{}, nil
	}
	if err != nil {
		store.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldRoomID, roomID))
		return nil, newStoreError(opGetDocument, reasonQueryFailed, err)
	}
	files, err := decodeFiles(record.FilesJSON)
	if err != nil {
		store.logError(opGetDocument, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID))
		return nil, newStoreError(opGetDocument, reasonDecodeFailed, err)
	}
	return files, nil
}

// PutDocument implements Store.
func (store *GormStore) PutDocument(ctx context.Context, roomID string, files FileSet) error {
	if store.db == nil {
		return newStoreError(opPutDocument, reasonMissingDatabase, errMissingDatabase)
	}
	filesJSON, err := encodeFiles(files)
	if err != nil {
		return newStoreError(opPutDocument, reasonEncodeFailed, err)
	}
	record := DocumentRecord{
		DocumentID:       roomID,
		FilesJSON:        filesJSON,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		store.logError(opPutDocument, reasonWriteFailed, err, zap.String(fieldRoomID, roomID))
		return newStoreError(opPutDocument, reasonWriteFailed, err)
	}
	return nil
}

// InsertProposal implements Store.
func (store *GormStore) InsertProposal(ctx context.Context, roomID string, proposal Proposal) error {
	if store.db == nil {
		return newStoreError(opInsertProposal, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := NewProposalID(proposal.ID); err != nil {
		return newStoreError(opInsertProposal, reasonInvalidInput, err)
	}
	record, err := newProposalRecord(roomID, proposal)
	if err != nil {
		return newStoreError(opInsertProposal, reasonEncodeFailed, err)
	}
	if err := store.db.WithContext(ctx).Clauses(proposalConflict).Create(&record).Error; err != nil {
		store.logError(opInsertProposal, reasonWriteFailed, err,
			zap.String(fieldRoomID, roomID),
			zap.String(fieldProposalID, proposal.ID))
		return newStoreError(opInsertProposal, reasonWriteFailed, err)
	}
	return nil
}

// GetProposal implements Store.
func (store *GormStore) GetProposal(ctx context.Context, roomID string, proposalID string) (Proposal, bool, error) {
	if store.db == nil {
		return Proposal{}, false, newStoreError(opGetProposal, reasonMissingDatabase, errMissingDatabase)
	}
	var record ProposalRecord
	err := store.db.WithContext(ctx).Where(queryRoomProposal, roomID, proposalID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Proposal{}, false, nil
	}
	if err != nil {
		store.logError(opGetProposal, reasonQueryFailed, err, zap.String(fieldRoomID, roomID), zap.String(fieldProposalID, proposalID))
		return Proposal{}, false, newStoreError(opGetProposal, reasonQueryFailed, err)
	}
	proposal, err := record.toProposal()
	if err != nil {
		store.logError(opGetProposal, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID), zap.String(fieldProposalID, proposalID))
		return Proposal{}, false, newStoreError(opGetProposal, reasonDecodeFailed, err)
	}
	return proposal, true, nil
}

// UpdateProposalStatus implements Store.
func (store *GormStore) UpdateProposalStatus(ctx context.Context, roomID string, proposalID string, status Status) error {
	if store.db == nil {
		return newStoreError(opUpdateProposalStatus, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return newStoreError(opUpdateProposalStatus, reasonInvalidInput, err)
	}
	result := store.db.WithContext(ctx).
		Model(&ProposalRecord{}).
		Where(queryRoomProposal, roomID, proposalID).
		Update("status", string(status))
	if result.Error != nil {
		store.logError(opUpdateProposalStatus, reasonWriteFailed, result.Error, zap.String(fieldRoomID, roomID), zap.String(fieldProposalID, proposalID))
		return newStoreError(opUpdateProposalStatus, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opUpdateProposalStatus, reasonNotFound, ErrProposalNotFound)
	}
	return nil
}

// UpdateProposalVotes implements Store.
func (store *GormStore) UpdateProposalVotes(ctx context.Context, roomID string, proposalID string, votes []string) error {
	if store.db == nil {
		return newStoreError(opUpdateProposalVotes, reasonMissingDatabase, errMissingDatabase)
	}
	votesJSON, err := encodeVotes(votes)
	if err != nil {
		return newStoreError(opUpdateProposalVotes, reasonEncodeFailed, err)
	}
	result := store.db.WithContext(ctx).
		Model(&ProposalRecord{}).
		Where(queryRoomProposal, roomID, proposalID).
		Update("votes_json", votesJSON)
	if result.Error != nil {
		store.logError(opUpdateProposalVotes, reasonWriteFailed, result.Error, zap.String(fieldRoomID, roomID), zap.String(fieldProposalID, proposalID))
		return newStoreError(opUpdateProposalVotes, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opUpdateProposalVotes, reasonNotFound, ErrProposalNotFound)
	}
	return nil
}

// ListApprovedProposals implements Store.
func (store *GormStore) ListApprovedProposals(ctx context.Context, roomID string) ([]Proposal, error) {
	if store.db == nil {
		return nil, newStoreError(opListApprovedProposals, reasonMissingDatabase, errMissingDatabase)
	}
	var records []ProposalRecord
	if err := store.db.WithContext(ctx).
		Where(queryRoomStatus, roomID, string(StatusApproved)).
		Order(orderTimestampAsc).
		Find(&records).Error; err != nil {
		store.logError(opListApprovedProposals, reasonQueryFailed, err, zap.String(fieldRoomID, roomID))
		return nil, newStoreError(opListApprovedProposals, reasonQueryFailed, err)
	}
	return store.toProposals(opListApprovedProposals, records)
}

// ListProposals implements Store.
func (store *GormStore) ListProposals(ctx context.Context, roomID string) ([]Proposal, error) {
	if store.db == nil {
		return nil, newStoreError(opListProposals, reasonMissingDatabase, errMissingDatabase)
	}
	var records []ProposalRecord
	if err := store.db.WithContext(ctx).
		Where(queryRoomID, roomID).
		Order(orderTimestampAsc).
		Find(&records).Error; err != nil {
		store.logError(opListProposals, reasonQueryFailed, err, zap.String(fieldRoomID, roomID))
		return nil, newStoreError(opListProposals, reasonQueryFailed, err)
	}
	return store.toProposals(opListProposals, records)
}

// LoadSnapshot implements Store.
func (store *GormStore) LoadSnapshot(ctx context.Context, roomID string) (RoomState, bool, error) {
	if store.db == nil {
		return RoomState{}, false, newStoreError(opLoadSnapshot, reasonMissingDatabase, errMissingDatabase)
	}
	var record RoomSnapshotRecord
	err := store.db.WithContext(ctx).Where(queryRoomID, roomID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomState{}, false, nil
	}
	if err != nil {
		store.logError(opLoadSnapshot, reasonQueryFailed, err, zap.String(fieldRoomID, roomID))
		return RoomState{}, false, newStoreError(opLoadSnapshot, reasonQueryFailed, err)
	}
	state, err := DecodeSnapshot(record.Snapshot)
	if err != nil {
		store.logError(opLoadSnapshot, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID))
		return RoomState{}, false, newStoreError(opLoadSnapshot, reasonDecodeFailed, err)
	}
	return state, true, nil
}

// SaveSnapshot implements Store.
func (store *GormStore) SaveSnapshot(ctx context.Context, roomID string, state RoomState) error {
	if store.db == nil {
		return newStoreError(opSaveSnapshot, reasonMissingDatabase, errMissingDatabase)
	}
	payload, err := EncodeSnapshot(state)
	if err != nil {
		return newStoreError(opSaveSnapshot, reasonEncodeFailed, err)
	}
	record := RoomSnapshotRecord{
		RoomID:           roomID,
		Snapshot:         payload,
		Fingerprint:      Fingerprint(state.LiveFiles),
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		store.logError(opSaveSnapshot, reasonWriteFailed, err, zap.String(fieldRoomID, roomID))
		return newStoreError(opSaveSnapshot, reasonWriteFailed, err)
	}
	return nil
}

func (store *GormStore) toProposals(operation string, records []ProposalRecord) ([]Proposal, error) {
	proposals := make([]Proposal, 0, len(records))
	for _, record := range records {
		proposal, err := record.toProposal()
		if err != nil {
			store.logError(operation, reasonDecodeFailed, err, zap.String(fieldProposalID, record.ProposalID))
			return nil, newStoreError(operation, reasonDecodeFailed, err)
		}
		proposals = append(proposals, proposal)
	}
	return proposals, nil
}

func (store *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := store.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("proposal store error", attrs...)
}

func encodeFiles(files FileSet) (string, error) {
	encoded, err := json.Marshal(files.Clone())
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeFiles(raw string) (FileSet, error) {
	files := FileSet{}
	if raw == "" {
		return files, nil
	}
	if err := json.Unmarshal([]byte(raw), &files); err != nil {
		return nil, err
	}
	if files == nil {
		files = FileSet{}
	}
	return files, nil
}

func encodeVotes(votes []string) (string, error) {
	encoded, err := json.Marshal(dedupeVotes(votes))
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeVotes(raw string) ([]string, error) {
	votes := []string{}
	if raw == "" {
		return votes, nil
	}
	if err := json.Unmarshal([]byte(raw), &votes); err != nil {
		return nil, err
	}
	return dedupeVotes(votes), nil
}
