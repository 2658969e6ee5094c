package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const (
	migrationAssignLegacyRoomIDs  = "2026-09-14_assign_legacy_room_ids"
	migrationNormalizeEmptyVotes  = "2026-09-14_normalize_empty_votes"
	migrationRepairVotesThreshold = "2026-09-14_repair_votes_threshold"
	migrationRekeyProposalsByRoom = "2026-10-18_rekey_proposals_by_room"

	proposalsTable       = "proposals"
	proposalsLegacyTable = "proposals_legacy"
	proposalColumns      = "room_id, id, description, user_prompt, author, timestamp_ms, branch, files_json, base_files_hash, status, votes_json, votes_needed"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migration is a one-shot data repair, recorded by name once applied.
type migration struct {
	name  string
	apply func(tx *gorm.DB) error
}

var migrations = []migration{
	{name: migrationAssignLegacyRoomIDs, apply: assignLegacyRoomIDs},
	{name: migrationNormalizeEmptyVotes, apply: normalizeEmptyVotes},
	{name: migrationRepairVotesThreshold, apply: repairVotesThreshold},
	{name: migrationRekeyProposalsByRoom, apply: rekeyProposalsByRoom},
}

// applyMigrations runs every unrecorded migration in its own transaction,
// so a failed repair leaves neither its changes nor its record behind.
func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}
	for _, pending := range migrations {
		if applied[pending.name] {
			continue
		}
		started := clock()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: clock().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", pending.name, err)
		}
		logger.Info("database migration applied",
			zap.String("migration", pending.name),
			zap.Duration("elapsed", clock().Sub(started)))
	}
	return nil
}

func appliedMigrations(db *gorm.DB) (map[string]bool, error) {
	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("database: list migrations: %w", err)
	}
	applied := make(map[string]bool, len(records))
	for _, record := range records {
		applied[record.Name] = true
	}
	return applied, nil
}

// assignLegacyRoomIDs moves proposals written before rooms existed into the default room.
func assignLegacyRoomIDs(tx *gorm.DB) error {
	return tx.Model(&proposals.ProposalRecord{}).
		Where("room_id = '' OR room_id IS NULL").
		Update("room_id", proposals.DefaultRoomID).Error
}

func normalizeEmptyVotes(tx *gorm.DB) error {
	return tx.Model(&proposals.ProposalRecord{}).
		Where("votes_json = '' OR votes_json = 'null'").
		Update("votes_json", "[]").Error
}

func repairVotesThreshold(tx *gorm.DB) error {
	return tx.Model(&proposals.ProposalRecord{}).
		Where("votes_needed <= 0").
		Update("votes_needed", proposals.DefaultVotesNeeded).Error
}

type tableColumn struct {
	Name       string `gorm:"column:name"`
	PrimaryKey int    `gorm:"column:pk"`
}

// rekeyProposalsByRoom rebuilds a proposals table whose primary key is the id
// alone. AutoMigrate never alters an existing SQLite primary key.
func rekeyProposalsByRoom(tx *gorm.DB) error {
	var columns []tableColumn
	if err := tx.Raw("PRAGMA table_info(" + proposalsTable + ")").Scan(&columns).Error; err != nil {
		return err
	}
	for _, column := range columns {
		if column.Name == "room_id" && column.PrimaryKey > 0 {
			return nil
		}
	}
	statements := []string{
		"DROP INDEX IF EXISTS idx_proposals_room_status_time",
		"ALTER TABLE " + proposalsTable + " RENAME TO " + proposalsLegacyTable,
	}
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	if err := tx.Migrator().CreateTable(&proposals.ProposalRecord{}); err != nil {
		return err
	}
	copyRows := "INSERT INTO " + proposalsTable + " (" + proposalColumns + ") SELECT " + proposalColumns + " FROM " + proposalsLegacyTable
	if err := tx.Exec(copyRows).Error; err != nil {
		return err
	}
	return tx.Exec("DROP TABLE " + proposalsLegacyTable).Error
}
