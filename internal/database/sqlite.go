package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const sqliteBusyTimeoutMillis = 5000

var errMissingPath = errors.New("database: path is required")

// OpenSQLite opens the proposal database at path, creates missing tables and
// applies pending named migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger:  newGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: access pool: %w", err)
	}
	// SQLite serializes writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&proposals.ProposalRecord{}, &proposals.DocumentRecord{}, &proposals.RoomSnapshotRecord{}, &migrationRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: migrate schema: %w", err)
	}
	if err := applyMigrations(db, time.Now, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, separator, sqliteBusyTimeoutMillis)
}
