package proposals

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustGormStore(testContext *testing.T) *GormStore {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "store.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&ProposalRecord{}, &DocumentRecord{}, &RoomSnapshotRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}

func sampleProposal(id string, timestamp int64, status Status) Proposal {
	return Proposal{
		ID:            id,
		Description:   "proposal " + id,
		UserPrompt:    "make it " + id,
		Author:        "user-author",
		Timestamp:     timestamp,
		Files:         FileSet{"src/App.tsx": "<main>" + id + "</main>"},
		BaseFilesHash: Fingerprint(DefaultFiles()),
		Status:        status,
		Votes:         []string{},
		VotesNeeded:   DefaultVotesNeeded,
	}
}
