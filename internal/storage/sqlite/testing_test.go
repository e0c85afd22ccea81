package sqlite

import (
	"os"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
)

// setupTestDB creates a file-backed SQLite database in a temp directory
func setupTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	config := &common.SQLiteConfig{
		Path:          dbPath,
		CacheSizeMB:   10,
		WALMode:       false, // Simpler cleanup for tests
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()

	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// setupTestManager wires all entity storages over a test database
func setupTestManager(t *testing.T) (*Manager, func()) {
	db, cleanup := setupTestDB(t)
	return NewManagerWithDB(db, arbor.NewLogger()), cleanup
}
