package sqlite

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// Manager aggregates the entity storages over one SQLite database
type Manager struct {
	db       *SQLiteDB
	jobs     interfaces.JobStorage
	steps    interfaces.StepStorage
	items    interfaces.WorkItemStorage
	batches  interfaces.BatchStorage
	links    interfaces.LinkStorage
	errors   interfaces.ErrorStorage
	userWork interfaces.UserWorkStorage
}

// NewManager opens the database and wires up the entity storages
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}
	return NewManagerWithDB(db, logger), nil
}

// NewManagerWithDB wires up the entity storages over an existing connection
func NewManagerWithDB(db *SQLiteDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		jobs:     NewJobStorage(db, logger),
		steps:    NewStepStorage(db, logger),
		items:    NewWorkItemStorage(db, logger),
		batches:  NewBatchStorage(db, logger),
		links:    NewLinkStorage(db, logger),
		errors:   NewErrorStorage(db, logger),
		userWork: NewUserWorkStorage(db, logger),
	}
}

func (m *Manager) Jobs() interfaces.JobStorage           { return m.jobs }
func (m *Manager) Steps() interfaces.StepStorage         { return m.steps }
func (m *Manager) WorkItems() interfaces.WorkItemStorage { return m.items }
func (m *Manager) Batches() interfaces.BatchStorage      { return m.batches }
func (m *Manager) Links() interfaces.LinkStorage         { return m.links }
func (m *Manager) Errors() interfaces.ErrorStorage       { return m.errors }
func (m *Manager) UserWork() interfaces.UserWorkStorage  { return m.userWork }

// WithTx runs fn inside one transaction, retrying on SQLITE_BUSY
func (m *Manager) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.db.WithTx(ctx, fn)
}

// DB returns the underlying database connection
func (m *Manager) DB() *sql.DB {
	return m.db.DB()
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
