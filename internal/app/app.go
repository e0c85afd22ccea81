// -----------------------------------------------------------------------
// Last Modified: Tuesday, 28th July 2026 9:05:17 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/handlers"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
	"github.com/nasa/harmony-orchestrator/internal/services/chains"
	"github.com/nasa/harmony-orchestrator/internal/services/events"
	"github.com/nasa/harmony-orchestrator/internal/services/janitor"
	jobsvc "github.com/nasa/harmony-orchestrator/internal/services/jobs"
	"github.com/nasa/harmony-orchestrator/internal/storage/badger"
	"github.com/nasa/harmony-orchestrator/internal/storage/sqlite"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	// Storage
	StorageManager interfaces.StorageManager
	ArtifactDB     *badger.BadgerDB
	Artifacts      interfaces.ArtifactStore

	// Orchestration core
	EventService interfaces.EventService
	Dispatcher   *orchestrator.Dispatcher
	Batcher      *orchestrator.Batcher
	Advancer     *orchestrator.Advancer
	Completer    *orchestrator.Completer
	Updater      *orchestrator.Updater
	UpdateQueue  *orchestrator.UpdateQueue
	UpdatePool   *orchestrator.UpdatePool

	// Services
	ChainService *chains.Service
	JobService   *jobsvc.Service
	Janitor      *janitor.Service

	// HTTP handlers
	WorkHandler   *handlers.WorkHandler
	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	// Relational storage
	storageManager, err := sqlite.NewManager(logger, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.StorageManager = storageManager

	// Artifact store
	artifactDB, err := badger.NewBadgerDB(logger, &cfg.Artifacts)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	app.ArtifactDB = artifactDB
	app.Artifacts = badger.NewArtifactStorage(artifactDB, logger)

	// Event fan-out
	app.EventService = events.NewService(&cfg.Events, logger)

	// Orchestration core
	app.Dispatcher = orchestrator.NewDispatcher(storageManager, &cfg.Orchestration, logger)
	app.Batcher = orchestrator.NewBatcher(storageManager, app.Artifacts, app.EventService, &cfg.Orchestration, cfg.Artifacts.Bucket, logger)
	app.Advancer = orchestrator.NewAdvancer(storageManager, app.Artifacts, app.Batcher, &cfg.Orchestration, logger)
	app.Completer = orchestrator.NewCompleter(storageManager, app.Artifacts, app.EventService, &cfg.Orchestration, logger)
	app.Updater = orchestrator.NewUpdater(storageManager, app.Artifacts, app.EventService, app.Advancer, app.Completer, &cfg.Orchestration, logger)
	app.UpdateQueue = orchestrator.NewUpdateQueue(storageManager.DB(), &cfg.UpdateQueue)
	app.UpdatePool = orchestrator.NewUpdatePool(app.UpdateQueue, app.Updater, &cfg.UpdateQueue, logger)

	// Service chain registry
	chainService, err := chains.NewService(cfg.Chains.Dir, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load service chains: %w", err)
	}
	app.ChainService = chainService

	// Job lifecycle
	app.JobService = jobsvc.NewService(storageManager, chainService, app.Completer, app.EventService, &cfg.Orchestration, logger)

	// Stalled work item sweeper
	app.Janitor = janitor.NewService(storageManager, app.UpdateQueue, &cfg.Janitor, logger)

	// HTTP handlers
	app.WorkHandler = handlers.NewWorkHandler(app.Dispatcher, app.Updater, app.UpdateQueue, logger)
	app.JobHandler = handlers.NewJobHandler(app.JobService, logger)
	app.StatusHandler = handlers.NewStatusHandler(storageManager, logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger)

	return app, nil
}

// Start starts the background components
func (a *App) Start() error {
	a.UpdatePool.Start()

	if err := a.Janitor.Start(); err != nil {
		return err
	}

	// Badger reclaims value-log space only when asked
	common.SafeGoWithContext(a.ctx, a.Logger, "artifact-gc", func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				if err := a.ArtifactDB.RunGC(); err != nil {
					a.Logger.Warn().Err(err).Msg("Artifact store GC failed")
				}
			}
		}
	})

	return nil
}

// Stop stops the background components in reverse dependency order
func (a *App) Stop() {
	a.cancel()
	if a.Janitor != nil {
		a.Janitor.Stop()
	}
	if a.UpdatePool != nil {
		a.UpdatePool.Stop()
	}
}

// Close releases storage resources
func (a *App) Close() {
	if a.ArtifactDB != nil {
		if err := a.ArtifactDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close artifact store")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
