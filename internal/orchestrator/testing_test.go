package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/services/events"
	badgerstore "github.com/nasa/harmony-orchestrator/internal/storage/badger"
	"github.com/nasa/harmony-orchestrator/internal/storage/sqlite"
)

// stepSpec declares one pipeline stage for test jobs
type stepSpec struct {
	serviceID           string
	kind                models.StepKind
	maxBatchInputs      int
	maxBatchSizeInBytes int64
}

// testEngine wires the orchestration core over real sqlite and badger
// stores in temp directories
type testEngine struct {
	store      *sqlite.Manager
	artifacts  interfaces.ArtifactStore
	dispatcher *Dispatcher
	updater    *Updater
	completer  *Completer
	config     *common.OrchestrationConfig
}

func newTestEngine(t *testing.T, mutate func(*common.OrchestrationConfig)) *testEngine {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifactDB, err := badgerstore.NewBadgerDB(logger, &common.ArtifactsConfig{
		Path:   t.TempDir(),
		Bucket: "test-bucket",
	})
	require.NoError(t, err)
	t.Cleanup(func() { artifactDB.Close() })
	artifacts := badgerstore.NewArtifactStorage(artifactDB, logger)

	config := &common.OrchestrationConfig{
		CmrMaxPageSize:                  2000,
		AggregateStacCatalogMaxPageSize: 100,
		MaxBatchInputs:                  500,
		MaxBatchSizeInBytes:             1_000_000_000,
		WorkItemRetryLimit:              3,
		MaxErrorsForJob:                 100,
		PreviewThreshold:                500,
		InsertBatchSize:                 50,
		StatusCacheTTL:                  "100ms",
	}
	if mutate != nil {
		mutate(config)
	}

	eventService := events.NewService(nil, logger)

	batcher := NewBatcher(store, artifacts, eventService, config, "test-bucket", logger)
	advancer := NewAdvancer(store, artifacts, batcher, config, logger)
	completer := NewCompleter(store, artifacts, eventService, config, logger)
	updater := NewUpdater(store, artifacts, eventService, advancer, completer, config, logger)
	dispatcher := NewDispatcher(store, config, logger)

	return &testEngine{
		store:      store,
		artifacts:  artifacts,
		dispatcher: dispatcher,
		updater:    updater,
		completer:  completer,
		config:     config,
	}
}

// createJob seeds a job with the given pipeline and the first query item
func (e *testEngine) createJob(t *testing.T, jobID string, granules int, ignoreErrors bool, status models.JobStatus, specs ...stepSpec) {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		JobID:            jobID,
		Username:         "jdoe",
		Status:           status,
		NumInputGranules: granules,
		IgnoreErrors:     ignoreErrors,
		IsAsync:          true,
	}

	steps := make([]*models.WorkflowStep, 0, len(specs))
	for i, spec := range specs {
		step := &models.WorkflowStep{
			JobID:               jobID,
			StepIndex:           i + 1,
			ServiceID:           spec.serviceID,
			Kind:                spec.kind,
			Operation:           `{"format":{"mime":"image/tiff"}}`,
			ProgressWeight:      1,
			MaxBatchInputs:      spec.maxBatchInputs,
			MaxBatchSizeInBytes: spec.maxBatchSizeInBytes,
		}
		if spec.kind != models.StepKindBatchedAggregate {
			step.WorkItemCount = step.ExpectedWorkItemCount(granules, e.config.CmrMaxPageSize)
		}
		steps = append(steps, step)
	}

	first := &models.WorkItem{
		JobID:             jobID,
		ServiceID:         specs[0].serviceID,
		WorkflowStepIndex: 1,
		Status:            models.WorkItemStatusReady,
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.Jobs().CreateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := e.store.Steps().CreateSteps(ctx, tx, steps); err != nil {
			return err
		}
		if err := e.store.WorkItems().CreateWorkItem(ctx, tx, first); err != nil {
			return err
		}
		return e.store.UserWork().AddReady(ctx, tx, job.Username, first.ServiceID, 1)
	})
	require.NoError(t, err)
}

// claim pulls the next work item for a service, failing the test when idle
func (e *testEngine) claim(t *testing.T, serviceID string) *models.WorkItemHandle {
	t.Helper()
	handle, err := e.dispatcher.GetWork(context.Background(), serviceID)
	require.NoError(t, err)
	return handle
}

// workerOutputs emulates a service writing n output catalogs for an item,
// one STAC item per catalog, and returns the catalog URLs
func (e *testEngine) workerOutputs(t *testing.T, item *models.WorkItem, n int) []string {
	t.Helper()
	ctx := context.Background()

	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		itemURL := fmt.Sprintf("/tmp/%s/%d/outputs/item%d.json", item.JobID, item.ID, i)
		catalogURL := fmt.Sprintf("/tmp/%s/%d/outputs/catalog%d.json", item.JobID, item.ID, i)

		stacItem := models.StacItem{
			StacVersion: models.STACVersion,
			ID:          fmt.Sprintf("granule-%d-%d", item.ID, i),
			BBox:        []float64{-10, -10, 10, 10},
			Properties: models.StacItemProperties{
				StartDatetime: "2020-01-01T00:00:00Z",
				EndDatetime:   "2020-01-02T00:00:00Z",
			},
			Assets: map[string]models.StacAsset{
				"data": {
					Href:  fmt.Sprintf("s3://b/%s-%d-%d.tif", item.JobID, item.ID, i),
					Type:  "image/tiff",
					Title: fmt.Sprintf("%s-%d-%d.tif", item.JobID, item.ID, i),
				},
			},
		}
		itemBody, err := json.Marshal(stacItem)
		require.NoError(t, err)
		require.NoError(t, e.artifacts.Put(ctx, itemURL, itemBody))

		catalog := models.StacCatalog{
			StacVersion: models.STACVersion,
			ID:          fmt.Sprintf("catalog-%d-%d", item.ID, i),
			Links: []models.StacLink{
				{Href: fmt.Sprintf("item%d.json", i), Rel: models.StacRelItem},
			},
		}
		catalogBody, err := json.Marshal(catalog)
		require.NoError(t, err)
		require.NoError(t, e.artifacts.Put(ctx, catalogURL, catalogBody))

		urls = append(urls, catalogURL)
	}

	return urls
}

// succeed reports a successful completion for the item
func (e *testEngine) succeed(t *testing.T, itemID int64, results []string, hits *int, sizes []int64) {
	t.Helper()
	upd := &models.WorkItemUpdate{
		WorkItemID: itemID,
		Status:     models.WorkItemStatusSuccessful,
		Successful: &models.SuccessfulResult{
			Results:         results,
			Hits:            hits,
			OutputItemSizes: sizes,
		},
	}
	require.NoError(t, e.updater.Process(context.Background(), upd))
}

// fail reports a failed completion for the item
func (e *testEngine) fail(t *testing.T, itemID int64, message string) {
	t.Helper()
	upd := &models.WorkItemUpdate{
		WorkItemID: itemID,
		Status:     models.WorkItemStatusFailed,
		Failed:     &models.FailureReason{Message: message},
	}
	require.NoError(t, e.updater.Process(context.Background(), upd))
}

// job reloads the job row
func (e *testEngine) job(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := e.store.Jobs().GetJob(context.Background(), nil, jobID)
	require.NoError(t, err)
	return job
}

// step reloads one workflow step
func (e *testEngine) step(t *testing.T, jobID string, index int) *models.WorkflowStep {
	t.Helper()
	step, err := e.store.Steps().GetStep(context.Background(), nil, jobID, index)
	require.NoError(t, err)
	return step
}

// links returns the job's result links
func (e *testEngine) links(t *testing.T, jobID string) []*models.JobLink {
	t.Helper()
	links, err := e.store.Links().GetLinks(context.Background(), jobID)
	require.NoError(t, err)
	return links
}

// intPtr is a test shorthand
func intPtr(v int) *int { return &v }
