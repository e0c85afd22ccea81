package interfaces

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nasa/harmony-orchestrator/internal/models"
)

// Sentinel errors shared by storage implementations
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrStepNotFound     = errors.New("workflow step not found")
	ErrWorkItemNotFound = errors.New("work item not found")
)

// Querier is satisfied by both *sql.DB and *sql.Tx so that storage methods
// can run standalone or inside the update handler's single transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// JobListOptions filters job listings
type JobListOptions struct {
	Username string
	Status   string // comma-separated statuses
	Limit    int
	Offset   int
}

// JobStorage persists jobs
type JobStorage interface {
	CreateJob(ctx context.Context, q Querier, job *models.Job) error
	GetJob(ctx context.Context, q Querier, jobID string) (*models.Job, error)
	// GetJobStatus reads only the status column; used by the hot 409 path
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	UpdateJob(ctx context.Context, q Querier, job *models.Job) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// StepStorage persists workflow steps
type StepStorage interface {
	CreateSteps(ctx context.Context, q Querier, steps []*models.WorkflowStep) error
	GetStep(ctx context.Context, q Querier, jobID string, stepIndex int) (*models.WorkflowStep, error)
	GetSteps(ctx context.Context, q Querier, jobID string) ([]*models.WorkflowStep, error)
	UpdateStep(ctx context.Context, q Querier, step *models.WorkflowStep) error
	// AdjustWorkItemCount adds delta (possibly negative) to the step's expected count
	AdjustWorkItemCount(ctx context.Context, q Querier, jobID string, stepIndex, delta int) error
	SetWorkItemCount(ctx context.Context, q Querier, jobID string, stepIndex, count int) error
	// RecountCompleted recomputes completed_count from terminal work items
	// and returns the new value
	RecountCompleted(ctx context.Context, q Querier, jobID string, stepIndex int) (int, error)
	MarkComplete(ctx context.Context, q Querier, jobID string, stepIndex int) error
}

// WorkItemStorage persists work items
type WorkItemStorage interface {
	CreateWorkItem(ctx context.Context, q Querier, item *models.WorkItem) error
	// CreateWorkItems inserts items in chunks of batchSize to bound
	// statement size
	CreateWorkItems(ctx context.Context, q Querier, items []*models.WorkItem, batchSize int) error
	GetWorkItem(ctx context.Context, q Querier, id int64) (*models.WorkItem, error)
	// ClaimNextReady atomically claims the oldest ready item for a service,
	// honoring sequential-step gating and skipping paused or terminal jobs.
	// Returns ErrWorkItemNotFound when nothing is claimable.
	ClaimNextReady(ctx context.Context, q Querier, serviceID string, now time.Time) (*models.WorkItem, error)
	UpdateWorkItem(ctx context.Context, q Querier, item *models.WorkItem) error
	CountByStatus(ctx context.Context, q Querier, jobID string, stepIndex int, statuses ...models.WorkItemStatus) (int, error)
	MaxSortIndex(ctx context.Context, q Querier, jobID, serviceID string) (int, error)
	// GetSuccessfulItems returns this step's successful items in sort order
	// with their recorded result catalogs
	GetSuccessfulItems(ctx context.Context, q Querier, jobID string, stepIndex int) ([]*models.WorkItem, error)
	// CancelPending moves all ready and running items of the job to canceled
	// and returns how many were swept
	CancelPending(ctx context.Context, q Querier, jobID string) (int, error)
	// GetStalled returns running items whose startedAt is older than the cutoff
	GetStalled(ctx context.Context, cutoff time.Time) ([]*models.WorkItem, error)
}

// BatchStorage persists batches and batch items
type BatchStorage interface {
	InsertBatchItems(ctx context.Context, q Querier, items []*models.BatchItem) error
	// GetCurrentBatch returns the batch with the highest ID, or nil when
	// none exists yet
	GetCurrentBatch(ctx context.Context, q Querier, jobID, serviceID string) (*models.Batch, error)
	CreateBatch(ctx context.Context, q Querier, batch *models.Batch) error
	// GetUnassignedItems returns pending items in sort order
	GetUnassignedItems(ctx context.Context, q Querier, jobID, serviceID string) ([]*models.BatchItem, error)
	AssignItem(ctx context.Context, q Querier, itemID int64, batchID int) error
	// MaxSortIndexInBatch returns the highest assigned sort index in the
	// batch; ok is false when the batch is empty
	MaxSortIndexInBatch(ctx context.Context, q Querier, jobID, serviceID string, batchID int) (maxSortIndex int, ok bool, err error)
	// MaxPendingSortIndex returns the highest sort index over all batch
	// items for the pair, assigned or not; ok is false when none exist
	MaxPendingSortIndex(ctx context.Context, q Querier, jobID, serviceID string) (maxSortIndex int, ok bool, err error)
	GetBatchItems(ctx context.Context, q Querier, jobID, serviceID string, batchID int) ([]*models.BatchItem, error)
}

// LinkStorage persists job result links
type LinkStorage interface {
	InsertLinks(ctx context.Context, q Querier, links []*models.JobLink) error
	GetLinks(ctx context.Context, jobID string) ([]*models.JobLink, error)
	CountDataLinks(ctx context.Context, q Querier, jobID string) (int, error)
}

// ErrorStorage persists accepted work item failures
type ErrorStorage interface {
	InsertError(ctx context.Context, q Querier, jobError *models.JobError) error
	CountErrors(ctx context.Context, q Querier, jobID string) (int, error)
	GetErrors(ctx context.Context, jobID string) ([]*models.JobError, error)
}

// UserWorkStorage maintains the per-(username, serviceID) ready-item
// counters consumed by the external fair-share scheduler.
type UserWorkStorage interface {
	AddReady(ctx context.Context, q Querier, username, serviceID string, delta int) error
	// Recalculate recomputes the counter from ready items of dispatchable
	// jobs; called on pause, resume and terminal transitions
	Recalculate(ctx context.Context, q Querier, username, serviceID string) error
	GetReadyCount(ctx context.Context, username, serviceID string) (int, error)
}

// StorageManager aggregates the entity storages over one database
type StorageManager interface {
	Jobs() JobStorage
	Steps() StepStorage
	WorkItems() WorkItemStorage
	Batches() BatchStorage
	Links() LinkStorage
	Errors() ErrorStorage
	UserWork() UserWorkStorage
	// WithTx runs fn inside one transaction, retrying on SQLITE_BUSY
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	DB() *sql.DB
	Close() error
}
