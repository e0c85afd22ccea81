package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"maragu.dev/goqite"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// ErrNoMessage is returned when the update queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// UpdateQueue is a thin wrapper around goqite holding pending work item
// updates. The update endpoint returns 204 once the enqueue lands; the
// drain pool applies updates in the background, so the queue is the
// explicit backpressure boundary between workers and the database.
type UpdateQueue struct {
	q *goqite.Queue
}

// NewUpdateQueue creates the update queue over the shared database.
// goqite.Setup already ran during connection initialization.
func NewUpdateQueue(db *sql.DB, config *common.UpdateQueueConfig) *UpdateQueue {
	q := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       config.QueueName,
		Timeout:    common.Duration(config.VisibilityTimeout, 2*time.Minute),
		MaxReceive: config.MaxReceive,
	})

	return &UpdateQueue{q: q}
}

// Enqueue adds a work item update to the queue
func (uq *UpdateQueue) Enqueue(ctx context.Context, upd *models.WorkItemUpdate) error {
	data, err := upd.ToJSON()
	if err != nil {
		return err
	}

	return uq.q.Send(ctx, goqite.Message{
		Body: data,
	})
}

// Receive pulls the next pending update. Returns ErrNoMessage when the
// queue is empty, along with a delete function to call after processing.
func (uq *UpdateQueue) Receive(ctx context.Context) (*models.WorkItemUpdate, func() error, error) {
	msg, err := uq.q.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, ErrNoMessage
	}

	upd, err := models.UpdateFromJSON(msg.Body)
	if err != nil {
		// Poison message: delete it so it cannot clog the queue
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = uq.q.Delete(deleteCtx, msg.ID)
		return nil, nil, err
	}

	// Use a fresh context with timeout so the delete survives expiry of
	// the original Receive context
	deleteFn := func() error {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return uq.q.Delete(deleteCtx, msg.ID)
	}

	return upd, deleteFn, nil
}
