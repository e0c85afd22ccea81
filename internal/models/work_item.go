package models

import (
	"time"
)

// WorkItemStatus represents the state of a work item
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
	WorkItemStatusWarning    WorkItemStatus = "warning"
)

// IsTerminal reports whether the status is absorbing for a work item
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusSuccessful, WorkItemStatusFailed, WorkItemStatusCanceled, WorkItemStatusWarning:
		return true
	}
	return false
}

// CountsAsComplete reports whether the status contributes to a step's
// completed count. Warnings complete their item without producing links.
func (s WorkItemStatus) CountsAsComplete() bool {
	return s.IsTerminal()
}

// WorkItem is one invocation of one service on one input catalog
type WorkItem struct {
	ID                  int64          `json:"id"`
	JobID               string         `json:"jobID"`
	ServiceID           string         `json:"serviceID"`
	WorkflowStepIndex   int            `json:"workflowStepIndex"`
	Status              WorkItemStatus `json:"status"`
	StacCatalogLocation string         `json:"stacCatalogLocation"`
	ScrollID            string         `json:"scrollID,omitempty"` // opaque cursor, query step only
	SortIndex           int            `json:"sortIndex"`
	RetryCount          int            `json:"retryCount"`
	StartedAt           time.Time      `json:"startedAt,omitempty"`
	Duration            time.Duration  `json:"duration,omitempty"`
	TotalItemsSize      float64        `json:"totalItemsSize,omitempty"` // MiB
	OutputItemSizes     []int64        `json:"outputItemSizes,omitempty"`
	ResultCatalogs      []string       `json:"-"` // output catalog URLs recorded at completion
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// IsTerminal reports whether the work item is in an absorbing state
func (w *WorkItem) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// WorkItemHandle is what the dispatcher returns to a polling worker:
// the claimed item, its serialized operation, and the CMR page-limit hint
// when the item belongs to the query step.
type WorkItemHandle struct {
	WorkItem       WorkItem `json:"workItem"`
	Operation      string   `json:"operation"`
	MaxCmrGranules *int     `json:"maxCmrGranules,omitempty"`
}
