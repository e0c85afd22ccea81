package models

import (
	"time"
)

// JobStatus represents the state of a transformation job
type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusPaused             JobStatus = "paused"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
)

// terminalJobStatuses are absorbing: no transition out of them is permitted
var terminalJobStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusCompleteWithErrors: true,
	JobStatusFailed:             true,
	JobStatusCanceled:           true,
}

// IsTerminal reports whether the status is absorbing
func (s JobStatus) IsTerminal() bool {
	return terminalJobStatuses[s]
}

// Job represents one user request being driven through a service pipeline.
// A job owns its workflow steps, work items, batches, links and errors;
// deleting a job cascades to all of them.
type Job struct {
	JobID             string    `json:"jobID"`
	Username          string    `json:"username"`
	Status            JobStatus `json:"status"`
	Message           string    `json:"message,omitempty"`
	Progress          int       `json:"progress"`
	NumInputGranules  int       `json:"numInputGranules"`
	BatchesCompleted  int       `json:"batchesCompleted"`
	IgnoreErrors      bool      `json:"ignoreErrors"`
	IsAsync           bool      `json:"isAsync"`
	RequestURL        string    `json:"request,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the job is in an absorbing state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsPaused reports whether the job is user-gated (paused or previewing)
func (j *Job) IsPaused() bool {
	return j.Status == JobStatusPaused || j.Status == JobStatusPreviewing
}

// FinalProgress returns the progress value a job must carry in the given
// terminal state: 100 for every terminal state except failed and canceled.
func FinalProgress(status JobStatus, current int) int {
	if status == JobStatusSuccessful || status == JobStatusCompleteWithErrors {
		return 100
	}
	if current > 99 {
		return 99
	}
	return current
}
