package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// The update payload is a closed sum: exactly one variant is populated and
// it must match Status. Workers report flat JSON over the wire; the handler
// converts it with UpdateFromWire before anything downstream sees it.

// SuccessfulResult carries the outputs of a successfully completed work item
type SuccessfulResult struct {
	Results         []string `json:"results,omitempty"` // output STAC catalog URLs
	Hits            *int     `json:"hits,omitempty"`    // total granule hits, query step only
	ScrollID        string   `json:"scrollID,omitempty"`
	TotalItemsSize  *float64 `json:"totalItemsSize,omitempty"` // MiB, derived from OutputItemSizes when absent
	OutputItemSizes []int64  `json:"outputItemSizes,omitempty"`
}

// FailureReason carries the worker-reported error for a failed work item
type FailureReason struct {
	Message string `json:"message"`
}

// WarningNote carries a warning completion: the item is done but produced
// no usable output.
type WarningNote struct {
	Message string `json:"message,omitempty"`
}

// WorkItemUpdate is one worker-reported terminal update for one work item
type WorkItemUpdate struct {
	WorkItemID int64          `json:"workItemID"`
	Status     WorkItemStatus `json:"status"`
	// WorkerDuration is the runtime observed by the worker; the update
	// handler takes the larger of this and the harmony-observed runtime.
	WorkerDuration time.Duration `json:"workerDuration,omitempty"`

	Successful *SuccessfulResult `json:"successful,omitempty"`
	Failed     *FailureReason    `json:"failed,omitempty"`
	Warning    *WarningNote      `json:"warning,omitempty"`
}

// ErrInvalidUpdate is returned when an update payload does not match its status
var ErrInvalidUpdate = errors.New("invalid work item update")

// Validate enforces that exactly the variant matching Status is populated
func (u *WorkItemUpdate) Validate() error {
	if u.WorkItemID <= 0 {
		return fmt.Errorf("%w: missing work item id", ErrInvalidUpdate)
	}

	variants := 0
	if u.Successful != nil {
		variants++
	}
	if u.Failed != nil {
		variants++
	}
	if u.Warning != nil {
		variants++
	}

	switch u.Status {
	case WorkItemStatusSuccessful:
		if u.Successful == nil || variants != 1 {
			return fmt.Errorf("%w: successful update requires exactly the successful variant", ErrInvalidUpdate)
		}
	case WorkItemStatusFailed:
		if u.Failed == nil || variants != 1 {
			return fmt.Errorf("%w: failed update requires exactly the failed variant", ErrInvalidUpdate)
		}
		if u.Failed.Message == "" {
			return fmt.Errorf("%w: failed update requires an error message", ErrInvalidUpdate)
		}
	case WorkItemStatusWarning:
		if u.Warning == nil || variants != 1 {
			return fmt.Errorf("%w: warning update requires exactly the warning variant", ErrInvalidUpdate)
		}
	case WorkItemStatusCanceled:
		if variants != 0 {
			return fmt.Errorf("%w: canceled update carries no payload", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: status %q is not a reportable status", ErrInvalidUpdate, u.Status)
	}

	return nil
}

// Results returns the output catalog URLs, empty for non-successful updates
func (u *WorkItemUpdate) Results() []string {
	if u.Successful == nil {
		return nil
	}
	return u.Successful.Results
}

// ToJSON serializes the update for the ingestion queue
func (u *WorkItemUpdate) ToJSON() ([]byte, error) {
	return json.Marshal(u)
}

// UpdateFromJSON deserializes a queued update and re-validates it
func UpdateFromJSON(data []byte) (*WorkItemUpdate, error) {
	var u WorkItemUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode work item update: %w", err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// WireUpdate is the flat JSON body workers PUT to /work/{id}
type WireUpdate struct {
	Status          string   `json:"status" validate:"required,oneof=successful failed warning"`
	Hits            *int     `json:"hits,omitempty"`
	Results         []string `json:"results,omitempty"`
	ScrollID        string   `json:"scrollID,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	Duration        *float64 `json:"duration,omitempty"` // milliseconds
	TotalItemsSize  *float64 `json:"totalItemsSize,omitempty"`
	OutputItemSizes []int64  `json:"outputItemSizes,omitempty"`
	Operation       string   `json:"operation,omitempty"` // echoed by workers, unused here
}

// UpdateFromWire converts the flat worker payload into the closed update sum
func UpdateFromWire(workItemID int64, w *WireUpdate) (*WorkItemUpdate, error) {
	u := &WorkItemUpdate{
		WorkItemID: workItemID,
		Status:     WorkItemStatus(w.Status),
	}

	if w.Duration != nil && *w.Duration > 0 {
		u.WorkerDuration = time.Duration(*w.Duration * float64(time.Millisecond))
	}

	switch u.Status {
	case WorkItemStatusSuccessful:
		u.Successful = &SuccessfulResult{
			Results:         w.Results,
			Hits:            w.Hits,
			ScrollID:        w.ScrollID,
			TotalItemsSize:  w.TotalItemsSize,
			OutputItemSizes: w.OutputItemSizes,
		}
	case WorkItemStatusFailed:
		msg := w.ErrorMessage
		if msg == "" {
			msg = "service failed with an unknown error"
		}
		u.Failed = &FailureReason{Message: msg}
	case WorkItemStatusWarning:
		u.Warning = &WarningNote{Message: w.ErrorMessage}
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}
