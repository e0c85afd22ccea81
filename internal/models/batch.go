package models

// Batch groups outputs of a non-aggregating step for a downstream
// aggregating service. Batch IDs are dense from 0 per (jobID, serviceID);
// the highest batch ID is the current batch, lower batches are sealed.
type Batch struct {
	JobID     string `json:"jobID"`
	ServiceID string `json:"serviceID"`
	BatchID   int    `json:"batchID"`
}

// BatchItem is one STAC item waiting for, or assigned to, a batch.
// A nil BatchID means the item is pending assignment. Placeholder items
// (empty URL, zero size) keep the sort order contiguous when an upstream
// item failed or produced nothing; they never count toward batch limits.
type BatchItem struct {
	ID          int64  `json:"id"`
	JobID       string `json:"jobID"`
	ServiceID   string `json:"serviceID"`
	BatchID     *int   `json:"batchID,omitempty"`
	StacItemURL string `json:"stacItemUrl,omitempty"`
	ItemSize    int64  `json:"itemSize"`
	SortIndex   int    `json:"sortIndex"`
}

// IsPlaceholder reports whether the item only holds a position in the sort order
func (b *BatchItem) IsPlaceholder() bool {
	return b.StacItemURL == ""
}
