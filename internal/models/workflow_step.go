package models

// StepKind classifies a workflow step explicitly instead of inferring it
// from the service image name.
type StepKind string

const (
	// StepKindQuery is the sequential first step that pages through the
	// source catalog. At most one of its work items is ready or running
	// at any time.
	StepKindQuery StepKind = "sequential-query"
	// StepKindMap processes each input catalog independently (one-to-one
	// or one-to-many).
	StepKindMap StepKind = "map"
	// StepKindAggregate consumes every output of its predecessor as a
	// single input.
	StepKindAggregate StepKind = "aggregate"
	// StepKindBatchedAggregate consumes its predecessor's outputs in
	// size- and count-bounded groups.
	StepKindBatchedAggregate StepKind = "batched-aggregate"
)

// IsValid reports whether k is one of the known step kinds
func (k StepKind) IsValid() bool {
	switch k {
	case StepKindQuery, StepKindMap, StepKindAggregate, StepKindBatchedAggregate:
		return true
	}
	return false
}

// Aggregating reports whether the step consumes predecessor outputs together
func (k StepKind) Aggregating() bool {
	return k == StepKindAggregate || k == StepKindBatchedAggregate
}

// WorkflowStep is one stage in the processing pipeline for a job,
// associated with exactly one service.
type WorkflowStep struct {
	JobID               string   `json:"jobID"`
	StepIndex           int      `json:"stepIndex"` // 1-based, contiguous
	ServiceID           string   `json:"serviceID"` // container image tag
	Kind                StepKind `json:"kind"`
	Operation           string   `json:"operation"` // serialized request
	WorkItemCount       int      `json:"workItemCount"`
	CompletedCount      int      `json:"completedCount"`
	ProgressWeight      float64  `json:"progressWeight"`
	MaxBatchInputs      int      `json:"maxBatchInputs,omitempty"`      // 0 means use the configured default
	MaxBatchSizeInBytes int64    `json:"maxBatchSizeInBytes,omitempty"` // 0 means use the configured default
	IsComplete          bool     `json:"isComplete"`
}

// HasAggregatedOutput reports whether the step emits exactly one downstream
// work item per batch (or per step if unbatched).
func (s *WorkflowStep) HasAggregatedOutput() bool {
	return s.Kind.Aggregating()
}

// IsBatched reports whether the step's inputs are partitioned into bounded groups
func (s *WorkflowStep) IsBatched() bool {
	return s.Kind == StepKindBatchedAggregate
}

// IsSequential reports whether at most one work item of this step may be
// ready or running at a time.
func (s *WorkflowStep) IsSequential() bool {
	return s.Kind == StepKindQuery
}

// ExpectedWorkItemCount computes the step's expected work item count for a
// given granule total. Query steps page through the source catalog,
// map steps see one item per granule, aggregating steps see one item total.
func (s *WorkflowStep) ExpectedWorkItemCount(numGranules, cmrMaxPageSize int) int {
	switch s.Kind {
	case StepKindQuery:
		if cmrMaxPageSize <= 0 {
			return 1
		}
		return (numGranules + cmrMaxPageSize - 1) / cmrMaxPageSize
	case StepKindMap:
		return numGranules
	default:
		return 1
	}
}
