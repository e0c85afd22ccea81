package orchestrator

import (
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// computeProgress derives a job's progress percentage from its steps'
// completion fractions weighted by progress_weight. Non-terminal jobs are
// clamped to 99; only the completer may report 100.
func computeProgress(steps []*models.WorkflowStep) int {
	var totalWeight, earned float64

	for _, step := range steps {
		weight := step.ProgressWeight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight

		if step.WorkItemCount <= 0 {
			if step.IsComplete {
				earned += weight
			}
			continue
		}

		fraction := float64(step.CompletedCount) / float64(step.WorkItemCount)
		if fraction > 1 {
			fraction = 1
		}
		earned += weight * fraction
	}

	if totalWeight == 0 {
		return 0
	}

	progress := int(earned / totalWeight * 100)
	if progress > 99 {
		progress = 99
	}
	if progress < 0 {
		progress = 0
	}
	return progress
}
