package orchestrator

// cmrPageLimit bounds the total granules the query step ever yields to the
// job's granule count: each successful query page consumes cmrMaxPageSize
// of the remaining budget.
func cmrPageLimit(numInputGranules, successfulQueryItems, cmrMaxPageSize int) int {
	remaining := numInputGranules - successfulQueryItems*cmrMaxPageSize
	limit := cmrMaxPageSize
	if remaining < limit {
		limit = remaining
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}
