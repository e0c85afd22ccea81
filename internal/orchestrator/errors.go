package orchestrator

import "errors"

// ErrNoWorkAvailable is returned by the dispatcher when no ready work item
// can be claimed for a service
var ErrNoWorkAvailable = errors.New("no work available")
