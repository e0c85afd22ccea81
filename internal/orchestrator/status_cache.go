package orchestrator

import (
	"sync"
	"time"

	"github.com/nasa/harmony-orchestrator/internal/models"
)

// statusCache is a small TTL cache of recent job statuses. The update
// endpoint consults it before reading the job row so that a storm of
// updates against a finished job stays cheap.
type statusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]statusEntry
}

type statusEntry struct {
	status    models.JobStatus
	expiresAt time.Time
}

func newStatusCache(ttl time.Duration, maxSize int) *statusCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &statusCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]statusEntry),
	}
}

func (c *statusCache) get(jobID string) (models.JobStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[jobID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, jobID)
		return "", false
	}
	return entry.status, true
}

func (c *statusCache) set(jobID string, status models.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Crude size bound: drop everything rather than track recency
	if len(c.entries) >= c.maxSize {
		c.entries = make(map[string]statusEntry)
	}

	c.entries[jobID] = statusEntry{
		status:    status,
		expiresAt: time.Now().Add(c.ttl),
	}
}
