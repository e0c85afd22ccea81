package sqlite

import (
	"time"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// Timestamps are stored as milliseconds since the epoch so that FIFO claim
// ordering and duration math keep sub-second precision.

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// querier falls back to the shared connection when no transaction is supplied
func (s *SQLiteDB) querier(q interfaces.Querier) interfaces.Querier {
	if q == nil {
		return s.db
	}
	return q
}
