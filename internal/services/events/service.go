package events

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// Service implements EventService with a channel-per-subscriber fan-out.
// Publishers never block: a subscriber that falls behind drops events.
type Service struct {
	mu          sync.RWMutex
	subscribers map[int]chan interfaces.Event
	nextID      int
	throttle    time.Duration
	lastByJob   map[string]time.Time
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(config *common.EventsConfig, logger arbor.ILogger) interfaces.EventService {
	throttle := time.Duration(0)
	if config != nil {
		throttle = common.Duration(config.ThrottleInterval, 0)
	}

	return &Service{
		subscribers: make(map[int]chan interfaces.Event),
		throttle:    throttle,
		lastByJob:   make(map[string]time.Time),
		logger:      logger,
	}
}

// Publish sends an event to all subscribers without blocking.
// High-frequency work item events are throttled per job.
func (s *Service) Publish(event interfaces.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if s.throttle > 0 && event.Type == interfaces.EventWorkItem {
		s.mu.Lock()
		last, ok := s.lastByJob[event.JobID]
		if ok && event.Timestamp.Sub(last) < s.throttle {
			s.mu.Unlock()
			return
		}
		s.lastByJob[event.JobID] = event.Timestamp
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Debug().
				Int("subscriber_id", id).
				Str("event_type", string(event.Type)).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Subscribe returns a receive channel and an unsubscribe function
func (s *Service) Subscribe() (<-chan interfaces.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan interfaces.Event, 64)
	s.subscribers[id] = ch

	s.logger.Debug().Int("subscriber_id", id).Msg("Event subscriber registered")

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}

	return ch, unsubscribe
}
