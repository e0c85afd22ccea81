package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

func TestService_PublishSubscribe(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger())

	ch, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	svc.Publish(interfaces.Event{
		Type:  interfaces.EventJobStatus,
		JobID: "job-1",
	})

	select {
	case event := <-ch:
		assert.Equal(t, interfaces.EventJobStatus, event.Type)
		assert.Equal(t, "job-1", event.JobID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestService_UnsubscribeClosesChannel(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger())

	ch, unsubscribe := svc.Subscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic
	svc.Publish(interfaces.Event{Type: interfaces.EventJobStatus, JobID: "job-1"})
}

func TestService_SlowSubscriberDropsEvents(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger())

	ch, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	// Overflow the subscriber buffer without reading; publishers must not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			svc.Publish(interfaces.Event{Type: interfaces.EventBatchSealed, JobID: "job-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// Some events made it through
	require.NotEmpty(t, len(ch))
}

func TestService_ThrottlesWorkItemEvents(t *testing.T) {
	svc := NewService(&common.EventsConfig{ThrottleInterval: "1h"}, arbor.NewLogger())

	ch, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		svc.Publish(interfaces.Event{Type: interfaces.EventWorkItem, JobID: "job-1"})
	}

	// Only the first work item event for the job passes within the window
	assert.Equal(t, 1, len(ch))

	// Status events are never throttled
	svc.Publish(interfaces.Event{Type: interfaces.EventJobStatus, JobID: "job-1"})
	assert.Equal(t, 2, len(ch))
}
