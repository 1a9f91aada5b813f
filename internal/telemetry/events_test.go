package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Shutdown()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventCycleStarted, Generation: 3, Timestamp: time.Now()})

	select {
	case received := <-sub:
		assert.Equal(t, EventCycleStarted, received.Type)
		assert.Equal(t, uint64(3), received.Generation)
	case <-time.After(time.Second):
		t.Fatal("did not receive event within timeout")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Shutdown()

	sub1 := bus.Subscribe()
	defer bus.Unsubscribe(sub1)
	sub2 := bus.Subscribe()
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Type: EventModeChanged, Timestamp: time.Now()})

	for i, sub := range []chan Event{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventModeChanged, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i+1)
		}
	}
}

func TestEventBus_NonBlockingPublish(t *testing.T) {
	bus := NewEventBus(1)
	defer bus.Shutdown()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: EventCycleReady, Timestamp: time.Now()})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEventBus_ShutdownClosesSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	sub := bus.Subscribe()

	bus.Shutdown()
	bus.Shutdown()

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Publishing and unsubscribing after shutdown must not panic.
	bus.Publish(Event{Type: EventCycleReady})
	bus.Unsubscribe(sub)

	late := bus.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestEventBus_NilIsSafe(t *testing.T) {
	var bus *EventBus
	bus.Publish(Event{Type: EventCycleReady})
	bus.Shutdown()
}

func TestFormatSSEEvent(t *testing.T) {
	frame, err := FormatSSEEvent(Event{Type: EventCycleFailed, Generation: 2, Error: "No data available"})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(frame, "event: cycle_failed\ndata: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))

	payload := strings.TrimSuffix(strings.SplitN(frame, "data: ", 2)[1], "\n\n")
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, uint64(2), ev.Generation)
	assert.Equal(t, "No data available", ev.Error)
}
