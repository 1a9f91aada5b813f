package telemetry

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a state change the dashboard may want to react to.
type EventType string

const (
	EventCycleStarted       EventType = "cycle_started"
	EventCycleReady         EventType = "cycle_ready"
	EventCycleFailed        EventType = "cycle_failed"
	EventCycleStale         EventType = "cycle_stale"
	EventModeChanged        EventType = "mode_changed"
	EventCapabilityResolved EventType = "capability_resolved"
	EventExplanationReady   EventType = "explanation_ready"
	EventExplanationFailed  EventType = "explanation_failed"
)

// Event is one published state change.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Generation uint64    `json:"generation,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	PreferLLM  *bool     `json:"prefer_llm,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Key        string    `json:"key,omitempty"`
	Points     int       `json:"points,omitempty"`
	Anomalies  int       `json:"anomalies,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventBus manages event publishing and subscription for SSE consumers.
// A nil *EventBus drops everything.
type EventBus struct {
	events      chan Event
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
	shutdown    chan struct{}
	once        sync.Once
}

// NewEventBus creates a new event bus with the specified buffer size.
func NewEventBus(bufferSize int) *EventBus {
	eb := &EventBus{
		events:      make(chan Event, bufferSize),
		subscribers: make(map[chan Event]struct{}),
		shutdown:    make(chan struct{}),
	}

	go eb.forward()

	return eb
}

// forward forwards events from the main channel to all subscribers.
func (eb *EventBus) forward() {
	for {
		select {
		case event, ok := <-eb.events:
			if !ok {
				return
			}
			eb.mu.RLock()
			for ch := range eb.subscribers {
				select {
				case ch <- event:
				default:
					// Subscriber is slow; drop rather than block the bus.
				}
			}
			eb.mu.RUnlock()
		case <-eb.shutdown:
			return
		}
	}
}

// Publish publishes an event. It never blocks; events are dropped when the
// buffer is full or the bus has shut down.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	select {
	case <-eb.shutdown:
		return
	default:
	}
	select {
	case eb.events <- event:
	default:
	}
}

// Subscribe creates a new subscription channel for SSE consumers.
func (eb *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	eb.mu.Lock()
	select {
	case <-eb.shutdown:
		close(ch)
	default:
		eb.subscribers[ch] = struct{}{}
	}
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan Event) {
	eb.mu.Lock()
	if _, exists := eb.subscribers[ch]; exists {
		delete(eb.subscribers, ch)
		close(ch)
	}
	eb.mu.Unlock()
}

// Shutdown stops the forwarder and closes all subscriber channels.
func (eb *EventBus) Shutdown() {
	if eb == nil {
		return
	}
	eb.once.Do(func() {
		close(eb.shutdown)

		eb.mu.Lock()
		for ch := range eb.subscribers {
			close(ch)
		}
		eb.subscribers = make(map[chan Event]struct{})
		eb.mu.Unlock()
	})
}

// FormatSSEEvent formats an event as a Server-Sent Events frame.
func FormatSSEEvent(event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return "event: " + string(event.Type) + "\ndata: " + string(data) + "\n\n", nil
}
