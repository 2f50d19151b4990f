// Package ui carries outbound events from the orchestration core to
// whatever front end is attached. Delivery is always non-blocking: a slow or
// absent consumer never stalls a session worker.
package ui

import "sync"

// EventType tags an Event.
type EventType int

const (
	// EventSessionStatusChanged reports a session status transition.
	EventSessionStatusChanged EventType = iota
	// EventSessionOutput carries appended session output text.
	EventSessionOutput
	// EventSessionProgress carries a short activity label for a running
	// turn.
	EventSessionProgress
	// EventSessionsRefreshed asks the consumer to reload the session list.
	EventSessionsRefreshed
)

// Event is one announcement from the core.
type Event struct {
	Type      EventType
	SessionID string
	Text      string // output chunk, progress label, or new status
}

// subscriberBuffer bounds each subscriber channel; events beyond it are
// dropped for that subscriber rather than blocking the publisher.
const subscriberBuffer = 256

// Publisher fans events out to subscribers.
type Publisher struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// NewPublisher creates an empty publisher. Publishing with no subscribers is
// a no-op.
func NewPublisher() *Publisher {
	return &Publisher{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a consumer and returns its event channel plus an
// unsubscribe func. The channel is closed on unsubscribe.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, subscriberBuffer)
	p.subscribers[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber without blocking; events are
// dropped for subscribers whose buffer is full.
func (p *Publisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
