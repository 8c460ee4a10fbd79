package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/log"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskEnqueued      EventType = "task:enqueued"
	EventTaskAssigned      EventType = "task:assigned"
	EventTaskStarted       EventType = "task:started"
	EventTaskCompleted     EventType = "task:completed"
	EventTaskFailed        EventType = "task:failed"
	EventTaskTimeout       EventType = "task:timeout"
	EventWorkerRegistered  EventType = "worker:registered"
	EventWorkerOffline     EventType = "worker:offline"
	EventWorkflowStarted   EventType = "workflow:started"
	EventWorkflowCompleted EventType = "workflow:completed"
	EventWorkflowFailed    EventType = "workflow:failed"
)

// Event is one coordinator event. The id fields are filled as the event
// type implies: task events carry TaskID (and WorkerID once bound), worker
// events carry WorkerID, workflow events carry WorkflowID and ExecutionID.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	TaskID      string            `json:"task_id,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handler is a named-event callback. Handlers run synchronously in the
// publisher's context; a panicking handler is recovered and logged and does
// not affect other handlers.
type Handler func(*Event)

// Subscriber is a channel that receives every published event
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Channel subscribers
// receive every event asynchronously with drop-on-full backpressure; named
// handlers run synchronously at publish time.
type Broker struct {
	subscribers map[Subscriber]bool
	handlers    map[EventType][]Handler
	journal     *Journal
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		handlers:    make(map[EventType][]Handler),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// AttachJournal makes every published event durable in the given journal
func (b *Broker) AttachJournal(j *Journal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = j
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// On registers a callback for one event type. Multiple callbacks per type
// are invoked in registration order.
func (b *Broker) On(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

/// Publish distributes an event: journals it, runs the named handlers
// synchronously, and hands it to the channel broadcast loop
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	journal := b.journal
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if journal != nil {
		if err := journal.Append(event); err != nil {
			log.WithComponent("events").Warn().Err(err).
				Str("event_type", string(event.Type)).
				Msg("Failed to journal event")
		}
	}

	for _, h := range handlers {
		invokeHandler(h, event)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// invokeHandler isolates one callback so its panic cannot take down the
// publisher or the remaining callbacks
func invokeHandler(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("events").Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
