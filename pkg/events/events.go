package events

import (
	"sync"
	"time"
)

// Domain identifies which subsystem an event concerns.
type Domain string

const (
	DomainCluster Domain = "cluster"
	DomainNode    Domain = "storage_node"
	DomainDevice  Domain = "device"
	DomainTask    Domain = "task"
	DomainPort    Domain = "port"
)

// Kind is the event type within a domain.
type Kind string

const (
	KindStatusChange      Kind = "status_change"
	KindHealthCheckChange Kind = "health_check_change"
	KindIOError           Kind = "io_error"
	KindTaskCreated       Kind = "task_created"
	KindTaskUpdated       Kind = "task_updated"
	KindTaskCanceled      Kind = "task_canceled"
	KindPortAllowed       Kind = "port_allowed"
)

// Event is one cluster event.
type Event struct {
	ID        string
	ClusterID string
	Domain    Domain
	Kind      Kind
	SubjectID string
	CausedBy  string
	Message   string
	Timestamp time.Time
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to in-process subscribers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands an event to the distribution loop. It never blocks
// the caller beyond the channel buffer.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Buffer full, drop rather than stall a state transition.
	}
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

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
