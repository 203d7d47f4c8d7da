// Package bus provides the in-memory event fan-out for the bus: every
// mutation publishes a typed event delivered to all SSE/websocket subscribers
// and, through a separate non-dropping path, to registered listeners such as
// the wait coordinator.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/common/logger"
)

// DefaultQueueSize bounds each subscriber's event queue. When a queue is
// full the oldest event is dropped; subscribers reconcile by re-reading state.
const DefaultQueueSize = 256

// Broker fans events out to subscribers and listeners.
type Broker struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	listeners []func(models.Event)
	queueSize int
	closed    bool
	logger    *logger.Logger
}

// Subscriber is one consumer of the broker, backed by a bounded queue.
// SSE and websocket adapters hold one per connection.
type Subscriber struct {
	mu      sync.Mutex
	queue   []models.Event
	notify  chan struct{}
	dropped uint64
	closed  bool
}

// NewBroker creates a broker with the default per-subscriber queue size.
func NewBroker(log *logger.Logger) *Broker {
	return NewBrokerWithQueueSize(log, DefaultQueueSize)
}

// NewBrokerWithQueueSize creates a broker with a custom queue bound.
func NewBrokerWithQueueSize(log *logger.Logger, queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
		logger:    log,
	}
}

// Subscribe registers a new subscriber handle.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{notify: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber. Idempotent.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// AddListener registers a function invoked synchronously on every publish.
// Listeners never miss events; they must return quickly.
func (b *Broker) AddListener(fn func(models.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish delivers the event to every subscriber queue and every listener.
// Publish order is delivery order for a given subscriber.
func (b *Broker) Publish(event models.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	listeners := b.listeners
	queueSize := b.queueSize
	b.mu.Unlock()

	for _, sub := range subs {
		if dropped := sub.enqueue(event, queueSize); dropped {
			b.logger.Debug("subscriber queue full, dropped oldest event",
				zap.String("event_type", string(event.Type)))
		}
	}
	for _, fn := range listeners {
		fn(event)
	}

	b.logger.Debug("published event",
		zap.String("event_type", string(event.Type)),
		zap.Int("subscribers", len(subs)))
}

// Close wakes all subscribers and stops accepting publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event broker closed")
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Closed reports whether the subscriber has been unsubscribed or the broker
// shut down. Stream loops exit once they observe this after a final drain.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscriber) enqueue(event models.Event, queueSize int) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= queueSize {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
	return dropped
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain returns and clears the queued events without blocking.
func (s *Subscriber) Drain() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queue
	s.queue = nil
	return events
}

// Notify returns a channel that receives a tick whenever new events are
// queued (and on unsubscribe/close, so consumers can observe shutdown).
func (s *Subscriber) Notify() <-chan struct{} {
	return s.notify
}

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
