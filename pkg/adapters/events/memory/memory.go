package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// ErrBusClosed is returned when subscribing to a closed bus
var ErrBusClosed = errors.New("event bus closed")

// InMemoryEventBus implements EventBus inside one process. Each subscriber
// gets its own queue and goroutine, so events reach a handler in publish order.
type InMemoryEventBus struct {
	subscribers map[string]map[string]*subscriber
	mu          sync.RWMutex
	closed      bool
	logger      *zap.Logger
}

type subscriber struct {
	id      string
	handler ports.EventHandler
	queue   chan ports.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger,
	}
}

// Publish queues an event for every subscriber of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	subs := make([]*subscriber, 0, len(e.subscribers[topic]))
	for _, s := range e.subscribers[topic] {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe registers handler on a topic until ctx is done
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	s := &subscriber{
		id:      uuid.New().String(),
		handler: handler,
		queue:   make(chan ports.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrBusClosed
	}
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[string]*subscriber)
	}
	e.subscribers[topic][s.id] = s
	e.mu.Unlock()

	go e.deliver(ctx, topic, s)
	return nil
}

// deliver runs the handler for each queued event in order
func (e *InMemoryEventBus) deliver(ctx context.Context, topic string, s *subscriber) {
	defer e.unsubscribe(topic, s.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(ctx, event); err != nil {
				e.logger.Warn("event handler failed",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}
}

// Close stops every subscriber
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, subs := range e.subscribers {
		for _, s := range subs {
			s.stop()
		}
	}
	e.subscribers = make(map[string]map[string]*subscriber)
	e.closed = true
	return nil
}

// SubscriberCount returns the number of live subscriptions on a topic
func (e *InMemoryEventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

// unsubscribe removes a subscription from a topic
func (e *InMemoryEventBus) unsubscribe(topic, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.subscribers[topic][id]; ok {
		s.stop()
		delete(e.subscribers[topic], id)
		if len(e.subscribers[topic]) == 0 {
			delete(e.subscribers, topic)
		}
	}
}
