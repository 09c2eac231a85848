package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

// MemoryBus is the in-process Bus used when no NATS URL is configured.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	log    *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memorySubscription),
		log:  log.WithComponent("memory_bus"),
	}
}

// Publish delivers the notification synchronously to all matching
// subscribers, preserving publish order per subscriber.
func (b *MemoryBus) Publish(ctx context.Context, n *Notification) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus is closed")
	}
	var matched []*memorySubscription
	for subject, subs := range b.subs {
		if subject == n.Subject || subject == "*" {
			matched = append(matched, subs...)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(ctx, n)
	}
	return nil
}

// Subscribe registers a handler for a subject ("*" matches everything).
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus is closed")
	}
	sub := &memorySubscription{bus: b, subject: subject, handler: handler}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, candidate := range subs {
		if candidate == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Close shuts the bus down; further publishes fail.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySubscription)
}
