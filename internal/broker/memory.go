package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Memory is the in-process adapter: one buffered channel per topic, with a
// pending set tracking deliveries handed out but not yet acked. There is no
// timer-driven redelivery; an unacked message is simply retained in the
// pending set, which is enough for tests and single-process runs where a
// crash loses the process anyway.
type Memory struct {
	mu      sync.Mutex
	topics  map[string]chan Delivery
	pending map[string]Delivery
	nextID  int
	closed  bool
	log     *slog.Logger
}

const memoryTopicDepth = 1000

// NewMemory creates an in-memory broker.
func NewMemory(log *slog.Logger) *Memory {
	return &Memory{
		topics:  make(map[string]chan Delivery),
		pending: make(map[string]Delivery),
		log:     log,
	}
}

func (m *Memory) topic(name string) chan Delivery {
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan Delivery, memoryTopicDepth)
		m.topics[name] = ch
	}
	return ch
}

// Publish enqueues onto the topic's channel, failing fast when the buffer
// is full rather than blocking a caller that holds a database transaction.
func (m *Memory) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("broker: publish on closed memory broker")
	}

	m.nextID++
	d := Delivery{ID: fmt.Sprintf("%d", m.nextID), Topic: topic, Body: message}
	m.pending[d.ID] = d

	select {
	case m.topic(topic) <- d:
		return nil
	case <-ctx.Done():
		delete(m.pending, d.ID)
		return ctx.Err()
	default:
		delete(m.pending, d.ID)
		return fmt.Errorf("broker: topic %q full", topic)
	}
}

// Consume returns the topic's delivery channel. Multiple consumers on the
// same topic compete for messages, which matches the worker-pool semantics
// the consumer adapter expects.
func (m *Memory) Consume(_ context.Context, topic string) (<-chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("broker: consume on closed memory broker")
	}
	return m.topic(topic), nil
}

// Ack drops the delivery from the pending set.
func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, d.ID)
	return nil
}

// PendingCount reports how many deliveries were published but never acked,
// used by tests asserting ack-after-commit ordering.
func (m *Memory) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close closes every topic channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for name, ch := range m.topics {
		close(ch)
		if m.log != nil {
			m.log.Info("closed topic", "topic", name)
		}
	}
	return nil
}
