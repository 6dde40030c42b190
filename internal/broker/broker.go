// Package broker defines the engine's two-channel transport boundary
// (`workflows-in`, `workflows-out`) behind one small interface: deliver and
// acknowledge encoded bytes, nothing more. The two implementations here are
// the in-memory adapter for tests and single-process runs and a Redis
// Streams adapter for multi-process deployment; anything else (Kafka,
// RabbitMQ) would satisfy the same interface.
package broker

import "context"

// Delivery is one inbound message handed to a consumer. ID is the
// transport's own redelivery handle (a Redis stream entry id, or a
// synthetic counter for the memory adapter); the consumer passes it back
// through Ack once the continuation it produced is durably committed.
type Delivery struct {
	ID    string
	Topic string
	Body  []byte
}

// Broker delivers and acknowledges encoded messages. Implementations must
// provide at-least-once semantics: a Delivery that is never acked is
// eligible for redelivery.
type Broker interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Consume(ctx context.Context, topic string) (<-chan Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Close() error
}
