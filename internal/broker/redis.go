package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the multi-process adapter: each topic is a Redis stream consumed
// through a consumer group, so concurrent engine processes partition
// deliveries and an unacked entry stays in the group's pending list for
// redelivery. XADD/XREADGROUP/XACK is the same stream discipline the
// engine's workers would otherwise have to reimplement per process.
type Redis struct {
	client   *redis.Client
	group    string
	consumer string
	log      *slog.Logger
}

const redisBlockTimeout = 5 * time.Second

// NewRedis connects a stream-backed broker. Every process gets its own
// consumer name within the shared group.
func NewRedis(url, group string, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: ping redis: %w", err)
	}

	return &Redis{
		client:   client,
		group:    group,
		consumer: fmt.Sprintf("engine_%s", uuid.New().String()[:8]),
		log:      log,
	}, nil
}

// Publish appends the message to the topic's stream.
func (r *Redis) Publish(ctx context.Context, topic string, message []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"message": string(message)},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: xadd to %s: %w", topic, err)
	}
	return nil
}

// Consume creates the consumer group if needed and starts a read loop that
// feeds deliveries into the returned channel until ctx is cancelled.
func (r *Redis) Consume(ctx context.Context, topic string) (<-chan Delivery, error) {
	err := r.client.XGroupCreateMkStream(ctx, topic, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("broker: create consumer group on %s: %w", topic, err)
	}

	out := make(chan Delivery)
	go r.readLoop(ctx, topic, out)
	return out, nil
}

func (r *Redis) readLoop(ctx context.Context, topic string, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{topic, ">"},
			Count:    1,
			Block:    redisBlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("xreadgroup failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				body, ok := msg.Values["message"].(string)
				if !ok {
					r.log.Error("stream entry missing message field", "topic", topic, "id", msg.ID)
					_ = r.client.XAck(ctx, topic, r.group, msg.ID).Err()
					continue
				}
				select {
				case out <- Delivery{ID: msg.ID, Topic: topic, Body: []byte(body)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Ack removes the entry from the group's pending list.
func (r *Redis) Ack(ctx context.Context, d Delivery) error {
	if err := r.client.XAck(ctx, d.Topic, r.group, d.ID).Err(); err != nil {
		return fmt.Errorf("broker: xack %s on %s: %w", d.ID, d.Topic, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
