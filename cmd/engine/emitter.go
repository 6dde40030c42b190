package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/broker"
	"github.com/lyzr/flowengine/internal/jsonvalue"
)

// eventEmitter publishes Emit tasks' CloudEvents onto the outbound topic,
// stamping an id when the event template didn't supply one.
type eventEmitter struct {
	broker broker.Broker
	topic  string
}

func newEventEmitter(b broker.Broker, topic string) *eventEmitter {
	return &eventEmitter{broker: b, topic: topic}
}

func (e *eventEmitter) Emit(ctx context.Context, event jsonvalue.Value) (string, error) {
	obj, ok := event.(map[string]any)
	if !ok {
		obj = map[string]any{"data": event}
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		id = uuid.New().String()
		obj["id"] = id
	}

	payload, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := e.broker.Publish(ctx, e.topic, payload); err != nil {
		return "", err
	}
	return id, nil
}
