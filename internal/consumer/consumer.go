// Package consumer implements the inbound side of the engine: decode an
// inbound Message, hand it to the interpreter, persist any resulting
// continuation into the correct outbox table inside one transaction, and
// acknowledge the inbound delivery only after that transaction commits —
// ack-after-commit, not ack-after-handle.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/internal/broker"
	"github.com/lyzr/flowengine/internal/codec"
	"github.com/lyzr/flowengine/internal/interpreter"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/outbox"
	"github.com/lyzr/flowengine/internal/parser"
)

// ContinuationStore is the slice of *outbox.Store the consumer needs: a
// transaction boundary plus the enqueue that must share it, so the commit
// that persists a continuation is the same commit the ack waits on.
type ContinuationStore interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	Enqueue(ctx context.Context, tx pgx.Tx, table outbox.Table, message []byte, delayedUntil time.Time) (string, error)
}

// Consumer drives one inbound read loop. Parsed definitions are cached by
// (name, version) under a read-write mutex, the same compile-and-cache
// shape internal/expr uses for CEL programs; definitions are immutable once
// uploaded, so the cache never invalidates.
type Consumer struct {
	Broker broker.Broker
	Store  ContinuationStore
	Source parser.DefinitionSource
	Deps   interpreter.Deps
	Log    *logger.Logger
	Topic  string

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	mu   sync.RWMutex
	defs map[string]*node.Definition
}

// New builds a Consumer reading from topic.
func New(b broker.Broker, store ContinuationStore, source parser.DefinitionSource, deps interpreter.Deps, topic string, log *logger.Logger) *Consumer {
	return &Consumer{
		Broker: b,
		Store:  store,
		Source: source,
		Deps:   deps,
		Topic:  topic,
		Log:    log,
		defs:   make(map[string]*node.Definition),
	}
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run consumes deliveries until ctx is cancelled, one message at a time;
// run several Run loops for in-process parallelism. A Handle error leaves
// the delivery unacked so the broker redelivers it.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.Broker.Consume(ctx, c.Topic)
	if err != nil {
		return fmt.Errorf("consumer: subscribe %s: %w", c.Topic, err)
	}
	c.Log.Info("consumer starting", "topic", c.Topic)

	for {
		select {
		case <-ctx.Done():
			c.Log.Info("consumer shutting down", "topic", c.Topic)
			return ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				c.Log.Error("message handling failed, leaving unacked", "topic", c.Topic, "error", err)
				continue
			}
			if err := c.Broker.Ack(ctx, d); err != nil {
				c.Log.Error("ack failed", "topic", c.Topic, "id", d.ID, "error", err)
			}
		}
	}
}

// Handle processes one inbound message body. A nil return means the
// message's effects are durable (continuation committed, or the workflow
// reached a terminal state) and the delivery may be acked; a non-nil return
// means nothing durable happened and the broker must redeliver.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	msg, err := codec.Decode(body)
	if err != nil {
		name, version, position := codec.Peek(body)
		return fmt.Errorf("consumer: message for %s/%s at %q: %w", name, version, position, err)
	}

	def, err := c.definition(ctx, msg.Name, msg.Version)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	states, err := msg.Instances()
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	workflowID := ""
	if root, ok := states[node.Root]; ok {
		workflowID = root.WorkflowID
	}
	log := c.Log.WithWorkflowID(workflowID).WithFields(map[string]any{
		"workflow": msg.Name,
		"version":  msg.Version,
	})

	res, err := interpreter.New(def, c.Deps).Run(ctx, workflowID, states, msg.ResumePosition())
	if err != nil {
		return fmt.Errorf("consumer: run %s/%s: %w", msg.Name, msg.Version, err)
	}

	switch res.Status {
	case interpreter.StatusCompleted:
		log.Info("workflow completed")
		return nil
	case interpreter.StatusFailed:
		// A terminating WorkflowError is a valid outcome, not an
		// infrastructure failure: record it and ack.
		log.WithPosition(res.Err.Instance).Warn("workflow failed",
			"error_type", res.Err.ErrType, "status", res.Err.Status, "detail", res.Err.Detail)
		return nil
	case interpreter.StatusSuspended:
		return c.persistContinuation(ctx, msg, res.Continuation, log)
	default:
		return fmt.Errorf("consumer: unexpected run status %q", res.Status)
	}
}

// persistContinuation encodes the suspension into a fresh Message and
// enqueues it into the table its reason routes to, all inside one
// transaction so the commit is the single durability point the ack hangs
// off.
func (c *Consumer) persistContinuation(ctx context.Context, msg *codec.Message, cont *interpreter.Continuation, log *logger.Logger) error {
	next, err := codec.Build(msg.Name, msg.Version, cont.States, cont.Position)
	if err != nil {
		return fmt.Errorf("consumer: build continuation: %w", err)
	}
	encoded, err := codec.Encode(next)
	if err != nil {
		return fmt.Errorf("consumer: encode continuation: %w", err)
	}

	table := outbox.Waits
	if cont.Reason == interpreter.ReasonRetry {
		table = outbox.Retries
	}
	delayedUntil := c.now().UTC().Add(cont.Delay)

	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("consumer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := c.Store.Enqueue(ctx, tx, table, encoded, delayedUntil)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consumer: commit continuation: %w", err)
	}

	log.WithPosition(cont.Position.String()).Info("workflow suspended",
		"reason", cont.Reason, "table", table, "outbox_id", id, "delayed_until", delayedUntil)
	return nil
}

// definition parses (or returns the cached parse of) a workflow definition.
func (c *Consumer) definition(ctx context.Context, name, version string) (*node.Definition, error) {
	key := name + "/" + version

	c.mu.RLock()
	def, ok := c.defs[key]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := parser.Parse(ctx, c.Source, name, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.defs[key] = def
	c.mu.Unlock()
	return def, nil
}
