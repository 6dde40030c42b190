package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Publisher is the processor's outbound dependency: publish a claimed
// message to the broker topic that feeds it back into the consumer side.
// Kept as a local interface (rather than importing internal/broker) so
// outbox has no dependency on the broker's transport choice; cmd/engine
// wires a concrete broker.Broker into it.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// Processor runs the periodic claim-publish-settle loop, one per outbox
// table, plus a reaper loop for that table's retention policy: a
// time.Ticker-driven polling loop over a database table with its own check
// interval, logging start/shutdown/per-cycle outcomes.
type Processor struct {
	Store   *Store
	Table   Table
	Topic   string
	Pub     Publisher
	Log     *slog.Logger
	Backoff BackoffPolicy

	Interval    time.Duration // default 1s
	BatchSize   int           // rows claimed per cycle
	MaxAttempts int           // attempt_count ceiling before FAILED

	Retention     time.Duration // reapSent cutoff age
	ReapInterval  time.Duration
	ReapBatchSize int
}

// NewProcessor fills in the stock defaults (~1s claim interval, batch of
// 50, five attempts, day-long retention).
func NewProcessor(store *Store, table Table, topic string, pub Publisher, log *slog.Logger) *Processor {
	return &Processor{
		Store:         store,
		Table:         table,
		Topic:         topic,
		Pub:           pub,
		Log:           log,
		Backoff:       DefaultBackoffPolicy(),
		Interval:      time.Second,
		BatchSize:     50,
		MaxAttempts:   5,
		Retention:     24 * time.Hour,
		ReapInterval:  time.Minute,
		ReapBatchSize: 500,
	}
}

// Run drives the claim loop until ctx is cancelled, mirroring
// TimeoutDetector.Start's ticker/select shape.
func (p *Processor) Run(ctx context.Context) error {
	p.Log.Info("outbox processor starting", "table", p.Table, "interval", p.Interval)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Log.Info("outbox processor shutting down", "table", p.Table)
			return ctx.Err()
		case <-ticker.C:
			if err := p.runOnce(ctx); err != nil {
				p.Log.Error("outbox processor cycle failed", "table", p.Table, "error", err)
			}
		}
	}
}

// RunReaper drives the GC loop independently of Run, since the two have
// different natural cadences (sub-second claims vs. minutes-scale reaping).
func (p *Processor) RunReaper(ctx context.Context) error {
	p.Log.Info("outbox reaper starting", "table", p.Table, "interval", p.ReapInterval)

	ticker := time.NewTicker(p.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Log.Info("outbox reaper shutting down", "table", p.Table)
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.Retention)
			n, err := p.Store.ReapSent(ctx, p.Table, cutoff, p.ReapBatchSize)
			if err != nil {
				p.Log.Error("outbox reaper cycle failed", "table", p.Table, "error", err)
				continue
			}
			if n > 0 {
				p.Log.Info("reaped sent rows", "table", p.Table, "count", n)
			}
		}
	}
}

// runOnce executes one cycle inside one transaction: begin, claimDue,
// publish each row and settle its status, commit.
func (p *Processor) runOnce(ctx context.Context) error {
	tx, err := p.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := p.Store.ClaimDue(ctx, tx, p.Table, p.BatchSize, p.MaxAttempts)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := p.Pub.Publish(ctx, p.Topic, row.Message); err != nil {
			attempt := row.AttemptCount + 1
			delay := p.Backoff.Delay(attempt)
			if markErr := p.Store.MarkFailed(ctx, tx, p.Table, row.ID, attempt, p.MaxAttempts, err.Error(), time.Now().UTC().Add(delay)); markErr != nil {
				return markErr
			}
			p.Log.Warn("publish failed, rescheduled", "table", p.Table, "id", row.ID, "attempt", attempt, "delay", delay, "error", err)
			continue
		}
		if err := p.Store.MarkSent(ctx, tx, p.Table, row.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
