package consumer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/internal/broker"
	"github.com/lyzr/flowengine/internal/codec"
	"github.com/lyzr/flowengine/internal/expr"
	"github.com/lyzr/flowengine/internal/interpreter"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/outbox"
	"github.com/lyzr/flowengine/internal/parser"
)

type fakeSource map[string][]byte

func (f fakeSource) Load(_ context.Context, name, version string) ([]byte, error) {
	b, ok := f[name+"/"+version]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	return b, nil
}

// fakeTx satisfies just the Commit/Rollback slice of pgx.Tx the consumer
// touches; everything else panics via the embedded nil interface, which is
// exactly what we want from a test double.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type enqueuedRow struct {
	table        outbox.Table
	message      []byte
	delayedUntil time.Time
}

type fakeStore struct {
	mu     sync.Mutex
	rows   []enqueuedRow
	lastTx *fakeTx
}

func (s *fakeStore) BeginTx(context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTx = &fakeTx{}
	return s.lastTx, nil
}

func (s *fakeStore) Enqueue(_ context.Context, _ pgx.Tx, table outbox.Table, message []byte, delayedUntil time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, enqueuedRow{table: table, message: message, delayedUntil: delayedUntil})
	return "row-1", nil
}

func (s *fakeStore) all() []enqueuedRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enqueuedRow(nil), s.rows...)
}

func newTestConsumer(t *testing.T, doc string, b broker.Broker) (*Consumer, *fakeStore) {
	t.Helper()
	ev, err := expr.New()
	require.NoError(t, err)
	store := &fakeStore{}
	src := fakeSource{"wf/1.0.0": []byte(doc)}
	c := New(b, store, src, interpreter.Deps{Expr: ev}, "workflows-in", logger.New("error", "text"))
	return c, store
}

func startMessage(t *testing.T, c *Consumer, input map[string]any) []byte {
	t.Helper()
	def, err := parser.Parse(context.Background(), c.Source, "wf", "1.0.0")
	require.NoError(t, err)
	root := node.NewInstance(def.Root, input)
	root.WorkflowID = "wf-1"
	msg, err := codec.Build("wf", "1.0.0", map[node.Position]*node.Instance{node.Root: root}, node.Root)
	require.NoError(t, err)
	b, err := codec.Encode(msg)
	require.NoError(t, err)
	return b
}

// A linear Do of Set tasks runs to completion in one activation: no outbox
// rows, nothing left pending.
func TestHandleLinearDoCompletesWithoutOutboxRows(t *testing.T) {
	const doc = `
name: wf
version: "1.0.0"
do:
  - name: set-y
    kind: set
    set:
      y: "${ .x + 1 }"
  - name: set-z
    kind: set
    set:
      z: "${ .y * 2 }"
`
	c, store := newTestConsumer(t, doc, nil)
	require.NoError(t, c.Handle(context.Background(), startMessage(t, c, map[string]any{"x": 1})))
	require.Empty(t, store.all())
}

// A Wait task suspends into the waits table with delayed_until pushed out
// by the wait duration, and the stored continuation resumes to completion
// when fed back.
func TestHandleWaitEnqueuesThenResumes(t *testing.T) {
	const doc = `
name: wf
version: "1.0.0"
do:
  - name: pause
    kind: wait
    wait: "PT5S"
  - name: finish
    kind: set
    set:
      done: true
`
	c, store := newTestConsumer(t, doc, nil)
	epoch := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return epoch }

	require.NoError(t, c.Handle(context.Background(), startMessage(t, c, map[string]any{})))

	rows := store.all()
	require.Len(t, rows, 1)
	require.Equal(t, outbox.Waits, rows[0].table)
	require.Equal(t, epoch.Add(5*time.Second), rows[0].delayedUntil)
	require.True(t, store.lastTx.committed)

	// Redelivery of the stored continuation completes the workflow.
	require.NoError(t, c.Handle(context.Background(), rows[0].message))
	require.Len(t, store.all(), 1)
}

// A raised error under a retry policy routes to the retries table, not
// waits.
func TestHandleRetryRoutesToRetriesTable(t *testing.T) {
	const doc = `
name: wf
version: "1.0.0"
do:
  - name: flaky
    kind: raise
    raise:
      type: COMMUNICATION
      detail: "transient"
    retry:
      maxAttempts: 3
      base: "PT1S"
      multiplier: 2
      cap: "PT10S"
`
	c, store := newTestConsumer(t, doc, nil)
	require.NoError(t, c.Handle(context.Background(), startMessage(t, c, map[string]any{})))

	rows := store.all()
	require.Len(t, rows, 1)
	require.Equal(t, outbox.Retries, rows[0].table)
}

// A caught error is a completed workflow, not a failure or a retry.
func TestHandleCaughtErrorCompletes(t *testing.T) {
	const doc = `
name: wf
version: "1.0.0"
do:
  - name: guard
    kind: try
    do:
      - name: boom
        kind: raise
        raise:
          type: RUNTIME
          detail: "nope"
    catch:
      errors:
        with:
          type: RUNTIME
      do:
        - name: recover
          kind: set
          set:
            handled: "${ $error.type }"
`
	c, store := newTestConsumer(t, doc, nil)
	require.NoError(t, c.Handle(context.Background(), startMessage(t, c, map[string]any{})))
	require.Empty(t, store.all())
}

// Undecodable bodies are infrastructure errors: Handle reports them so the
// Run loop leaves the delivery unacked for redelivery.
func TestHandleRejectsGarbage(t *testing.T) {
	c, _ := newTestConsumer(t, `
name: wf
version: "1.0.0"
do:
  - name: noop
    kind: set
    set:
      a: 1
`, nil)
	require.Error(t, c.Handle(context.Background(), []byte("not json")))
}

// Run acks a delivery only after Handle succeeds: a completed workflow
// leaves the memory broker with nothing pending.
func TestRunAcksAfterHandling(t *testing.T) {
	const doc = `
name: wf
version: "1.0.0"
do:
  - name: noop
    kind: set
    set:
      a: 1
`
	m := broker.NewMemory(slog.Default())
	defer m.Close()

	c, _ := newTestConsumer(t, doc, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, m.Publish(ctx, "workflows-in", startMessage(t, c, map[string]any{})))

	require.Eventually(t, func() bool {
		return m.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
