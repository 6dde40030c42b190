package outbox

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	published [][]byte
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, message []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, message)
	return nil
}

// One processor cycle: claim a due row inside a transaction, publish it,
// mark it SENT, commit.
func TestProcessorCycleMarksSentOnPublish(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pub := &recordingPublisher{}
	p := NewProcessor(New(pool), Waits, "workflows-in", pub, slog.Default())

	pool.ExpectBegin()
	rows := pgxmock.NewRows([]string{"id", "message", "status", "delayed_until", "attempt_count", "last_error"}).
		AddRow("row-1", []byte(`{"n":"wf"}`), StatusPending, time.Now().UTC(), 0, "")
	pool.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(StatusPending, 5, 50).
		WillReturnRows(rows)
	pool.ExpectExec("UPDATE waits SET status").
		WithArgs(StatusSent, "row-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	require.NoError(t, p.runOnce(context.Background()))
	require.Len(t, pub.published, 1)
	require.Equal(t, []byte(`{"n":"wf"}`), pub.published[0])
	require.NoError(t, pool.ExpectationsWereMet())
}

// A failed publish bumps attempt_count, pushes delayed_until out by the
// backoff, and keeps the row PENDING while attempts remain.
func TestProcessorCycleReschedulesOnPublishFailure(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pub := &recordingPublisher{err: errors.New("broker down")}
	p := NewProcessor(New(pool), Retries, "workflows-in", pub, slog.Default())

	pool.ExpectBegin()
	rows := pgxmock.NewRows([]string{"id", "message", "status", "delayed_until", "attempt_count", "last_error"}).
		AddRow("row-1", []byte(`{"n":"wf"}`), StatusPending, time.Now().UTC(), 0, "")
	pool.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(StatusPending, 5, 50).
		WillReturnRows(rows)
	pool.ExpectExec("UPDATE retries").
		WithArgs(StatusPending, 1, "broker down", pgxmock.AnyArg(), "row-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	require.NoError(t, p.runOnce(context.Background()))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestReapSentDeletesOldRows(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := New(pool)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	pool.ExpectExec("DELETE FROM waits").
		WithArgs(StatusSent, cutoff, 500).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := store.ReapSent(context.Background(), Waits, cutoff, 500)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesAllTables(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := New(pool)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS definitions").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS waits").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectExec("CREATE INDEX IF NOT EXISTS waits_status_delayed_until_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS retries").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectExec("CREATE INDEX IF NOT EXISTS retries_status_delayed_until_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, pool.ExpectationsWereMet())
}
