package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryPublishConsumeAck(t *testing.T) {
	m := NewMemory(slog.Default())
	defer m.Close()

	ctx := context.Background()
	ch, err := m.Consume(ctx, "workflows-in")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "workflows-in", []byte(`{"n":"wf"}`)))
	require.Equal(t, 1, m.PendingCount())

	select {
	case d := <-ch:
		require.Equal(t, []byte(`{"n":"wf"}`), d.Body)
		require.Equal(t, "workflows-in", d.Topic)
		require.NoError(t, m.Ack(ctx, d))
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
	}

	require.Equal(t, 0, m.PendingCount())
}

// Two consumers on the same topic compete: each delivery goes to exactly
// one of them, never both.
func TestMemoryCompetingConsumers(t *testing.T) {
	m := NewMemory(slog.Default())
	defer m.Close()

	ctx := context.Background()
	ch1, err := m.Consume(ctx, "workflows-in")
	require.NoError(t, err)
	ch2, err := m.Consume(ctx, "workflows-in")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Publish(ctx, "workflows-in", []byte{byte(i)}))
	}

	seen := make(map[byte]int)
	for i := 0; i < 10; i++ {
		select {
		case d := <-ch1:
			seen[d.Body[0]]++
		case d := <-ch2:
			seen[d.Body[0]]++
		case <-time.After(time.Second):
			t.Fatal("delivery missing")
		}
	}
	require.Len(t, seen, 10)
	for b, n := range seen {
		require.Equal(t, 1, n, "message %d delivered %d times", b, n)
	}
}

func TestMemoryPublishAfterCloseFails(t *testing.T) {
	m := NewMemory(slog.Default())
	require.NoError(t, m.Close())
	require.Error(t, m.Publish(context.Background(), "workflows-in", nil))
}
