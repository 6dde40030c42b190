package codec

import (
	"encoding/json"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/node"
)

func TestMessageRoundTrip(t *testing.T) {
	root := &node.Instance{
		Position:     node.Root,
		Kind:         node.KindFork,
		Phase:        node.PhaseWaiting,
		RawInput:     map[string]any{"x": float64(1)},
		ChildIndex:   1,
		StartedAt:    time.Unix(0, 0).UTC(),
		LoopCursor:   -1,
		ForkBranches: map[string]*node.BranchMarker{"a": {Position: "/fork/a", Done: false}},
	}
	child := &node.Instance{
		Position:   node.Position("/fork/a"),
		Kind:       node.KindSet,
		Phase:      node.PhaseNew,
		ChildIndex: -1,
		LoopCursor: -1,
	}

	states := map[node.Position]*node.Instance{
		root.Position:  root,
		child.Position: child,
	}

	msg, err := Build("order-workflow", "1.0.0", states, child.Position)
	require.NoError(t, err)
	require.Equal(t, "order-workflow", msg.Name)
	require.Equal(t, "/fork/a", msg.Position)

	wire, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, node.Position("/fork/a"), decoded.ResumePosition())

	restored, err := decoded.Instances()
	require.NoError(t, err)
	require.Len(t, restored, 2)

	restoredRoot := restored[node.Root]
	require.Equal(t, node.KindFork, restoredRoot.Kind)
	require.Equal(t, node.PhaseWaiting, restoredRoot.Phase)
	require.Equal(t, 1, restoredRoot.ChildIndex)
	require.True(t, restoredRoot.StartedAt.Equal(root.StartedAt))
	require.Equal(t, node.Position("/fork/a"), restoredRoot.ForkBranches["a"].Position)
	require.False(t, restoredRoot.ForkBranches["a"].Done)

	// An Instance must round-trip to/from State without information loss,
	// so the re-encoded wire form must be structurally identical to the
	// original.
	reEncoded, err := Build(msg.Name, msg.Version, restored, decoded.ResumePosition())
	require.NoError(t, err)
	reWire, err := Encode(reEncoded)
	require.NoError(t, err)

	var a, b any
	require.NoError(t, json.Unmarshal(wire, &a))
	require.NoError(t, json.Unmarshal(reWire, &b))
	require.True(t, jsonpatch.Equal(mustMarshal(t, a), mustMarshal(t, b)),
		"message should round-trip byte-for-byte modulo key order")
}

// Peek must extract identity fields even from envelopes whose state map
// would fail a full decode, since it feeds error logging.
func TestPeekExtractsIdentity(t *testing.T) {
	name, version, position := Peek([]byte(`{"n":"wf","v":"1.0.0","s":{"": 12},"p":"/do/1"}`))
	require.Equal(t, "wf", name)
	require.Equal(t, "1.0.0", version)
	require.Equal(t, "/do/1", position)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
