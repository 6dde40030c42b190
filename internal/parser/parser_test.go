package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

type fakeSource map[string][]byte

func (f fakeSource) Load(_ context.Context, name, version string) ([]byte, error) {
	b, ok := f[name+"/"+version]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "definition not found" }

const validDoc = `
name: increment
version: "1.0.0"
do:
  - name: set-x
    kind: set
    set:
      x: 1
  - name: set-y
    kind: set
    set:
      y: "${ .x + 1 }"
  - name: route
    kind: switch
    switch:
      - name: big
        when: "${ .y > 1 }"
        then:
          - name: mark-big
            kind: set
            set:
              size: "big"
    default:
      - name: mark-small
        kind: set
        set:
          size: "small"
`

func TestParseBuildsPositionedTree(t *testing.T) {
	src := fakeSource{"increment/1.0.0": []byte(validDoc)}

	def, err := Parse(context.Background(), src, "increment", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "increment", def.Name)
	require.Equal(t, node.KindDo, def.Root.Kind)
	require.Len(t, def.Root.Children, 3)

	setX := def.Root.Children[0]
	require.Equal(t, node.Position("/do/0"), setX.Position)
	require.Equal(t, node.KindSet, setX.Kind)
	require.Equal(t, node.SetBody{"x": 1}, setX.Body)

	route := def.Root.Children[2]
	require.Equal(t, node.Position("/do/2"), route.Position)
	require.Equal(t, node.KindSwitch, route.Kind)

	sb := route.Body.(*node.SwitchBody)
	require.Len(t, sb.Cases, 1)
	require.Equal(t, "big", sb.Cases[0].Name)
	require.Equal(t, node.Position("/do/2/switch/0"), sb.Cases[0].Then.Position)
	require.Equal(t, node.Position("/do/2/default"), sb.Default.Position)

	// the definition index resolves every stamped position, including
	// nested switch/default containers, by Position alone.
	require.Same(t, sb.Cases[0].Then, def.ByPosition(node.Position("/do/2/switch/0")))
	require.Same(t, sb.Default, def.ByPosition(node.Position("/do/2/default")))
}

func TestParseRejectsSwitchWithoutDefault(t *testing.T) {
	const doc = `
name: bad
version: "1.0.0"
do:
  - name: route
    kind: switch
    switch:
      - name: only
        when: "${ true }"
        then:
          - name: noop
            kind: set
            set:
              a: 1
`
	src := fakeSource{"bad/1.0.0": []byte(doc)}

	_, err := Parse(context.Background(), src, "bad", "1.0.0")
	require.Error(t, err)
	we, ok := workflowerr.As(err)
	require.True(t, ok)
	require.Equal(t, workflowerr.Configuration, we.ErrType)
}

func TestParseRejectsUnknownDefinition(t *testing.T) {
	src := fakeSource{}
	_, err := Parse(context.Background(), src, "missing", "1.0.0")
	require.Error(t, err)
	we, ok := workflowerr.As(err)
	require.True(t, ok)
	require.Equal(t, workflowerr.Configuration, we.ErrType)
}
