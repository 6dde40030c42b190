package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/workflowerr"
)

func TestSubWorkflowRunsReferencedDefinition(t *testing.T) {
	const parent = `
name: wf
version: "1.0.0"
do:
  - name: delegate
    kind: run
    run:
      kind: subworkflow
      ref: child@2.0.0
      with:
        base: 10
`
	const child = `
name: child
version: "2.0.0"
do:
  - name: add
    kind: set
    set:
      total: "${ .base + 5 }"
`
	c, _ := newTestConsumer(t, parent, nil)
	c.Source.(fakeSource)["child/2.0.0"] = []byte(child)
	c.Deps.SubWorkflow = SubWorkflows{Consumer: c}

	out, err := SubWorkflows{Consumer: c}.Run(context.Background(), "child@2.0.0", map[string]any{"base": 10})
	require.NoError(t, err)
	require.EqualValues(t, 15, out.(map[string]any)["total"])

	// And through the parent workflow end to end.
	require.NoError(t, c.Handle(context.Background(), startMessage(t, c, map[string]any{})))
}

func TestSubWorkflowRejectsMalformedRef(t *testing.T) {
	c, _ := newTestConsumer(t, `
name: wf
version: "1.0.0"
do:
  - name: noop
    kind: set
    set:
      a: 1
`, nil)
	_, err := SubWorkflows{Consumer: c}.Run(context.Background(), "no-version", nil)
	we, ok := workflowerr.As(err)
	require.True(t, ok)
	require.Equal(t, workflowerr.Configuration, we.ErrType)
}

func TestSubWorkflowSurfacesChildFailure(t *testing.T) {
	const child = `
name: child
version: "1.0.0"
do:
  - name: boom
    kind: raise
    raise:
      type: RUNTIME
      detail: "child failed"
`
	c, _ := newTestConsumer(t, child, nil)
	c.Source.(fakeSource)["child/1.0.0"] = []byte(child)

	_, err := SubWorkflows{Consumer: c}.Run(context.Background(), "child@1.0.0", nil)
	we, ok := workflowerr.As(err)
	require.True(t, ok)
	require.Equal(t, workflowerr.Runtime, we.ErrType)
	require.Equal(t, "child failed", we.Detail)
}
