package interpreter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/expr"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/parser"
)

type fakeSource map[string][]byte

func (f fakeSource) Load(_ context.Context, name, version string) ([]byte, error) {
	b, ok := f[name+"/"+version]
	if !ok {
		return nil, errNotFound{}
	}
	return b, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "definition not found" }

func mustParse(t *testing.T, doc string) *node.Definition {
	t.Helper()
	src := fakeSource{"wf/1.0.0": []byte(doc)}
	def, err := parser.Parse(context.Background(), src, "wf", "1.0.0")
	require.NoError(t, err)
	return def
}

func freshStates(def *node.Definition, input any) map[node.Position]*node.Instance {
	root := node.NewInstance(def.Root, input)
	root.WorkflowID = "wf-1"
	return map[node.Position]*node.Instance{node.Root: root}
}

func newTestInterpreter(t *testing.T, def *node.Definition) *Interpreter {
	t.Helper()
	ev, err := expr.New()
	require.NoError(t, err)
	return New(def, Deps{Expr: ev})
}

// TestLinearSetAccumulatesContext covers three sequential Set
// tasks piping their output forward, each referencing the prior task's
// bindings via the JQ-like "." surface.
func TestLinearSetAccumulatesContext(t *testing.T) {
	const doc = `
name: accumulate
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
  - name: set-z
    kind: set
    set:
      z: "${ .x + .y + 1 }"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	out := res.Output.(map[string]any)
	require.EqualValues(t, 1, out["x"])
	require.EqualValues(t, 2, out["y"])
	require.EqualValues(t, 4, out["z"])
}

// TestSwitchRoutesToDefault covers Switch falling through to its mandatory
// default arm when no case matches.
func TestSwitchRoutesToDefault(t *testing.T) {
	const doc = `
name: route
version: "1.0.0"
do:
  - name: set-x
    kind: set
    set:
      x: 1
  - name: route
    kind: switch
    switch:
      - name: big
        when: ".x > 10"
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
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	out := res.Output.(map[string]any)
	require.Equal(t, "small", out["size"])
}

// TestForAccumulatesPerIterationOutput covers For/ForEach iterating a
// literal array bound via "in", rebinding "each" per pass.
func TestForAccumulatesPerIterationOutput(t *testing.T) {
	const doc = `
name: loop
version: "1.0.0"
do:
  - name: set-items
    kind: set
    set:
      items: [1, 2, 3]
  - name: double-each
    kind: for
    each: item
    in: ".items"
    do:
      - name: double
        kind: set
        set:
          doubled: "${ $context.item * 2 }"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	results := res.Output.([]any)
	require.Len(t, results, 3)
	require.EqualValues(t, 2, results[0].(map[string]any)["doubled"])
	require.EqualValues(t, 4, results[1].(map[string]any)["doubled"])
	require.EqualValues(t, 6, results[2].(map[string]any)["doubled"])
}

// TestWaitSuspendsThenResumes covers the Suspended-Wait status:
// the first activation suspends with a delay, and replaying the returned
// continuation's states completes the workflow without re-running prior
// Set tasks.
func TestWaitSuspendsThenResumes(t *testing.T) {
	const doc = `
name: waiter
version: "1.0.0"
do:
  - name: set-x
    kind: set
    set:
      x: 1
  - name: pause
    kind: wait
    wait: "PT1S"
  - name: set-y
    kind: set
    set:
      y: 2
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Continuation)
	require.Equal(t, ReasonWait, res.Continuation.Reason)
	require.Equal(t, node.Position("/do/1"), res.Continuation.Position)

	waitInst := res.Continuation.States[node.Position("/do/1")]
	require.Equal(t, node.PhaseWaiting, waitInst.Phase)

	res2, err := ip.Run(context.Background(), "wf-1", res.Continuation.States, res.Continuation.Position)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res2.Status)
	out := res2.Output.(map[string]any)
	require.EqualValues(t, 1, out["x"])
	require.EqualValues(t, 2, out["y"])
}

// TestTryCatchBindsError covers Try/Catch with a matching error filter and
// $error bound in the catch body's scope.
func TestTryCatchBindsError(t *testing.T) {
	const doc = `
name: guarded
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
            recovered: "${ $error.detail }"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	out := res.Output.(map[string]any)
	require.Equal(t, "nope", out["recovered"])
}

// TestUncaughtRaisePropagatesAsFailed covers an error with no matching catch
// clause surfacing as a Failed result.
func TestUncaughtRaisePropagatesAsFailed(t *testing.T) {
	const doc = `
name: failing
version: "1.0.0"
do:
  - name: boom
    kind: raise
    raise:
      type: RUNTIME
      detail: "always fails"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	require.Equal(t, "always fails", res.Err.Detail)
}

// TestRetryExhaustsThenFails covers retry exhaustion: a node with a retry policy
// suspends with ReasonRetry while attempts remain, then fails once
// maxAttempts is exhausted.
func TestRetryExhaustsThenFails(t *testing.T) {
	const doc = `
name: retrying
version: "1.0.0"
do:
  - name: flaky
    kind: raise
    raise:
      type: COMMUNICATION
      detail: "transient"
    retry:
      maxAttempts: 2
      base: "PT1S"
      multiplier: 2
      cap: "PT1S"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	states := freshStates(def, map[string]any{})
	res, err := ip.Run(context.Background(), "wf-1", states, node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.Equal(t, ReasonRetry, res.Continuation.Reason)

	res2, err := ip.Run(context.Background(), "wf-1", res.Continuation.States, res.Continuation.Position)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res2.Status)
	require.Equal(t, "transient", res2.Err.Detail)
}

// TestForkCollectAllJoin covers Fork with compete=false: both branches run
// to completion and their outputs are collected under their branch names.
func TestForkCollectAllJoin(t *testing.T) {
	const doc = `
name: forking
version: "1.0.0"
do:
  - name: split
    kind: fork
    branches:
      - name: left
        do:
          - name: set-left
            kind: set
            set:
              side: "left"
      - name: right
        do:
          - name: set-right
            kind: set
            set:
              side: "right"
`
	def := mustParse(t, doc)
	ip := newTestInterpreter(t, def)

	res, err := ip.Run(context.Background(), "wf-1", freshStates(def, map[string]any{}), node.Root)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	out := res.Output.(map[string]any)
	left := out["left"].(map[string]any)
	right := out["right"].(map[string]any)
	require.Equal(t, "left", left["side"])
	require.Equal(t, "right", right["side"])
}
