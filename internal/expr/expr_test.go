package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/scope"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := New()
	require.NoError(t, err)
	return ev
}

func TestEvalDotPathAddressesInput(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Eval("/do/0", ".x + 1", map[string]any{"x": 41}, scope.Bundle{})
	require.NoError(t, err)
	require.EqualValues(t, 42, out)

	identity, err := ev.Eval("/do/0", ".", map[string]any{"x": 41}, scope.Bundle{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": 41}, identity)
}

// Every bare-dot reference in a compound expression addresses the input,
// not only the first one, and mixing $var chains with bare-dot references
// leaves the $var member access untouched.
func TestEvalCompoundDotPaths(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Eval("/do/0", ".x + .y + 1", map[string]any{"x": 1, "y": 2}, scope.Bundle{})
	require.NoError(t, err)
	require.EqualValues(t, 4, out)

	sc := scope.Bundle{Context: map[string]any{"count": 3}}
	mixed, err := ev.Eval("/do/0", "$context.count + .x", map[string]any{"x": 1}, sc)
	require.NoError(t, err)
	require.EqualValues(t, 4, mixed)

	grouped, err := ev.Eval("/do/0", "(.x + .y) * 1.5", map[string]any{"x": 1.0, "y": 3.0}, scope.Bundle{})
	require.NoError(t, err)
	require.EqualValues(t, 6, grouped)
}

func TestEvalDollarVarAddressesScope(t *testing.T) {
	ev := newEvaluator(t)

	sc := scope.Bundle{Context: map[string]any{"count": 3}}
	out, err := ev.Eval("/do/0", "$context.count * 2", nil, sc)
	require.NoError(t, err)
	require.EqualValues(t, 6, out)
}

// A nil template returns the input unchanged; ${...} string leaves are
// evaluated; other leaves pass through untouched.
func TestEvalTemplateRebuildsStructure(t *testing.T) {
	ev := newEvaluator(t)

	passthrough, err := ev.EvalTemplate("/do/0", nil, map[string]any{"a": 1}, scope.Bundle{}, false)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1}, passthrough)

	tmpl := map[string]any{
		"doubled": "${ .n * 2 }",
		"label":   "plain",
		"nested":  []any{"${ .n }", true},
	}
	out, err := ev.EvalTemplate("/do/0", tmpl, map[string]any{"n": 5}, scope.Bundle{}, false)
	require.NoError(t, err)
	obj := out.(map[string]any)
	require.EqualValues(t, 10, obj["doubled"])
	require.Equal(t, "plain", obj["label"])
	require.EqualValues(t, 5, obj["nested"].([]any)[0])
	require.Equal(t, true, obj["nested"].([]any)[1])
}

// force=true evaluates every string leaf, not only ${...}-wrapped ones.
func TestEvalTemplateForceMode(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.EvalTemplate("/do/0", ".n + 1", map[string]any{"n": 1}, scope.Bundle{}, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, out)
}

func TestInterpolationInsideLargerString(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.EvalTemplate("/do/0", "order ${ .id } ready", map[string]any{"id": "a-1"}, scope.Bundle{}, false)
	require.NoError(t, err)
	require.Equal(t, "order a-1 ready", out)
}

func TestEvalBoolRejectsNonBoolean(t *testing.T) {
	ev := newEvaluator(t)

	ok, err := ev.EvalBool("/do/0", ".n > 1", map[string]any{"n": 2}, scope.Bundle{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ev.EvalBool("/do/0", ".n", map[string]any{"n": 2}, scope.Bundle{})
	require.Error(t, err)
}

// Parse failures surface as an expression error carrying the offending
// expression text and input.
func TestEvalFailureCarriesExprAndInput(t *testing.T) {
	ev := newEvaluator(t)

	_, err := ev.Eval("/do/0", ".x +", map[string]any{"x": 1}, scope.Bundle{})
	require.Error(t, err)
	ee, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ".x +", ee.Expr)
	require.Equal(t, map[string]any{"x": 1}, ee.Input)
}
