// Package expr implements expression evaluation on top of CEL
// (github.com/google/cel-go). The rest of the engine depends only on this
// package's exported contract, so the engine choice is swappable; CEL
// evaluates a translated form of the DSL's JQ-like surface syntax.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/scope"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// scopeVars are the top-level names expressions may reference, matching the
// scope bundle's composition.
var scopeVars = []string{"context", "input", "output", "secrets", "authorization", "task", "workflow", "runtime", "error"}

// Error is an ExpressionError: a WorkflowError carrying the offending input
// and expression text
type Error struct {
	WorkflowErr *workflowerr.Error
	Input       jsonvalue.Value
	Expr        string
}

func newError(position, text string, input jsonvalue.Value, cause error) *Error {
	return &Error{
		WorkflowErr: workflowerr.Wrap(workflowerr.Expression, position, fmt.Errorf("expr %q: %w", text, cause)),
		Input:       input,
		Expr:        text,
	}
}

func (e *Error) Error() string { return e.WorkflowErr.Error() }

func (e *Error) Unwrap() error { return e.WorkflowErr }

// templatePattern matches a string leaf that is entirely one ${...} expression.
var templatePattern = regexp.MustCompile(`(?s)^\$\{(.*)\}$`)

// interpolationPattern matches embedded ${...} occurrences inside a larger string.
var interpolationPattern = regexp.MustCompile(`(?s)\$\{([^}]*)\}`)

// Evaluator evaluates JQ-like expressions and JSON templates against a
// scope bundle. Compiled CEL programs are cached by translated expression
// text, guarded by a mutex.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New creates an Evaluator with one shared CEL environment.
func New() (*Evaluator, error) {
	opts := make([]cel.EnvOption, 0, len(scopeVars))
	for _, v := range scopeVars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval evaluates a single JQ-like expression body (without ${ } delimiters)
// against the given input and scope. On failure it returns *Error.
func (e *Evaluator) Eval(position, expression string, input jsonvalue.Value, sc scope.Bundle) (jsonvalue.Value, error) {
	translated := translate(expression)

	prg, err := e.compile(translated)
	if err != nil {
		return nil, newError(position, expression, input, err)
	}

	vars := sc.ToMap()
	vars["input"] = input

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, newError(position, expression, input, err)
	}

	return out.Value(), nil
}

func (e *Evaluator) compile(translated string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[translated]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(translated)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[translated] = prg
	e.mu.Unlock()
	return prg, nil
}

// translate rewrites the DSL's JQ-like surface syntax into CEL:
//   - a bare-dot field reference addresses the current input ("." -> "input",
//     ".x + .y" -> "input.x + input.y"), rewritten at every token boundary
//   - "$name" variables (e.g. $error, $context) address the matching scope key
func translate(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "." {
		return "input"
	}
	trimmed = dotPath.ReplaceAllString(trimmed, "${1}input.${2}")
	return dollarVar.ReplaceAllString(trimmed, "$1")
}

// dotPath matches a bare leading-dot field reference at a token boundary:
// start of string, or a preceding char that cannot end a value expression
// (identifier, digit, closing paren/bracket, or another dot) — so member
// access like "$context.count" and numeric literals like "1.5" are left
// alone.
var dotPath = regexp.MustCompile(`(^|[^\w.)\]])\.([A-Za-z_])`)

var dollarVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// EvalBool evaluates an expression and requires a boolean result, the form
// used by Switch.case.when, Try.catch.when, and loop conditions.
func (e *Evaluator) EvalBool(position, expression string, input jsonvalue.Value, sc scope.Bundle) (bool, error) {
	v, err := e.Eval(position, expression, input, sc)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, newError(position, expression, input, fmt.Errorf("expression did not evaluate to a boolean, got %T", v))
	}
	return b, nil
}

// EvalTemplate evaluates a JSON template: string leaves matching the DSL's
// ${...} syntax are evaluated, objects/arrays are rebuilt structurally, and
// a nil template returns the incoming data unchanged. When
// force is true, every string leaf is evaluated unconditionally, not only
// ones wrapped in ${...}.
func (e *Evaluator) EvalTemplate(position string, tmpl jsonvalue.Value, input jsonvalue.Value, sc scope.Bundle, force bool) (jsonvalue.Value, error) {
	if tmpl == nil {
		return input, nil
	}

	switch t := tmpl.(type) {
	case string:
		return e.evalStringLeaf(position, t, input, sc, force)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			ev, err := e.EvalTemplate(position, v, input, sc, force)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			ev, err := e.EvalTemplate(position, v, input, sc, force)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return t, nil
	}
}

func (e *Evaluator) evalStringLeaf(position, s string, input jsonvalue.Value, sc scope.Bundle, force bool) (jsonvalue.Value, error) {
	if m := templatePattern.FindStringSubmatch(s); m != nil {
		return e.Eval(position, m[1], input, sc)
	}

	if interpolationPattern.MatchString(s) {
		return e.interpolate(position, s, input, sc)
	}

	if force {
		return e.Eval(position, s, input, sc)
	}

	return s, nil
}

// interpolate replaces every embedded ${...} occurrence with the
// stringified result of evaluating its body.
func (e *Evaluator) interpolate(position, s string, input jsonvalue.Value, sc scope.Bundle) (string, error) {
	var evalErr error
	result := interpolationPattern.ReplaceAllStringFunc(s, func(match string) string {
		if evalErr != nil {
			return match
		}
		inner := interpolationPattern.FindStringSubmatch(match)[1]
		v, err := e.Eval(position, inner, input, sc)
		if err != nil {
			evalErr = err
			return match
		}
		return stringify(v)
	})
	if evalErr != nil {
		return "", evalErr
	}
	return result, nil
}

func stringify(v jsonvalue.Value) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := jsonvalue.Clone(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return fmt.Sprintf("%v", b)
	}
}
