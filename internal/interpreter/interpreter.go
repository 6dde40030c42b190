// Package interpreter implements the workflow walker: it applies I/O
// transforms around each node.Task, dispatches each task Kind's body, and
// resolves retry/catch/wait/fork suspension. Control flow is an explicit
// sum-typed step result rather than panics or sentinel errors, and every
// composite kind (Do, For, Fork, Switch, Try) advances its children
// in-process within one activation.
package interpreter

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/internal/activity"
	"github.com/lyzr/flowengine/internal/expr"
	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/scope"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// Status is the terminal or suspended shape of a Run call.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusSuspended Status = "SUSPENDED"
	StatusFailed    Status = "FAILED"
)

// SuspendReason names why a Run call suspended instead of completing.
type SuspendReason string

const (
	ReasonWait  SuspendReason = "WAIT"
	ReasonRetry SuspendReason = "RETRY"
)

// Continuation is the single suspension record a Run call produces: enough
// for the consumer/outbox layer to build a codec.Message and schedule it in
// the waits or retries table.
type Continuation struct {
	Reason   SuspendReason
	Position node.Position
	States   map[node.Position]*node.Instance
	Delay    time.Duration
}

// Result is the outcome of one Run call: Completed(output),
// Suspended(continuation), or Failed(error).
type Result struct {
	Status       Status
	Output       jsonvalue.Value
	Continuation *Continuation
	Err          *workflowerr.Error
}

// Deps bundles the host-supplied capabilities the interpreter never
// implements itself: the expression engine and every side-effecting
// activity a node body may call.
type Deps struct {
	Expr        *expr.Evaluator
	HTTP        activity.HTTPCaller
	GRPC        activity.GRPCCaller
	AsyncAPI    activity.AsyncAPIPublisher
	Emitter     activity.EventEmitter
	SubWorkflow activity.SubWorkflowRunner
	Runner      activity.Runner

	Secrets       map[string]any
	Authorization *scope.AuthorizationDescriptor
	Runtime       scope.RuntimeDescriptor

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Interpreter runs one workflow Definition. It is safe for concurrent use
// across distinct Run calls (no mutable state is shared beyond the
// immutable Definition and Deps); each Run call owns its own runState.
type Interpreter struct {
	def  *node.Definition
	deps Deps
}

// New builds an Interpreter bound to one parsed Definition.
func New(def *node.Definition, deps Deps) *Interpreter {
	return &Interpreter{def: def, deps: deps}
}

// runState is the per-activation scratch space threaded through execNode:
// the flat instance map (keyed by Position, covering every node touched so
// far in this or any prior activation) and the running workflow context.
type runState struct {
	def        *node.Definition
	workflowID string
	instances  map[node.Position]*node.Instance
	context    map[string]any
	workflowIn jsonvalue.Value
	deps       Deps
}

func newRunState(def *node.Definition, workflowID string, states map[node.Position]*node.Instance, deps Deps) *runState {
	instances := states
	if instances == nil {
		instances = make(map[node.Position]*node.Instance)
	}
	ctx := map[string]any{}
	var workflowIn jsonvalue.Value
	if root, ok := instances[node.Root]; ok {
		if root.Context != nil {
			ctx = root.Context
		}
		workflowIn = root.RawInput
	}
	return &runState{def: def, workflowID: workflowID, instances: instances, context: ctx, workflowIn: workflowIn, deps: deps}
}

func (rs *runState) getOrCreate(t *node.Task, rawInput jsonvalue.Value) *node.Instance {
	inst, ok := rs.instances[t.Position]
	if !ok {
		inst = node.NewInstance(t, rawInput)
		rs.instances[t.Position] = inst
	}
	return inst
}

func (rs *runState) mergeContext(extra map[string]any) {
	rs.context = jsonvalue.Merge(rs.context, extra)
	if root, ok := rs.instances[node.Root]; ok {
		root.Context = rs.context
	}
}

// scopeFor assembles the expression scope bundle visible at t; errVal is
// non-nil only while evaluating a Try's catch clause. When errVal is nil and
// t lies inside a Try's catch.do, $error is the error that Try caught.
func (rs *runState) scopeFor(t *node.Task, inst *node.Instance, errVal jsonvalue.Value) scope.Bundle {
	if errVal == nil {
		for c, p := t, rs.def.Parent(t); p != nil; c, p = p, rs.def.Parent(p) {
			if p.Catch != nil && p.Catch.Do == c {
				if pi := rs.instances[p.Position]; pi != nil && pi.CaughtError != nil {
					errVal = pi.CaughtError.ToJSON()
				}
				break
			}
		}
	}
	return scope.Bundle{
		Context: rs.context,
		Output:  inst.RawOutput,
		Secrets: rs.deps.Secrets,
		Task: &scope.TaskDescriptor{
			Name:     t.Name,
			Position: t.Position.String(),
			Input:    inst.TransformedInput,
		},
		Workflow:      scope.WorkflowDescriptor{ID: rs.workflowID, Name: rs.def.Name, Version: rs.def.Version, Input: rs.workflowIn},
		Runtime:       rs.deps.Runtime,
		Authorization: rs.deps.Authorization,
		Error:         errVal,
	}
}

// stepKind enumerates the sum-typed step result used in place of
// exceptions-as-control-flow: {Continue, Complete, Wait, Retry, Raise}.
// "Continue" never escapes execNode itself (composites loop internally), so
// only the terminal four are represented here.
type stepKind int

const (
	stepCompleted stepKind = iota
	stepWait
	stepRetry
	stepRaised
)

type step struct {
	kind     stepKind
	output   jsonvalue.Value
	delay    time.Duration
	position node.Position
	err      *workflowerr.Error
}

// Run executes (or resumes) a workflow instance as a recursive replay from
// the Definition's root: every already-Done instance short-circuits to its
// cached TransformedOutput without recomputation (idempotent replay), so a
// replay always lands back at exactly the position a prior activation
// suspended at without needing a separate stack-unwind/rebuild path. The
// walk always starts at the root, which is equivalent given that
// invariant; the position argument does not steer it and only appears in
// the error returned when states has no root instance.
func (ip *Interpreter) Run(ctx context.Context, workflowID string, states map[node.Position]*node.Instance, position node.Position) (*Result, error) {
	rs := newRunState(ip.def, workflowID, states, ip.deps)
	if rs.instances[node.Root] == nil {
		return nil, fmt.Errorf("interpreter: no root instance in states (position=%s)", position)
	}

	root := ip.def.Root
	st := ip.execNode(ctx, rs, root, rs.instances[node.Root].RawInput)

	switch st.kind {
	case stepCompleted:
		return &Result{Status: StatusCompleted, Output: st.output}, nil
	case stepWait:
		pos := st.position
		if pos == "" {
			pos = root.Position
		}
		return &Result{Status: StatusSuspended, Continuation: &Continuation{
			Reason: ReasonWait, Position: pos, States: rs.instances, Delay: st.delay,
		}}, nil
	case stepRetry:
		pos := st.position
		if pos == "" {
			pos = root.Position
		}
		return &Result{Status: StatusSuspended, Continuation: &Continuation{
			Reason: ReasonRetry, Position: pos, States: rs.instances, Delay: st.delay,
		}}, nil
	case stepRaised:
		return &Result{Status: StatusFailed, Err: st.err}, nil
	default:
		return nil, fmt.Errorf("interpreter: unreachable step kind %d", st.kind)
	}
}

// execNode runs the fixed four-stage pipeline shared by every task kind
// (input.from -> body -> output.as -> export.as) and applies the
// nearest-enclosing-retry-policy rule to any error the body or a transform
// raises, at every level it bubbles through.
func (ip *Interpreter) execNode(ctx context.Context, rs *runState, t *node.Task, rawInput jsonvalue.Value) step {
	inst := rs.getOrCreate(t, rawInput)

	if inst.Phase == node.PhaseDone {
		return step{kind: stepCompleted, output: inst.TransformedOutput}
	}

	if inst.StartedAt.IsZero() {
		inst.StartedAt = ip.deps.now()
	}

	if inst.Phase == node.PhaseNew {
		ti, err := ip.deps.Expr.EvalTemplate(t.Position.String(), t.InputFrom, inst.RawInput, rs.scopeFor(t, inst, nil), false)
		if err != nil {
			return ip.handleError(rs, t, inst, toWorkflowErr(err, t.Position))
		}
		inst.TransformedInput = ti
		inst.Phase = node.PhaseInputReady
	}

	body := ip.execBody(ctx, rs, t, inst)
	if body.kind == stepWait || body.kind == stepRetry {
		return body
	}
	if body.kind == stepRaised {
		return ip.handleError(rs, t, inst, body.err)
	}

	inst.RawOutput = body.output
	inst.Phase = node.PhaseOutputReady

	oa, err := ip.deps.Expr.EvalTemplate(t.Position.String(), t.OutputAs, inst.RawOutput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return ip.handleError(rs, t, inst, toWorkflowErr(err, t.Position))
	}
	inst.TransformedOutput = oa

	if t.ExportAs != nil {
		ea, err := ip.deps.Expr.EvalTemplate(t.Position.String(), t.ExportAs, inst.RawOutput, rs.scopeFor(t, inst, nil), false)
		if err != nil {
			return ip.handleError(rs, t, inst, toWorkflowErr(err, t.Position))
		}
		rs.mergeContext(jsonvalue.AsObject(ea))
	}

	inst.Phase = node.PhaseDone
	return step{kind: stepCompleted, output: inst.TransformedOutput}
}

// handleError applies the retry rule: a node with a retry policy retries up
// to its maxAttempts, and on exhaustion the error propagates. Checked at
// every ancestor as the raised step bubbles through its execNode wrapper,
// which is exactly the nearest enclosing node with a retry policy.
func (ip *Interpreter) handleError(rs *runState, t *node.Task, inst *node.Instance, werr *workflowerr.Error) step {
	if t.RetryPolicy != nil && inst.AttemptIndex+1 < t.RetryPolicy.MaxAttempts {
		delay := backoff(t.RetryPolicy, inst.AttemptIndex)
		inst.AttemptIndex++
		inst.Phase = node.PhaseRetrying
		return step{kind: stepRetry, delay: delay, position: t.Position}
	}
	inst.Phase = node.PhaseRaised
	return step{kind: stepRaised, err: werr}
}

func toWorkflowErr(err error, pos node.Position) *workflowerr.Error {
	if we, ok := workflowerr.As(err); ok {
		return we
	}
	return workflowerr.Wrap(workflowerr.Expression, pos.String(), err)
}

// execBody dispatches on Kind, returning a step whose "output" field (on
// stepCompleted) is the node's rawOutput — the fixed-pipeline's
// output.as/export.as stages are applied by the execNode wrapper above, not
// here, so every body implementation only needs to produce raw data.
func (ip *Interpreter) execBody(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	switch t.Kind {
	case node.KindDo:
		return ip.execDo(ctx, rs, t, inst, t.Children, inst.TransformedInput)
	case node.KindFor:
		return ip.execFor(ctx, rs, t, inst)
	case node.KindFork:
		return ip.execFork(ctx, rs, t, inst)
	case node.KindSwitch:
		return ip.execSwitch(ctx, rs, t, inst)
	case node.KindTry:
		return ip.execTry(ctx, rs, t, inst)
	case node.KindRaise:
		return ip.execRaise(rs, t, inst)
	case node.KindSet:
		return ip.execSet(rs, t, inst)
	case node.KindWait:
		return ip.execWait(t, inst)
	case node.KindRun:
		return ip.execRun(ctx, rs, t, inst)
	case node.KindCallHTTP:
		return ip.execCallHTTP(ctx, rs, t, inst)
	case node.KindCallGRPC:
		return ip.execCallGRPC(ctx, rs, t, inst)
	case node.KindCallAsyncAPI:
		return ip.execCallAsyncAPI(ctx, rs, t, inst)
	case node.KindEmit:
		return ip.execEmit(ctx, rs, t, inst)
	case node.KindListen:
		return ip.execListen(t, inst)
	default:
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Configuration, t.Position.String(),
			fmt.Sprintf("no executor registered for node kind %q", t.Kind))}
	}
}

// execDo walks an ordered child list, piping each child's transformed
// output into the next child's raw input, and is reused
// directly by For's per-iteration body and by Fork's per-branch container
// (both built as Do-shaped containers by the parser).
func (ip *Interpreter) execDo(ctx context.Context, rs *runState, parent *node.Task, parentInst *node.Instance, children []*node.Task, firstInput jsonvalue.Value) step {
	if len(children) == 0 {
		return step{kind: stepCompleted, output: firstInput}
	}
	if parentInst.ChildIndex == -1 {
		parentInst.ChildIndex = 0
	}
	for parentInst.ChildIndex < len(children) {
		child := children[parentInst.ChildIndex]
		var childInput jsonvalue.Value
		if parentInst.ChildIndex == 0 {
			childInput = firstInput
		} else {
			prev := children[parentInst.ChildIndex-1]
			childInput = rs.instances[prev.Position].TransformedOutput
		}
		cs := ip.execNode(ctx, rs, child, childInput)
		if cs.kind != stepCompleted {
			return cs
		}
		parentInst.ChildIndex++
	}
	last := children[len(children)-1]
	return step{kind: stepCompleted, output: rs.instances[last.Position].TransformedOutput}
}

// execFor iterates For's collection expression, rebinding the loop variable
// each pass and replaying execDo over the body for every item. ChildIndex
// (and each iteration's child instances) resets on re-entry since For's
// DSL semantics prescribe restart per item.
func (ip *Interpreter) execFor(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.ForBody)

	if inst.LoopCursor == -1 {
		coll, err := ip.deps.Expr.Eval(t.Position.String(), body.In, inst.TransformedInput, rs.scopeFor(t, inst, nil))
		if err != nil {
			return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
		}
		arr, ok := coll.([]any)
		if !ok {
			return step{kind: stepRaised, err: workflowerr.New(workflowerr.Expression, t.Position.String(),
				"for.in did not evaluate to an array")}
		}
		inst.LoopItems = arr
		inst.LoopCursor = 0
		inst.ChildIndex = -1
	}

	items, _ := inst.LoopItems.([]any)
	results, _ := inst.RawOutput.([]any)
	for inst.LoopCursor < len(items) {
		item := items[inst.LoopCursor]
		rs.mergeContext(map[string]any{body.Each: item})
		if body.At != "" {
			rs.mergeContext(map[string]any{body.At: inst.LoopCursor})
		}

		cs := ip.execDo(ctx, rs, t, inst, t.Children, item)
		if cs.kind != stepCompleted {
			return cs
		}

		results = append(results, cs.output)
		inst.RawOutput = results
		inst.LoopCursor++
		inst.ChildIndex = -1
		for _, c := range t.Children {
			delete(rs.instances, c.Position)
		}
	}

	return step{kind: stepCompleted, output: results}
}

// execSwitch evaluates each case.when in declared order, taking the first
// truthy case, falling back to the parser-enforced default.
func (ip *Interpreter) execSwitch(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.SwitchBody)

	if inst.CaseName == "" {
		for _, c := range body.Cases {
			ok, err := ip.deps.Expr.EvalBool(t.Position.String(), c.When, inst.TransformedInput, rs.scopeFor(t, inst, nil))
			if err != nil {
				return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
			}
			if ok {
				inst.CaseName = c.Name
				break
			}
		}
		if inst.CaseName == "" {
			inst.CaseName = "default"
		}
	}

	var target *node.Task
	if inst.CaseName == "default" {
		target = body.Default
	} else {
		for _, c := range body.Cases {
			if c.Name == inst.CaseName {
				target = c.Then
			}
		}
	}
	if target == nil {
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Configuration, t.Position.String(),
			fmt.Sprintf("switch case %q has no matching branch", inst.CaseName))}
	}
	return ip.execNode(ctx, rs, target, inst.TransformedInput)
}

// execFork runs every non-done branch in turn within this single
// activation: since every branch's Instance lives in the same states map
// as the Fork itself, there is no separate
// cross-message join to coordinate — a branch that suspends just makes the
// whole Fork (and its ancestors) suspend as one continuation, and the next
// activation resumes by replaying every branch, skipping the ones already
// Done. Compete=true is a race: the first branch to complete wins and
// the rest are marked cancelled. Compete=false is a fail-fast join: any
// branch that raises cancels its siblings and the error propagates;
// otherwise the Fork only completes once every branch has.
func (ip *Interpreter) execFork(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.ForkBody)

	if inst.ForkBranches == nil {
		inst.ForkBranches = make(map[string]*node.BranchMarker, len(body.Branches))
		for _, b := range body.Branches {
			inst.ForkBranches[b.Name] = &node.BranchMarker{Position: b.Task.Position}
		}
	}

	var pending step
	havePending := false

	for _, b := range body.Branches {
		marker := inst.ForkBranches[b.Name]
		if marker.Done || marker.Cancelled {
			continue
		}

		cs := ip.execNode(ctx, rs, b.Task, inst.TransformedInput)
		switch cs.kind {
		case stepCompleted:
			marker.Done = true
			marker.Output = cs.output
			if body.Compete {
				cancelSiblings(inst.ForkBranches, b.Name)
				return step{kind: stepCompleted, output: marker.Output}
			}
		case stepRaised:
			marker.Err = cs.err
			cancelSiblings(inst.ForkBranches, "")
			return cs
		default: // wait, retry: branch is still in flight
			if !havePending {
				pending, havePending = cs, true
			}
		}
	}

	if havePending {
		return pending
	}

	out := make(map[string]any, len(body.Branches))
	for _, b := range body.Branches {
		out[b.Name] = inst.ForkBranches[b.Name].Output
	}
	return step{kind: stepCompleted, output: out}
}

// cancelSiblings marks every not-yet-done branch other than keep as
// cancelled; pass "" to cancel all remaining branches (fail-fast join).
func cancelSiblings(branches map[string]*node.BranchMarker, keep string) {
	for name, m := range branches {
		if name == keep || m.Done {
			continue
		}
		m.Cancelled = true
	}
}

// execTry runs the protected body and, on a raised WorkflowError, diverts
// into catch.do when the filter and when-guard both hold. An unmatched or
// absent catch clause lets the error bubble unchanged, where an enclosing
// execNode's handleError may still retry it.
func (ip *Interpreter) execTry(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.TryBody)
	cs := ip.execNode(ctx, rs, body.Try, inst.TransformedInput)
	if cs.kind != stepRaised || t.Catch == nil {
		return cs
	}

	werr := cs.err
	if t.Catch.ErrorsWith != nil && !werr.Matches(t.Catch.ErrorsWith.Type, t.Catch.ErrorsWith.Status) {
		return cs
	}

	errVal := werr.ToJSON()
	if t.Catch.When != "" {
		ok, err := ip.deps.Expr.EvalBool(t.Position.String(), t.Catch.When, inst.TransformedInput,
			rs.scopeFor(t, inst, errVal))
		if err != nil {
			return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
		}
		if !ok {
			return cs
		}
	}

	inst.CaughtError = werr
	return ip.execNode(ctx, rs, t.Catch.Do, inst.TransformedInput)
}

// execRaise synthesises a WorkflowError from the DSL raise block.
func (ip *Interpreter) execRaise(rs *runState, t *node.Task, inst *node.Instance) step {
	r := t.Raise
	if r == nil {
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Configuration, t.Position.String(), "raise task has no raise spec")}
	}
	detail, err := ip.deps.Expr.EvalTemplate(t.Position.String(), r.Detail, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}
	instancePos := r.Instance
	if instancePos == "" {
		instancePos = t.Position.String()
	}
	werr := workflowerr.New(r.Type, instancePos, stringifyDetail(detail))
	if r.Title != "" {
		werr.Title = r.Title
	}
	return step{kind: stepRaised, err: werr}
}

func stringifyDetail(v jsonvalue.Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// execSet evaluates the key/value template and merges it both forward into
// the node's own output (so sequential Do/For piping accumulates workflow
// variables) and into the running context.
func (ip *Interpreter) execSet(rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(node.SetBody)
	evaluated := make(map[string]any, len(body))
	for k, v := range body {
		ev, err := ip.deps.Expr.EvalTemplate(t.Position.String(), v, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
		if err != nil {
			return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
		}
		evaluated[k] = ev
	}
	rs.mergeContext(evaluated)
	merged := jsonvalue.Merge(jsonvalue.AsObject(inst.TransformedInput), evaluated)
	return step{kind: stepCompleted, output: merged}
}

// execWait suspends until a wall-clock delay elapses. A replayed
// activation whose instance already carries PhaseWaiting means the outbox
// only claimed this row once its delayed_until had passed, so the wait is
// over.
func (ip *Interpreter) execWait(t *node.Task, inst *node.Instance) step {
	if inst.Phase == node.PhaseWaiting {
		return step{kind: stepCompleted, output: inst.TransformedInput}
	}
	body := t.Body.(*node.WaitBody)
	d, err := parseDuration(body.Duration)
	if err != nil {
		return step{kind: stepRaised, err: workflowerr.Wrap(workflowerr.Configuration, t.Position.String(), err)}
	}
	inst.Phase = node.PhaseWaiting
	return step{kind: stepWait, delay: d, position: t.Position}
}

// execListen suspends indefinitely pending a matching event; correlation,
// multi-event aggregation, and timeout semantics are out of scope for the
// core beyond this suspension contract.
func (ip *Interpreter) execListen(t *node.Task, inst *node.Instance) step {
	if inst.Phase == node.PhaseWaiting {
		return step{kind: stepCompleted, output: inst.TransformedInput}
	}
	inst.Phase = node.PhaseWaiting
	return step{kind: stepWait, delay: 0, position: t.Position}
}

// execRun delegates to the Runner/SubWorkflowRunner capability contracts;
// shell/script/container bodies are opaque to the engine.
func (ip *Interpreter) execRun(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.RunBody)
	with, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.With, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}

	var out jsonvalue.Value
	if body.Kind == node.RunSubWorkflow {
		if ip.deps.SubWorkflow == nil {
			return step{kind: stepRaised, err: workflowerr.New(workflowerr.Runtime, t.Position.String(), "no sub-workflow runner configured")}
		}
		out, err = ip.deps.SubWorkflow.Run(ctx, body.Ref, with)
	} else {
		if ip.deps.Runner == nil {
			return step{kind: stepRaised, err: workflowerr.New(workflowerr.Runtime, t.Position.String(), "no activity runner configured")}
		}
		out, err = ip.deps.Runner.Run(ctx, string(body.Kind), body.Ref, with)
	}
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErrKind(err, workflowerr.Runtime, t.Position)}
	}
	return step{kind: stepCompleted, output: out}
}

// execCallHTTP resolves the request template and issues it through the
// HTTPCaller capability, the one call kind the engine implements
// concretely rather than leaving as a contract. A non-2xx
// response raises a CommunicationError, which the usual retry/catch
// machinery can then handle like any other raised step.
func (ip *Interpreter) execCallHTTP(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.CallHTTPBody)
	sc := rs.scopeFor(t, inst, nil)

	urlVal, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.URL, inst.TransformedInput, sc, false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}
	urlStr, _ := urlVal.(string)

	headers := make(map[string]string, len(body.Headers))
	for k, v := range body.Headers {
		hv, err := ip.deps.Expr.EvalTemplate(t.Position.String(), v, inst.TransformedInput, sc, false)
		if err != nil {
			return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
		}
		headers[k] = stringifyDetail(hv)
	}

	query := make(map[string]string, len(body.Query))
	for k, v := range body.Query {
		qv, err := ip.deps.Expr.EvalTemplate(t.Position.String(), v, inst.TransformedInput, sc, false)
		if err != nil {
			return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
		}
		query[k] = stringifyDetail(qv)
	}

	reqBody, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.Body, inst.TransformedInput, sc, false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}

	if ip.deps.HTTP == nil {
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Runtime, t.Position.String(), "no HTTP caller configured")}
	}

	resp, err := ip.deps.HTTP.Do(ctx, activity.HTTPRequest{
		Method:  body.Method,
		URL:     urlStr,
		Headers: headers,
		Query:   query,
		Body:    reqBody,
	})
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErrKind(err, workflowerr.Communication, t.Position)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Communication, t.Position.String(),
			fmt.Sprintf("HTTP call returned status %d", resp.StatusCode))}
	}

	return step{kind: stepCompleted, output: activity.ShapeOutput(string(body.Output), resp)}
}

// execCallGRPC delegates to the GRPCCaller capability contract.
func (ip *Interpreter) execCallGRPC(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.CallGRPCBody)
	with, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.With, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}
	out, err := ip.deps.GRPC.Call(ctx, body.Service, body.Method, with)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErrKind(err, workflowerr.Communication, t.Position)}
	}
	return step{kind: stepCompleted, output: out}
}

// execCallAsyncAPI delegates to the AsyncAPIPublisher capability contract.
func (ip *Interpreter) execCallAsyncAPI(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.CallAsyncAPIBody)
	with, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.With, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}
	out, err := ip.deps.AsyncAPI.Publish(ctx, body.Channel, body.Operation, with)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErrKind(err, workflowerr.Communication, t.Position)}
	}
	return step{kind: stepCompleted, output: out}
}

// execEmit publishes a CloudEvent and returns its id.
func (ip *Interpreter) execEmit(ctx context.Context, rs *runState, t *node.Task, inst *node.Instance) step {
	body := t.Body.(*node.EmitBody)
	ev, err := ip.deps.Expr.EvalTemplate(t.Position.String(), body.Event, inst.TransformedInput, rs.scopeFor(t, inst, nil), false)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErr(err, t.Position)}
	}
	if ip.deps.Emitter == nil {
		return step{kind: stepRaised, err: workflowerr.New(workflowerr.Runtime, t.Position.String(), "no event emitter configured")}
	}
	id, err := ip.deps.Emitter.Emit(ctx, ev)
	if err != nil {
		return step{kind: stepRaised, err: toWorkflowErrKind(err, workflowerr.Runtime, t.Position)}
	}
	return step{kind: stepCompleted, output: map[string]any{"id": id}}
}

func toWorkflowErrKind(err error, fallback workflowerr.Type, pos node.Position) *workflowerr.Error {
	if we, ok := workflowerr.As(err); ok {
		return we
	}
	return workflowerr.Wrap(fallback, pos.String(), err)
}
