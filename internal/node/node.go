// Package node defines the closed Task/Instance hierarchy: a
// tagged-variant tree over every DSL task kind, with an explicit per-variant
// state codec in place of reflection-based (de)serialisation.
package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// Position is a JSON Pointer identifying a node within a definition tree.
// The root position is the empty pointer. Positions compare by ordinary
// string equality.
type Position string

// Root is the empty-pointer position of the definition's top-level task.
const Root Position = ""

// Child appends a pointer segment, building child paths as
// "<parent>/<segment>" (e.g. "/do/3/task").
func (p Position) Child(segment string) Position {
	return Position(string(p) + "/" + segment)
}

// String renders the pointer; the root renders as "/" for display purposes
// even though its stored form is the empty string.
func (p Position) String() string {
	if p == Root {
		return "/"
	}
	return string(p)
}

// Kind enumerates every DSL task variant. This set is closed: the parser
// and the interpreter's per-kind codec/dispatch switches are exhaustive
// over it, and an unrecognised kind fails closed with ConfigurationError.
type Kind string

const (
	KindDo           Kind = "do"
	KindFor          Kind = "for"
	KindFork         Kind = "fork"
	KindSwitch       Kind = "switch"
	KindTry          Kind = "try"
	KindRaise        Kind = "raise"
	KindSet          Kind = "set"
	KindWait         Kind = "wait"
	KindRun          Kind = "run"
	KindCallHTTP     Kind = "call.http"
	KindCallGRPC     Kind = "call.grpc"
	KindCallAsyncAPI Kind = "call.asyncapi"
	KindEmit         Kind = "emit"
	KindListen       Kind = "listen"
)

// ErrorFilter matches a WorkflowError in a catch clause; a zero field is a
// wildcard.
type ErrorFilter struct {
	Type   string `json:"type,omitempty"`
	Status int    `json:"status,omitempty"`
}

// RetryPolicy parameterises the interpreter's retry delay computation for a node
// that may be retried after raising a WorkflowError.
type RetryPolicy struct {
	MaxAttempts int            `json:"maxAttempts"`
	Base        time.Duration  `json:"base"`
	Multiplier  float64        `json:"multiplier"`
	Cap         time.Duration  `json:"cap"`
	JitterFrom  *time.Duration `json:"jitterFrom,omitempty"`
	JitterTo    *time.Duration `json:"jitterTo,omitempty"`
}

// CatchSpec is the catch clause of a Try task.
type CatchSpec struct {
	ErrorsWith *ErrorFilter
	When       string // JQ-like boolean guard, evaluated with $error bound
	Do         *Task
}

// RaiseSpec synthesises a WorkflowError.
type RaiseSpec struct {
	Type     workflowerr.Type
	Title    string
	Detail   jsonvalue.Value // template, evaluated against scope
	Instance string          // defaults to the raising node's position
}

// Capabilities is the cross-cutting hook set every task kind shares
//: transform hooks, the optional raise
// override, timeout, retry policy, and an attached catch clause.
type Capabilities struct {
	InputFrom    jsonvalue.Value // input.from template
	OutputAs     jsonvalue.Value // output.as template
	ExportAs     jsonvalue.Value // export.as template
	Raise        *RaiseSpec
	TimeoutAfter string // ISO-8601 duration, e.g. "PT30S"
	RetryPolicy  *RetryPolicy
	Catch        *CatchSpec
}

// ForBody is the For/ForEach task's loop configuration.
type ForBody struct {
	Each string // loop variable name
	In   string // JQ-like expression yielding the collection
	At   string // optional index variable name
}

// ForkBranch names one concurrently-activated branch of a Fork task.
type ForkBranch struct {
	Name string
	Task *Task
}

// ForkBody is the Fork task's branch set and join policy.
type ForkBody struct {
	Branches []ForkBranch
	Compete  bool // true = first-complete wins, others cancelled
}

// SwitchCase is one arm of a Switch task, evaluated in declared order.
type SwitchCase struct {
	Name string
	When string
	Then *Task
}

// SwitchBody is the Switch task's case list and default.
type SwitchBody struct {
	Cases   []SwitchCase
	Default *Task // absence is a ConfigurationError at parse time
}

// TryBody is the Try task's protected body; its catch clause lives on the
// shared Capabilities.Catch field since the capability set names it there.
type TryBody struct {
	Try *Task
}

// SetBody is the Set task's evaluated key/value template.
type SetBody map[string]jsonvalue.Value

// WaitBody is the Wait task's suspend duration.
type WaitBody struct {
	Duration string // ISO-8601 duration string
}

// RunKind enumerates Run's sub-activity flavors.
type RunKind string

const (
	RunSubWorkflow RunKind = "subworkflow"
	RunShell       RunKind = "shell"
	RunScript      RunKind = "script"
	RunContainer   RunKind = "container"
)

// RunBody is the Run task's activity descriptor; execution is delegated to
// an activity.Runner capability contract (shell/script/container bodies
// are opaque to the engine).
type RunBody struct {
	Kind RunKind
	Ref  string
	With jsonvalue.Value
}

// CallOutput selects how a Call task's response is shaped into JSON:
// raw = base64 body, content = parsed body, response = full descriptor.
type CallOutput string

const (
	CallOutputRaw      CallOutput = "raw"
	CallOutputContent  CallOutput = "content"
	CallOutputResponse CallOutput = "response"
)

// CallHTTPBody is the Call{HTTP} task's request template.
type CallHTTPBody struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    jsonvalue.Value
	Output  CallOutput
}

// CallGRPCBody is the Call{gRPC} task's request descriptor; execution is a
// capability contract only.
type CallGRPCBody struct {
	Service string
	Method  string
	With    jsonvalue.Value
}

// CallAsyncAPIBody is the Call{AsyncAPI} task's publish descriptor;
// execution is a capability contract only.
type CallAsyncAPIBody struct {
	Channel   string
	Operation string
	With      jsonvalue.Value
}

// EmitBody is the Emit task's CloudEvent template.
type EmitBody struct {
	Event jsonvalue.Value
}

// ListenBody is the Listen task's event filter; the engine honours only the
// suspension contract, correlation and aggregation belong to an event
// router it does not ship.
type ListenBody struct {
	Filter jsonvalue.Value
}

// Task is an immutable node descriptor shared across every activation of a
// workflow definition. Parent is a weak back-reference, never a Go pointer
// cycle: within an in-memory Definition tree it is simply the parent's
// Position, resolved through Definition.ByPosition.
type Task struct {
	Name           string
	Position       Position
	ParentPosition Position // Root's own zero value ("") also means "no parent"; Definition.Parent disambiguates
	HasParent      bool
	Kind           Kind
	Children       []*Task
	Body           any // one of *ForBody, *ForkBody, *SwitchBody, *TryBody, SetBody, *WaitBody, *RunBody, *CallHTTPBody, *CallGRPCBody, *CallAsyncAPIBody, *EmitBody, *ListenBody, nil (Do/Raise carry no extra body)

	Capabilities
}

// Definition is a fully parsed, positioned workflow document: the root
// Task plus an index from Position to Task for O(1) parent/ancestor
// lookups without Go pointer cycles.
type Definition struct {
	Name    string
	Version string
	Root    *Task
	byPos   map[Position]*Task
}

// NewDefinition indexes a parsed tree by position. Called once by the
// parser after tree construction.
func NewDefinition(name, version string, root *Task) *Definition {
	d := &Definition{Name: name, Version: version, Root: root, byPos: make(map[Position]*Task)}
	d.index(root)
	return d
}

func (d *Definition) index(t *Task) {
	if t == nil {
		return
	}
	d.byPos[t.Position] = t
	for _, c := range t.Children {
		d.index(c)
	}
}

// ByPosition resolves a Position to its Task, or nil if absent.
func (d *Definition) ByPosition(p Position) *Task {
	return d.byPos[p]
}

// Parent resolves a Task's weak parent back-reference.
func (d *Definition) Parent(t *Task) *Task {
	if !t.HasParent {
		return nil
	}
	return d.byPos[t.ParentPosition]
}

// Phase is the NodeInstance state machine.
type Phase string

const (
	PhaseNew          Phase = "NEW"
	PhaseInputReady   Phase = "INPUT_READY"
	PhaseBodyRunning  Phase = "BODY_RUNNING"
	PhaseOutputReady  Phase = "OUTPUT_READY"
	PhaseExported     Phase = "EXPORTED"
	PhaseDone         Phase = "DONE"
	PhaseWaiting      Phase = "WAITING"
	PhaseRetrying     Phase = "RETRYING"
	PhaseRaised       Phase = "RAISED"
)

// BranchMarker records one Fork branch's completion status, stored inline
// in the Fork instance's state.
type BranchMarker struct {
	Position  Position         `json:"position"`
	Done      bool             `json:"done"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Output    jsonvalue.Value  `json:"output,omitempty"`
	Err       *workflowerr.Error `json:"err,omitempty"`
}

// Instance is the mutable NodeInstance<T>: per-activation state for one
// Task within one workflow instance.
type Instance struct {
	WorkflowID        string // only populated on the root instance
	Position          Position
	Kind              Kind
	Phase             Phase
	RawInput          jsonvalue.Value
	TransformedInput  jsonvalue.Value
	RawOutput         jsonvalue.Value
	TransformedOutput jsonvalue.Value
	ChildIndex        int // -1 = not yet entered
	StartedAt         time.Time
	AttemptIndex      int

	// Kind-specific slots.
	ForkBranches map[string]*BranchMarker // Fork
	CaseName     string                   // Switch: the matched case's name
	LoopCursor   int                      // For: current iteration index
	LoopItems    jsonvalue.Value          // For: the evaluated collection, cached across iterations/resume
	CaughtError  *workflowerr.Error       // Try: the error bound as $error

	// Context is the running workflow context accumulated by Set.export.as
	// (and any other node's export.as) — only meaningful on the root
	// instance, mirrored here rather than threaded through a separate
	// top-level type since every other piece of durable state already
	// lives on Instance/State.
	Context map[string]any
}

// NewInstance creates a fresh, not-yet-entered instance for a task.
func NewInstance(t *Task, rawInput jsonvalue.Value) *Instance {
	return &Instance{
		Position:     t.Position,
		Kind:         t.Kind,
		Phase:        PhaseNew,
		RawInput:     rawInput,
		ChildIndex:   -1,
		LoopCursor:   -1,
		ForkBranches: nil,
	}
}

// State is the wire-level persisted form of an Instance, the per-position
// value inside a Message's state map. Kind-specific slots are carried in
// Extra, populated/consumed by an explicit per-Kind codec rather than
// reflection.
type State struct {
	Kind              Kind            `json:"kind"`
	Phase             Phase           `json:"phase"`
	RawInput          jsonvalue.Value `json:"rawInput,omitempty"`
	TransformedInput  jsonvalue.Value `json:"transformedInput,omitempty"`
	RawOutput         jsonvalue.Value `json:"rawOutput,omitempty"`
	TransformedOutput jsonvalue.Value `json:"transformedOutput,omitempty"`
	ChildIndex        int             `json:"childIndex"`
	AttemptIndex      int             `json:"attemptIndex"`
	StartedAt         time.Time       `json:"startedAt"`
	WorkflowID        string          `json:"workflowId,omitempty"`
	Context           map[string]any  `json:"context,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

type forExtra struct {
	LoopCursor int             `json:"loopCursor"`
	LoopItems  jsonvalue.Value `json:"loopItems,omitempty"`
}

type switchExtra struct {
	CaseName string `json:"caseName"`
}

type forkExtra struct {
	Branches map[string]*BranchMarker `json:"branches"`
}

type tryExtra struct {
	CaughtError *workflowerr.Error `json:"caughtError,omitempty"`
}

// EncodeState renders an Instance to its persisted State form, dispatching
// the kind-specific slots through an explicit switch.
func EncodeState(inst *Instance) (*State, error) {
	s := &State{
		Kind:              inst.Kind,
		Phase:             inst.Phase,
		RawInput:          inst.RawInput,
		TransformedInput:  inst.TransformedInput,
		RawOutput:         inst.RawOutput,
		TransformedOutput: inst.TransformedOutput,
		ChildIndex:        inst.ChildIndex,
		AttemptIndex:      inst.AttemptIndex,
		StartedAt:         inst.StartedAt,
		WorkflowID:        inst.WorkflowID,
		Context:           inst.Context,
	}

	var extra any
	switch inst.Kind {
	case KindFor:
		extra = forExtra{LoopCursor: inst.LoopCursor, LoopItems: inst.LoopItems}
	case KindSwitch:
		extra = switchExtra{CaseName: inst.CaseName}
	case KindFork:
		extra = forkExtra{Branches: inst.ForkBranches}
	case KindTry:
		extra = tryExtra{CaughtError: inst.CaughtError}
	case KindDo, KindRaise, KindSet, KindWait, KindRun,
		KindCallHTTP, KindCallGRPC, KindCallAsyncAPI, KindEmit, KindListen:
		extra = nil
	default:
		return nil, workflowerr.New(workflowerr.Configuration, string(inst.Position),
			fmt.Sprintf("no state codec registered for node kind %q", inst.Kind))
	}

	if extra != nil {
		b, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("encode %s state: %w", inst.Kind, err)
		}
		s.Extra = b
	}
	return s, nil
}

// DecodeState reconstructs an Instance from its persisted State, the
// inverse of EncodeState, dispatching on Kind through the same explicit
// switch rather than reflection.
func DecodeState(position Position, s *State) (*Instance, error) {
	inst := &Instance{
		Position:          position,
		Kind:              s.Kind,
		Phase:             s.Phase,
		RawInput:          s.RawInput,
		TransformedInput:  s.TransformedInput,
		RawOutput:         s.RawOutput,
		TransformedOutput: s.TransformedOutput,
		ChildIndex:        s.ChildIndex,
		AttemptIndex:      s.AttemptIndex,
		StartedAt:         s.StartedAt,
		WorkflowID:        s.WorkflowID,
		Context:           s.Context,
		LoopCursor:        -1,
	}

	switch s.Kind {
	case KindFor:
		if len(s.Extra) > 0 {
			var e forExtra
			if err := json.Unmarshal(s.Extra, &e); err != nil {
				return nil, fmt.Errorf("decode for state: %w", err)
			}
			inst.LoopCursor = e.LoopCursor
			inst.LoopItems = e.LoopItems
		}
	case KindSwitch:
		if len(s.Extra) > 0 {
			var e switchExtra
			if err := json.Unmarshal(s.Extra, &e); err != nil {
				return nil, fmt.Errorf("decode switch state: %w", err)
			}
			inst.CaseName = e.CaseName
		}
	case KindFork:
		if len(s.Extra) > 0 {
			var e forkExtra
			if err := json.Unmarshal(s.Extra, &e); err != nil {
				return nil, fmt.Errorf("decode fork state: %w", err)
			}
			inst.ForkBranches = e.Branches
		}
	case KindTry:
		if len(s.Extra) > 0 {
			var e tryExtra
			if err := json.Unmarshal(s.Extra, &e); err != nil {
				return nil, fmt.Errorf("decode try state: %w", err)
			}
			inst.CaughtError = e.CaughtError
		}
	case KindDo, KindRaise, KindSet, KindWait, KindRun,
		KindCallHTTP, KindCallGRPC, KindCallAsyncAPI, KindEmit, KindListen:
		// no kind-specific slots
	default:
		return nil, workflowerr.New(workflowerr.Configuration, string(position),
			fmt.Sprintf("no state codec registered for node kind %q", s.Kind))
	}

	return inst, nil
}
