// Package parser implements the Workflow Parser: decoding a
// serialised DSL document (YAML or JSON — yaml.v3 parses both), validating
// it against the DSL schema with go-playground/validator, and materialising
// the closed node.Task tree with every task's JSON-Pointer Position stamped.
package parser

import (
	"context"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/senseyeio/duration"
	"gopkg.in/yaml.v3"

	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// DefinitionSource loads a serialised definition document by (name,
// version). internal/outbox.DefinitionStore satisfies this structurally;
// parser never imports outbox, keeping the dependency direction one-way.
type DefinitionSource interface {
	Load(ctx context.Context, name, version string) ([]byte, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(taskEntryStructLevelValidation, TaskEntry{})
	return v
}

// Document is the top-level DSL document.
type Document struct {
	Name    string      `yaml:"name" validate:"required"`
	Version string      `yaml:"version" validate:"required"`
	Input   *IOSpec     `yaml:"input,omitempty" validate:"omitempty"`
	Do      []TaskEntry `yaml:"do" validate:"required,min=1,dive"`
}

// IOSpec is a {from} or {as} transform hook document.
type IOSpec struct {
	From jsonvalue.Value `yaml:"from,omitempty"`
	As   jsonvalue.Value `yaml:"as,omitempty"`
}

// RaiseEntry is the Raise task's DSL payload.
type RaiseEntry struct {
	Type     string          `yaml:"type" validate:"required"`
	Title    string          `yaml:"title,omitempty"`
	Detail   jsonvalue.Value `yaml:"detail,omitempty"`
	Instance string          `yaml:"instance,omitempty"`
}

// RetryEntry is a retry policy's DSL payload; Base/Cap/JitterFrom/JitterTo
// are ISO-8601 duration strings.
type RetryEntry struct {
	MaxAttempts int     `yaml:"maxAttempts" validate:"required,min=1"`
	Base        string  `yaml:"base,omitempty"`
	Multiplier  float64 `yaml:"multiplier,omitempty"`
	Cap         string  `yaml:"cap,omitempty"`
	JitterFrom  *string `yaml:"jitterFrom,omitempty"`
	JitterTo    *string `yaml:"jitterTo,omitempty"`
}

// CatchErrorsEntry is the catch clause's error filter.
type CatchErrorsEntry struct {
	With struct {
		Type   string `yaml:"type,omitempty"`
		Status int    `yaml:"status,omitempty"`
	} `yaml:"with"`
}

// CatchEntry is the Try task's catch clause.
type CatchEntry struct {
	Errors *CatchErrorsEntry `yaml:"errors,omitempty"`
	When   string            `yaml:"when,omitempty"`
	Do     []TaskEntry       `yaml:"do" validate:"required,min=1,dive"`
}

// BranchEntry is one named branch of a Fork task.
type BranchEntry struct {
	Name string      `yaml:"name" validate:"required"`
	Do   []TaskEntry `yaml:"do" validate:"required,min=1,dive"`
}

// CaseEntry is one case of a Switch task.
type CaseEntry struct {
	Name string      `yaml:"name,omitempty"`
	When string      `yaml:"when" validate:"required"`
	Then []TaskEntry `yaml:"then" validate:"required,min=1,dive"`
}

// RunEntry is the Run task's DSL payload.
type RunEntry struct {
	Kind string          `yaml:"kind" validate:"required,oneof=subworkflow shell script container"`
	Ref  string          `yaml:"ref" validate:"required"`
	With jsonvalue.Value `yaml:"with,omitempty"`
}

// CallEntry is the Call task's DSL payload, shared across HTTP/gRPC/AsyncAPI.
type CallEntry struct {
	Kind      string            `yaml:"kind" validate:"required,oneof=http grpc asyncapi"`
	Method    string            `yaml:"method,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Query     map[string]string `yaml:"query,omitempty"`
	Body      jsonvalue.Value   `yaml:"body,omitempty"`
	Output    string            `yaml:"output,omitempty" validate:"omitempty,oneof=raw content response"`
	Service   string            `yaml:"service,omitempty"`
	Operation string            `yaml:"operation,omitempty"`
	Channel   string            `yaml:"channel,omitempty"`
	With      jsonvalue.Value   `yaml:"with,omitempty"`
}

// TaskEntry is one task in a "do" list, tagged by Kind. Only the fields
// relevant to Kind are populated; taskEntryStructLevelValidation enforces
// that the right ones are present for each Kind.
type TaskEntry struct {
	Name         string          `yaml:"name" validate:"required"`
	Kind         string          `yaml:"kind" validate:"required,oneof=do for fork switch try raise set wait run call.http call.grpc call.asyncapi emit listen"`
	Input        *IOSpec         `yaml:"input,omitempty"`
	Output       *IOSpec         `yaml:"output,omitempty"`
	Export       *IOSpec         `yaml:"export,omitempty"`
	Raise        *RaiseEntry     `yaml:"raise,omitempty"`
	TimeoutAfter string          `yaml:"timeoutAfter,omitempty"`
	Retry        *RetryEntry     `yaml:"retry,omitempty"`
	Catch        *CatchEntry     `yaml:"catch,omitempty"`

	Do       []TaskEntry                `yaml:"do,omitempty" validate:"omitempty,dive"` // Do's children, For's/Try's body
	Each     string                     `yaml:"each,omitempty"`
	In       string                     `yaml:"in,omitempty"`
	At       string                     `yaml:"at,omitempty"`
	Branches []BranchEntry              `yaml:"branches,omitempty" validate:"omitempty,dive"`
	Compete  bool                       `yaml:"compete,omitempty"`
	Switch   []CaseEntry                `yaml:"switch,omitempty" validate:"omitempty,dive"`
	Default  []TaskEntry                `yaml:"default,omitempty" validate:"omitempty,dive"`
	Set      map[string]jsonvalue.Value `yaml:"set,omitempty"`
	Wait     string                     `yaml:"wait,omitempty"`
	Run      *RunEntry                  `yaml:"run,omitempty"`
	Call     *CallEntry                 `yaml:"call,omitempty"`
	Emit     jsonvalue.Value            `yaml:"emit,omitempty"`
	Listen   jsonvalue.Value            `yaml:"listen,omitempty"`
}

// taskEntryStructLevelValidation enforces the kind-specific required
// sub-fields the `validate` struct tags can't express (mirrors
// serverlessworkflow-sdk-go/model's BaseState struct-level validator
// pattern of registering one function per document-level cross-field rule).
func taskEntryStructLevelValidation(sl validator.StructLevel) {
	t := sl.Current().Interface().(TaskEntry)
	switch t.Kind {
	case "do":
		if len(t.Do) == 0 {
			sl.ReportError(t.Do, "Do", "Do", "required_for_do", "")
		}
	case "for":
		if t.Each == "" {
			sl.ReportError(t.Each, "Each", "Each", "required_for_for", "")
		}
		if t.In == "" {
			sl.ReportError(t.In, "In", "In", "required_for_for", "")
		}
		if len(t.Do) == 0 {
			sl.ReportError(t.Do, "Do", "Do", "required_for_for", "")
		}
	case "fork":
		if len(t.Branches) == 0 {
			sl.ReportError(t.Branches, "Branches", "Branches", "required_for_fork", "")
		}
	case "switch":
		if len(t.Switch) == 0 {
			sl.ReportError(t.Switch, "Switch", "Switch", "required_for_switch", "")
		}
		if len(t.Default) == 0 {
			sl.ReportError(t.Default, "Default", "Default", "default_required", "")
		}
	case "try":
		if len(t.Do) == 0 {
			sl.ReportError(t.Do, "Do", "Do", "required_for_try", "")
		}
		if t.Catch == nil {
			sl.ReportError(t.Catch, "Catch", "Catch", "required_for_try", "")
		}
	case "raise":
		if t.Raise == nil {
			sl.ReportError(t.Raise, "Raise", "Raise", "required_for_raise", "")
		}
	case "set":
		if len(t.Set) == 0 {
			sl.ReportError(t.Set, "Set", "Set", "required_for_set", "")
		}
	case "wait":
		if t.Wait == "" {
			sl.ReportError(t.Wait, "Wait", "Wait", "required_for_wait", "")
		}
	case "run":
		if t.Run == nil {
			sl.ReportError(t.Run, "Run", "Run", "required_for_run", "")
		}
	case "call.http", "call.grpc", "call.asyncapi":
		if t.Call == nil {
			sl.ReportError(t.Call, "Call", "Call", "required_for_call", "")
		}
	case "emit":
		if t.Emit == nil {
			sl.ReportError(t.Emit, "Emit", "Emit", "required_for_emit", "")
		}
	case "listen":
		if t.Listen == nil {
			sl.ReportError(t.Listen, "Listen", "Listen", "required_for_listen", "")
		}
	}
}

// Parse loads, decodes, validates, and materialises the named-and-versioned
// definition into a node.Definition.
func Parse(ctx context.Context, src DefinitionSource, name, version string) (*node.Definition, error) {
	raw, err := src.Load(ctx, name, version)
	if err != nil {
		return nil, workflowerr.Wrap(workflowerr.Configuration, node.Root.String(),
			fmt.Errorf("load definition %s/%s: %w", name, version, err))
	}
	return ParseBytes(raw)
}

// ParseBytes decodes, validates, and materialises a raw definition document,
// without the definition-store round trip — the upload path uses this to
// reject an invalid document before it is ever stored.
func ParseBytes(raw []byte) (*node.Definition, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, workflowerr.Wrap(workflowerr.Configuration, node.Root.String(),
			fmt.Errorf("decode definition: %w", err))
	}

	if err := validate.Struct(doc); err != nil {
		return nil, workflowerr.Wrap(workflowerr.Configuration, node.Root.String(),
			fmt.Errorf("validate definition %s/%s: %w", doc.Name, doc.Version, err))
	}

	children, err := buildChildren(node.Root, doc.Do)
	if err != nil {
		return nil, err
	}
	root := &node.Task{Name: doc.Name, Position: node.Root, Kind: node.KindDo, Children: children}
	for _, c := range root.Children {
		c.ParentPosition = node.Root
		c.HasParent = true
	}

	return node.NewDefinition(doc.Name, doc.Version, root), nil
}

// buildChildren builds an ordered task list, stamping each entry's position
// as "<parentPos>/do/<index>": every
// composite that carries an ordered "do" list — the root, a Do task, a For
// task's body, a Try task's protected body, a Fork branch, a Switch case or
// default — calls this with its own position as parentPos.
func buildChildren(parentPos node.Position, entries []TaskEntry) ([]*node.Task, error) {
	base := parentPos.Child("do")
	children := make([]*node.Task, 0, len(entries))
	for i, entry := range entries {
		childPos := base.Child(fmt.Sprintf("%d", i))
		child, err := buildTask(entry, childPos)
		if err != nil {
			return nil, err
		}
		child.ParentPosition = parentPos
		child.HasParent = true
		children = append(children, child)
	}
	return children, nil
}

// buildContainer wraps an ordered task list in an addressable Do task, used
// for Fork branches, Switch cases/default, and Try's try/catch bodies —
// each needs its own Position distinct from its parent's so the definition
// index and the interpreter's position-keyed instance map can address it directly.
func buildContainer(name string, pos node.Position, entries []TaskEntry) (*node.Task, error) {
	children, err := buildChildren(pos, entries)
	if err != nil {
		return nil, err
	}
	return &node.Task{Name: name, Position: pos, Kind: node.KindDo, Children: children}, nil
}

func buildTask(entry TaskEntry, pos node.Position) (*node.Task, error) {
	t := &node.Task{
		Name:     entry.Name,
		Position: pos,
		Kind:     node.Kind(entry.Kind),
	}

	if entry.Input != nil {
		t.InputFrom = entry.Input.From
	}
	if entry.Output != nil {
		t.OutputAs = entry.Output.As
	}
	if entry.Export != nil {
		t.ExportAs = entry.Export.As
	}
	t.TimeoutAfter = entry.TimeoutAfter

	if entry.Raise != nil {
		t.Raise = &node.RaiseSpec{
			Type:     workflowerr.Type(entry.Raise.Type),
			Title:    entry.Raise.Title,
			Detail:   entry.Raise.Detail,
			Instance: entry.Raise.Instance,
		}
	}

	if entry.Retry != nil {
		rp, err := buildRetryPolicy(entry.Retry, pos)
		if err != nil {
			return nil, err
		}
		t.RetryPolicy = rp
	}

	attach := func(sub *node.Task) {
		sub.ParentPosition = pos
		sub.HasParent = true
		t.Children = append(t.Children, sub)
	}

	switch t.Kind {
	case node.KindDo:
		children, err := buildChildren(pos, entry.Do)
		if err != nil {
			return nil, err
		}
		t.Children = children
		for _, c := range t.Children {
			c.ParentPosition = pos
			c.HasParent = true
		}

	case node.KindFor:
		children, err := buildChildren(pos, entry.Do)
		if err != nil {
			return nil, err
		}
		t.Children = children
		for _, c := range t.Children {
			c.ParentPosition = pos
			c.HasParent = true
		}
		t.Body = &node.ForBody{Each: entry.Each, In: entry.In, At: entry.At}

	case node.KindFork:
		var branches []node.ForkBranch
		for _, b := range entry.Branches {
			branchTask, err := buildContainer(b.Name, pos.Child("branches").Child(b.Name), b.Do)
			if err != nil {
				return nil, err
			}
			attach(branchTask)
			branches = append(branches, node.ForkBranch{Name: b.Name, Task: branchTask})
		}
		t.Body = &node.ForkBody{Branches: branches, Compete: entry.Compete}

	case node.KindSwitch:
		var cases []node.SwitchCase
		for i, c := range entry.Switch {
			thenTask, err := buildContainer(c.Name, pos.Child("switch").Child(fmt.Sprintf("%d", i)), c.Then)
			if err != nil {
				return nil, err
			}
			attach(thenTask)
			cases = append(cases, node.SwitchCase{Name: c.Name, When: c.When, Then: thenTask})
		}
		defTask, err := buildContainer("default", pos.Child("default"), entry.Default)
		if err != nil {
			return nil, err
		}
		attach(defTask)
		t.Body = &node.SwitchBody{Cases: cases, Default: defTask}

	case node.KindTry:
		tryTask, err := buildContainer("try", pos.Child("try"), entry.Do)
		if err != nil {
			return nil, err
		}
		attach(tryTask)
		t.Body = &node.TryBody{Try: tryTask}

		if entry.Catch != nil {
			catchTask, err := buildContainer("catch", pos.Child("catch"), entry.Catch.Do)
			if err != nil {
				return nil, err
			}
			attach(catchTask)

			var filter *node.ErrorFilter
			if entry.Catch.Errors != nil {
				filter = &node.ErrorFilter{Type: entry.Catch.Errors.With.Type, Status: entry.Catch.Errors.With.Status}
			}
			t.Catch = &node.CatchSpec{ErrorsWith: filter, When: entry.Catch.When, Do: catchTask}
		}

	case node.KindSet:
		t.Body = node.SetBody(entry.Set)

	case node.KindWait:
		t.Body = &node.WaitBody{Duration: entry.Wait}

	case node.KindRun:
		t.Body = &node.RunBody{Kind: node.RunKind(entry.Run.Kind), Ref: entry.Run.Ref, With: entry.Run.With}

	case node.KindCallHTTP:
		t.Body = &node.CallHTTPBody{
			Method: entry.Call.Method, URL: entry.Call.URL, Headers: entry.Call.Headers,
			Query: entry.Call.Query, Body: entry.Call.Body, Output: node.CallOutput(entry.Call.Output),
		}

	case node.KindCallGRPC:
		t.Body = &node.CallGRPCBody{Service: entry.Call.Service, Method: entry.Call.Method, With: entry.Call.With}

	case node.KindCallAsyncAPI:
		t.Body = &node.CallAsyncAPIBody{Channel: entry.Call.Channel, Operation: entry.Call.Operation, With: entry.Call.With}

	case node.KindEmit:
		t.Body = &node.EmitBody{Event: entry.Emit}

	case node.KindListen:
		t.Body = &node.ListenBody{Filter: entry.Listen}

	case node.KindRaise:
		// no body beyond the shared Raise capability field

	default:
		return nil, workflowerr.New(workflowerr.Configuration, pos.String(),
			fmt.Sprintf("unknown task kind %q", entry.Kind))
	}

	return t, nil
}

func buildRetryPolicy(r *RetryEntry, pos node.Position) (*node.RetryPolicy, error) {
	rp := &node.RetryPolicy{MaxAttempts: r.MaxAttempts, Multiplier: r.Multiplier}

	if r.Base != "" {
		d, err := parseDuration(r.Base)
		if err != nil {
			return nil, workflowerr.Wrap(workflowerr.Configuration, pos.String(), fmt.Errorf("retry.base: %w", err))
		}
		rp.Base = d
	}
	if r.Cap != "" {
		d, err := parseDuration(r.Cap)
		if err != nil {
			return nil, workflowerr.Wrap(workflowerr.Configuration, pos.String(), fmt.Errorf("retry.cap: %w", err))
		}
		rp.Cap = d
	}
	if r.JitterFrom != nil {
		d, err := parseDuration(*r.JitterFrom)
		if err != nil {
			return nil, workflowerr.Wrap(workflowerr.Configuration, pos.String(), fmt.Errorf("retry.jitterFrom: %w", err))
		}
		rp.JitterFrom = &d
	}
	if r.JitterTo != nil {
		d, err := parseDuration(*r.JitterTo)
		if err != nil {
			return nil, workflowerr.Wrap(workflowerr.Configuration, pos.String(), fmt.Errorf("retry.jitterTo: %w", err))
		}
		rp.JitterTo = &d
	}
	// A from without a to is an error; a to without a from means [0, to].
	if rp.JitterFrom != nil && rp.JitterTo == nil {
		return nil, workflowerr.New(workflowerr.Configuration, pos.String(), "retry jitter has a from but no to")
	}
	if rp.JitterFrom != nil && rp.JitterTo != nil && *rp.JitterFrom > *rp.JitterTo {
		return nil, workflowerr.New(workflowerr.Configuration, pos.String(), "retry jitter from must be <= to")
	}

	return rp, nil
}

// parseDuration parses an ISO-8601 duration (e.g. "PT30S") via
// senseyeio/duration — the DSL's standard duration syntax for
// wait/timeoutAfter/retry backoff fields — converting it to a
// time.Duration by shifting a reference instant, the straightforward way
// to fold calendar components (months, years) into a fixed offset for a
// specific definition's static backoff arithmetic. Each component must be a
// whole number: fractional values such as "PT0.5S" are rejected.
func parseDuration(s string) (time.Duration, error) {
	d, err := duration.ParseISO8601(s)
	if err != nil {
		return 0, fmt.Errorf("parse ISO-8601 duration %q: %w", s, err)
	}
	ref := time.Unix(0, 0).UTC()
	return d.Shift(ref).Sub(ref), nil
}
