// Package scope assembles the bundle of JSON values visible to expression
// evaluation at a given point in the interpreter: context, input, output,
// secrets, authorization, task, workflow, runtime.
package scope

import "github.com/lyzr/flowengine/internal/jsonvalue"

// TaskDescriptor describes the currently active node to expressions.
type TaskDescriptor struct {
	Name      string           `json:"name"`
	Position  string           `json:"position"`
	Reference string           `json:"reference,omitempty"`
	Input     jsonvalue.Value  `json:"input,omitempty"`
}

// WorkflowDescriptor describes the running workflow definition.
type WorkflowDescriptor struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Input    jsonvalue.Value `json:"input,omitempty"`
}

// RuntimeDescriptor describes the hosting engine to expressions.
type RuntimeDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AuthorizationDescriptor carries the caller's identity/claims, when present.
type AuthorizationDescriptor struct {
	Scheme string          `json:"scheme,omitempty"`
	Claims jsonvalue.Value `json:"claims,omitempty"`
}

// Bundle is the full scope passed to expression evaluation. Secrets is
// always present (possibly empty) and is never included in log output.
type Bundle struct {
	Context       map[string]any           `json:"context"`
	Input         jsonvalue.Value          `json:"input"`
	Output        jsonvalue.Value          `json:"output"`
	Secrets       map[string]any           `json:"secrets"`
	Authorization *AuthorizationDescriptor  `json:"authorization,omitempty"`
	Task          *TaskDescriptor           `json:"task,omitempty"`
	Workflow      WorkflowDescriptor        `json:"workflow"`
	Runtime       RuntimeDescriptor         `json:"runtime"`

	// Error is the $error binding a Try's catch clause sees; nil outside of catch evaluation.
	Error jsonvalue.Value `json:"error,omitempty"`
}

// ToMap renders the bundle as a plain map, the shape the expression
// evaluator binds its variables against.
func (b Bundle) ToMap() map[string]any {
	m := map[string]any{
		"context":  safeMap(b.Context),
		"input":    b.Input,
		"output":   b.Output,
		"secrets":  safeMap(b.Secrets),
		"workflow": descriptorMap(b.Workflow),
		"runtime":  map[string]any{"name": b.Runtime.Name, "version": b.Runtime.Version},
		"error":    b.Error,
	}
	if b.Task != nil {
		m["task"] = map[string]any{
			"name":      b.Task.Name,
			"position":  b.Task.Position,
			"reference": b.Task.Reference,
			"input":     b.Task.Input,
		}
	}
	if b.Authorization != nil {
		m["authorization"] = map[string]any{
			"scheme": b.Authorization.Scheme,
			"claims": b.Authorization.Claims,
		}
	}
	return m
}

func safeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func descriptorMap(w WorkflowDescriptor) map[string]any {
	return map[string]any{
		"id":      w.ID,
		"name":    w.Name,
		"version": w.Version,
		"input":   w.Input,
	}
}
