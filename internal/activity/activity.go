// Package activity defines the capability contracts the node model
// delegates side-effecting work to. The interpreter never performs I/O
// itself; it calls one of these interfaces and turns a returned error into
// a WorkflowError.
package activity

import (
	"context"

	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// GRPCCaller is the Call{gRPC} capability contract; the engine defines only
// the interface, a host wires a real client.
type GRPCCaller interface {
	Call(ctx context.Context, service, method string, with jsonvalue.Value) (jsonvalue.Value, error)
}

// AsyncAPIPublisher is the Call{AsyncAPI} capability contract.
type AsyncAPIPublisher interface {
	Publish(ctx context.Context, channel, operation string, with jsonvalue.Value) (jsonvalue.Value, error)
}

// EventEmitter publishes a CloudEvent for an Emit task and returns its id.
type EventEmitter interface {
	Emit(ctx context.Context, event jsonvalue.Value) (string, error)
}

// SubWorkflowRunner runs a Run{subworkflow} task by re-entering the
// interpreter on a different definition.
type SubWorkflowRunner interface {
	Run(ctx context.Context, ref string, with jsonvalue.Value) (jsonvalue.Value, error)
}

// Runner executes a Run task's shell/script/container body. The engine
// never executes these itself; this is the interface a host would
// implement, with only a fail-closed fake standing in here.
type Runner interface {
	Run(ctx context.Context, kind, ref string, with jsonvalue.Value) (jsonvalue.Value, error)
}

// unimplemented is shared by every fake capability so the core ships with a
// concrete-but-inert implementation instead of a nil interface panic.
func unimplemented(position, concern string) *workflowerr.Error {
	return workflowerr.New(workflowerr.Runtime, position,
		concern+" is a capability contract with no driver configured for this engine instance")
}

// FakeGRPCCaller fails closed; wire a real gRPC client for production use.
type FakeGRPCCaller struct{}

func (FakeGRPCCaller) Call(_ context.Context, service, _ string, _ jsonvalue.Value) (jsonvalue.Value, error) {
	return nil, unimplemented(service, "gRPC call")
}

// FakeAsyncAPIPublisher fails closed; wire a real broker publisher for
// production use (e.g. the same internal/broker.Broker used for workflow
// continuations, pointed at a different topic).
type FakeAsyncAPIPublisher struct{}

func (FakeAsyncAPIPublisher) Publish(_ context.Context, channel, _ string, _ jsonvalue.Value) (jsonvalue.Value, error) {
	return nil, unimplemented(channel, "AsyncAPI publish")
}

// FakeRunner fails closed for shell/script/container Run bodies.
type FakeRunner struct{}

func (FakeRunner) Run(_ context.Context, kind, ref string, _ jsonvalue.Value) (jsonvalue.Value, error) {
	return nil, unimplemented(ref, "run."+kind)
}
