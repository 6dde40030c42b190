package consumer

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/interpreter"
	"github.com/lyzr/flowengine/internal/jsonvalue"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/workflowerr"
)

// SubWorkflows adapts the consumer's definition cache into the
// activity.SubWorkflowRunner capability: a Run{subworkflow} task executes
// the referenced definition synchronously inside the parent's activation,
// with the parent's evaluated `with` payload as the child's raw input.
// A child that would suspend (Wait/Fork/Listen/retry) cannot be nested in
// the parent's continuation, so suspension surfaces as a RuntimeError.
type SubWorkflows struct {
	Consumer *Consumer
}

// Run executes the sub-workflow named by ref, which must be "name@version".
func (s SubWorkflows) Run(ctx context.Context, ref string, with jsonvalue.Value) (jsonvalue.Value, error) {
	name, version, ok := strings.Cut(ref, "@")
	if !ok {
		return nil, workflowerr.New(workflowerr.Configuration, node.Root.String(),
			"subworkflow ref must be of the form name@version, got "+ref)
	}

	def, err := s.Consumer.definition(ctx, name, version)
	if err != nil {
		return nil, err
	}

	root := node.NewInstance(def.Root, with)
	root.WorkflowID = uuid.New().String()
	states := map[node.Position]*node.Instance{node.Root: root}

	res, err := interpreter.New(def, s.Consumer.Deps).Run(ctx, root.WorkflowID, states, node.Root)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case interpreter.StatusCompleted:
		return res.Output, nil
	case interpreter.StatusFailed:
		return nil, res.Err
	default:
		return nil, workflowerr.New(workflowerr.Runtime, node.Root.String(),
			"subworkflow "+ref+" suspended; suspension inside a Run task is not supported")
	}
}
