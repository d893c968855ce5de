package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Input suspends the session for a free-form user reply and writes the
// accepted fields as its outputs.
type Input struct {
	base
}

// NewInput builds the input node runner.
func NewInput(logger *zap.Logger) *Input {
	return &Input{base{kind: workflow.TypeInput, logger: logger}}
}

// Validate implements Runner.
func (n *Input) Validate(def *workflow.Node) error { return nil }

// Run implements Runner: emit the request and suspend.
func (n *Input) Run(ctx context.Context, rc *RunContext) (Result, error) {
	schema := n.InputSchema(rc.Def)
	rc.Emit(ctx, workflow.EventOutputInput, workflow.OutputInputData{
		Msg:    rc.Def.StringParam("message"),
		Schema: schema,
	})
	return Await(schema), nil
}

// InputSchema implements Interactive.
func (n *Input) InputSchema(def *workflow.Node) *workflow.InputSchema {
	return &workflow.InputSchema{
		NodeID: def.ID,
		Kind:   InteractionInput,
		Fields: replyFields(def),
	}
}

// HandleInput implements Interactive.
func (n *Input) HandleInput(ctx context.Context, rc *RunContext, payload map[string]any) (Result, error) {
	outputs, err := collectReply(rc.Def, payload)
	if err != nil {
		rc.Emit(ctx, workflow.EventOutputInput, workflow.OutputInputData{
			Msg:    rc.Def.StringParam("message"),
			Schema: n.InputSchema(rc.Def),
		})
		return Result{}, types.AsError(err)
	}
	return Outputs(outputs), nil
}

// IsCondition implements Interactive.
func (n *Input) IsCondition(def *workflow.Node) bool { return false }
