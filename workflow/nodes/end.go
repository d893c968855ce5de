package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/workflow"
)

// End terminates traversal. Declared inputs are copied into its outputs so
// the session record carries the graph's final values.
type End struct {
	base
}

// NewEnd builds the end node runner.
func NewEnd(logger *zap.Logger) *End {
	return &End{base{kind: workflow.TypeEnd, logger: logger}}
}

// Validate implements Runner.
func (e *End) Validate(def *workflow.Node) error { return nil }

// Run implements Runner.
func (e *End) Run(ctx context.Context, rc *RunContext) (Result, error) {
	outputs := make(map[string]any)
	for ref, v := range resolveInputs(rc.Pool, e.Refs(rc.Def)) {
		outputs[ref] = v
	}
	return Outputs(outputs), nil
}
