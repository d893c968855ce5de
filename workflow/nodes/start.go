package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/workflow"
)

// Start seeds the variable pool with the session's launch payload. Every
// graph has exactly one.
type Start struct {
	base
}

// NewStart builds the start node runner.
func NewStart(logger *zap.Logger) *Start {
	return &Start{base{kind: workflow.TypeStart, logger: logger}}
}

// Validate implements Runner. The launch payload is unknown at admit time,
// so there is nothing to check beyond the graph-level single-start rule.
func (s *Start) Validate(def *workflow.Node) error { return nil }

// Refs implements Runner. Start depends on nothing.
func (s *Start) Refs(def *workflow.Node) []string { return nil }

// Run writes the launch payload as the node's outputs. Params may add fixed
// defaults for keys the payload omits.
func (s *Start) Run(ctx context.Context, rc *RunContext) (Result, error) {
	outputs := make(map[string]any, len(rc.Launch))
	if defaults, ok := rc.Def.Params["defaults"].(map[string]any); ok {
		for k, v := range defaults {
			outputs[k] = v
		}
	}
	for k, v := range rc.Launch {
		outputs[k] = v
	}
	if questions := rc.Def.StringsParam("guide_questions"); len(questions) > 0 {
		rc.Emit(ctx, workflow.EventGuideQuestion, workflow.GuideQuestionData{Questions: questions})
	}
	return Outputs(outputs), nil
}
