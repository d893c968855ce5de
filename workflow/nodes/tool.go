package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Tool invokes a registered tool with arguments rendered from the variable
// pool.
type Tool struct {
	base
	clients *Clients
	retryer *llm.Retryer
}

// NewTool builds the tool node runner.
func NewTool(clients *Clients, logger *zap.Logger) *Tool {
	return &Tool{
		base:    base{kind: workflow.TypeTool, logger: logger},
		clients: clients,
		retryer: llm.NewRetryer(nil, logger),
	}
}

// Validate implements Runner. Unknown tool names fail at admit time.
func (n *Tool) Validate(def *workflow.Node) error {
	name := def.StringParam("tool")
	if name == "" {
		return types.NewError(types.ErrValidation, "tool node requires a tool name").WithNode(def.ID)
	}
	if _, err := n.clients.Tools.Get(name); err != nil {
		return types.AsError(err).WithNode(def.ID)
	}
	return nil
}

// Refs adds references inside string-valued arguments.
func (n *Tool) Refs(def *workflow.Node) []string {
	refs := n.base.Refs(def)
	if args, ok := def.Params["arguments"].(map[string]any); ok {
		for _, v := range args {
			if s, ok := v.(string); ok {
				refs = append(refs, workflow.ExtractRefs(s)...)
			}
		}
	}
	return refs
}

// Run implements Runner.
func (n *Tool) Run(ctx context.Context, rc *RunContext) (Result, error) {
	tool, err := rc.Clients.Tools.Get(rc.Def.StringParam("tool"))
	if err != nil {
		return Result{}, types.AsError(err).WithNode(rc.NodeID)
	}

	args := make(map[string]any)
	if raw, ok := rc.Def.Params["arguments"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				rendered, _ := rc.Pool.Substitute(s)
				args[k] = rendered
				continue
			}
			args[k] = v
		}
	}

	var result any
	err = n.retryer.Do(ctx, func() error {
		var invokeErr error
		result, invokeErr = tool.Invoke(ctx, args)
		return invokeErr
	})
	if err != nil {
		return Result{}, types.AsError(err).WithNode(rc.NodeID)
	}

	outputs := map[string]any{"result": result}
	// Tools returning an object get each field exposed as its own variable.
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			outputs[k] = v
		}
	}
	return Outputs(outputs), nil
}
