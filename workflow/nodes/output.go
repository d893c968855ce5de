package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Interaction types of the output node.
const (
	InteractionOutput = "output"
	InteractionInput  = "input"
	InteractionChoose = "choose"
)

// defaultReplyKey is the field interactive replies arrive under when the
// definition declares no fields of its own.
const defaultReplyKey = "output_result"

// Output renders a message to the client. The interaction param selects the
// behavior: "output" is fire-and-forget, "input" suspends for a free-form
// reply, "choose" suspends for a selection that routes the successor edge.
type Output struct {
	base
}

// NewOutput builds the output node runner.
func NewOutput(logger *zap.Logger) *Output {
	return &Output{base{kind: workflow.TypeOutput, logger: logger}}
}

func interaction(def *workflow.Node) string {
	if i := def.StringParam("interaction"); i != "" {
		return i
	}
	return InteractionOutput
}

// Validate implements Runner.
func (n *Output) Validate(def *workflow.Node) error {
	switch interaction(def) {
	case InteractionOutput, InteractionInput:
		return nil
	case InteractionChoose:
		if len(chooseOptions(def)) == 0 {
			return types.NewError(types.ErrValidation, "choose node requires options").WithNode(def.ID)
		}
		return nil
	default:
		return types.NewError(types.ErrValidation,
			"unknown interaction: "+def.StringParam("interaction")).WithNode(def.ID)
	}
}

// Refs adds references inside the message template.
func (n *Output) Refs(def *workflow.Node) []string {
	return append(n.base.Refs(def), workflow.ExtractRefs(def.StringParam("message"))...)
}

// Run implements Runner.
func (n *Output) Run(ctx context.Context, rc *RunContext) (Result, error) {
	msg, missing := rc.Pool.Substitute(rc.Def.StringParam("message"))
	if len(missing) > 0 {
		return Result{}, types.NewError(types.ErrVariableUnresolved,
			"message references unresolved variables: "+strings.Join(missing, ", ")).WithNode(rc.NodeID)
	}

	switch interaction(rc.Def) {
	case InteractionInput:
		schema := n.InputSchema(rc.Def)
		rc.Emit(ctx, workflow.EventOutputInput, workflow.OutputInputData{Msg: msg, Schema: schema})
		return Await(schema), nil
	case InteractionChoose:
		schema := n.InputSchema(rc.Def)
		rc.Emit(ctx, workflow.EventOutputChoose, workflow.OutputChooseData{Msg: msg, Options: schema.Options})
		return Await(schema), nil
	default:
		rc.Emit(ctx, workflow.EventOutputMsg, workflow.OutputMsgData{
			Msg:       msg,
			Files:     paramFiles(rc.Def),
			GuideWord: rc.Def.StringParam("guide_word"),
			Keys:      rc.Def.OutputKeys(),
		})
		return Outputs(map[string]any{defaultReplyKey: msg}), nil
	}
}

// InputSchema implements Interactive.
func (n *Output) InputSchema(def *workflow.Node) *workflow.InputSchema {
	schema := &workflow.InputSchema{NodeID: def.ID, Kind: interaction(def)}
	switch schema.Kind {
	case InteractionChoose:
		schema.Options = chooseOptions(def)
	default:
		schema.Fields = replyFields(def)
	}
	return schema
}

// HandleInput implements Interactive. A violation re-emits the request so
// the client can retry; the engine treats the error as recoverable.
func (n *Output) HandleInput(ctx context.Context, rc *RunContext, payload map[string]any) (Result, error) {
	switch interaction(rc.Def) {
	case InteractionChoose:
		selected, _ := payload[defaultReplyKey].(string)
		for _, opt := range chooseOptions(rc.Def) {
			if opt == selected {
				return Branch(selected, map[string]any{defaultReplyKey: selected}), nil
			}
		}
		msg, _ := rc.Pool.Substitute(rc.Def.StringParam("message"))
		rc.Emit(ctx, workflow.EventOutputChoose, workflow.OutputChooseData{
			Msg:     msg,
			Options: chooseOptions(rc.Def),
		})
		return Result{}, types.NewError(types.ErrInputSchema,
			"selection is not one of the declared options").WithNode(rc.NodeID)
	default:
		outputs, err := collectReply(rc.Def, payload)
		if err != nil {
			msg, _ := rc.Pool.Substitute(rc.Def.StringParam("message"))
			rc.Emit(ctx, workflow.EventOutputInput, workflow.OutputInputData{
				Msg:    msg,
				Schema: n.InputSchema(rc.Def),
			})
			return Result{}, err
		}
		return Outputs(outputs), nil
	}
}

// IsCondition implements Interactive: only choose routes edges.
func (n *Output) IsCondition(def *workflow.Node) bool {
	return interaction(def) == InteractionChoose
}

func chooseOptions(def *workflow.Node) []string {
	for _, gp := range def.GroupParams {
		if gp.Name == "options" {
			return gp.Options
		}
	}
	return def.StringsParam("options")
}

// replyFields lists the declared input fields, defaulting to a single
// required free-form field.
func replyFields(def *workflow.Node) []workflow.GroupParam {
	var fields []workflow.GroupParam
	for _, gp := range def.GroupParams {
		if gp.Type == "input" {
			fields = append(fields, gp)
		}
	}
	if len(fields) == 0 {
		fields = []workflow.GroupParam{{Name: defaultReplyKey, Type: "input", Required: true}}
	}
	return fields
}

// collectReply validates a free-form payload against the declared fields.
func collectReply(def *workflow.Node, payload map[string]any) (map[string]any, error) {
	outputs := make(map[string]any)
	for _, field := range replyFields(def) {
		v, ok := payload[field.Name]
		if !ok || v == nil || v == "" {
			if field.Required {
				return nil, types.NewError(types.ErrInputSchema,
					"missing required field: "+field.Name).WithNode(def.ID)
			}
			continue
		}
		outputs[field.Name] = v
	}
	return outputs, nil
}

func paramFiles(def *workflow.Node) []workflow.File {
	raw, ok := def.Params["files"].([]any)
	if !ok {
		return nil
	}
	var files []workflow.File
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			name, _ := m["name"].(string)
			url, _ := m["url"].(string)
			files = append(files, workflow.File{Name: name, URL: url})
		}
	}
	return files
}
