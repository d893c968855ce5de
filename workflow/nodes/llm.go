package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// LLM formats prompts from the variable pool, streams model tokens through
// the callback, and writes the final text under the node's output key.
type LLM struct {
	base
	clients *Clients
	retryer *llm.Retryer
}

// NewLLM builds the llm node runner.
func NewLLM(clients *Clients, logger *zap.Logger) *LLM {
	return &LLM{
		base:    base{kind: workflow.TypeLLM, logger: logger},
		clients: clients,
		retryer: llm.NewRetryer(nil, logger),
	}
}

// imageParams returns the raw image attachment templates, if any.
func imageParams(def *workflow.Node) []string {
	raw, ok := def.Params["images"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Validate implements Runner.
func (n *LLM) Validate(def *workflow.Node) error {
	if def.StringParam("user_prompt") == "" {
		return types.NewError(types.ErrValidation, "llm node requires a user_prompt").WithNode(def.ID)
	}
	if raw, ok := def.Params["images"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return types.NewError(types.ErrValidation, "llm images must be a list").WithNode(def.ID)
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return types.NewError(types.ErrValidation, "llm image entries must be strings").WithNode(def.ID)
			}
		}
	}
	if def.Tab == workflow.TabBatch {
		if def.StringParam("batch_variable") == "" {
			return types.NewError(types.ErrValidation, "batch llm node requires a batch_variable").WithNode(def.ID)
		}
		if len(def.OutputKeys()) == 0 {
			return types.NewError(types.ErrValidation, "batch llm node requires output_keys").WithNode(def.ID)
		}
	}
	return nil
}

// Refs adds the references mentioned inside the prompt templates and image
// attachments.
func (n *LLM) Refs(def *workflow.Node) []string {
	refs := n.base.Refs(def)
	refs = append(refs, workflow.ExtractRefs(def.StringParam("system_prompt"))...)
	refs = append(refs, workflow.ExtractRefs(def.StringParam("user_prompt"))...)
	for _, img := range imageParams(def) {
		refs = append(refs, workflow.ExtractRefs(img)...)
	}
	return refs
}

// Run implements Runner. The engine has already resolved every reference, so
// a leftover missing substitution is a definition bug surfaced as
// variable_unresolved.
func (n *LLM) Run(ctx context.Context, rc *RunContext) (Result, error) {
	systemPrompt, err := n.render(rc, rc.Def.StringParam("system_prompt"))
	if err != nil {
		return Result{}, err
	}
	userPrompt, err := n.render(rc, rc.Def.StringParam("user_prompt"))
	if err != nil {
		return Result{}, err
	}

	msgs := make([]llm.Message, 0, len(rc.History)+2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, turn := range rc.History {
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userPrompt})

	images, err := n.images(rc)
	if err != nil {
		return Result{}, err
	}
	req := llm.Request{
		Model:       rc.Def.StringParam("model"),
		Messages:    msgs,
		Temperature: rc.Def.FloatParam("temperature"),
		MaxTokens:   int(rc.Def.FloatParam("max_tokens")),
		Images:      images,
		WebSearch:   rc.Def.BoolParam("web_search"),
	}

	outputKey := n.outputKey(rc)
	final, err := n.stream(ctx, rc, req, outputKey)
	if err != nil {
		return Result{}, err
	}
	return Outputs(map[string]any{outputKey: final}), nil
}

// images resolves the optional attachments. Each entry may be a literal URL
// or a template referencing pool variables, e.g. `{upload.file_url}`.
func (n *LLM) images(rc *RunContext) ([]string, error) {
	templates := imageParams(rc.Def)
	if len(templates) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		rendered, err := n.render(rc, tpl)
		if err != nil {
			return nil, err
		}
		if rendered != "" {
			out = append(out, rendered)
		}
	}
	return out, nil
}

// render substitutes the current batch element first, then the pool.
func (n *LLM) render(rc *RunContext, template string) (string, error) {
	if template == "" {
		return "", nil
	}
	if rc.BatchIndex >= 0 {
		bv := rc.Def.StringParam("batch_variable")
		template = strings.ReplaceAll(template, "{"+bv+"}", workflow.Stringify(rc.BatchElement))
	}
	rendered, missing := rc.Pool.Substitute(template)
	if len(missing) > 0 {
		return "", types.NewError(types.ErrVariableUnresolved,
			"prompt references unresolved variables: "+strings.Join(missing, ", ")).WithNode(rc.NodeID)
	}
	return rendered, nil
}

func (n *LLM) outputKey(rc *RunContext) string {
	if rc.BatchIndex >= 0 {
		return rc.OutputKey
	}
	if keys := rc.Def.OutputKeys(); len(keys) > 0 {
		return keys[0]
	}
	return "output"
}

// stream drains the provider's delta channel, emitting stream_msg per delta
// and one stream_over carrying the accumulated text. The whole stream is
// retried once on retryable failure; partially streamed deltas before such a
// failure may reach the client twice.
func (n *LLM) stream(ctx context.Context, rc *RunContext, req llm.Request, outputKey string) (string, error) {
	var final string
	err := n.retryer.Do(ctx, func() error {
		ch, err := rc.Clients.LLM.Stream(ctx, req)
		if err != nil {
			return err
		}
		for chunk := range ch {
			switch {
			case chunk.Err != nil:
				return chunk.Err
			case chunk.Done:
				final = chunk.Final
				rc.Emit(ctx, workflow.EventStreamOver, workflow.StreamOverData{
					OutputKey: outputKey,
					Final:     chunk.Final,
					Reasoning: chunk.Reasoning,
				})
			default:
				rc.Emit(ctx, workflow.EventStreamMsg, workflow.StreamMsgData{
					OutputKey:      outputKey,
					Delta:          chunk.Delta,
					ReasoningDelta: chunk.ReasoningDelta,
				})
			}
		}
		return nil
	})
	if err != nil {
		return "", types.AsError(err).WithNode(rc.NodeID)
	}
	return final, nil
}
