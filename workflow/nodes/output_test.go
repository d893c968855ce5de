package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

func TestOutputRendersMessage(t *testing.T) {
	pool := workflow.NewPool()
	pool.Set("input", "answer", "hello")
	node := &workflow.Node{
		ID:     "out",
		Type:   workflow.TypeOutput,
		Params: map[string]any{"message": "echo {input.answer}"},
	}
	rec := &recorder{}
	runner := NewOutput(zap.NewNop())

	result, err := runner.Run(context.Background(), testRC(node, pool, rec, nil))
	require.NoError(t, err)
	assert.Nil(t, result.Await)
	assert.Equal(t, "echo hello", result.Outputs["output_result"])
	require.Equal(t, []workflow.EventType{workflow.EventOutputMsg}, rec.types())
}

func TestOutputKeepsLiteralJSONBraces(t *testing.T) {
	node := &workflow.Node{
		ID:     "out",
		Type:   workflow.TypeOutput,
		Params: map[string]any{"message": `reply with JSON like {"x": 1}`},
	}
	rec := &recorder{}

	result, err := NewOutput(zap.NewNop()).Run(context.Background(), testRC(node, workflow.NewPool(), rec, nil))
	require.NoError(t, err)
	assert.Equal(t, `reply with JSON like {"x": 1}`, result.Outputs["output_result"])
}

func TestOutputInputSuspends(t *testing.T) {
	node := &workflow.Node{
		ID:     "ask",
		Type:   workflow.TypeOutput,
		Params: map[string]any{"interaction": "input", "message": "your name?"},
	}
	rec := &recorder{}
	runner := NewOutput(zap.NewNop())

	result, err := runner.Run(context.Background(), testRC(node, nil, rec, nil))
	require.NoError(t, err)
	require.NotNil(t, result.Await)
	assert.Equal(t, "ask", result.Await.NodeID)
	assert.Equal(t, InteractionInput, result.Await.Kind)
	require.Equal(t, []workflow.EventType{workflow.EventOutputInput}, rec.types())

	accepted, err := runner.HandleInput(context.Background(), testRC(node, nil, rec, nil),
		map[string]any{"output_result": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", accepted.Outputs["output_result"])
}

func TestOutputInputMissingFieldReEmits(t *testing.T) {
	node := &workflow.Node{
		ID:     "ask",
		Type:   workflow.TypeOutput,
		Params: map[string]any{"interaction": "input"},
	}
	rec := &recorder{}
	runner := NewOutput(zap.NewNop())

	_, err := runner.HandleInput(context.Background(), testRC(node, nil, rec, nil), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInputSchema, types.KindOf(err))
	// The request is re-emitted so the client can retry.
	require.Equal(t, []workflow.EventType{workflow.EventOutputInput}, rec.types())
}

func chooseNode() *workflow.Node {
	return &workflow.Node{
		ID:          "pick",
		Type:        workflow.TypeOutput,
		Params:      map[string]any{"interaction": "choose", "message": "pick one"},
		GroupParams: []workflow.GroupParam{{Name: "options", Options: []string{"left", "right"}}},
	}
}

func TestChooseRoutesSelection(t *testing.T) {
	node := chooseNode()
	rec := &recorder{}
	runner := NewOutput(zap.NewNop())
	require.NoError(t, runner.Validate(node))
	assert.True(t, runner.IsCondition(node))

	result, err := runner.Run(context.Background(), testRC(node, nil, rec, nil))
	require.NoError(t, err)
	require.NotNil(t, result.Await)
	assert.Equal(t, []string{"left", "right"}, result.Await.Options)

	accepted, err := runner.HandleInput(context.Background(), testRC(node, nil, rec, nil),
		map[string]any{"output_result": "right"})
	require.NoError(t, err)
	assert.Equal(t, "right", accepted.Branch)
	assert.Equal(t, "right", accepted.Outputs["output_result"])
}

func TestChooseRejectsUnknownOption(t *testing.T) {
	node := chooseNode()
	rec := &recorder{}
	runner := NewOutput(zap.NewNop())

	_, err := runner.HandleInput(context.Background(), testRC(node, nil, rec, nil),
		map[string]any{"output_result": "middle"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInputSchema, types.KindOf(err))
	require.Equal(t, []workflow.EventType{workflow.EventOutputChoose}, rec.types())
}

func TestOutputValidate(t *testing.T) {
	runner := NewOutput(zap.NewNop())
	assert.Error(t, runner.Validate(&workflow.Node{
		ID: "o", Type: workflow.TypeOutput,
		Params: map[string]any{"interaction": "choose"},
	}))
	assert.Error(t, runner.Validate(&workflow.Node{
		ID: "o", Type: workflow.TypeOutput,
		Params: map[string]any{"interaction": "bogus"},
	}))
	assert.NoError(t, runner.Validate(&workflow.Node{ID: "o", Type: workflow.TypeOutput}))
	assert.False(t, runner.IsCondition(&workflow.Node{ID: "o", Type: workflow.TypeOutput}))
}
