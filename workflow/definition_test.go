package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownAll(string) bool { return true }

func linearDefinition() *Definition {
	return &Definition{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "llm", Type: TypeLLM, Params: map[string]any{"user_prompt": "hi"}},
			{ID: "end", Type: TypeEnd},
		},
		Edges: []Edge{
			{Source: "start", Target: "llm"},
			{Source: "llm", Target: "end"},
		},
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	def := linearDefinition()
	data, err := def.Marshal()
	require.NoError(t, err)

	parsed, err := ParseDefinition(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Validate(knownAll))
	assert.Equal(t, []string{"llm"}, parsed.Successors("start", ""))
	assert.Equal(t, 1, parsed.InDegree("end"))
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	def := linearDefinition()
	def.Nodes = append(def.Nodes, Node{ID: "llm", Type: TypeLLM})
	assert.Error(t, def.Validate(knownAll))
}

func TestValidateRequiresSingleStart(t *testing.T) {
	def := linearDefinition()
	def.Nodes[0].Type = TypeLLM
	assert.Error(t, def.Validate(knownAll))

	def = linearDefinition()
	def.Nodes = append(def.Nodes, Node{ID: "start2", Type: TypeStart})
	def.Edges = append(def.Edges, Edge{Source: "start2", Target: "llm"})
	assert.Error(t, def.Validate(knownAll))
}

func TestValidateRequiresReachableEnd(t *testing.T) {
	def := linearDefinition()
	def.Edges = def.Edges[:1]
	assert.Error(t, def.Validate(knownAll))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	def := linearDefinition()
	err := def.Validate(func(kind string) bool { return kind != TypeLLM })
	assert.Error(t, err)
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	def := linearDefinition()
	def.Edges = append(def.Edges, Edge{Source: "llm", Target: "ghost"})
	assert.Error(t, def.Validate(knownAll))
}

func TestChooseRequiresMatchingHandles(t *testing.T) {
	def := &Definition{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "pick", Type: TypeOutput,
				Params:      map[string]any{"interaction": "choose"},
				GroupParams: []GroupParam{{Name: "options", Options: []string{"left", "right"}}}},
			{ID: "a", Type: TypeLLM},
			{ID: "b", Type: TypeLLM},
			{ID: "end", Type: TypeEnd},
		},
		Edges: []Edge{
			{Source: "start", Target: "pick"},
			{Source: "pick", SourceHandle: "left", Target: "a"},
			{Source: "pick", SourceHandle: "right", Target: "b"},
			{Source: "a", Target: "end"},
			{Source: "b", Target: "end"},
		},
	}
	require.NoError(t, def.Validate(knownAll))

	// Dropping the right-hand edge leaves a declared option with no handle.
	def.Edges = append(def.Edges[:2], def.Edges[3:]...)
	assert.Error(t, def.Validate(knownAll))
}

func TestSuccessorsByBranch(t *testing.T) {
	def := &Definition{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "cond", Type: TypeCondition, Params: map[string]any{
				"branches": []any{map[string]any{"id": "yes", "expression": "1 > 0"}},
			}},
			{ID: "a", Type: TypeLLM},
			{ID: "b", Type: TypeLLM},
			{ID: "end", Type: TypeEnd},
		},
		Edges: []Edge{
			{Source: "start", Target: "cond"},
			{Source: "cond", SourceHandle: "yes", Target: "a"},
			{Source: "cond", SourceHandle: "default", Target: "b"},
			{Source: "a", Target: "end"},
			{Source: "b", Target: "end"},
		},
	}
	require.NoError(t, def.Validate(knownAll))
	assert.Equal(t, []string{"a"}, def.Successors("cond", "yes"))
	assert.Equal(t, []string{"b"}, def.Successors("cond", "default"))
	assert.Equal(t, []string{"a", "b"}, def.Successors("cond", ""))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusWaiting, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusInput))
	assert.True(t, CanTransition(StatusInput, StatusInputOver))
	assert.True(t, CanTransition(StatusInputOver, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusSuccess))
	assert.False(t, CanTransition(StatusSuccess, StatusRunning))
	assert.False(t, CanTransition(StatusTerminated, StatusInput))
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInput.Terminal())
}
