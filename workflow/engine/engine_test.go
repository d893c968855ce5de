package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

type recorder struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (r *recorder) OnEvent(ctx context.Context, ev workflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		s := string(ev.Type)
		if ev.NodeID != "" {
			s += ":" + ev.NodeID
		}
		out = append(out, s)
	}
	return out
}

func (r *recorder) count(t workflow.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type echoProvider struct {
	prefix string
}

func (p *echoProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return p.prefix + req.Messages[len(req.Messages)-1].Content, nil
}

func (p *echoProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	final := p.prefix + req.Messages[len(req.Messages)-1].Content
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Delta: final}
	ch <- llm.Chunk{Done: true, Final: final}
	close(ch)
	return ch, nil
}

func testClients() *nodes.Clients {
	return &nodes.Clients{LLM: &echoProvider{prefix: "echo:"}}
}

func newEngine(t *testing.T, def *workflow.Definition, opts Options) *Engine {
	t.Helper()
	e, err := New(def, nodes.DefaultRegistry(), testClients(), zap.NewNop(), opts)
	require.NoError(t, err)
	return e
}

func unbounded() Options { return Options{MaxSteps: -1} }

func TestEchoInputToOutput(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "input", Type: workflow.TypeInput, Params: map[string]any{"message": "say hi"},
				GroupParams: []workflow.GroupParam{{Name: "answer", Type: "input", Required: true}}},
			{ID: "out", Type: workflow.TypeOutput, Params: map[string]any{"message": "echo {input.answer}"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "input"},
			{Source: "input", Target: "out"},
			{Source: "out", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s1", nil, rec, NopStop)
	require.Equal(t, workflow.StatusInput, outcome.Status)
	require.Equal(t, "input", state.Pending)

	outcome = e.Resume(context.Background(), "s1", state, map[string]any{"answer": "hello"}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)

	assert.Equal(t, []string{
		"node_start:start", "node_end:start",
		"node_start:input", "output_input:input",
		"user_input:input", "node_end:input",
		"node_start:out", "output_msg:out", "node_end:out",
		"node_start:end", "node_end:end",
		"close",
	}, rec.sequence())

	v, ok := state.Pool.ResolveString("out.output_result")
	require.True(t, ok)
	assert.Equal(t, "echo hello", v)
}

func TestBatchLLM(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "llm", Type: workflow.TypeLLM, Tab: workflow.TabBatch, Params: map[string]any{
				"user_prompt":    "describe {start.list}",
				"batch_variable": "start.list",
				"output_keys":    []any{"a", "b", "c"},
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "llm"},
			{Source: "llm", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s2",
		map[string]any{"list": []any{"x", "y", "z"}}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)

	assert.Equal(t, 3, rec.count(workflow.EventStreamMsg))
	assert.Equal(t, 3, rec.count(workflow.EventStreamOver))
	for key, want := range map[string]string{
		"a": "echo:describe x",
		"b": "echo:describe y",
		"c": "echo:describe z",
	} {
		v, ok := state.Pool.Get("llm", key)
		require.True(t, ok, key)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 3, state.Steps)
}

func chooseDefinition() *workflow.Definition {
	return &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "pick", Type: workflow.TypeOutput,
				Params:      map[string]any{"interaction": "choose", "message": "pick"},
				GroupParams: []workflow.GroupParam{{Name: "options", Options: []string{"left", "right"}}}},
			{ID: "a", Type: workflow.TypeOutput, Params: map[string]any{"message": "went left"}},
			{ID: "b", Type: workflow.TypeOutput, Params: map[string]any{"message": "went right"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "pick"},
			{Source: "pick", SourceHandle: "left", Target: "a"},
			{Source: "pick", SourceHandle: "right", Target: "b"},
			{Source: "a", Target: "end"},
			{Source: "b", Target: "end"},
		},
	}
}

func TestChooseRoutesOnlySelectedBranch(t *testing.T) {
	e := newEngine(t, chooseDefinition(), unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s3", nil, rec, NopStop)
	require.Equal(t, workflow.StatusInput, outcome.Status)

	outcome = e.Resume(context.Background(), "s3", state,
		map[string]any{"output_result": "right"}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)

	seq := rec.sequence()
	assert.Contains(t, seq, "node_start:b")
	assert.NotContains(t, seq, "node_start:a")
}

func TestChooseRejectsUnknownOptionAndStaysPending(t *testing.T) {
	e := newEngine(t, chooseDefinition(), unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s4", nil, rec, NopStop)
	require.Equal(t, workflow.StatusInput, outcome.Status)

	outcome = e.Resume(context.Background(), "s4", state,
		map[string]any{"output_result": "middle"}, rec, NopStop)
	assert.Equal(t, workflow.StatusInput, outcome.Status)
	assert.Equal(t, "pick", state.Pending)

	outcome = e.Resume(context.Background(), "s4", state,
		map[string]any{"output_result": "left"}, rec, NopStop)
	assert.Equal(t, workflow.StatusSuccess, outcome.Status)
}

func TestStopBetweenNodes(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "llm", Type: workflow.TypeLLM, Params: map[string]any{"user_prompt": "hi"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "llm"},
			{Source: "llm", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	// Stop flag flips after the first poll, so start runs and llm does not.
	polls := 0
	stop := func(context.Context) bool {
		polls++
		return polls > 1
	}
	_, outcome := e.Start(context.Background(), "s5", nil, rec, stop)
	require.Equal(t, workflow.StatusTerminated, outcome.Status)
	assert.Equal(t, types.ErrTerminated, types.KindOf(outcome.Err))

	seq := rec.sequence()
	assert.Contains(t, seq, "node_end:start")
	assert.NotContains(t, seq, "node_start:llm")
	assert.Equal(t, "error", seq[len(seq)-2])
	assert.Equal(t, "close", seq[len(seq)-1])
}

func TestVariableUnresolvedFailsRun(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "x", Type: workflow.TypeLLM, Params: map[string]any{
				"user_prompt": "use {y.out}",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "x"},
			{Source: "x", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s6", nil, rec, NopStop)
	require.Equal(t, workflow.StatusFailed, outcome.Status)
	assert.Equal(t, types.ErrVariableUnresolved, types.KindOf(outcome.Err))
	// No partial outputs from x.
	assert.Empty(t, state.Pool.Outputs("x"))
}

func TestMaxStepsZeroAdmitsTrivialGraph(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	e := newEngine(t, def, Options{MaxSteps: 0})
	rec := &recorder{}

	_, outcome := e.Start(context.Background(), "s7", nil, rec, NopStop)
	assert.Equal(t, workflow.StatusSuccess, outcome.Status)
}

func TestMaxStepsExhausted(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "llm", Type: workflow.TypeLLM, Params: map[string]any{"user_prompt": "hi"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "llm"},
			{Source: "llm", Target: "end"},
		},
	}
	e := newEngine(t, def, Options{MaxSteps: 0})
	rec := &recorder{}

	_, outcome := e.Start(context.Background(), "s8", nil, rec, NopStop)
	require.Equal(t, workflow.StatusFailed, outcome.Status)
	assert.Equal(t, types.ErrMaxSteps, types.KindOf(outcome.Err))
}

func TestTimeoutNearZeroFailsRun(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	e := newEngine(t, def, Options{MaxSteps: -1, Timeout: time.Nanosecond})
	rec := &recorder{}

	_, outcome := e.Start(context.Background(), "s8t", nil, rec, NopStop)
	require.Equal(t, workflow.StatusFailed, outcome.Status)
	assert.Equal(t, types.ErrTimeout, types.KindOf(outcome.Err))
	assert.Equal(t, []string{"error", "close"}, rec.sequence())
}

func TestConditionNodeRouting(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "cond", Type: workflow.TypeCondition, Params: map[string]any{
				"branches": []any{
					map[string]any{"id": "big", "expression": "{start.n} > 5"},
				},
			}},
			{ID: "big", Type: workflow.TypeOutput, Params: map[string]any{"message": "big"}},
			{ID: "small", Type: workflow.TypeOutput, Params: map[string]any{"message": "small"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "cond"},
			{Source: "cond", SourceHandle: "big", Target: "big"},
			{Source: "cond", SourceHandle: "default", Target: "small"},
			{Source: "big", Target: "end"},
			{Source: "small", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())

	rec := &recorder{}
	_, outcome := e.Start(context.Background(), "s9", map[string]any{"n": float64(10)}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)
	assert.Contains(t, rec.sequence(), "node_start:big")
	assert.NotContains(t, rec.sequence(), "node_start:small")

	rec = &recorder{}
	_, outcome = e.Start(context.Background(), "s10", map[string]any{"n": float64(1)}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)
	assert.Contains(t, rec.sequence(), "node_start:small")
	assert.NotContains(t, rec.sequence(), "node_start:big")
}

func TestDiamondFanInDefersUntilResolvable(t *testing.T) {
	// join needs both left.answer and right.answer; whichever order the
	// frontier pops, join defers until both predecessors ran.
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "left", Type: workflow.TypeLLM, Params: map[string]any{
				"user_prompt": "l", "output_keys": []any{"answer"}}},
			{ID: "right", Type: workflow.TypeLLM, Params: map[string]any{
				"user_prompt": "r", "output_keys": []any{"answer"}}},
			{ID: "join", Type: workflow.TypeOutput, Params: map[string]any{
				"message": "{left.answer} + {right.answer}"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "left"},
			{Source: "start", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
			{Source: "join", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s11", nil, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)
	v, ok := state.Pool.ResolveString("join.output_result")
	require.True(t, ok)
	assert.Equal(t, "echo:l + echo:r", v)
	// join ran exactly once despite two predecessors scheduling it.
	n := 0
	for _, s := range rec.sequence() {
		if s == "node_start:join" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestLoopRunsBodyPerElement(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "loop", Type: workflow.TypeLLM, Tab: workflow.TabBatch, Params: map[string]any{
				"user_prompt":    "seed {start.list}",
				"batch_variable": "start.list",
				"output_keys":    []any{"s1", "s2"},
				"node_loop":      true,
			}},
			{ID: "body", Type: workflow.TypeCode, Params: map[string]any{
				"code":   `return { tagged = "iter" }`,
				"inputs": []any{},
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "loop"},
			{Source: "loop", Target: "body"},
			{Source: "body", Target: "end"},
		},
	}
	e := newEngine(t, def, unbounded())
	rec := &recorder{}

	state, outcome := e.Start(context.Background(), "s12",
		map[string]any{"list": []any{"x", "y"}}, rec, NopStop)
	require.Equal(t, workflow.StatusSuccess, outcome.Status)

	// The body ran once per element; its per-iteration outputs merged to a list.
	v, ok := state.Pool.Get("body", "tagged")
	require.True(t, ok)
	assert.Equal(t, []any{"iter", "iter"}, v)

	// The loop node's own outputs carry one key per element.
	_, ok = state.Pool.Get("loop", "s1")
	assert.True(t, ok)
	_, ok = state.Pool.Get("loop", "s2")
	assert.True(t, ok)
}

func TestUnknownNodeTypeRejectedAtAdmit(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "weird", Type: "teleport"},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "weird"},
			{Source: "weird", Target: "end"},
		},
	}
	_, err := New(def, nodes.DefaultRegistry(), testClients(), zap.NewNop(), unbounded())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}
