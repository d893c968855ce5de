package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/engine"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

func setupTestDispatch(t *testing.T) (*miniredis.Miniredis, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	config := store.DefaultConfig()
	config.Addr = mr.Addr()

	s, err := store.New(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestPresenceAliveWindow(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	p := NewPresence(s.Client())

	require.NoError(t, p.Heartbeat(ctx, "w1"))
	// w2's beat is older than the window.
	stale := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, s.Client().HSet(ctx, workersKey, "w2", stale).Err())

	alive, err := p.Alive(ctx, AliveWindow)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, alive)
	assert.True(t, p.IsAlive(ctx, "w1", AliveWindow))
	assert.False(t, p.IsAlive(ctx, "w2", AliveWindow))

	require.NoError(t, p.Leave(ctx, "w1"))
	assert.False(t, p.IsAlive(ctx, "w1", AliveWindow))
}

func TestDispatchStickyBinding(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	p := NewPresence(s.Client())
	require.NoError(t, p.Heartbeat(ctx, "w1"))
	require.NoError(t, p.Heartbeat(ctx, "w2"))

	d := NewDispatcher(s, zap.NewNop())
	first, err := d.Dispatch(ctx, Task{SessionID: "s1", Kind: KindStart})
	require.NoError(t, err)

	// Later tasks for the same session land on the same worker.
	for i := 0; i < 5; i++ {
		again, err := d.Dispatch(ctx, Task{SessionID: "s1", Kind: KindResume})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	queued, err := s.Client().LLen(ctx, queueKey(first)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(6), queued)
}

func TestDispatchRebindsWhenWorkerDies(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	p := NewPresence(s.Client())
	require.NoError(t, p.Heartbeat(ctx, "w1"))

	d := NewDispatcher(s, zap.NewNop())
	first, err := d.Dispatch(ctx, Task{SessionID: "s1", Kind: KindStart})
	require.NoError(t, err)
	assert.Equal(t, "w1", first)

	require.NoError(t, p.Leave(ctx, "w1"))
	require.NoError(t, p.Heartbeat(ctx, "w2"))

	second, err := d.Dispatch(ctx, Task{SessionID: "s1", Kind: KindResume})
	require.NoError(t, err)
	assert.Equal(t, "w2", second)
}

func TestRecoverRedispatchesStaleBinding(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	p := NewPresence(s.Client())
	require.NoError(t, p.Heartbeat(ctx, "w1"))
	d := NewDispatcher(s, zap.NewNop())

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))
	_, err := s.Transition(ctx, "s1", workflow.StatusWaiting, workflow.StatusRunning)
	require.NoError(t, err)
	// The session is bound to a worker that never heartbeats again.
	require.NoError(t, s.Client().Set(ctx, bindingKey("s1"), "dead", time.Hour).Err())

	enqueued, err := d.Recover(ctx, "s1")
	require.NoError(t, err)
	require.True(t, enqueued)

	queued, err := s.Client().LLen(ctx, queueKey("w1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	// The binding now points at the live worker; a second observer is a no-op.
	again, err := d.Recover(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestDispatchNoWorkers(t *testing.T) {
	_, s := setupTestDispatch(t)
	d := NewDispatcher(s, zap.NewNop())

	_, err := d.Dispatch(context.Background(), Task{SessionID: "s1", Kind: KindStart})
	assert.Error(t, err)
}

type echoProvider struct{}

func (echoProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "echo:" + req.Messages[len(req.Messages)-1].Content, nil
}

func (echoProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	final := "echo:" + req.Messages[len(req.Messages)-1].Content
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Delta: final}
	ch <- llm.Chunk{Done: true, Final: final}
	close(ch)
	return ch, nil
}

func testWorker(t *testing.T, s *store.Store) *Worker {
	t.Helper()
	config := DefaultWorkerConfig("w1")
	config.Engine = engine.Options{MaxSteps: -1}
	w, err := NewWorker(config, s, nodes.DefaultRegistry(), &nodes.Clients{LLM: echoProvider{}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func mustDefinition(t *testing.T, def *workflow.Definition) []byte {
	t.Helper()
	data, err := json.Marshal(def)
	require.NoError(t, err)
	return data
}

func drainEvents(t *testing.T, s *store.Store, sessionID string) []workflow.EventType {
	t.Helper()
	var types []workflow.EventType
	for {
		ev, ok, err := s.NextEvent(context.Background(), sessionID, 10*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return types
		}
		types = append(types, ev.Type)
	}
}

func TestWorkerRunsSessionToSuccess(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))

	w.handle(ctx, Task{SessionID: "s1", Kind: KindStart})

	status, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuccess, status)

	events := drainEvents(t, s, "s1")
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventClose, events[len(events)-1])
}

func TestWorkerSuspendsAndResumesOnInput(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "ask", Type: workflow.TypeInput, Params: map[string]any{"message": "name?"},
				GroupParams: []workflow.GroupParam{{Name: "answer", Type: "input", Required: true}}},
			{ID: "end", Type: workflow.TypeEnd,
				Params: map[string]any{"inputs": []any{"ask.answer"}}},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "end"},
		},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))

	w.handle(ctx, Task{SessionID: "s1", Kind: KindStart})

	status, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusInput, status)

	// The suspended state round-trips through Redis so any worker can resume.
	var state engine.State
	found, err := s.LoadState(ctx, "s1", &state)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ask", state.Pending)

	require.NoError(t, s.WriteInput(ctx, "s1", "ask", map[string]any{"answer": "ada"}))
	ok, err := s.Transition(ctx, "s1", workflow.StatusInput, workflow.StatusInputOver)
	require.NoError(t, err)
	require.True(t, ok)

	w.handle(ctx, Task{SessionID: "s1", Kind: KindResume})

	status, err = s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuccess, status)
}

func TestWorkerRestartsOrphanedRun(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	raw := mustDefinition(t, &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "out", Type: workflow.TypeOutput, Params: map[string]any{"message": "hi {start.name}"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "out"},
			{Source: "out", Target: "end"},
		},
	})
	require.NoError(t, s.CreateSession(ctx, "s1", raw))

	// The original worker claimed the session and checkpointed its state,
	// then died before finishing the run.
	_, err := s.Transition(ctx, "s1", workflow.StatusWaiting, workflow.StatusRunning)
	require.NoError(t, err)
	def, err := workflow.ParseDefinition(raw)
	require.NoError(t, err)
	require.NoError(t, s.SaveState(ctx, "s1", engine.NewState(def, map[string]any{"name": "ada"})))

	w.handle(ctx, Task{SessionID: "s1", Kind: KindRecover})

	status, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuccess, status)

	events := drainEvents(t, s, "s1")
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventClose, events[len(events)-1])
}

func TestWorkerRecoverySkipsSettledSession(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))

	w.handle(ctx, Task{SessionID: "s1", Kind: KindStart})
	drainEvents(t, s, "s1")

	// A late recovery task for an already settled session does nothing.
	w.handle(ctx, Task{SessionID: "s1", Kind: KindRecover})
	status, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuccess, status)
	assert.Empty(t, drainEvents(t, s, "s1"))
}

func TestWorkerRecordsConversationHistory(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "ask", Type: workflow.TypeInput, Params: map[string]any{"message": "name?"},
				GroupParams: []workflow.GroupParam{{Name: "answer", Type: "input", Required: true}}},
			{ID: "answer", Type: workflow.TypeLLM, Params: map[string]any{"user_prompt": "greet {ask.answer}"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "answer"},
			{Source: "answer", Target: "end"},
		},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))

	w.handle(ctx, Task{SessionID: "s1", Kind: KindStart})
	require.NoError(t, s.WriteInput(ctx, "s1", "ask", map[string]any{"answer": "ada"}))
	ok, err := s.Transition(ctx, "s1", workflow.StatusInput, workflow.StatusInputOver)
	require.NoError(t, err)
	require.True(t, ok)
	w.handle(ctx, Task{SessionID: "s1", Kind: KindResume})

	status, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuccess, status)

	// The reply and the model's final answer landed as history turns.
	turns, err := store.NewHistory(s, 20, 0).Window(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Contains(t, turns[0].Content, "ada")
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Contains(t, turns[1].Content, "echo:")
}

func TestWorkerStartSkippedWhenAlreadyClaimed(t *testing.T) {
	_, s := setupTestDispatch(t)
	ctx := context.Background()
	w := testWorker(t, s)

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	require.NoError(t, s.CreateSession(ctx, "s1", mustDefinition(t, def)))
	_, err := s.Transition(ctx, "s1", workflow.StatusWaiting, workflow.StatusRunning)
	require.NoError(t, err)

	w.handle(ctx, Task{SessionID: "s1", Kind: KindStart})

	// The duplicate start produced no events.
	assert.Empty(t, drainEvents(t, s, "s1"))
}
