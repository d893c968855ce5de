package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/engine"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	// ID is the worker's stable identity in the ring and its queue name.
	ID string `yaml:"id" json:"id"`
	// Concurrency caps the sessions run at once on this worker.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// HeartbeatEvery is the presence beat interval.
	HeartbeatEvery time.Duration `yaml:"heartbeat_every" json:"heartbeat_every"`
	// QueuePoll bounds each blocking queue pop so shutdown stays responsive.
	QueuePoll time.Duration `yaml:"queue_poll" json:"queue_poll"`
	// Engine carries the per-run execution limits.
	Engine engine.Options `yaml:"engine" json:"engine"`
	// HistoryTurns and HistoryBudget shape the conversation window fed to
	// llm nodes. Zero disables the respective trim.
	HistoryTurns  int `yaml:"history_turns" json:"history_turns"`
	HistoryBudget int `yaml:"history_budget" json:"history_budget"`
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig(id string) WorkerConfig {
	return WorkerConfig{
		ID:             id,
		Concurrency:    16,
		HeartbeatEvery: 5 * time.Second,
		QueuePoll:      2 * time.Second,
		HistoryTurns:   20,
	}
}

// Worker pops tasks off its queue and drives engine runs. Each task executes
// on the goroutine pool; the pop loop itself never runs a session.
type Worker struct {
	config   WorkerConfig
	store    *store.Store
	history  *store.History
	presence *Presence
	registry *nodes.Registry
	clients  *nodes.Clients
	pool     *ants.Pool
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewWorker builds a worker over the shared store.
func NewWorker(config WorkerConfig, st *store.Store, registry *nodes.Registry, clients *nodes.Clients, logger *zap.Logger) (*Worker, error) {
	if config.ID == "" {
		return nil, types.NewError(types.ErrValidation, "worker id is required")
	}
	pool, err := ants.NewPool(config.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Worker{
		config:   config,
		store:    st,
		history:  store.NewHistory(st, config.HistoryTurns, config.HistoryBudget),
		presence: NewPresence(st.Client()),
		registry: registry,
		clients:  clients,
		pool:     pool,
		logger:   logger.With(zap.String("component", "worker"), zap.String("worker_id", config.ID)),
	}, nil
}

// WithMetrics attaches a collector. Safe to skip; the worker runs without one.
func (w *Worker) WithMetrics(c *metrics.Collector) *Worker {
	w.metrics = c
	return w
}

// Run heartbeats and consumes the worker's queue until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.presence.Heartbeat(ctx, w.config.ID); err != nil {
		return err
	}
	go w.beat(ctx)
	w.logger.Info("worker started", zap.Int("concurrency", w.config.Concurrency))

	rdb := w.store.Client()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := rdb.BRPop(ctx, w.config.QueuePoll, queueKey(w.config.ID)).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		task, err := decodeTask(res[1])
		if err != nil {
			w.logger.Error("malformed task dropped", zap.Error(err))
			continue
		}
		if err := w.pool.Submit(func() { w.handle(ctx, task) }); err != nil {
			w.logger.Error("task submit failed",
				zap.String("session_id", task.SessionID), zap.Error(err))
		}
	}
}

// Close drains the goroutine pool and removes the heartbeat.
func (w *Worker) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.presence.Leave(ctx, w.config.ID); err != nil {
		w.logger.Warn("heartbeat removal failed", zap.Error(err))
	}
	w.pool.Release()
}

func (w *Worker) beat(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.presence.Heartbeat(ctx, w.config.ID); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, task Task) {
	logger := w.logger.With(zap.String("session_id", task.SessionID))
	if w.metrics != nil {
		w.metrics.SessionStarted()
		defer w.metrics.SessionFinished()
	}

	data, err := w.store.Definition(ctx, task.SessionID)
	if err != nil {
		logger.Error("definition load failed", zap.Error(err))
		return
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		logger.Error("definition parse failed", zap.Error(err))
		return
	}
	eng, err := engine.New(def, w.registry, w.clients, logger, w.config.Engine)
	if err != nil {
		logger.Error("engine build failed", zap.Error(err))
		return
	}
	eng.WithCheckpoint(func(ctx context.Context, st *engine.State) error {
		return w.store.SaveState(ctx, task.SessionID, st)
	})

	// The engine invokes the callback sequentially per session, so the
	// start-time map needs no locking.
	starts := make(map[string]time.Time)
	cb := workflow.CallbackFunc(func(ctx context.Context, ev workflow.Event) error {
		if w.metrics != nil {
			w.metrics.RecordEvent(string(ev.Type))
			switch ev.Type {
			case workflow.EventNodeStart:
				starts[ev.UniqueID] = time.Now()
			case workflow.EventNodeEnd:
				// A resumed node started in an earlier run; no duration then.
				if at, seen := starts[ev.UniqueID]; seen {
					if node, ok := def.NodeByID(ev.NodeID); ok {
						w.metrics.RecordNodeExecution(node.Type, "success", time.Since(at))
					}
				}
			case workflow.EventError:
				if at, seen := starts[ev.UniqueID]; seen {
					if node, ok := def.NodeByID(ev.NodeID); ok {
						w.metrics.RecordNodeExecution(node.Type, "error", time.Since(at))
					}
				}
			}
		}
		w.remember(ctx, task.SessionID, ev, logger)
		return w.store.AppendEvent(ctx, task.SessionID, ev)
	})
	stop := func(ctx context.Context) bool {
		return w.store.Stopped(ctx, task.SessionID)
	}

	switch task.Kind {
	case KindStart:
		w.start(ctx, task, def, eng, cb, stop, logger)
	case KindResume:
		w.resume(ctx, task, eng, cb, stop, logger)
	case KindRecover:
		w.restart(ctx, task, eng, cb, stop, logger)
	default:
		logger.Error("unknown task kind", zap.String("kind", string(task.Kind)))
	}
}

// remember folds the conversational frames into the session history: the
// accepted user reply becomes a user turn, the final text of an llm stream an
// assistant turn. The window feeds the next llm invocation's prompt.
func (w *Worker) remember(ctx context.Context, sessionID string, ev workflow.Event, logger *zap.Logger) {
	var turn nodes.Turn
	switch ev.Type {
	case workflow.EventUserInput:
		var data workflow.UserInputData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		turn = nodes.Turn{Role: llm.RoleUser, Content: turnContent(data.Payload)}
	case workflow.EventStreamOver:
		var data workflow.StreamOverData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		turn = nodes.Turn{Role: llm.RoleAssistant, Content: data.Final}
	default:
		return
	}
	if turn.Content == "" {
		return
	}
	if err := w.history.Append(ctx, sessionID, turn); err != nil {
		logger.Warn("history append failed", zap.Error(err))
	}
}

// turnContent renders a reply payload as one history line.
func turnContent(payload map[string]any) string {
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func (w *Worker) start(ctx context.Context, task Task, def *workflow.Definition, eng *engine.Engine, cb workflow.Callback, stop engine.StopCheck, logger *zap.Logger) {
	ok, err := w.store.Transition(ctx, task.SessionID, workflow.StatusWaiting, workflow.StatusRunning)
	if err != nil {
		logger.Error("start transition failed", zap.Error(err))
		return
	}
	if !ok {
		// Another worker already claimed the session.
		logger.Info("start skipped, session already claimed")
		return
	}
	state := engine.NewState(def, task.Payload)
	if turns, err := w.history.Window(ctx, task.SessionID); err == nil {
		state.History = turns
	}
	// The first checkpoint lands before any node runs, so a crash anywhere in
	// the run leaves a restorable state behind.
	if err := w.store.SaveState(ctx, task.SessionID, state); err != nil {
		logger.Warn("initial state persist failed", zap.Error(err))
	}
	outcome := eng.StartFrom(ctx, task.SessionID, state, cb, stop)
	w.settle(ctx, task.SessionID, state, outcome, logger)
}

// restart picks up a running session abandoned by a dead worker from its last
// checkpoint. The node that was in flight at the crash is still on the saved
// frontier and runs again.
func (w *Worker) restart(ctx context.Context, task Task, eng *engine.Engine, cb workflow.Callback, stop engine.StopCheck, logger *zap.Logger) {
	status, err := w.store.Status(ctx, task.SessionID)
	if err != nil {
		logger.Error("recovery status read failed", zap.Error(err))
		return
	}
	if status != workflow.StatusRunning {
		logger.Info("recovery skipped, session no longer running",
			zap.String("status", string(status)))
		return
	}
	var state engine.State
	found, err := w.store.LoadState(ctx, task.SessionID, &state)
	if err != nil || !found {
		logger.Error("recoverable state missing", zap.Error(err))
		w.settle(ctx, task.SessionID, &state, engine.Outcome{
			Status: workflow.StatusFailed,
			Err:    types.NewError(types.ErrValidation, "no recoverable state for session"),
		}, logger)
		return
	}
	if state.Pending != "" {
		// The crash landed between the suspension checkpoint and the status
		// transition; park the session back in input state.
		if _, err := w.store.Transition(ctx, task.SessionID, workflow.StatusRunning, workflow.StatusInput); err != nil {
			logger.Error("input transition failed", zap.Error(err))
		}
		return
	}
	logger.Info("restarting orphaned session", zap.Strings("frontier", state.Frontier))
	outcome := eng.StartFrom(ctx, task.SessionID, &state, cb, stop)
	w.settle(ctx, task.SessionID, &state, outcome, logger)
}

func (w *Worker) resume(ctx context.Context, task Task, eng *engine.Engine, cb workflow.Callback, stop engine.StopCheck, logger *zap.Logger) {
	ok, err := w.store.Transition(ctx, task.SessionID, workflow.StatusInputOver, workflow.StatusRunning)
	if err != nil {
		logger.Error("resume transition failed", zap.Error(err))
		return
	}
	if !ok {
		logger.Info("resume skipped, session already claimed")
		return
	}

	var state engine.State
	found, err := w.store.LoadState(ctx, task.SessionID, &state)
	if err != nil || !found {
		logger.Error("resumable state missing", zap.Error(err))
		w.settle(ctx, task.SessionID, &state, engine.Outcome{
			Status: workflow.StatusFailed,
			Err:    types.NewError(types.ErrValidation, "no resumable state for session"),
		}, logger)
		return
	}
	payload, taken, err := w.store.TakeInput(ctx, task.SessionID, state.Pending)
	if err != nil || !taken {
		logger.Error("pending input missing", zap.Error(err))
		w.settle(ctx, task.SessionID, &state, engine.Outcome{
			Status: workflow.StatusFailed,
			Err:    types.NewError(types.ErrValidation, "no pending input for session"),
		}, logger)
		return
	}
	outcome := eng.Resume(ctx, task.SessionID, &state, payload, cb, stop)
	w.settle(ctx, task.SessionID, &state, outcome, logger)
}

// settle persists the post-run state and records the session's disposition.
func (w *Worker) settle(ctx context.Context, sessionID string, state *engine.State, outcome engine.Outcome, logger *zap.Logger) {
	if state != nil {
		if err := w.store.SaveState(ctx, sessionID, state); err != nil {
			logger.Error("state persist failed", zap.Error(err))
		}
	}
	switch outcome.Status {
	case workflow.StatusInput:
		if _, err := w.store.Transition(ctx, sessionID, workflow.StatusRunning, workflow.StatusInput); err != nil {
			logger.Error("input transition failed", zap.Error(err))
		}
		if w.metrics != nil {
			w.metrics.RecordInputWait()
		}
	case workflow.StatusSuccess, workflow.StatusFailed, workflow.StatusTerminated:
		if _, err := w.store.Transition(ctx, sessionID, workflow.StatusRunning, outcome.Status); err != nil {
			logger.Error("terminal transition failed", zap.Error(err))
		}
		w.store.Expire(ctx, sessionID)
		if w.metrics != nil && state != nil && !state.StartedAt.IsZero() {
			w.metrics.RecordSession(string(outcome.Status), time.Since(state.StartedAt))
		}
		logger.Info("session settled",
			zap.String("status", string(outcome.Status)),
			zap.Error(outcome.Err))
	default:
		logger.Error("unexpected outcome status", zap.String("status", string(outcome.Status)))
	}
}

func decodeTask(raw string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if task.SessionID == "" {
		return Task{}, types.NewError(types.ErrValidation, "task without session id")
	}
	return task, nil
}
