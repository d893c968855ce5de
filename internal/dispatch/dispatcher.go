package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Kind names the two task shapes a worker can pick up.
type Kind string

const (
	// KindStart begins a fresh traversal from the start node.
	KindStart Kind = "start"
	// KindResume continues a session suspended on user input.
	KindResume Kind = "resume"
	// KindRecover restarts a running session from its last checkpoint after
	// its bound worker died.
	KindRecover Kind = "recover"
)

// Task is one unit of work queued to a specific worker.
type Task struct {
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func queueKey(workerID string) string    { return "wf:queue:" + workerID }
func bindingKey(sessionID string) string { return "wf:binding:" + sessionID }
func recoverKey(sessionID string) string { return "wf:recover:" + sessionID }

// Dispatcher routes session tasks to workers. A session sticks to the worker
// that first owned it for as long as that worker stays alive, so start and
// resume land on a warm process; when the worker dies the consistent hash
// ring picks a new owner with minimal reshuffling of other sessions.
type Dispatcher struct {
	store    *store.Store
	presence *Presence
	window   time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher over the shared session store.
func NewDispatcher(st *store.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		presence: NewPresence(st.Client()),
		window:   AliveWindow,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// WithMetrics attaches a collector. Safe to skip; dispatch works without one.
func (d *Dispatcher) WithMetrics(c *metrics.Collector) *Dispatcher {
	d.metrics = c
	return d
}

// Dispatch selects the owning worker for the task's session and enqueues the
// task on its queue. Returns the chosen worker ID.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (string, error) {
	workerID, err := d.owner(ctx, task.SessionID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	rdb := d.store.Client()
	pipe := rdb.Pipeline()
	depth := pipe.LPush(ctx, queueKey(workerID), data)
	pipe.Expire(ctx, queueKey(workerID), time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch(string(task.Kind), workerID, depth.Val())
	}
	d.logger.Debug("task dispatched",
		zap.String("session_id", task.SessionID),
		zap.String("kind", string(task.Kind)),
		zap.String("worker_id", workerID))
	return workerID, nil
}

// Recover re-dispatches a session stuck in running because its bound worker
// died mid-run. The ring picks a new owner, which restarts the run from its
// last checkpoint. Returns true when a recovery task was enqueued; the lock
// keeps concurrent observers from double-dispatching.
func (d *Dispatcher) Recover(ctx context.Context, sessionID string) (bool, error) {
	status, err := d.store.Status(ctx, sessionID)
	if err != nil || status != workflow.StatusRunning {
		return false, err
	}
	rdb := d.store.Client()
	bound, err := rdb.Get(ctx, bindingKey(sessionID)).Result()
	if err == nil && d.presence.IsAlive(ctx, bound, d.window) {
		return false, nil
	}
	locked, err := rdb.SetNX(ctx, recoverKey(sessionID), "1", 30*time.Second).Result()
	if err != nil || !locked {
		return false, err
	}
	d.logger.Warn("recovering orphaned session",
		zap.String("session_id", sessionID),
		zap.String("worker_id", bound))
	if _, err := d.Dispatch(ctx, Task{SessionID: sessionID, Kind: KindRecover}); err != nil {
		return false, err
	}
	return true, nil
}

// owner resolves the sticky binding for the session, falling back to the
// ring when the session is new or its bound worker is gone.
func (d *Dispatcher) owner(ctx context.Context, sessionID string) (string, error) {
	rdb := d.store.Client()
	bound, err := rdb.Get(ctx, bindingKey(sessionID)).Result()
	if err == nil && d.presence.IsAlive(ctx, bound, d.window) {
		return bound, nil
	}
	alive, err := d.presence.Alive(ctx, d.window)
	if err != nil {
		return "", err
	}
	workerID, ok := NewRing(alive).Owner(sessionID)
	if !ok {
		return "", types.NewError(types.ErrExternalService, "no workers available")
	}
	if err := rdb.Set(ctx, bindingKey(sessionID), workerID, time.Hour).Err(); err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}
	return workerID, nil
}
