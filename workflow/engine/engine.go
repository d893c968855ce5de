// Package engine drives one workflow session: frontier traversal over the
// definition graph, variable resolution with bounded deferral, batch and
// loop execution, condition routing, and suspension on interactive nodes.
// The engine is single-threaded per session; all cross-process coordination
// lives with the caller.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

// Options bounds a run. MaxSteps < 0 and Timeout <= 0 mean unbounded.
// Start and end nodes do not consume steps, so MaxSteps = 0 still admits a
// trivial graph.
type Options struct {
	MaxSteps int           `yaml:"max_steps" json:"max_steps"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// StopCheck reports whether the client requested termination. Polled between
// node invocations and between batch iterations; a long-running single node
// is not pre-empted.
type StopCheck func(ctx context.Context) bool

// Checkpoint persists the state at node boundaries so another worker can pick
// the run up where it left off after a crash. The node in flight when a
// checkpointed run dies is still on the saved frontier and runs again.
type Checkpoint func(ctx context.Context, state *State) error

// NopStop never stops.
var NopStop StopCheck = func(context.Context) bool { return false }

// Engine executes one validated definition. It is stateless across runs; all
// per-session state lives in State.
type Engine struct {
	def        *workflow.Definition
	reg        *nodes.Registry
	clients    *nodes.Clients
	logger     *zap.Logger
	tracer     trace.Tracer
	opts       Options
	checkpoint Checkpoint
}

// WithCheckpoint attaches a state persistence hook. Checkpoint failures are
// logged and do not interrupt the run.
func (e *Engine) WithCheckpoint(fn Checkpoint) *Engine {
	e.checkpoint = fn
	return e
}

// New validates the definition against the registry and every node kind's
// own rules, then returns an engine bound to it. Validation failures here
// mean the session is never admitted.
func New(def *workflow.Definition, reg *nodes.Registry, clients *nodes.Clients, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := def.Validate(reg.Known); err != nil {
		return nil, err
	}
	for i := range def.Nodes {
		node := &def.Nodes[i]
		runner, err := reg.New(node.Type, clients, logger)
		if err != nil {
			return nil, err
		}
		if err := runner.Validate(node); err != nil {
			return nil, err
		}
	}
	return &Engine{
		def:     def,
		reg:     reg,
		clients: clients,
		logger:  logger,
		tracer:  otel.Tracer("flowrun/engine"),
		opts:    opts,
	}, nil
}

// Start begins a fresh run from the launch payload.
func (e *Engine) Start(ctx context.Context, sessionID string, launch map[string]any, cb workflow.Callback, stop StopCheck) (*State, Outcome) {
	state := NewState(e.def, launch)
	return state, e.StartFrom(ctx, sessionID, state, cb, stop)
}

// StartFrom runs a traversal over a pre-seeded state, letting callers attach
// conversation history or a restored pool before the first node executes.
func (e *Engine) StartFrom(ctx context.Context, sessionID string, state *State, cb workflow.Callback, stop StopCheck) Outcome {
	return e.run(ctx, sessionID, state, cb, stop)
}

// Resume feeds a user payload to the pending interactive node and continues
// traversal. A payload violating the node's schema keeps the session in
// input state; the node has already re-emitted its request.
func (e *Engine) Resume(ctx context.Context, sessionID string, state *State, payload map[string]any, cb workflow.Callback, stop StopCheck) Outcome {
	if stop == nil {
		stop = NopStop
	}
	if state.Pending == "" {
		return e.fail(ctx, cb, "", types.NewError(types.ErrValidation, "no node is awaiting input"))
	}
	node, ok := e.def.NodeByID(state.Pending)
	if !ok {
		return e.fail(ctx, cb, state.Pending, types.NewError(types.ErrValidation, "pending node is not in the definition"))
	}
	runner, err := e.reg.New(node.Type, e.clients, e.logger)
	if err != nil {
		return e.fail(ctx, cb, node.ID, types.AsError(err))
	}
	interactive, ok := runner.(nodes.Interactive)
	if !ok {
		return e.fail(ctx, cb, node.ID, types.NewError(types.ErrValidation, "pending node does not accept input"))
	}

	rc := e.runContext(sessionID, node, state, cb, uuid.NewString())
	result, err := interactive.HandleInput(ctx, rc, payload)
	if err != nil {
		if types.KindOf(err) == types.ErrInputSchema {
			e.logger.Info("input rejected, request re-emitted",
				zap.String("session_id", sessionID),
				zap.String("node_id", node.ID))
			return Outcome{Status: workflow.StatusInput}
		}
		return e.fail(ctx, cb, node.ID, types.AsError(err))
	}

	rc.Emit(ctx, workflow.EventUserInput, workflow.UserInputData{Payload: payload})
	state.Pool.SetAll(node.ID, result.Outputs)
	rc.Emit(ctx, workflow.EventNodeEnd, workflow.NodeEndData{
		Outputs: result.Outputs,
		Log:     runner.ParseLog(rc.UniqueID, result.Outputs),
	})
	state.Pending = ""
	state.Schema = nil

	if node.Type == workflow.TypeEnd {
		return e.finish(ctx, cb)
	}
	e.schedule(state, node.ID, result.Branch)
	return e.run(ctx, sessionID, state, cb, stop)
}

// run drains the frontier until a terminal condition.
func (e *Engine) run(ctx context.Context, sessionID string, state *State, cb workflow.Callback, stop StopCheck) Outcome {
	if stop == nil {
		stop = NopStop
	}
	for len(state.Frontier) > 0 {
		if stop(ctx) {
			return e.fail(ctx, cb, "", types.NewError(types.ErrTerminated, "stopped by client"))
		}
		if e.expired(state) {
			return e.fail(ctx, cb, "", types.NewError(types.ErrTimeout, "run exceeded its wall-clock budget"))
		}

		id := state.Frontier[0]
		state.Frontier = state.Frontier[1:]
		node, ok := e.def.NodeByID(id)
		if !ok {
			return e.fail(ctx, cb, id, types.NewError(types.ErrValidation, "frontier references unknown node"))
		}
		runner, err := e.reg.New(node.Type, e.clients, e.logger)
		if err != nil {
			return e.fail(ctx, cb, id, types.AsError(err))
		}

		if missing := e.unresolved(runner.Refs(node), state.Pool); len(missing) > 0 {
			state.Deferrals[id]++
			if state.Deferrals[id] > e.def.InDegree(id)+1 {
				return e.fail(ctx, cb, id, types.NewError(types.ErrVariableUnresolved,
					"unresolvable references after deferral: "+strings.Join(missing, ", ")).WithNode(id))
			}
			state.Frontier = append(state.Frontier, id)
			continue
		}

		var result nodes.Result
		if node.Tab == workflow.TabBatch && node.BoolParam("node_loop") {
			result, err = e.runLoop(ctx, sessionID, state, node, runner, cb, stop)
		} else {
			result, err = e.invoke(ctx, sessionID, state, node, runner, cb, stop)
		}
		if err != nil {
			return e.fail(ctx, cb, id, types.AsError(err))
		}
		if result.Await != nil {
			state.Pending = id
			state.Schema = result.Await
			return Outcome{Status: workflow.StatusInput}
		}

		if node.Type == workflow.TypeEnd {
			return e.finish(ctx, cb)
		}
		e.schedule(state, id, result.Branch)
		if e.checkpoint != nil {
			if err := e.checkpoint(ctx, state); err != nil {
				e.logger.Warn("state checkpoint failed", zap.Error(err))
			}
		}
	}
	return e.finish(ctx, cb)
}

// invoke runs one node, single or batch. It emits node_start before and
// node_end after, except when the node suspends: node_end then waits for the
// accepted input.
func (e *Engine) invoke(ctx context.Context, sessionID string, state *State, node *workflow.Node, runner nodes.Runner, cb workflow.Callback, stop StopCheck) (nodes.Result, error) {
	unique := uuid.NewString()
	rc := e.runContext(sessionID, node, state, cb, unique)
	rc.Emit(ctx, workflow.EventNodeStart, workflow.NodeStartData{
		Inputs: poolSnapshot(state.Pool, runner.Refs(node)),
	})

	ctx, span := e.tracer.Start(ctx, "node.run", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer span.End()

	var result nodes.Result
	var err error
	if node.Tab == workflow.TabBatch {
		result, err = e.runBatch(ctx, sessionID, state, node, runner, cb, stop, unique)
	} else {
		if err = e.spend(state, node); err == nil {
			result, err = runner.Run(ctx, rc)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nodes.Result{}, err
	}
	if result.Await != nil {
		return result, nil
	}

	state.Pool.SetAll(node.ID, result.Outputs)
	rc.Emit(ctx, workflow.EventNodeEnd, workflow.NodeEndData{
		Outputs: result.Outputs,
		Log:     runner.ParseLog(unique, result.Outputs),
	})
	return result, nil
}

// runBatch executes one invocation per element of the batch variable,
// writing one declared output key per iteration. Iterations are serial and
// each consumes a step.
func (e *Engine) runBatch(ctx context.Context, sessionID string, state *State, node *workflow.Node, runner nodes.Runner, cb workflow.Callback, stop StopCheck, unique string) (nodes.Result, error) {
	list, keys, err := e.batchPlan(state, node)
	if err != nil {
		return nodes.Result{}, err
	}
	merged := make(map[string]any, len(list))
	for i, elem := range list {
		if stop(ctx) {
			return nodes.Result{}, types.NewError(types.ErrTerminated, "stopped by client")
		}
		if e.expired(state) {
			return nodes.Result{}, types.NewError(types.ErrTimeout, "run exceeded its wall-clock budget")
		}
		if err := e.spend(state, node); err != nil {
			return nodes.Result{}, err
		}
		rc := e.runContext(sessionID, node, state, cb, unique+"-"+strconv.Itoa(i))
		rc.BatchIndex = i
		rc.BatchElement = elem
		rc.OutputKey = keys[i]
		result, err := runner.Run(ctx, rc)
		if err != nil {
			return nodes.Result{}, err
		}
		if result.Await != nil {
			return nodes.Result{}, types.NewError(types.ErrValidation,
				"interactive nodes cannot run in batch mode").WithNode(node.ID)
		}
		for k, v := range result.Outputs {
			merged[k] = v
		}
	}
	return nodes.Outputs(merged), nil
}

// runLoop executes the node's downstream subgraph once per batch element
// against a pool snapshot, then merges per-iteration outputs of every body
// node into lists. Traversal resumes at the subgraph's exit edges.
func (e *Engine) runLoop(ctx context.Context, sessionID string, state *State, node *workflow.Node, runner nodes.Runner, cb workflow.Callback, stop StopCheck) (nodes.Result, error) {
	list, keys, err := e.batchPlan(state, node)
	if err != nil {
		return nodes.Result{}, err
	}
	body, exits := e.loopBody(node.ID)

	unique := uuid.NewString()
	rc := e.runContext(sessionID, node, state, cb, unique)
	rc.Emit(ctx, workflow.EventNodeStart, workflow.NodeStartData{
		Inputs: poolSnapshot(state.Pool, runner.Refs(node)),
	})

	ownOutputs := make(map[string]any, len(list))
	merged := make(map[string]map[string][]any)
	for i, elem := range list {
		if stop(ctx) {
			return nodes.Result{}, types.NewError(types.ErrTerminated, "stopped by client")
		}
		if err := e.spend(state, node); err != nil {
			return nodes.Result{}, err
		}
		iterRC := e.runContext(sessionID, node, state, cb, unique+"-"+strconv.Itoa(i))
		iterRC.BatchIndex = i
		iterRC.BatchElement = elem
		iterRC.OutputKey = keys[i]
		result, err := runner.Run(ctx, iterRC)
		if err != nil {
			return nodes.Result{}, err
		}
		for k, v := range result.Outputs {
			ownOutputs[k] = v
		}

		snapshot := state.Pool.Snapshot()
		state.Pool.SetAll(node.ID, result.Outputs)
		if err := e.runSubgraph(ctx, sessionID, state, node.ID, body, cb, stop); err != nil {
			return nodes.Result{}, err
		}
		for bodyID := range body {
			for k, v := range state.Pool.Outputs(bodyID) {
				if merged[bodyID] == nil {
					merged[bodyID] = make(map[string][]any)
				}
				merged[bodyID][k] = append(merged[bodyID][k], v)
			}
		}
		state.Pool.Restore(snapshot)
	}

	for bodyID, outputs := range merged {
		for k, vs := range outputs {
			state.Pool.Set(bodyID, k, vs)
		}
	}
	state.Pool.SetAll(node.ID, ownOutputs)
	rc.Emit(ctx, workflow.EventNodeEnd, workflow.NodeEndData{
		Outputs: ownOutputs,
		Log:     runner.ParseLog(unique, ownOutputs),
	})

	state.Frontier = append(state.Frontier, exits...)
	// Successors were scheduled through the exit set already.
	return nodes.Result{Outputs: nil, Branch: loopHandled}, nil
}

// loopHandled marks a loop result whose successors are already scheduled.
const loopHandled = "\x00loop"

// runSubgraph drains a frontier restricted to the loop body. Nodes outside
// the body are exits and are not executed here.
func (e *Engine) runSubgraph(ctx context.Context, sessionID string, state *State, loopID string, body map[string]bool, cb workflow.Callback, stop StopCheck) error {
	frontier := e.inBody(e.def.Successors(loopID, ""), body)
	deferrals := make(map[string]int)
	for len(frontier) > 0 {
		if stop(ctx) {
			return types.NewError(types.ErrTerminated, "stopped by client")
		}
		if e.expired(state) {
			return types.NewError(types.ErrTimeout, "run exceeded its wall-clock budget")
		}
		id := frontier[0]
		frontier = frontier[1:]
		node, ok := e.def.NodeByID(id)
		if !ok {
			return types.NewError(types.ErrValidation, "loop body references unknown node")
		}
		runner, err := e.reg.New(node.Type, e.clients, e.logger)
		if err != nil {
			return types.AsError(err)
		}
		if missing := e.unresolved(runner.Refs(node), state.Pool); len(missing) > 0 {
			deferrals[id]++
			if deferrals[id] > e.def.InDegree(id)+1 {
				return types.NewError(types.ErrVariableUnresolved,
					"unresolvable references after deferral: "+strings.Join(missing, ", ")).WithNode(id)
			}
			frontier = append(frontier, id)
			continue
		}
		result, err := e.invoke(ctx, sessionID, state, node, runner, cb, stop)
		if err != nil {
			return err
		}
		if result.Await != nil {
			return types.NewError(types.ErrValidation,
				"interactive nodes cannot run inside a loop body").WithNode(id)
		}
		for _, next := range e.inBody(e.def.Successors(id, result.Branch), body) {
			if !contains(frontier, next) {
				frontier = append(frontier, next)
			}
		}
	}
	return nil
}

// loopBody computes the nodes reachable from the loop node, excluding end
// nodes, plus the exit targets where traversal resumes after the loop.
func (e *Engine) loopBody(loopID string) (map[string]bool, []string) {
	body := make(map[string]bool)
	queue := e.def.Successors(loopID, "")
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if body[id] {
			continue
		}
		node, ok := e.def.NodeByID(id)
		if !ok || node.Type == workflow.TypeEnd {
			continue
		}
		body[id] = true
		queue = append(queue, e.def.Successors(id, "")...)
	}
	var exits []string
	seen := make(map[string]bool)
	for id := range body {
		for _, next := range e.def.Successors(id, "") {
			if !body[next] && !seen[next] {
				seen[next] = true
				exits = append(exits, next)
			}
		}
	}
	for _, next := range e.def.Successors(loopID, "") {
		if !body[next] && !seen[next] {
			seen[next] = true
			exits = append(exits, next)
		}
	}
	return body, exits
}

func (e *Engine) inBody(ids []string, body map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if body[id] {
			out = append(out, id)
		}
	}
	return out
}

// batchPlan resolves the batch variable to a list and checks the declared
// output keys cover every element.
func (e *Engine) batchPlan(state *State, node *workflow.Node) ([]any, []string, error) {
	bv := node.StringParam("batch_variable")
	raw, ok := state.Pool.ResolveString(bv)
	if !ok {
		return nil, nil, types.NewError(types.ErrVariableUnresolved,
			"batch variable is unresolved: "+bv).WithNode(node.ID)
	}
	list, ok := workflow.ToList(raw)
	if !ok {
		return nil, nil, types.NewError(types.ErrValidation,
			"batch variable is not a list: "+bv).WithNode(node.ID)
	}
	keys := node.OutputKeys()
	if len(keys) != len(list) {
		return nil, nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("batch declares %d output keys for %d elements", len(keys), len(list))).WithNode(node.ID)
	}
	return list, keys, nil
}

// spend consumes one step from the budget. Start and end nodes are free.
func (e *Engine) spend(state *State, node *workflow.Node) error {
	if node.Type == workflow.TypeStart || node.Type == workflow.TypeEnd {
		return nil
	}
	if e.opts.MaxSteps >= 0 && state.Steps >= e.opts.MaxSteps {
		return types.NewError(types.ErrMaxSteps,
			fmt.Sprintf("step budget of %d exhausted", e.opts.MaxSteps)).WithNode(node.ID)
	}
	state.Steps++
	return nil
}

func (e *Engine) expired(state *State) bool {
	return e.opts.Timeout > 0 && time.Since(state.StartedAt) > e.opts.Timeout
}

// schedule enqueues the successors selected by the branch, deduplicating
// against the current frontier.
func (e *Engine) schedule(state *State, nodeID, branch string) {
	if branch == loopHandled {
		return
	}
	for _, next := range e.def.Successors(nodeID, branch) {
		if !contains(state.Frontier, next) {
			state.Frontier = append(state.Frontier, next)
		}
	}
}

func (e *Engine) unresolved(refs []string, pool *workflow.Pool) []string {
	var missing []string
	for _, ref := range refs {
		if _, ok := pool.ResolveString(ref); !ok {
			missing = append(missing, ref)
		}
	}
	return missing
}

func (e *Engine) runContext(sessionID string, node *workflow.Node, state *State, cb workflow.Callback, unique string) *nodes.RunContext {
	return &nodes.RunContext{
		SessionID:  sessionID,
		NodeID:     node.ID,
		UniqueID:   unique,
		Def:        node,
		Pool:       state.Pool,
		Callback:   cb,
		History:    state.History,
		Clients:    e.clients,
		Logger:     e.logger,
		Launch:     state.Launch,
		BatchIndex: -1,
	}
}

// fail emits the terminal error frame and close, and maps the error kind to
// the final status.
func (e *Engine) fail(ctx context.Context, cb workflow.Callback, nodeID string, err *types.Error) Outcome {
	if err.NodeID != "" {
		nodeID = err.NodeID
	}
	e.logger.Warn("run failed",
		zap.String("node_id", nodeID),
		zap.String("kind", string(err.Kind)),
		zap.Error(err))
	emit(ctx, cb, workflow.NewEvent(workflow.EventError, nodeID, "", workflow.ErrorData{
		Kind:   err.Kind,
		Detail: err.Message,
	}))
	emit(ctx, cb, workflow.NewEvent(workflow.EventClose, "", "", nil))
	status := workflow.StatusFailed
	if err.Kind == types.ErrTerminated {
		status = workflow.StatusTerminated
	}
	return Outcome{Status: status, Err: err}
}

// finish emits the closing frame of a successful run.
func (e *Engine) finish(ctx context.Context, cb workflow.Callback) Outcome {
	emit(ctx, cb, workflow.NewEvent(workflow.EventClose, "", "", nil))
	return Outcome{Status: workflow.StatusSuccess}
}

func emit(ctx context.Context, cb workflow.Callback, ev workflow.Event) {
	_ = cb.OnEvent(ctx, ev)
}

// poolSnapshot materializes the references a node starts with, for the
// node_start frame.
func poolSnapshot(pool *workflow.Pool, refs []string) map[string]any {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]any, len(refs))
	for _, ref := range refs {
		if v, ok := pool.ResolveString(ref); ok {
			out[ref] = v
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
