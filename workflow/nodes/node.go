// Package nodes implements the node kinds executable by the workflow engine
// and the registry mapping definition type tags to constructors.
package nodes

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/objectstore"
	"github.com/BaSui01/flowrun/retrieval"
	"github.com/BaSui01/flowrun/tools"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Result is the outcome of one node invocation: exactly one of Outputs,
// Await, or Branch is meaningful. Pauses and branches are ordinary return
// values, never control-flow exceptions.
type Result struct {
	// Outputs are written into the variable pool under the node's id.
	Outputs map[string]any
	// Await requests user input; the engine suspends the session.
	Await *workflow.InputSchema
	// Branch is the discriminator matched against edge sourceHandle values.
	// Empty for plain nodes.
	Branch string
}

// Outputs builds a plain result.
func Outputs(m map[string]any) Result {
	return Result{Outputs: m}
}

// Await builds a suspend-for-input result.
func Await(schema *workflow.InputSchema) Result {
	return Result{Await: schema}
}

// Branch builds a routed result carrying the selected branch key.
func Branch(key string, outputs map[string]any) Result {
	return Result{Branch: key, Outputs: outputs}
}

// Turn is one conversational exchange kept in the session's sliding-window
// history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Clients groups the external collaborators a worker process shares across
// its sessions. Initialized once at boot and threaded explicitly; there are
// no package-level singletons.
type Clients struct {
	LLM       llm.Provider
	Knowledge retrieval.KnowledgeSource
	Reranker  retrieval.Reranker
	Objects   objectstore.Store
	Tools     *tools.Registry
}

// RunContext carries everything one invocation needs. The callback holds the
// session id internally, not a back-reference to the engine.
type RunContext struct {
	SessionID string
	NodeID    string
	UniqueID  string
	Def       *workflow.Node
	Pool      *workflow.Pool
	Callback  workflow.Callback
	History   []Turn
	Clients   *Clients
	Logger    *zap.Logger
	// Launch is the session's initial payload, consumed by the start node.
	Launch map[string]any
	// BatchIndex is the current iteration in batch mode, -1 in single mode.
	BatchIndex int
	// BatchElement is the list element of the current iteration.
	BatchElement any
	// OutputKey is the declared key this invocation writes in batch mode.
	OutputKey string
}

// Emit publishes an event through the session callback. Append is
// fire-and-forget; failures are logged and swallowed.
func (rc *RunContext) Emit(ctx context.Context, eventType workflow.EventType, payload any) {
	ev := workflow.NewEvent(eventType, rc.NodeID, rc.UniqueID, payload)
	if err := rc.Callback.OnEvent(ctx, ev); err != nil && rc.Logger != nil {
		rc.Logger.Warn("event emit failed",
			zap.String("node_id", rc.NodeID),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

// Runner is the contract every node kind implements.
type Runner interface {
	// Kind returns the definition type tag.
	Kind() string
	// Validate checks the node definition at admit time.
	Validate(def *workflow.Node) error
	// Refs lists the variable references the node needs resolved before Run.
	// The engine defers the node while any of them is missing.
	Refs(def *workflow.Node) []string
	// Run performs one invocation.
	Run(ctx context.Context, rc *RunContext) (Result, error)
	// ParseLog renders outputs as log entries attached to the node_end event.
	ParseLog(uniqueID string, outputs map[string]any) []workflow.LogEntry
}

// Interactive is implemented by node kinds whose Run may return Await.
type Interactive interface {
	Runner
	// InputSchema describes the expected reply payload.
	InputSchema(def *workflow.Node) *workflow.InputSchema
	// HandleInput consumes the user payload after resume. A payload that does
	// not match the schema returns an input_schema_violation error; the
	// engine re-emits the request instead of failing the session.
	HandleInput(ctx context.Context, rc *RunContext, payload map[string]any) (Result, error)
	// IsCondition reports whether the accepted reply routes successor edges.
	IsCondition(def *workflow.Node) bool
}

// base provides the shared pieces of every node kind.
type base struct {
	kind   string
	logger *zap.Logger
}

func (b *base) Kind() string { return b.kind }

// Refs reads the declared input references plus the batch variable.
func (b *base) Refs(def *workflow.Node) []string {
	refs := def.StringsParam("inputs")
	if def.Tab == workflow.TabBatch {
		if bv := def.StringParam("batch_variable"); bv != "" {
			refs = append(refs, bv)
		}
	}
	return refs
}

// ParseLog is the default log rendering: one entry per output key, sorted for
// stable order.
func (b *base) ParseLog(uniqueID string, outputs map[string]any) []workflow.LogEntry {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]workflow.LogEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, workflow.LogEntry{Key: k, Value: outputs[k]})
	}
	return entries
}

// resolveInputs materializes the declared input references into a map keyed
// by reference text, for the node_start inputs snapshot.
func resolveInputs(pool *workflow.Pool, refs []string) map[string]any {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]any, len(refs))
	for _, r := range refs {
		if v, ok := pool.ResolveString(r); ok {
			out[r] = v
		}
	}
	return out
}

// Constructor builds a node kind runner bound to a worker's shared clients.
type Constructor func(clients *Clients, logger *zap.Logger) Runner

// Registry maps definition type tags to constructors. Unknown tags are
// rejected at admit time, never at run time.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a type tag to a constructor. Later registrations replace
// earlier ones, which tests use to inject fakes.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.constructors[kind] = ctor
}

// Known reports whether a type tag is registered.
func (r *Registry) Known(kind string) bool {
	_, ok := r.constructors[kind]
	return ok
}

// New instantiates the runner for a type tag.
func (r *Registry) New(kind string, clients *Clients, logger *zap.Logger) (Runner, error) {
	ctor, ok := r.constructors[kind]
	if !ok {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown node type: %s", kind))
	}
	return ctor(clients, logger), nil
}

// DefaultRegistry returns a registry with every builtin node kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(workflow.TypeStart, func(c *Clients, l *zap.Logger) Runner { return NewStart(l) })
	r.Register(workflow.TypeEnd, func(c *Clients, l *zap.Logger) Runner { return NewEnd(l) })
	r.Register(workflow.TypeLLM, func(c *Clients, l *zap.Logger) Runner { return NewLLM(c, l) })
	r.Register(workflow.TypeRAG, func(c *Clients, l *zap.Logger) Runner { return NewRAG(c, l) })
	r.Register(workflow.TypeTool, func(c *Clients, l *zap.Logger) Runner { return NewTool(c, l) })
	r.Register(workflow.TypeCode, func(c *Clients, l *zap.Logger) Runner { return NewCode(l) })
	r.Register(workflow.TypeReport, func(c *Clients, l *zap.Logger) Runner { return NewReport(c, l) })
	r.Register(workflow.TypeOutput, func(c *Clients, l *zap.Logger) Runner { return NewOutput(l) })
	r.Register(workflow.TypeInput, func(c *Clients, l *zap.Logger) Runner { return NewInput(l) })
	r.Register(workflow.TypeCondition, func(c *Clients, l *zap.Logger) Runner { return NewCondition(l) })
	return r
}
