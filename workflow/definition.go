package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/flowrun/types"
)

// Node type tags. The registry in workflow/nodes maps each tag to a
// constructor; an unknown tag fails validation before a session is admitted.
const (
	TypeStart     = "start"
	TypeEnd       = "end"
	TypeLLM       = "llm"
	TypeRAG       = "rag"
	TypeTool      = "tool"
	TypeCode      = "code"
	TypeReport    = "report"
	TypeOutput    = "output"
	TypeInput     = "input"
	TypeCondition = "condition"
)

// Tab values controlling single vs batch execution of a node.
const (
	TabSingle = "single"
	TabBatch  = "batch"
)

// Definition is the serializable workflow document designed in the visual
// builder. Viewport is carried through round-trips but ignored by the engine.
type Definition struct {
	Nodes    []Node          `json:"nodes"`
	Edges    []Edge          `json:"edges"`
	Viewport json.RawMessage `json:"viewport,omitempty"`
}

// Node is a single node of the graph.
type Node struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tab         string         `json:"tab,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	GroupParams []GroupParam   `json:"group_params,omitempty"`
}

// GroupParam is a user-facing input/output declaration used by interactive
// nodes to render prompts and by batch nodes to declare output keys.
type GroupParam struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type,omitempty"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
	Value    any      `json:"value,omitempty"`
}

// Edge connects two nodes. SourceHandle carries the branch discriminator for
// condition and choose nodes; it is empty on plain edges.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
}

// ParseDefinition decodes a workflow definition from JSON.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed workflow definition").WithCause(err)
	}
	return &def, nil
}

// Marshal encodes the definition back to JSON. Serialize → deserialize
// preserves graph semantics.
func (d *Definition) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// NodeByID returns the node with the given id.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the unique start node. Validate guarantees it exists.
func (d *Definition) StartNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Type == TypeStart {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Successors returns the targets of the node's outgoing edges. When branch is
// non-empty only edges whose SourceHandle matches are followed; plain nodes
// pass branch == "" and follow every edge. Order is definition insertion
// order, which is also the condition tie-break order.
func (d *Definition) Successors(nodeID, branch string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Source != nodeID {
			continue
		}
		if branch != "" && e.SourceHandle != branch {
			continue
		}
		out = append(out, e.Target)
	}
	return out
}

// InDegree counts incoming edges of a node. The engine uses it to bound
// deferrals of nodes whose inputs are not yet resolvable.
func (d *Definition) InDegree(nodeID string) int {
	n := 0
	for _, e := range d.Edges {
		if e.Target == nodeID {
			n++
		}
	}
	return n
}

// BranchHandles returns the distinct SourceHandle values on the node's
// outgoing edges.
func (d *Definition) BranchHandles(nodeID string) map[string]bool {
	handles := make(map[string]bool)
	for _, e := range d.Edges {
		if e.Source == nodeID && e.SourceHandle != "" {
			handles[e.SourceHandle] = true
		}
	}
	return handles
}

// Validate checks the structural invariants of the definition. known reports
// whether a node type tag is registered. All violations are
// validation_error and reject the session at admit time.
func (d *Definition) Validate(known func(string) bool) error {
	if len(d.Nodes) == 0 {
		return types.NewError(types.ErrValidation, "workflow has no nodes")
	}

	ids := make(map[string]bool, len(d.Nodes))
	starts, ends := 0, 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return types.NewError(types.ErrValidation, "node id cannot be empty")
		}
		if ids[n.ID] {
			return types.NewError(types.ErrValidation, fmt.Sprintf("duplicate node id: %s", n.ID)).WithNode(n.ID)
		}
		ids[n.ID] = true

		if known != nil && !known(n.Type) {
			return types.NewError(types.ErrValidation, fmt.Sprintf("unknown node type: %s", n.Type)).WithNode(n.ID)
		}
		switch n.Type {
		case TypeStart:
			starts++
		case TypeEnd:
			ends++
		}
		if n.Tab != "" && n.Tab != TabSingle && n.Tab != TabBatch {
			return types.NewError(types.ErrValidation, fmt.Sprintf("invalid tab %q", n.Tab)).WithNode(n.ID)
		}
	}
	if starts != 1 {
		return types.NewError(types.ErrValidation, fmt.Sprintf("workflow must have exactly one start node, got %d", starts))
	}
	if ends == 0 {
		return types.NewError(types.ErrValidation, "workflow must have at least one end node")
	}

	for _, e := range d.Edges {
		if !ids[e.Source] {
			return types.NewError(types.ErrValidation, fmt.Sprintf("edge references unknown source: %s", e.Source))
		}
		if !ids[e.Target] {
			return types.NewError(types.ErrValidation, fmt.Sprintf("edge references unknown target: %s", e.Target))
		}
	}

	if err := d.validateReachableEnd(); err != nil {
		return err
	}
	return d.validateBranches()
}

// validateReachableEnd checks at least one end node is reachable from start.
func (d *Definition) validateReachableEnd() error {
	start := d.StartNode()
	seen := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		node, _ := d.NodeByID(id)
		if node != nil && node.Type == TypeEnd {
			return nil
		}
		for _, next := range d.Successors(id, "") {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return types.NewError(types.ErrValidation, "no end node reachable from start")
}

// validateBranches checks every declared branch key of a condition or choose
// node has a matching sourceHandle edge.
func (d *Definition) validateBranches() error {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		keys := n.declaredBranchKeys()
		if len(keys) == 0 {
			continue
		}
		handles := d.BranchHandles(n.ID)
		for _, key := range keys {
			if !handles[key] {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("branch %q of node %s has no matching sourceHandle edge", key, n.ID)).WithNode(n.ID)
			}
		}
	}
	return nil
}

// declaredBranchKeys lists the branch keys a node can emit: choose options
// for interactive choose nodes, branch names plus the default branch for
// condition nodes.
func (n *Node) declaredBranchKeys() []string {
	switch n.Type {
	case TypeOutput:
		if n.StringParam("interaction") != "choose" {
			return nil
		}
		for _, gp := range n.GroupParams {
			if gp.Name == "options" {
				return gp.Options
			}
		}
		return nil
	case TypeCondition:
		var keys []string
		if branches, ok := n.Params["branches"].([]any); ok {
			for _, b := range branches {
				if m, ok := b.(map[string]any); ok {
					if id, ok := m["id"].(string); ok {
						keys = append(keys, id)
					}
				}
			}
		}
		keys = append(keys, ConditionDefaultBranch)
		return keys
	default:
		return nil
	}
}

// ConditionDefaultBranch is the branch taken when no condition matches.
// Every condition node must wire an edge with this sourceHandle.
const ConditionDefaultBranch = "default"

// StringParam reads a string parameter, empty when absent or mistyped.
func (n *Node) StringParam(key string) string {
	v, _ := n.Params[key].(string)
	return v
}

// BoolParam reads a boolean parameter.
func (n *Node) BoolParam(key string) bool {
	v, _ := n.Params[key].(bool)
	return v
}

// FloatParam reads a numeric parameter. JSON numbers decode as float64.
func (n *Node) FloatParam(key string) float64 {
	v, _ := n.Params[key].(float64)
	return v
}

// StringsParam reads a list-of-strings parameter.
func (n *Node) StringsParam(key string) []string {
	raw, ok := n.Params[key].([]any)
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

// OutputKeys returns the declared output key list, used by batch nodes where
// the list length must equal the batch element count.
func (n *Node) OutputKeys() []string {
	if keys := n.StringsParam("output_keys"); len(keys) > 0 {
		return keys
	}
	var keys []string
	for _, gp := range n.GroupParams {
		if gp.Type == "output" {
			keys = append(keys, gp.Name)
		}
	}
	return keys
}
