package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/flowrun/types"
)

// Ref is a parsed variable reference of the form node_id.key, optionally
// suffixed with #index where index is an integer (list element) or a string
// (map key).
type Ref struct {
	NodeID string
	Key    string
	// Index is nil, an int, or a string.
	Index any
}

// String renders the reference back to its textual form.
func (r Ref) String() string {
	s := r.NodeID + "." + r.Key
	switch idx := r.Index.(type) {
	case nil:
	case int:
		s += "#" + strconv.Itoa(idx)
	case string:
		s += "#" + idx
	}
	return s
}

// ParseRef parses a variable reference string. Node ids and keys are plain
// identifiers, which keeps literal JSON fragments from reading as references.
func ParseRef(s string) (Ref, error) {
	base, idx, hasIdx := strings.Cut(s, "#")
	nodeID, key, ok := strings.Cut(base, ".")
	if !ok || !validRefPart(nodeID) || !validRefPart(key) {
		return Ref{}, types.NewError(types.ErrValidation, fmt.Sprintf("invalid variable reference %q", s))
	}
	ref := Ref{NodeID: nodeID, Key: key}
	if hasIdx {
		if idx == "" {
			return Ref{}, types.NewError(types.ErrValidation, fmt.Sprintf("invalid variable reference %q: empty index", s))
		}
		if n, err := strconv.Atoi(idx); err == nil {
			ref.Index = n
		} else {
			ref.Index = idx
		}
	}
	return ref, nil
}

func validRefPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Pool is the per-session variable pool: node_id → key → value. Within one
// engine run the pool is owned by a single goroutine; cross-process
// persistence goes through Marshal/Unmarshal on status changes.
type Pool struct {
	vars map[string]map[string]any
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{vars: make(map[string]map[string]any)}
}

// Set writes one output value under the node's id. Later writes win; the
// write-once-per-invocation invariant is the engine's responsibility.
func (p *Pool) Set(nodeID, key string, value any) {
	bucket, ok := p.vars[nodeID]
	if !ok {
		bucket = make(map[string]any)
		p.vars[nodeID] = bucket
	}
	bucket[key] = value
}

// SetAll writes a node's full output map.
func (p *Pool) SetAll(nodeID string, outputs map[string]any) {
	for k, v := range outputs {
		p.Set(nodeID, k, v)
	}
}

// Get reads a raw value without index resolution.
func (p *Pool) Get(nodeID, key string) (any, bool) {
	bucket, ok := p.vars[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := bucket[key]
	return v, ok
}

// Outputs returns the output map of a node, nil when the node has not run.
func (p *Pool) Outputs(nodeID string) map[string]any {
	return p.vars[nodeID]
}

// Resolve resolves a parsed reference including its optional index.
func (p *Pool) Resolve(ref Ref) (any, bool) {
	v, ok := p.Get(ref.NodeID, ref.Key)
	if !ok {
		return nil, false
	}
	switch idx := ref.Index.(type) {
	case nil:
		return v, true
	case int:
		list, ok := toList(v)
		if !ok || idx < 0 || idx >= len(list) {
			return nil, false
		}
		return list[idx], true
	case string:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		item, ok := m[idx]
		return item, ok
	}
	return nil, false
}

// ResolveString resolves a textual reference.
func (p *Pool) ResolveString(s string) (any, bool) {
	ref, err := ParseRef(s)
	if err != nil {
		return nil, false
	}
	return p.Resolve(ref)
}

// Substitute replaces every {node.key} occurrence in text with the referenced
// value rendered as a string. Unresolvable references are reported so the
// caller can defer or fail. Braced fragments that do not parse as references,
// such as literal JSON, pass through verbatim.
func (p *Pool) Substitute(text string) (string, []string) {
	var missing []string
	var b strings.Builder
	for {
		open := strings.Index(text, "{")
		if open < 0 {
			b.WriteString(text)
			break
		}
		close := strings.Index(text[open:], "}")
		if close < 0 {
			b.WriteString(text)
			break
		}
		close += open
		b.WriteString(text[:open])
		refText := text[open+1 : close]
		if ref, err := ParseRef(refText); err != nil {
			b.WriteString(text[open : close+1])
		} else if v, ok := p.Resolve(ref); ok {
			b.WriteString(Stringify(v))
		} else {
			missing = append(missing, refText)
			b.WriteString(text[open : close+1])
		}
		text = text[close+1:]
	}
	return b.String(), missing
}

// ExtractRefs lists the {node.key} references a template mentions, in order
// of appearance. Malformed fragments are skipped the same way Substitute
// skips them.
func ExtractRefs(text string) []string {
	var refs []string
	for {
		open := strings.Index(text, "{")
		if open < 0 {
			break
		}
		close := strings.Index(text[open:], "}")
		if close < 0 {
			break
		}
		close += open
		refText := text[open+1 : close]
		if _, err := ParseRef(refText); err == nil {
			refs = append(refs, refText)
		}
		text = text[close+1:]
	}
	return refs
}

// Snapshot returns a copy of the pool. Loop subgraphs run against a snapshot
// so per-iteration writes do not leak between iterations.
func (p *Pool) Snapshot() *Pool {
	clone := NewPool()
	for nodeID, bucket := range p.vars {
		for k, v := range bucket {
			clone.Set(nodeID, k, v)
		}
	}
	return clone
}

// Restore replaces the pool contents with the snapshot's.
func (p *Pool) Restore(snapshot *Pool) {
	p.vars = make(map[string]map[string]any, len(snapshot.vars))
	for nodeID, bucket := range snapshot.vars {
		for k, v := range bucket {
			p.Set(nodeID, k, v)
		}
	}
}

// MarshalJSON persists the pool for crash resume.
func (p *Pool) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.vars)
}

// UnmarshalJSON restores a persisted pool.
func (p *Pool) UnmarshalJSON(data []byte) error {
	p.vars = make(map[string]map[string]any)
	return json.Unmarshal(data, &p.vars)
}

// toList coerces a value to []any; typed string slices are common after
// in-process writes that never crossed JSON.
func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// ToList exposes list coercion to node implementations iterating a
// batch_variable.
func ToList(v any) ([]any, bool) {
	return toList(v)
}

// Stringify renders a pool value for prompt substitution and user-facing
// messages: strings pass through, everything else is JSON.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
