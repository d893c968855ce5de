package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Condition evaluates ordered boolean expressions over the variable pool and
// emits the first matching branch key, or the default branch when none
// match. Expressions compare references and literals with
// `==, !=, >, <, >=, <=, contains, empty`, joined by `and`/`or` (and binds
// tighter), e.g. `{start.count} > 3 and {pick.output_result} == "right"`.
type Condition struct {
	base
}

// conditionBranch is one entry of the branches param.
type conditionBranch struct {
	ID         string
	Expression string
}

// NewCondition builds the condition node runner.
func NewCondition(logger *zap.Logger) *Condition {
	return &Condition{base{kind: workflow.TypeCondition, logger: logger}}
}

func branches(def *workflow.Node) []conditionBranch {
	raw, ok := def.Params["branches"].([]any)
	if !ok {
		return nil
	}
	var out []conditionBranch
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		expr, _ := m["expression"].(string)
		out = append(out, conditionBranch{ID: id, Expression: expr})
	}
	return out
}

// Validate implements Runner. The default-branch edge is checked by graph
// validation; here the branch entries and expression syntax are checked.
func (n *Condition) Validate(def *workflow.Node) error {
	bs := branches(def)
	if len(bs) == 0 {
		return types.NewError(types.ErrValidation, "condition node requires branches").WithNode(def.ID)
	}
	for _, b := range bs {
		if b.ID == "" || b.Expression == "" {
			return types.NewError(types.ErrValidation,
				"condition branch requires id and expression").WithNode(def.ID)
		}
		if b.ID == workflow.ConditionDefaultBranch {
			return types.NewError(types.ErrValidation,
				"branch id 'default' is reserved").WithNode(def.ID)
		}
		if err := checkExpr(b.Expression); err != nil {
			return types.NewError(types.ErrValidation,
				"condition branch expression is malformed: "+b.Expression).
				WithCause(err).WithNode(def.ID)
		}
	}
	return nil
}

// Refs adds references inside every branch expression.
func (n *Condition) Refs(def *workflow.Node) []string {
	refs := n.base.Refs(def)
	for _, b := range branches(def) {
		refs = append(refs, workflow.ExtractRefs(b.Expression)...)
	}
	return refs
}

// Run implements Runner. Branches are evaluated in declaration order and the
// first match wins, making routing deterministic for equal inputs.
func (n *Condition) Run(ctx context.Context, rc *RunContext) (Result, error) {
	for _, b := range branches(rc.Def) {
		matched, missing, err := evalExpr(rc.Pool, b.Expression)
		if len(missing) > 0 {
			return Result{}, types.NewError(types.ErrVariableUnresolved,
				"expression references unresolved variables: "+strings.Join(missing, ", ")).WithNode(rc.NodeID)
		}
		if err != nil {
			return Result{}, types.NewError(types.ErrNodeExecution,
				"branch expression does not evaluate: "+b.Expression).WithCause(err).WithNode(rc.NodeID)
		}
		if matched {
			return Branch(b.ID, map[string]any{"branch": b.ID}), nil
		}
	}
	return Branch(workflow.ConditionDefaultBranch,
		map[string]any{"branch": workflow.ConditionDefaultBranch}), nil
}

// Expression tokens: references, string and word literals, comparison
// operators, and the and/or connectives.
type condToken struct {
	kind string // "ref", "str", "word", "op", "and", "or"
	text string
}

func tokenizeCond(expr string) ([]condToken, error) {
	var toks []condToken
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '{':
			j := strings.IndexByte(expr[i:], '}')
			if j < 0 {
				return nil, fmt.Errorf("unclosed reference at %q", expr[i:])
			}
			toks = append(toks, condToken{"ref", expr[i+1 : i+j]})
			i += j + 1
		case c == '"' || c == '\'':
			j := strings.IndexByte(expr[i+1:], c)
			if j < 0 {
				return nil, fmt.Errorf("unclosed string at %q", expr[i:])
			}
			toks = append(toks, condToken{"str", expr[i+1 : i+1+j]})
			i += j + 2
		case strings.HasPrefix(expr[i:], "=="), strings.HasPrefix(expr[i:], "!="),
			strings.HasPrefix(expr[i:], ">="), strings.HasPrefix(expr[i:], "<="):
			toks = append(toks, condToken{"op", expr[i : i+2]})
			i += 2
		case c == '>' || c == '<':
			toks = append(toks, condToken{"op", string(c)})
			i++
		case c == '=' || c == '!':
			return nil, fmt.Errorf("unknown operator at %q", expr[i:])
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" \t\n{}\"'<>=!", rune(expr[j])) {
				j++
			}
			word := expr[i:j]
			switch word {
			case "and", "or":
				toks = append(toks, condToken{word, word})
			case "contains", "empty":
				toks = append(toks, condToken{"op", word})
			default:
				toks = append(toks, condToken{"word", word})
			}
			i = j
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

// splitToks splits on a connective kind, rejecting empty segments.
func splitToks(toks []condToken, kind string) ([][]condToken, error) {
	var groups [][]condToken
	start := 0
	for i, tok := range toks {
		if tok.kind == kind {
			if i == start {
				return nil, fmt.Errorf("dangling %s", kind)
			}
			groups = append(groups, toks[start:i])
			start = i + 1
		}
	}
	if start == len(toks) {
		return nil, fmt.Errorf("dangling %s", kind)
	}
	groups = append(groups, toks[start:])
	return groups, nil
}

func clauseShape(clause []condToken) error {
	switch len(clause) {
	case 1:
		if clause[0].kind == "op" {
			return fmt.Errorf("operator without operands")
		}
	case 2:
		if clause[0].kind == "op" || clause[1].kind != "op" || clause[1].text != "empty" {
			return fmt.Errorf("expected `<operand> empty`")
		}
	case 3:
		if clause[0].kind == "op" || clause[2].kind == "op" ||
			clause[1].kind != "op" || clause[1].text == "empty" {
			return fmt.Errorf("expected `<operand> <operator> <operand>`")
		}
	default:
		return fmt.Errorf("malformed clause")
	}
	return nil
}

// checkExpr validates expression syntax without resolving references.
func checkExpr(expr string) error {
	toks, err := tokenizeCond(expr)
	if err != nil {
		return err
	}
	orGroups, err := splitToks(toks, "or")
	if err != nil {
		return err
	}
	for _, group := range orGroups {
		clauses, err := splitToks(group, "and")
		if err != nil {
			return err
		}
		for _, clause := range clauses {
			if err := clauseShape(clause); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalExpr evaluates one branch expression over the pool. An unresolved
// reference outside an `empty` test aborts with the missing names.
func evalExpr(pool *workflow.Pool, expr string) (bool, []string, error) {
	toks, err := tokenizeCond(expr)
	if err != nil {
		return false, nil, err
	}
	orGroups, err := splitToks(toks, "or")
	if err != nil {
		return false, nil, err
	}
	for _, group := range orGroups {
		clauses, err := splitToks(group, "and")
		if err != nil {
			return false, nil, err
		}
		groupTrue := true
		for _, clause := range clauses {
			ok, missing, err := evalClause(pool, clause)
			if err != nil {
				return false, nil, err
			}
			if len(missing) > 0 {
				return false, missing, nil
			}
			if !ok {
				groupTrue = false
			}
		}
		if groupTrue {
			return true, nil, nil
		}
	}
	return false, nil, nil
}

func evalClause(pool *workflow.Pool, clause []condToken) (bool, []string, error) {
	if err := clauseShape(clause); err != nil {
		return false, nil, err
	}
	switch len(clause) {
	case 1:
		v, missing, err := operandValue(pool, clause[0])
		if err != nil {
			return false, nil, err
		}
		if missing != "" {
			return false, []string{missing}, nil
		}
		return truthy(v), nil, nil
	case 2:
		// An unresolved reference counts as empty; that is what the test
		// is for.
		v, missing, err := operandValue(pool, clause[0])
		if err != nil {
			return false, nil, err
		}
		if missing != "" {
			return true, nil, nil
		}
		return isEmpty(v), nil, nil
	default:
		left, lm, err := operandValue(pool, clause[0])
		if err != nil {
			return false, nil, err
		}
		right, rm, err := operandValue(pool, clause[2])
		if err != nil {
			return false, nil, err
		}
		var missing []string
		if lm != "" {
			missing = append(missing, lm)
		}
		if rm != "" {
			missing = append(missing, rm)
		}
		if len(missing) > 0 {
			return false, missing, nil
		}
		return compareVals(clause[1].text, left, right), nil, nil
	}
}

// operandValue resolves one operand token. A reference that does not resolve
// returns its text as missing; string literals substitute embedded
// references; bare words read as numbers, booleans, or plain strings.
func operandValue(pool *workflow.Pool, tok condToken) (any, string, error) {
	switch tok.kind {
	case "ref":
		ref, err := workflow.ParseRef(tok.text)
		if err != nil {
			return nil, "", err
		}
		v, ok := pool.Resolve(ref)
		if !ok {
			return nil, tok.text, nil
		}
		return v, "", nil
	case "str":
		rendered, missing := pool.Substitute(tok.text)
		if len(missing) > 0 {
			return nil, missing[0], nil
		}
		return rendered, "", nil
	case "word":
		if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
			return f, "", nil
		}
		switch tok.text {
		case "true":
			return true, "", nil
		case "false":
			return false, "", nil
		}
		return tok.text, "", nil
	}
	return nil, "", fmt.Errorf("operator %q is not an operand", tok.text)
}

func compareVals(op string, a, b any) bool {
	switch op {
	case "==":
		return looseEqual(a, b)
	case "!=":
		return !looseEqual(a, b)
	case "contains":
		if list, ok := a.([]any); ok {
			needle := workflow.Stringify(b)
			for _, item := range list {
				if workflow.Stringify(item) == needle {
					return true
				}
			}
			return false
		}
		return strings.Contains(workflow.Stringify(a), workflow.Stringify(b))
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case ">":
			return af > bf
		case "<":
			return af < bf
		case ">=":
			return af >= bf
		case "<=":
			return af <= bf
		}
	}
	as, bs := workflow.Stringify(a), workflow.Stringify(b)
	switch op {
	case ">":
		return as > bs
	case "<":
		return as < bs
	case ">=":
		return as >= bs
	case "<=":
		return as <= bs
	}
	return false
}

// looseEqual compares numerically when both sides are numbers, otherwise by
// rendered string, so `{start.n} == 1` holds for a JSON-decoded float64.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return workflow.Stringify(a) == workflow.Stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case float64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
