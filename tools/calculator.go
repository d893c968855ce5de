package tools

import (
	"context"
	"regexp"

	lua "github.com/yuin/gopher-lua"

	"github.com/BaSui01/flowrun/types"
)

// exprAllowed rejects anything beyond arithmetic before the expression
// reaches the interpreter.
var exprAllowed = regexp.MustCompile(`^[0-9+\-*/%^(). eE]+$`)

// Calculator evaluates an arithmetic expression.
//
// Arguments: expression (required). Result: {"result": float64}.
type Calculator struct{}

// NewCalculator builds the tool.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string        { return "calculator" }
func (c *Calculator) Description() string { return "Evaluate an arithmetic expression" }

// Invoke implements Tool. Each call runs in a fresh interpreter state with
// no libraries opened, so the expression can reach nothing but arithmetic.
func (c *Calculator) Invoke(ctx context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		return nil, types.NewError(types.ErrValidation, "calculator requires an expression argument")
	}
	if !exprAllowed.MatchString(expr) {
		return nil, types.NewError(types.ErrValidation, "expression contains unsupported characters")
	}
	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer state.Close()
	state.SetContext(ctx)
	if err := state.DoString("return (" + expr + ")"); err != nil {
		return nil, types.NewError(types.ErrValidation, "expression does not evaluate").WithCause(err)
	}
	ret := state.Get(-1)
	num, ok := ret.(lua.LNumber)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "expression is not numeric")
	}
	return map[string]any{"result": float64(num)}, nil
}
