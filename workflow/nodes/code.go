package nodes

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

const defaultCodeTimeout = 10 * time.Second

// Code runs a user-supplied Lua function body in a restricted interpreter.
// Only the base, table, string and math libraries are opened; filesystem and
// module loading entry points are removed. The body receives an `inputs`
// table and must return a table whose fields become the node's outputs.
type Code struct {
	base
}

// NewCode builds the code node runner.
func NewCode(logger *zap.Logger) *Code {
	return &Code{base{kind: workflow.TypeCode, logger: logger}}
}

func wrapBody(body string) string {
	return "local function __main(inputs)\n" + body + "\nend\n__result = __main(__inputs)"
}

// Validate compiles the body so syntax errors surface at admit time.
func (n *Code) Validate(def *workflow.Node) error {
	body := def.StringParam("code")
	if body == "" {
		return types.NewError(types.ErrValidation, "code node requires a code body").WithNode(def.ID)
	}
	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer state.Close()
	if _, err := state.LoadString(wrapBody(body)); err != nil {
		return types.NewError(types.ErrValidation, "code body does not compile").
			WithCause(err).WithNode(def.ID)
	}
	return nil
}

// Run implements Runner.
func (n *Code) Run(ctx context.Context, rc *RunContext) (Result, error) {
	timeout := defaultCodeTimeout
	if secs := rc.Def.FloatParam("timeout"); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer state.Close()
	state.SetContext(ctx)
	openSandboxLibs(state)

	inputs := state.NewTable()
	for ref, v := range resolveInputs(rc.Pool, n.Refs(rc.Def)) {
		inputs.RawSetString(ref, goToLua(state, v))
	}
	state.SetGlobal("__inputs", inputs)

	if err := state.DoString(wrapBody(rc.Def.StringParam("code"))); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, types.NewError(types.ErrTimeout, "code body exceeded its time budget").WithNode(rc.NodeID)
		}
		return Result{}, types.NewError(types.ErrNodeExecution, "code body raised").
			WithCause(err).WithNode(rc.NodeID)
	}

	ret := state.GetGlobal("__result")
	table, ok := ret.(*lua.LTable)
	if !ok {
		return Result{}, types.NewError(types.ErrNodeExecution,
			fmt.Sprintf("code body must return a table, got %s", ret.Type())).WithNode(rc.NodeID)
	}
	outputs := make(map[string]any)
	table.ForEach(func(k, v lua.LValue) {
		outputs[k.String()] = luaToGo(v)
	})
	return Outputs(outputs), nil
}

// openSandboxLibs opens the safe standard libraries and strips the escape
// hatches base leaves behind.
func openSandboxLibs(state *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		state.Push(state.NewFunction(lib.fn))
		state.Push(lua.LString(lib.name))
		state.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "loadstring", "load", "require", "collectgarbage"} {
		state.SetGlobal(name, lua.LNil)
	}
}

func goToLua(state *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		table := state.NewTable()
		for _, item := range val {
			table.Append(goToLua(state, item))
		}
		return table
	case map[string]any:
		table := state.NewTable()
		for k, item := range val {
			table.RawSetString(k, goToLua(state, item))
		}
		return table
	default:
		return lua.LString(workflow.Stringify(val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// A table with only sequential integer keys converts to a list.
		if val.MaxN() > 0 {
			list := make([]any, 0, val.MaxN())
			for i := 1; i <= val.MaxN(); i++ {
				list = append(list, luaToGo(val.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return nil
	}
}
