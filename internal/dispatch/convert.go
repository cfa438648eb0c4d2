package dispatch

import (
	lua "github.com/yuin/gopher-lua"
)

// goToLua projects a Go value produced by a handler into the LValue a
// coroutine resumes with. Byte payloads (serial/RTT frames) become Lua
// strings — binary-safe in gopher-lua and directly usable by re.match
// against a frame without an explicit fmt.to_bytes round trip.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		t := L.NewTable()
		for i, s := range x {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, goToLua(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, goToLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// luaToGo projects a yielded LValue into the Go value a handler works
// with. Tables become []any or map[string]any depending on whether their
// keys are a dense 1..n integer run, since a script may yield plain arrays
// (re.matches' sources, byte arrays) as well as string-keyed tables.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if f == float64(int64(f)) {
			return int(f)
		}
		return f
	case *lua.LTable:
		return luaTableToGo(x)
	default:
		return nil
	}
}

func luaTableToGo(t *lua.LTable) any {
	n := t.Len()
	if n > 0 && isDenseArray(t, n) {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = luaToGo(t.RawGetInt(i))
		}
		return out
	}

	m := make(map[string]any)
	t.ForEach(func(k, val lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			m[string(ks)] = luaToGo(val)
		}
	})
	return m
}

func isDenseArray(t *lua.LTable, n int) bool {
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	return count == n
}
