// Package script embeds the sandboxed Lua runtime plugins execute in: a
// StateFactory builds one *lua.LState per plugin with only the libraries
// and host stubs a plugin script needs, and nothing that would let a
// script reach outside its own table (filesystem, OS process control, raw
// package loading).
package script

import (
	_ "embed"
	"os"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

//go:embed stdlib/scope.lua
var scopeSource string

//go:embed stdlib/shell.lua
var shellSource string

// safeLibrary represents a Lua library that is safe to load in a sandboxed
// state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the libraries a plugin state opens.
// Safe: base, table, string, math, coroutine, package (needed for
// require("scope")/require("shell"), with unsafe package fields stripped
// after loading). Blocked: os, io, debug.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
		{lua.LoadLibName, lua.OpenPackage},
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked:
// they allow filesystem or arbitrary-code-loading access that would break
// sandboxing of the script thread.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// unsafePackageFields lists package-library fields that allow loading
// native code or arbitrary files, blocked for the same reason.
var unsafePackageFields = []string{"loadlib", "cpath", "path"}

// StateFactory creates sandboxed Lua states, one per plugin, with the
// scope/shell stdlib preloaded and host stub globals registered.
type StateFactory struct {
	libraries []safeLibrary
	osName    string
}

// NewStateFactory creates a state factory. osName is the value sys.os_name()
// returns ("windows" or "unix"), normally derived once from the OS env var
// at process startup.
func NewStateFactory(osName string) *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
		osName:    osName,
	}
}

// OSNameFromEnv derives the sys.os_name() value from the OS environment
// variable, per the host contract: "windows" if OS == "Windows_NT", else
// "unix".
func OSNameFromEnv() string {
	if os.Getenv("OS") == "Windows_NT" {
		return "windows"
	}
	return "unix"
}

// NewState creates a fresh Lua state with only safe libraries loaded, the
// scope/shell stdlib modules registered under require(), and the pure
// host-projection globals installed.
func (f *StateFactory) NewState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.Code("load-error").With("library", lib.name).Wrap(err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		for _, field := range unsafePackageFields {
			L.SetField(pkg, field, lua.LNil)
		}
	}

	f.registerPureGlobals(L)

	L.PreloadModule("scope", f.scopeLoader)
	L.PreloadModule("shell", f.shellLoader)

	return L, nil
}

// registerPureGlobals installs the Go-side globals scope.lua's pure
// (non-yielding) functions call: fmt.to_str/fmt.to_bytes do one
// synchronous Go call rather than a host round trip, and sys.os_name is
// a process-wide constant.
func (f *StateFactory) registerPureGlobals(L *lua.LState) {
	L.SetGlobal("__scope_os_name", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(f.osName))
		return 1
	}))

	L.SetGlobal("__scope_to_str", L.NewFunction(func(L *lua.LState) int {
		v := L.Get(1)
		L.Push(lua.LTrue)
		L.Push(lua.LString(toStr(v)))
		return 2
	}))

	L.SetGlobal("__scope_to_bytes", L.NewFunction(func(L *lua.LState) int {
		v := L.Get(1)
		L.Push(lua.LTrue)
		L.Push(toBytesTable(L, v))
		return 2
	}))
}

func (f *StateFactory) scopeLoader(L *lua.LState) int {
	if err := L.DoString(scopeSource); err != nil {
		L.RaiseError("scope: %v", err)
		return 0
	}
	L.Push(L.Get(-1))
	return 1
}

func (f *StateFactory) shellLoader(L *lua.LState) int {
	if err := L.DoString(shellSource); err != nil {
		L.RaiseError("shell: %v", err)
		return 0
	}
	L.Push(L.Get(-1))
	return 1
}

// toStr projects a Lua value into the host's fmt.to_str result: a byte
// array or table of byte values becomes a UTF-8-ish string by treating
// each element as a byte; a string passes through; nil becomes "nil".
func toStr(v lua.LValue) string {
	switch v.Type() {
	case lua.LTNil:
		return "nil"
	case lua.LTString:
		return v.String()
	case lua.LTTable:
		t := v.(*lua.LTable)
		n := t.Len()
		buf := make([]byte, n)
		for i := 1; i <= n; i++ {
			buf[i-1] = byte(int64(lua.LVAsNumber(t.RawGetInt(i))))
		}
		return string(buf)
	default:
		return v.String()
	}
}

// toBytesTable projects a Lua value into the host's fmt.to_bytes result: a
// string is byte-sliced (not UTF-8 decoded, per the byte round-trip
// invariant with fmt.to_str); a byte-array table passes through.
func toBytesTable(L *lua.LState, v lua.LValue) *lua.LTable {
	switch v.Type() {
	case lua.LTString:
		s := v.String()
		t := L.NewTable()
		for i := 0; i < len(s); i++ {
			t.Append(lua.LNumber(s[i]))
		}
		return t
	case lua.LTTable:
		return v.(*lua.LTable)
	default:
		return L.NewTable()
	}
}
