package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestNewState_RequireScope(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local scope = require("scope")
		assert(type(scope.log.info) == "function")
		assert(type(scope.serial.send) == "function")
	`)
	require.NoError(t, err)
}

func TestNewState_RequireShell(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local Shell = require("shell")
		assert(type(Shell.new) == "function")
	`)
	require.NoError(t, err)
}

func TestNewState_BlocksUnsafeBaseFunctions(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	for _, name := range []string{"dofile", "loadfile", "loadstring", "load"} {
		v := L.GetGlobal(name)
		assert.Equal(t, lua.LTNil, v.Type(), "expected %s to be blocked", name)
	}
}

func TestNewState_BlocksUnsafePackageFields(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`assert(package.loadlib == nil)`)
	require.NoError(t, err)
}

func TestOSName_ReflectsFactoryConfig(t *testing.T) {
	f := NewStateFactory("windows")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	require.NoError(t, L.DoString(`
		local scope = require("scope")
		osname = scope.sys.os_name()
	`))
	assert.Equal(t, "windows", L.GetGlobal("osname").String())
}

func TestParseArgs_NumberCoercionAndDefault(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local scope = require("scope")
		local results = scope.sys.parse_args({
			{arg = "42", ty = "number"},
			{arg = nil, ty = "number", default = 7},
		})
		assert(results[1] == 42)
		assert(results[2] == 7)
	`)
	require.NoError(t, err)
}

func TestParseArgs_InvalidNumberRaisesOrdinalError(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local scope = require("scope")
		scope.sys.parse_args({
			{arg = "not-a-number", ty = "number"},
		})
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1st argument is invalid")
}

func TestToStr_ByteTablePassesThrough(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local scope = require("scope")
		result = scope.fmt.to_str({0x48, 0x69})
	`)
	require.NoError(t, err)
	assert.Equal(t, "Hi", L.GetGlobal("result").String())
}

func TestToBytes_StringIsByteSliced(t *testing.T) {
	f := NewStateFactory("unix")
	L, err := f.NewState()
	require.NoError(t, err)
	defer L.Close()

	err = L.DoString(`
		local scope = require("scope")
		local bytes = scope.fmt.to_bytes("Hi")
		b1 = bytes[1]
		b2 = bytes[2]
		n = #bytes
	`)
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(0x48), L.GetGlobal("b1"))
	assert.Equal(t, lua.LNumber(0x69), L.GetGlobal("b2"))
	assert.Equal(t, lua.LNumber(2), L.GetGlobal("n"))
}
