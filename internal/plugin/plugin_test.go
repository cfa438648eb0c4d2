package plugin_test

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/plugin"
)

func newClassifiedPlugin(t *testing.T) (*plugin.Plugin, *lua.LFunction, *lua.LFunction, *lua.LFunction) {
	t.Helper()

	onLoad := &lua.LFunction{}
	onRecv := &lua.LFunction{}
	ping := &lua.LFunction{}

	manifest := &plugin.Manifest{Entry: "echo.lua"}
	table := &lua.LTable{}
	entries := map[string]plugin.Entry{
		"on_load":        {Name: "on_load", Kind: plugin.KindLifecycle},
		"on_serial_recv": {Name: "on_serial_recv", Kind: plugin.KindEventCallback},
		"ping":           {Name: "ping", Kind: plugin.KindUserCommand},
	}
	funcs := map[string]*lua.LFunction{
		"on_load":        onLoad,
		"on_serial_recv": onRecv,
		"ping":           ping,
	}

	p := plugin.NewPlugin("/plugins/echo.lua", manifest, table, entries, funcs)
	return p, onLoad, onRecv, ping
}

func TestNewPlugin_RoutesEntriesByKind(t *testing.T) {
	p, onLoad, onRecv, ping := newClassifiedPlugin(t)

	assert.Equal(t, "echo", p.Name)
	assert.Same(t, onLoad, p.Lifecycle["on_load"])
	assert.Same(t, onRecv, p.EventCallbacks[plugin.EventSerialRecv])
	assert.Same(t, ping, p.Commands["ping"])
	assert.Len(t, p.Lifecycle, 1)
	assert.Len(t, p.EventCallbacks, 1)
	assert.Len(t, p.Commands, 1)
}

func TestPlugin_StateTransitions(t *testing.T) {
	p, _, _, _ := newClassifiedPlugin(t)

	assert.Equal(t, plugin.StateLoading, p.State())
	assert.False(t, p.AcceptsEvents())

	p.SetState(plugin.StateReady)
	assert.True(t, p.AcceptsEvents())

	p.SetState(plugin.StateUnloading)
	assert.False(t, p.AcceptsEvents())

	p.SetState(plugin.StateDead)
	assert.False(t, p.AcceptsEvents())
}

func TestState_String(t *testing.T) {
	cases := map[plugin.State]string{
		plugin.StateLoading:   "loading",
		plugin.StateReady:     "ready",
		plugin.StateFailed:    "failed",
		plugin.StateUnloading: "unloading",
		plugin.StateDead:      "dead",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "unknown", plugin.State(99).String())
}

func TestPlugin_CancelAllPending_InvokesEveryCancelFunc(t *testing.T) {
	p, _, _, _ := newClassifiedPlugin(t)

	ids := []ulid.ULID{ulid.Make(), ulid.Make(), ulid.Make()}
	var cancelled []ulid.ULID
	for _, id := range ids {
		id := id
		p.RegisterPending(id, func() { cancelled = append(cancelled, id) })
	}

	p.CancelAllPending()

	assert.ElementsMatch(t, ids, cancelled)
}

func TestPlugin_ClearPending_PreventsCancellation(t *testing.T) {
	p, _, _, _ := newClassifiedPlugin(t)

	id := ulid.Make()
	called := false
	p.RegisterPending(id, func() { called = true })
	p.ClearPending(id)

	p.CancelAllPending()

	assert.False(t, called, "a cleared Task must not be cancelled")
}

func TestPlugin_CancelAllPending_EmptyIsNoop(t *testing.T) {
	p, _, _, _ := newClassifiedPlugin(t)
	require.NotPanics(t, p.CancelAllPending)
}

func TestPlugin_CancelAllPending_ClearsPendingSet(t *testing.T) {
	p, _, _, _ := newClassifiedPlugin(t)

	id := ulid.Make()
	calls := 0
	p.RegisterPending(id, func() { calls++ })
	p.CancelAllPending()
	p.CancelAllPending()

	assert.Equal(t, 1, calls, "a Task cancelled once must not be cancelled again")
}

func TestNewPlugin_UnclassifiedEntriesAreIgnored(t *testing.T) {
	manifest := &plugin.Manifest{Entry: "noop.lua"}
	table := &lua.LTable{}
	// No entries/funcs classified for this plugin: it exports nothing.
	p := plugin.NewPlugin("/plugins/noop.lua", manifest, table, nil, nil)

	assert.Empty(t, p.Lifecycle)
	assert.Empty(t, p.EventCallbacks)
	assert.Empty(t, p.Commands)
}
