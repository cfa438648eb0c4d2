package plugin

import (
	"sync"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"
)

// State is a plugin's lifecycle state.
type State int

// Plugin lifecycle states.
const (
	StateLoading State = iota
	StateReady
	StateFailed
	StateUnloading
	StateDead
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateUnloading:
		return "unloading"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Plugin is a loaded user script and its associated runtime state.
//
// A Plugin is identified by its normalized source path. It owns one
// persistent *lua.LState: the script is evaluated once at load time so
// closures and upvalues created at module scope persist across every Task,
// and every Task runs in a fresh coroutine created from that state.
type Plugin struct {
	// Path is the normalized source file path; the Registry's key.
	Path string
	// Name is the display name, derived from Path's basename without
	// extension.
	Name string
	// Manifest is the plugin.yaml this plugin was loaded from.
	Manifest *Manifest

	mu    sync.Mutex
	state State

	// L is the persistent Lua state backing this plugin. Never touched
	// outside the Dispatcher's single script thread.
	L *lua.LState

	// Table is the plugin's exported table, returned by evaluating its
	// script.
	Table *lua.LTable

	// Lifecycle holds on_load/on_unload, if present.
	Lifecycle map[string]*lua.LFunction
	// EventCallbacks holds the event callbacks the plugin exports.
	EventCallbacks map[EventKind]*lua.LFunction
	// Commands holds user-command entries by name.
	Commands map[string]*lua.LFunction

	// pending is the set of Tasks currently outstanding for this plugin,
	// used to implement cooperative cancellation on Unloading.
	pending map[ulid.ULID]CancelFunc
}

// CancelFunc cancels a parked Task, replacing its pending completion with
// a synthetic "cancelled" reply.
type CancelFunc func()

// NewPlugin constructs a Plugin in the Loading state from its classified
// entries.
func NewPlugin(path string, manifest *Manifest, table *lua.LTable, entries map[string]Entry, funcs map[string]*lua.LFunction) *Plugin {
	p := &Plugin{
		Path:           path,
		Name:           DisplayName(manifest.Entry),
		Manifest:       manifest,
		state:          StateLoading,
		Table:          table,
		Lifecycle:      make(map[string]*lua.LFunction),
		EventCallbacks: make(map[EventKind]*lua.LFunction),
		Commands:       make(map[string]*lua.LFunction),
		pending:        make(map[ulid.ULID]CancelFunc),
	}

	for name, entry := range entries {
		fn, ok := funcs[name]
		if !ok {
			continue
		}
		switch entry.Kind {
		case KindLifecycle:
			p.Lifecycle[name] = fn
		case KindEventCallback:
			p.EventCallbacks[EventKind(name)] = fn
		case KindUserCommand:
			p.Commands[name] = fn
		}
	}

	return p
}

// State returns the plugin's current lifecycle state.
func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the plugin to a new lifecycle state.
func (p *Plugin) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// AcceptsEvents reports whether the plugin can currently accept new Tasks.
// A Failed, Unloading, or Dead plugin accepts no further events.
func (p *Plugin) AcceptsEvents() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReady
}

// RegisterPending records a cancel function for a Task taskID; the
// Dispatcher calls this when a Task parks on a deferred host request.
func (p *Plugin) RegisterPending(taskID ulid.ULID, cancel CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[taskID] = cancel
}

// ClearPending removes a Task's cancel function once it resumes or
// completes.
func (p *Plugin) ClearPending(taskID ulid.ULID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, taskID)
}

// CancelAllPending cancels every parked Task for this plugin, used when the
// plugin transitions to Unloading.
func (p *Plugin) CancelAllPending() {
	p.mu.Lock()
	cancels := make([]CancelFunc, 0, len(p.pending))
	for _, c := range p.pending {
		cancels = append(cancels, c)
	}
	p.pending = make(map[ulid.ULID]CancelFunc)
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
