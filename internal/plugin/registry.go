package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/script"
)

// Scheduler drives a plugin's lifecycle Tasks through the Dispatcher's
// coroutine resume protocol. The Registry never runs Lua code itself; it
// hands lifecycle functions to the Scheduler and waits for the result,
// keeping the load-mechanics and the resume-protocol concerns separate
// the way the Script Engine and Event Dispatcher are separate components.
type Scheduler interface {
	// RunLoad schedules on_load as the plugin's first Task and blocks
	// until it completes, returning whether it returned truthy (or was
	// absent) and any error from a coroutine that raised.
	RunLoad(ctx context.Context, p *Plugin) (ok bool, err error)

	// RunUnload cancels p's pending Tasks, then schedules on_unload as a
	// final, non-cancellable Task and blocks until it completes.
	RunUnload(ctx context.Context, p *Plugin)
}

// Registry loads scripts, classifies their exported table, and owns
// plugin lifetime, keyed by normalized source path.
//
// Registry is safe for concurrent use: one mutex guards its maps. The
// mutex is not held while a lifecycle Task runs, so Load and Unload calls
// on the same path are not serialized against each other.
type Registry struct {
	factory   *script.StateFactory
	scheduler Scheduler
	enforcer  CapabilityEnforcer

	mu      sync.Mutex
	plugins map[string]*Plugin
	// reloading marks paths that Load found already registered and is
	// reloading; the mark is cleared when the fresh plugin is registered
	// and is not otherwise read.
	reloading map[string]bool
}

// CapabilityEnforcer gates host tags against a plugin's manifest-declared
// capability allowlist. Implemented by internal/capability.Enforcer.
type CapabilityEnforcer interface {
	SetGrants(plugin string, capabilities []string) error
	RemoveGrants(plugin string)
}

// NewRegistry creates a Registry. scheduler may be nil if the Dispatcher
// that will drive it is constructed afterward — see SetScheduler.
func NewRegistry(factory *script.StateFactory, scheduler Scheduler, enforcer CapabilityEnforcer) *Registry {
	return &Registry{
		factory:   factory,
		scheduler: scheduler,
		enforcer:  enforcer,
		plugins:   make(map[string]*Plugin),
		reloading: make(map[string]bool),
	}
}

// SetScheduler installs the Scheduler that drives lifecycle Tasks,
// breaking the construction cycle between Registry and Dispatcher: the
// Dispatcher's constructor takes a *Registry, so the Registry must exist
// first, with its Scheduler wired in once the Dispatcher is built.
func (r *Registry) SetScheduler(scheduler Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduler = scheduler
}

// NormalizePath returns the absolute, cleaned form of path, the Registry's
// lookup key.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", oops.Code("load-error").With("path", path).Wrap(err)
	}
	return filepath.Clean(abs), nil
}

// Load reads dir/manifest.Entry, evaluates it under a fresh Lua state,
// classifies its exported table, and registers the result. If a plugin is
// already registered at this path, it is unloaded through Unload (running
// on_unload to completion) and the script is then loaded afresh instead of
// erroring (spec.md §4.3's reload(path) semantics, grounded in the
// original engine's reload-coalescing).
func (r *Registry) Load(ctx context.Context, dir string, manifest *Manifest) (*Plugin, error) {
	entryPath := filepath.Join(dir, manifest.Entry)
	path, err := NormalizePath(entryPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.plugins[path]; ok {
		r.reloading[path] = true
		r.mu.Unlock()
		if err := r.Unload(ctx, path); err != nil {
			return nil, err
		}
		return r.Load(ctx, dir, manifest)
	}
	r.mu.Unlock()

	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return nil, oops.Code("load-error").With("path", entryPath).Wrap(err)
	}

	L, err := r.factory.NewState()
	if err != nil {
		return nil, oops.Code("load-error").With("path", path).Wrap(err)
	}

	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return nil, oops.Code("load-error").With("path", path).Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, oops.Code("load-error").With("path", path).Errorf("plugin script did not return a table")
	}

	entries, funcs := classifyTable(L, table)

	p := NewPlugin(path, manifest, table, entries, funcs)
	p.L = L

	if r.enforcer != nil && len(manifest.Capabilities) > 0 {
		if err := r.enforcer.SetGrants(p.Name, manifest.Capabilities); err != nil {
			L.Close()
			return nil, oops.Code("load-error").With("plugin", p.Name).Wrap(err)
		}
	}

	r.mu.Lock()
	r.plugins[path] = p
	wasReload := r.reloading[path]
	delete(r.reloading, path)
	r.mu.Unlock()
	_ = wasReload

	ok2, runErr := r.scheduler.RunLoad(ctx, p)
	if runErr != nil {
		p.SetState(StateFailed)
		return p, oops.Code("load-error").With("plugin", p.Name).Wrap(runErr)
	}
	if !ok2 {
		p.SetState(StateFailed)
		return p, nil
	}
	p.SetState(StateReady)
	return p, nil
}

// Unload marks the plugin Unloading, cancels its pending Tasks, runs
// on_unload to completion, then evicts it from the Registry.
func (r *Registry) Unload(ctx context.Context, path string) error {
	norm, err := NormalizePath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.plugins[norm]
	r.mu.Unlock()
	if !ok {
		return oops.Code("invalid-argument").With("path", path).Errorf("plugin not loaded")
	}

	p.SetState(StateUnloading)
	r.scheduler.RunUnload(ctx, p)

	if r.enforcer != nil {
		r.enforcer.RemoveGrants(p.Name)
	}

	r.mu.Lock()
	delete(r.plugins, norm)
	r.mu.Unlock()

	p.SetState(StateDead)
	p.L.Close()
	return nil
}

// Reload unloads then loads the plugin at path, observing full on_unload
// completion before any on_load invocation.
func (r *Registry) Reload(ctx context.Context, dir string, manifest *Manifest) (*Plugin, error) {
	entryPath := filepath.Join(dir, manifest.Entry)
	path, err := NormalizePath(entryPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, exists := r.plugins[path]
	r.mu.Unlock()

	if exists {
		if err := r.Unload(ctx, entryPath); err != nil {
			return nil, err
		}
	}
	return r.Load(ctx, dir, manifest)
}

// Get returns the plugin registered at the normalized path, if any.
func (r *Registry) Get(path string) (*Plugin, bool) {
	norm, err := NormalizePath(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[norm]
	return p, ok
}

// ByName returns the plugin whose display name matches name, used to
// resolve the !<plugin> <command> invocation surface.
func (r *Registry) ByName(name string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// List returns every registered plugin's path.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.plugins))
	for path := range r.plugins {
		paths = append(paths, path)
	}
	return paths
}

// classifyTable walks table's string-keyed function entries and splits
// them into classified Entry metadata plus the underlying *lua.LFunction
// for each. Unknown on_-prefixed names are skipped with a warning on the
// default logger, matching spec.md's "warning, not fatal" policy.
func classifyTable(L *lua.LState, table *lua.LTable) (map[string]Entry, map[string]*lua.LFunction) {
	entries := make(map[string]Entry)
	funcs := make(map[string]*lua.LFunction)

	table.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return
		}
		entry, accepted := ClassifyEntry(string(name))
		if !accepted {
			slog.Default().Warn("ignoring unknown on_-prefixed plugin entry", "name", string(name))
			return
		}
		entries[string(name)] = entry
		funcs[string(name)] = fn
	})

	return entries, funcs
}
