// Package capability provides runtime capability enforcement for plugins.
//
// A plugin manifest may declare an optional "capabilities" allowlist of host
// API tag patterns (e.g. "shell.*", "rtt.read", "serial.connect"). A plugin
// that declares no list is ungated: every host tag is permitted, matching
// the Non-goal that sandboxing beyond what's specified is out of scope. A
// plugin that declares a list is confined to it.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "shell.*" matches "shell.run" but NOT "shell.session.close"
//   - "rtt.**" matches both "rtt.send" AND "rtt.session.read"
//   - "**" matches any tag
package capability

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer gates host API tags against per-plugin capability allowlists.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin name -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants configures the capability allowlist for a plugin. Returns an
// error if the plugin name is empty or any pattern is invalid.
//
// The capabilities slice is copied, so callers may safely modify it after
// the call returns. Calling SetGrants again for the same plugin replaces
// all previous grants. If validation fails, no changes are made to the
// enforcer's state (atomic all-or-nothing semantics).
//
// Passing a nil or empty capabilities slice still registers the plugin, but
// with zero grants; use RemoveGrants to fully unregister a plugin and make
// it ungated again.
func (e *Enforcer) SetGrants(plugin string, capabilities []string) error {
	if plugin == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// IsRegistered returns true if the plugin declared a capabilities list via
// SetGrants. An unregistered plugin is ungated.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants unregisters a plugin, making it ungated again. Safe to call
// for unknown plugins or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, plugin)
}

// GetGrants returns a copy of the capability patterns granted to a plugin.
// Returns nil if the plugin is not registered.
func (e *Enforcer) GetGrants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return nil
	}
	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check returns true if tag is permitted for plugin.
//
// A plugin that never called SetGrants is ungated: every tag is permitted.
// A registered plugin is confined to its allowlist; an empty tag is always
// denied for a registered plugin.
func (e *Enforcer) Check(plugin, tag string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return true
	}

	grants, ok := e.grants[plugin]
	if !ok {
		return true
	}
	if tag == "" {
		return false
	}

	for _, grant := range grants {
		if grant.glob.Match(tag) {
			return true
		}
	}
	return false
}
