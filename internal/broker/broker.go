// Package broker implements the Resource Broker: the per-plugin Shell
// session registry and pattern cache that back Shell.new/:run/:exist and
// re.match/re.matches/re.literal. Everything here is keyed by plugin so
// that unload releases every resource it owns.
package broker

import (
	"sync"
	"time"

	"github.com/samber/oops"
)

// PluginResources is one plugin's Shell sessions and pattern cache.
type PluginResources struct {
	mu      sync.Mutex
	shells  map[int64]*Shell
	pattern *PatternCache
}

func newPluginResources() *PluginResources {
	return &PluginResources{
		shells:  make(map[int64]*Shell),
		pattern: NewPatternCache(),
	}
}

// NewShell spawns a session and registers it under this plugin.
func (r *PluginResources) NewShell() (*Shell, error) {
	sh, err := NewShell()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.shells[sh.ID] = sh
	r.mu.Unlock()
	return sh, nil
}

// Shell looks up a previously created session by id, failing with
// ErrUnknownShell if the plugin never created it (or it was already
// released on unload).
func (r *PluginResources) Shell(id int64) (*Shell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.shells[id]
	if !ok {
		return nil, ErrUnknownShell
	}
	return sh, nil
}

// Patterns returns this plugin's pattern cache.
func (r *PluginResources) Patterns() *PatternCache {
	return r.pattern
}

// sweepIdle closes and drops every Shell session idle longer than timeout.
func (r *PluginResources) sweepIdle(timeout time.Duration) {
	r.mu.Lock()
	var idle []*Shell
	for id, sh := range r.shells {
		if sh.idleSince() >= timeout {
			idle = append(idle, sh)
			delete(r.shells, id)
		}
	}
	r.mu.Unlock()

	for _, sh := range idle {
		_ = sh.Close()
	}
}

// release closes every Shell session and drops the pattern cache.
func (r *PluginResources) release() {
	r.mu.Lock()
	shells := make([]*Shell, 0, len(r.shells))
	for _, sh := range r.shells {
		shells = append(shells, sh)
	}
	r.shells = make(map[int64]*Shell)
	r.mu.Unlock()

	for _, sh := range shells {
		_ = sh.Close()
	}
	r.pattern.Release()
}

// Broker owns the per-plugin resource registries, keyed by plugin name.
// It is the process-wide singleton the Dispatcher consults for every
// Shell.*/re.* host request.
type Broker struct {
	mu        sync.Mutex
	resources map[string]*PluginResources

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{resources: make(map[string]*PluginResources)}
}

// StartIdleReaper closes Shell sessions unused for idleTimeout, checking
// every idleTimeout/4 (floored at 10ms), until Stop is called.
// idleTimeout <= 0 disables reaping.
func (b *Broker) StartIdleReaper(idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	interval := idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.sweepIdle(idleTimeout)
			}
		}
	}()
}

// Stop halts the idle reaper started by StartIdleReaper, if any.
func (b *Broker) Stop() {
	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
}

func (b *Broker) sweepIdle(timeout time.Duration) {
	b.mu.Lock()
	targets := make([]*PluginResources, 0, len(b.resources))
	for _, r := range b.resources {
		targets = append(targets, r)
	}
	b.mu.Unlock()

	for _, r := range targets {
		r.sweepIdle(timeout)
	}
}

// For returns plugin's resource registry, creating one on first use.
func (b *Broker) For(plugin string) *PluginResources {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.resources[plugin]
	if !ok {
		r = newPluginResources()
		b.resources[plugin] = r
	}
	return r
}

// Release closes and drops every resource owned by plugin. Called when a
// plugin transitions to Dead.
func (b *Broker) Release(plugin string) {
	b.mu.Lock()
	r, ok := b.resources[plugin]
	delete(b.resources, plugin)
	b.mu.Unlock()

	if ok {
		r.release()
	}
}

// ErrUnknownShell is returned when a plugin references a Shell id it
// never created (or one already released on unload).
var ErrUnknownShell = oops.Code("invalid-argument").Errorf("unknown shell id")
