package dispatch

import (
	"context"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/plugin"
)

// RunLoad schedules p's on_load as its first Task and blocks until it
// completes, implementing plugin.Scheduler. A plugin with no on_load is
// vacuously ready.
func (d *Dispatcher) RunLoad(ctx context.Context, p *plugin.Plugin) (bool, error) {
	fn, ok := p.Lifecycle["on_load"]
	if !ok {
		return true, nil
	}
	return d.runLifecycle(ctx, p, fn, nil)
}

// RunUnload drops p's never-started Tasks, cancels its parked ones, then
// runs on_unload (if any) to completion, implementing plugin.Scheduler.
// on_unload's own result is informational only — an unload always
// proceeds. Callers set p's state to Unloading before calling this, so
// fanOut and EnqueueCommand have already stopped admitting new work for
// p by the time dropQueued runs.
func (d *Dispatcher) RunUnload(ctx context.Context, p *plugin.Plugin) {
	d.dropQueued(p.Name)
	p.CancelAllPending()
	defer d.broker.Release(p.Name)

	fn, ok := p.Lifecycle["on_unload"]
	if !ok {
		return
	}
	_, _ = d.runLifecycle(ctx, p, fn, nil)
}

// runLifecycle queues fn as a lifecycle Task request for p and waits for
// it to finish (return, error, or ctx cancellation). The id is generated
// here, before the request is even queued, so the waiter below is in
// place no matter how soon the loop goroutine materializes and resumes
// the Task.
func (d *Dispatcher) runLifecycle(ctx context.Context, p *plugin.Plugin, fn *lua.LFunction, args []lua.LValue) (bool, error) {
	id := ulid.Make()

	ch := make(chan lifecycleResult, 1)
	d.lifecycleMu.Lock()
	d.lifecycleWait[id] = ch
	d.lifecycleMu.Unlock()

	d.queuePending(pendingTask{id: id, plugin: p, fn: fn, args: args, origin: Origin{}})

	select {
	case res := <-ch:
		return res.ok, res.err
	case <-ctx.Done():
		d.cancelByID(id, p.Name)
		d.lifecycleMu.Lock()
		delete(d.lifecycleWait, id)
		d.lifecycleMu.Unlock()
		return false, ctx.Err()
	}
}
