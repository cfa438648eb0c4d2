// Package dispatch implements the Event Dispatcher & Coroutine
// Scheduler: the single-threaded loop that turns Events and command
// invocations into Tasks, resumes each Task's coroutine, answers its
// yielded HostRequests, and enforces the per-plugin mutual-exclusion and
// FIFO ordering invariants spec.md §3/§4.4/§8 name.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/broker"
	"github.com/tapwire/tapwire/internal/observability"
	"github.com/tapwire/tapwire/internal/plugin"
)

var tracer = otel.Tracer("tapwire/dispatch")

// errPrefix strips the engine's "[string "..."]:LINE:" error prefix,
// carried forward from the original implementation's err_regex, and also
// gopher-lua's own "<string>:LINE:" prefix, which it gives chunks loaded
// with DoString.
var errPrefix = regexp.MustCompile(`^.*?(?:\[string "[^"]*"\]|<string>):\d+:\s*`)

type waiterKey struct {
	plugin string
	kind   string
}

// pendingTask is a Task not yet materialized: the coroutine (p.L.NewThread)
// and any Lua argument values it needs are built only once the loop
// goroutine pulls this off the queue, keeping every touch of a plugin's
// *lua.LState on the single script thread no matter which goroutine asked
// for the Task (EnqueueCommand and runLifecycle are both called from
// outside the loop).
type pendingTask struct {
	id     ulid.ULID
	plugin *plugin.Plugin
	fn     *lua.LFunction
	args   []lua.LValue
	origin Origin
}

// Enforcer gates a HostRequest's tag against a plugin's capability
// grants. Implemented by internal/capability.Enforcer.
type Enforcer interface {
	Check(plugin, tag string) bool
}

// Dispatcher is the single-threaded script-thread event loop.
type Dispatcher struct {
	registry  *plugin.Registry
	broker    *broker.Broker
	enforcer  Enforcer
	log       Log
	transport Transport
	metrics   *observability.Metrics
	logger    *slog.Logger

	// defaultTimeout bounds a serial.recv/rtt.recv call with no positive
	// timeout_ms of its own, from config's deferred_timeout.
	defaultTimeout time.Duration

	eventQueue *EventQueue

	pendingMu    sync.Mutex
	pendingTasks []pendingTask // Task requests awaiting materialization on the script thread

	mu         sync.Mutex
	queues     map[string][]*Task // FIFO per plugin, waiting to become active
	active     map[string]*Task   // plugin name -> its one in-flight Task, if any
	runnableCh chan struct{}      // signalled whenever a Task becomes runnable

	waitersMu sync.Mutex
	waiters   map[waiterKey][]*recvWaiter

	lifecycleMu   sync.Mutex
	lifecycleWait map[ulid.ULID]chan lifecycleResult

	stopCh chan struct{}
	doneCh chan struct{}
}

// lifecycleResult is what a lifecycle Task's completion reports back to
// the blocking RunLoad/RunUnload caller.
type lifecycleResult struct {
	ok  bool
	err error
}

// NewDispatcher wires a Dispatcher. queueCapacity bounds the EventQueue.
func NewDispatcher(
	registry *plugin.Registry,
	resourceBroker *broker.Broker,
	enforcer Enforcer,
	log Log,
	transport Transport,
	metrics *observability.Metrics,
	logger *slog.Logger,
	queueCapacity int,
	defaultTimeout time.Duration,
) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		broker:         resourceBroker,
		enforcer:       enforcer,
		log:            log,
		transport:      transport,
		metrics:        metrics,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		queues:        make(map[string][]*Task),
		active:        make(map[string]*Task),
		waiters:       make(map[waiterKey][]*recvWaiter),
		lifecycleWait: make(map[ulid.ULID]chan lifecycleResult),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	drop := func(kind string) {
		if metrics != nil {
			metrics.EventQueueDrops.WithLabelValues(kind).Inc()
		}
	}
	d.eventQueue = NewEventQueue(queueCapacity, drop)
	d.runnableCh = make(chan struct{}, 1)
	return d
}

// SetTransport installs t as the Transport immediate handlers call into.
// Exists to break the construction cycle between Dispatcher and a
// Transport whose reader goroutine posts events back through the
// Dispatcher's EventSink interface (internal/transport.Loopback is
// exactly such a Transport): build the Dispatcher first, then the
// Transport with the Dispatcher as its sink, then wire it back in here,
// before calling Start.
func (d *Dispatcher) SetTransport(t Transport) {
	d.transport = t
}

// Start launches the script thread. It returns immediately; call Stop to
// shut it down.
func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop closes the event queue and waits for the loop to drain.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.eventQueue.Close()
	<-d.doneCh
}

// PostEvent enqueues an externally-produced event (transport reader,
// timer wheel, BLE notification, …) and wakes the loop to drain it; the
// queue itself never blocks a caller or wakes anything on its own.
func (d *Dispatcher) PostEvent(kind plugin.EventKind, payload any) {
	d.eventQueue.Push(kind, payload)
	if d.metrics != nil {
		d.metrics.EventQueueDepth.Set(float64(d.eventQueue.Len()))
	}
	d.signalRunnable()
}

// EnqueueCommand schedules a UserCommand invocation as a Task, exactly as
// for an event, per spec.md §4.4. The LString arguments built here are
// immutable value wrappers, not a touch of the plugin's LState — only the
// coroutine itself (p.L.NewThread, done by the loop goroutine once it
// materializes this request) requires the script thread.
func (d *Dispatcher) EnqueueCommand(p *plugin.Plugin, name string, args []string) error {
	fn, ok := p.Commands[name]
	if !ok {
		return fmt.Errorf("plugin %s has no command %q", p.Name, name)
	}
	if !p.AcceptsEvents() {
		return fmt.Errorf("plugin %s is not ready", p.Name)
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		luaArgs[i] = lua.LString(a)
	}

	d.queuePending(pendingTask{
		id:     ulid.Make(),
		plugin: p,
		fn:     fn,
		args:   luaArgs,
		origin: Origin{Command: &CommandInvocation{Name: name, Args: args}},
	})
	return nil
}

// queuePending hands a Task request to the loop goroutine for
// materialization and wakes it if idle.
func (d *Dispatcher) queuePending(pt pendingTask) {
	d.pendingMu.Lock()
	d.pendingTasks = append(d.pendingTasks, pt)
	d.pendingMu.Unlock()
	d.signalRunnable()
}

// nextPendingTask pops the oldest queued Task request, if any.
func (d *Dispatcher) nextPendingTask() (pendingTask, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pendingTasks) == 0 {
		return pendingTask{}, false
	}
	pt := d.pendingTasks[0]
	d.pendingTasks = d.pendingTasks[1:]
	return pt, true
}

// dropQueued discards, without ever starting them, every Task request and
// queued Task belonging to pluginName that has not yet been resumed —
// pendingTask requests not yet turned into a Task, and Tasks already
// sitting in its FIFO queue. This is distinct from Plugin.CancelAllPending,
// which resolves Tasks that already started and are parked on a deferred
// reply; spec.md §4.4 requires both on unload.
func (d *Dispatcher) dropQueued(pluginName string) {
	d.pendingMu.Lock()
	kept := d.pendingTasks[:0]
	for _, pt := range d.pendingTasks {
		if pt.plugin.Name != pluginName {
			kept = append(kept, pt)
		}
	}
	d.pendingTasks = kept
	d.pendingMu.Unlock()

	d.mu.Lock()
	for _, t := range d.queues[pluginName] {
		t.Cancel()
	}
	d.mu.Unlock()
}

// cancelByID cancels a single Task request or Task identified by id before
// it ever resumes, wherever it currently sits: an unmaterialized
// pendingTask, pluginName's active slot, or still queued behind it. Used
// when a lifecycle caller's context is cancelled before its Task runs.
func (d *Dispatcher) cancelByID(id ulid.ULID, pluginName string) {
	d.pendingMu.Lock()
	for i, pt := range d.pendingTasks {
		if pt.id == id {
			d.pendingTasks = append(d.pendingTasks[:i], d.pendingTasks[i+1:]...)
			d.pendingMu.Unlock()
			return
		}
	}
	d.pendingMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.active[pluginName]; t != nil && t.ID == id {
		t.Cancel()
		return
	}
	for _, t := range d.queues[pluginName] {
		if t.ID == id {
			t.Cancel()
			return
		}
	}
}

// signalRunnable wakes the loop if it is idle waiting for work.
func (d *Dispatcher) signalRunnable() {
	select {
	case d.runnableCh <- struct{}{}:
	default:
	}
}

// enqueue appends task to its plugin's FIFO queue.
func (d *Dispatcher) enqueue(task *Task) {
	d.mu.Lock()
	d.queues[task.Plugin.Name] = append(d.queues[task.Plugin.Name], task)
	d.mu.Unlock()
	d.signalRunnable()
	if d.metrics != nil {
		d.metrics.TasksQueued.WithLabelValues(task.Plugin.Name).Inc()
	}
}

// resolve marks a parked Task's reply available and wakes the loop. It is
// the single entry point every deferred handler and cancellation path
// uses to hand a Task back to the scheduler, and it never touches Lua:
// reply is plain Go data, since resolve is typically called from a timer
// or goroutine nowhere near the script thread. t remains this plugin's
// active Task throughout — deliver only flips its state back to runnable;
// resumeTask converts pendingReply to Lua values once it actually resumes
// t, on the script thread.
func (d *Dispatcher) resolve(t *Task, reply HostReply) {
	t.deliver(reply)
	d.signalRunnable()
}

func (d *Dispatcher) checkCapability(pluginName, tag string) bool {
	if d.enforcer == nil {
		return true
	}
	return d.enforcer.Check(pluginName, tag)
}

// loop is the single script thread. Every touch of a plugin's *lua.LState
// — fanning an event out into new coroutines, materializing a command or
// lifecycle invocation's coroutine, resuming one — happens here and only
// here, in this order of priority: drain one queued event, else
// materialize one pending Task request, else resume whatever Task is next
// runnable. Idle, it blocks on either a new Task becoming runnable or a
// producer (PostEvent, EnqueueCommand, runLifecycle) signalling new work.
func (d *Dispatcher) loop() {
	defer close(d.doneCh)

	for {
		if ev, ok := d.eventQueue.TryPop(); ok {
			d.fanOut(ev)
			continue
		}
		if pt, ok := d.nextPendingTask(); ok {
			d.materializePending(pt)
			continue
		}
		if task := d.nextRunnable(); task != nil {
			d.resumeTask(task)
			continue
		}

		select {
		case <-d.stopCh:
			return
		case <-d.runnableCh:
		}
	}
}

// materializePending turns a Task request into an actual Task, creating
// its coroutine. Only ever called from loop, so p.L.NewThread is always a
// script-thread call no matter which goroutine requested the Task.
func (d *Dispatcher) materializePending(pt pendingTask) {
	co, _ := pt.plugin.L.NewThread()
	task := newTask(pt.id, pt.plugin, co, pt.fn, pt.args, pt.origin)
	d.enqueue(task)
}

// fanOut delivers ev to every plugin that can observe it. A frame-shaped
// recv event (on_serial_recv/on_rtt_recv) reaches a plugin through two
// independent paths that both fire — spec.md §9's resolved dual-fire
// rule for rtt.recv, generalized to serial.recv: any Task parked on
// serial.recv/rtt.recv via parkRecvWaiter, and the on_*_recv callback
// itself, if the plugin exports one. Firing the callback never depends
// on whether a Task happens to be parked, and vice versa.
func (d *Dispatcher) fanOut(ev Event) {
	for _, path := range d.registry.List() {
		p, ok := d.registry.Get(path)
		if !ok || !p.AcceptsEvents() {
			continue
		}

		if data, ok := ev.Payload.([]byte); ok {
			switch ev.Kind {
			case plugin.EventSerialRecv:
				d.deliverFrame(p.Name, "serial", data)
			case plugin.EventRTTRecv:
				d.deliverFrame(p.Name, "rtt", data)
			}
		}

		fn, ok := p.EventCallbacks[ev.Kind]
		if !ok {
			continue
		}
		co, _ := p.L.NewThread()
		task := newTask(ulid.Make(), p, co, fn, eventLuaArgs(co, ev.Payload), Origin{Event: &ev})
		d.enqueue(task)
	}
}

// eventLuaArgs projects an Event's payload into the positional arguments
// its callback receives. Multi-argument callbacks (on_serial_connect,
// the on_ble_* family, on_mtu_change) carry their payload as []any, one
// element per parameter; everything else (a recv/send byte frame, a BLE
// uuid string) is the callback's sole argument.
func eventLuaArgs(L *lua.LState, payload any) []lua.LValue {
	if args, ok := payload.([]any); ok {
		out := make([]lua.LValue, len(args))
		for i, a := range args {
			out[i] = goToLua(L, a)
		}
		return out
	}
	return []lua.LValue{goToLua(L, payload)}
}

// nextRunnable returns the next Task ready to resume. A plugin already
// holding an active Task keeps it — whether it just became runnable
// again (an immediate reply, or a deferred completion) or is still
// parked, no other Task for that plugin is ever selected, enforcing the
// per-plugin mutual-exclusion invariant. Otherwise the head of some idle
// plugin's queue is promoted to active. Map iteration order gives
// plugins with work a round-robin-ish turn rather than any fixed
// priority.
func (d *Dispatcher) nextRunnable() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.active {
		if t != nil && t.getState() == taskRunnable {
			return t
		}
	}

	for pluginName, q := range d.queues {
		if d.active[pluginName] != nil || len(q) == 0 {
			continue
		}
		t := q[0]
		d.queues[pluginName] = q[1:]
		d.active[pluginName] = t
		if d.metrics != nil {
			d.metrics.TasksQueued.WithLabelValues(pluginName).Dec()
			d.metrics.TasksStarted.WithLabelValues(pluginName).Inc()
		}
		return t
	}
	return nil
}

// finishTask frees pluginName's active slot once its Task returns,
// raises, or is cancelled.
func (d *Dispatcher) finishTask(t *Task) {
	d.mu.Lock()
	d.active[t.Plugin.Name] = nil
	d.mu.Unlock()
	d.signalRunnable()
}

// resumeTask drives one resume cycle of the Resume protocol (spec.md
// §4.4): resume, then react to return/yield/raise.
func (d *Dispatcher) resumeTask(t *Task) {
	_, span := tracer.Start(context.Background(), "dispatch.resume",
		trace.WithAttributes(
			attribute.String("plugin", t.Plugin.Name),
			attribute.String("task_id", t.ID.String()),
		),
	)
	defer span.End()

	if t.Cancelled() {
		d.completeCancelled(t)
		span.SetStatus(codes.Ok, "cancelled")
		d.finishTask(t)
		return
	}

	var state lua.ResumeState
	var ret []lua.LValue
	var err error
	if t.fn != nil {
		state, err, ret = t.Plugin.L.Resume(t.co, t.fn, t.args...)
		t.fn = nil
	} else {
		// pendingReply was delivered by a deferred handler as plain Go
		// data, possibly from a goroutine far from the script thread;
		// this conversion to Lua values happens here, on the script
		// thread, and nowhere else.
		state, err, ret = t.Plugin.L.Resume(t.co, nil, luaArgsFromReply(t.co, t.pendingReply)...)
	}

	switch state {
	case lua.ResumeOK:
		d.completeTask(t, ret)
	case lua.ResumeYield:
		d.handleYield(t, ret)
	case lua.ResumeError:
		d.failTask(t, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if state != lua.ResumeYield {
		d.finishTask(t)
	}
}

func (d *Dispatcher) completeCancelled(t *Task) {
	t.Plugin.ClearPending(t.ID)
	d.onLifecycleComplete(t, false, context.Canceled)
	if d.metrics != nil {
		d.metrics.TasksCancelled.WithLabelValues(t.Plugin.Name).Inc()
	}
}

func (d *Dispatcher) completeTask(t *Task, ret []lua.LValue) {
	t.setState(taskDone)
	truthy := true
	if len(ret) > 0 {
		truthy = ret[0] != lua.LNil && ret[0] != lua.LFalse
	}
	d.onLifecycleComplete(t, truthy, nil)
	if d.metrics != nil {
		d.metrics.TasksCompleted.WithLabelValues(t.Plugin.Name).Inc()
	}
}

func (d *Dispatcher) failTask(t *Task, err error) {
	t.setState(taskDone)
	msg := errPrefix.ReplaceAllString(err.Error(), "")
	level := "error"
	if t.Cancelled() {
		level = "debug"
	}
	d.log.Log(t.Plugin.Name, level, msg)
	d.onLifecycleComplete(t, false, err)
	if d.metrics != nil {
		d.metrics.TasksFailed.WithLabelValues(t.Plugin.Name, "script-error").Inc()
	}
}

// onLifecycleComplete reports a finished Task's outcome to a blocked
// RunLoad/RunUnload caller, if t was scheduled as a lifecycle Task rather
// than for an Event or command invocation.
func (d *Dispatcher) onLifecycleComplete(t *Task, ok bool, err error) {
	if t.Origin.Event != nil || t.Origin.Command != nil {
		return
	}
	d.lifecycleMu.Lock()
	ch, found := d.lifecycleWait[t.ID]
	delete(d.lifecycleWait, t.ID)
	d.lifecycleMu.Unlock()
	if found {
		ch <- lifecycleResult{ok: ok, err: err}
	}
}

// handleYield dispatches a yielded HostRequest to its handler.
func (d *Dispatcher) handleYield(t *Task, yielded []lua.LValue) {
	if len(yielded) == 0 {
		d.failTask(t, fmt.Errorf("coroutine yielded with no tag"))
		return
	}
	tagStr, ok := yielded[0].(lua.LString)
	if !ok {
		d.failTask(t, fmt.Errorf("coroutine yielded a non-string tag"))
		return
	}
	tag := Tag(tagStr)
	args := make([]any, 0, len(yielded)-1)
	for _, v := range yielded[1:] {
		args = append(args, luaToGo(v))
	}
	req := HostRequest{Tag: tag, Args: args}

	if !d.checkCapability(t.Plugin.Name, string(tag)) {
		d.resolveInline(t, Err(StatusInvalidArgument))
		return
	}

	if IsDeferred(tag) {
		t.park(tag)
		handler, ok := deferredHandlers[tag]
		if !ok {
			d.resolveInline(t, Err(StatusInvalidArgument))
			return
		}
		handler(d, t, req)
		return
	}

	handler, ok := immediateHandlers[tag]
	if !ok {
		d.resolveInline(t, Err(StatusInvalidArgument))
		return
	}
	reply := handler(d, t, req)
	d.resolveInline(t, reply)
}

// resolveInline answers a request within the current resume cycle,
// without parking. t is already its plugin's active Task; marking it
// runnable again is enough for the next nextRunnable call (from loop's
// very next iteration) to resume it immediately. Conversion to Lua values
// happens later, in resumeTask, same as every other deferred reply.
func (d *Dispatcher) resolveInline(t *Task, reply HostReply) {
	t.deliver(reply)
}
