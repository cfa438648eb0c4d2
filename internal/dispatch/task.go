package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/plugin"
)

// CommandInvocation is a Task's origin when it was scheduled from the
// !<plugin> <command> <args…> invocation surface rather than an Event.
type CommandInvocation struct {
	Name string
	Args []string
}

// Origin names what created a Task: exactly one of Event, Command, or
// neither (a lifecycle Task carries no origin payload at all).
type Origin struct {
	Event   *Event
	Command *CommandInvocation
}

// taskState is a Task's position in the scheduler, private to this
// package — plugin.State tracks the owning Plugin, this tracks the Task.
type taskState int32

const (
	taskRunnable taskState = iota // never resumed, or its reply arrived
	taskParked                    // waiting on a deferred HostRequest
	taskDone
)

// Task is one coroutine activation on behalf of a plugin: exactly one
// Event or command invocation. Per spec.md's Data Model, a Task carries
// its owning plugin, originating event (or command), start timestamp, a
// cancellation flag, and a pending-request slot.
type Task struct {
	ID     ulid.ULID
	Plugin *plugin.Plugin
	Origin Origin

	// fn is the entry point for the first Resume; nil on every
	// subsequent resume, since the coroutine is already running.
	fn   *lua.LFunction
	co   *lua.LState
	args []lua.LValue

	StartedAt time.Time

	state     atomic.Int32
	cancelled atomic.Bool

	// pending is the tag of the HostRequest this Task is currently
	// parked on, "" when runnable. Enforces the at-most-one-outstanding-
	// request invariant defensively (the coroutine protocol already
	// guarantees it structurally: a coroutine can only yield once per
	// resume).
	pending Tag

	// pendingReply carries the reply a deferred handler (or cancellation)
	// delivered for the next Resume call. It stays plain Go data — never
	// a lua.LValue — because deliver can run from a timer or goroutine
	// far from the script thread; only resumeTask, on the script thread,
	// ever turns it into Lua values via luaArgsFromReply.
	pendingReply HostReply
}

// newTask constructs a runnable Task that starts fn with args when first
// resumed. id is generated by the caller rather than here, so a lifecycle
// caller waiting on completion can register its waiter under id before
// the Task is materialized on the script thread.
func newTask(id ulid.ULID, p *plugin.Plugin, co *lua.LState, fn *lua.LFunction, args []lua.LValue, origin Origin) *Task {
	t := &Task{
		ID:        id,
		Plugin:    p,
		Origin:    origin,
		fn:        fn,
		co:        co,
		args:      args,
		StartedAt: time.Now(),
	}
	t.state.Store(int32(taskRunnable))
	return t
}

// Cancel marks the Task cancelled. When the dispatcher next picks it up it
// finishes the Task as cancelled without resuming its coroutine.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

func (t *Task) setState(s taskState) {
	t.state.Store(int32(s))
}

func (t *Task) getState() taskState {
	return taskState(t.state.Load())
}

// park records the tag this Task is now waiting on and marks it parked.
func (t *Task) park(tag Tag) {
	t.pending = tag
	t.setState(taskParked)
}

// deliver supplies the reply for a parked Task's outstanding request and
// marks it runnable again. reply is plain Go data, safe to build from any
// goroutine; resumeTask converts it to Lua values on the script thread.
func (t *Task) deliver(reply HostReply) {
	t.pendingReply = reply
	t.pending = ""
	t.setState(taskRunnable)
}
