package dispatch

import (
	"context"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/tapwire/tapwire/internal/broker"
	"github.com/tapwire/tapwire/internal/plugin"
)

func shellRunOpts(timeoutMS int) broker.RunOpts {
	return broker.RunOpts{TimeoutMS: timeoutMS}
}

// defaultRecvTimeout is the fallback used when neither a plugin-supplied
// timeout_ms nor Dispatcher.defaultTimeout (config's deferred_timeout)
// apply.
const defaultRecvTimeout = 30 * time.Second

// deferredHandler starts the host-side work for a parked Task. It must
// eventually call d.resolve(t, reply) exactly once — directly if the work
// completes synchronously-but-slowly in a goroutine, or from a timer/
// transport callback if it's waiting on an external event.
type deferredHandler func(d *Dispatcher, t *Task, req HostRequest)

var deferredHandlers = map[Tag]deferredHandler{
	TagSerialRecv: handleSerialRecv,
	TagRTTRecv:    handleRTTRecv,
	TagRTTRead:    handleRTTRead,
	TagSysSleep:   handleSysSleep,
	TagShellRun:   handleShellRun,
	TagShellExist: handleShellExist,
}

// recvWaiter is one Task parked on serial.recv or rtt.recv, resolved
// either by an incoming frame or by its timeout.
type recvWaiter struct {
	task    *Task
	timer   *time.Timer
	mu      sync.Mutex
	settled bool
}

// resolveOnce guards against a waiter being resolved twice (e.g. a frame
// arriving in the same instant its timeout fires).
func (w *recvWaiter) resolveOnce(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	w.settled = true
	fn()
}

// timeoutOf reads the bare timeout_ms value serial.recv/rtt.recv yield as
// their sole argument (scope.lua passes opts.timeout_ms directly, not the
// opts table itself), falling back to the configured default.
func (d *Dispatcher) timeoutOf(req HostRequest) time.Duration {
	if len(req.Args) > 0 {
		if ms, ok := toInt(req.Args[0]); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if d.defaultTimeout > 0 {
		return d.defaultTimeout
	}
	return defaultRecvTimeout
}

func handleSerialRecv(d *Dispatcher, t *Task, req HostRequest) {
	d.parkRecvWaiter(t, "serial", d.timeoutOf(req))
}

func handleRTTRecv(d *Dispatcher, t *Task, req HostRequest) {
	d.parkRecvWaiter(t, "rtt", d.timeoutOf(req))
}

// parkRecvWaiter registers t to be resolved either by the next matching
// frame (delivered through deliverFrame, called from the event loop when
// an on_*_recv Event arrives) or by timeout, whichever comes first.
func (d *Dispatcher) parkRecvWaiter(t *Task, kind string, timeout time.Duration) {
	w := &recvWaiter{task: t}
	w.timer = time.AfterFunc(timeout, func() {
		w.resolveOnce(func() {
			d.removeWaiter(t.Plugin.Name, kind, w)
			d.resolve(t, Err(StatusTimeout, []byte{}))
		})
	})

	d.waitersMu.Lock()
	d.waiters[waiterKey{t.Plugin.Name, kind}] = append(d.waiters[waiterKey{t.Plugin.Name, kind}], w)
	d.waitersMu.Unlock()

	t.Plugin.RegisterPending(t.ID, func() {
		w.resolveOnce(func() {
			w.timer.Stop()
			d.removeWaiter(t.Plugin.Name, kind, w)
			d.resolve(t, Err(StatusCancelled, []byte{}))
		})
	})
}

// deliverFrame resolves every Task parked on kind for plugin with data,
// called from the event loop alongside firing the matching on_*_recv
// callback — spec.md §4.4's dual-fire rule for rtt.recv.
func (d *Dispatcher) deliverFrame(pluginName, kind string, data []byte) {
	d.waitersMu.Lock()
	key := waiterKey{pluginName, kind}
	ws := d.waiters[key]
	delete(d.waiters, key)
	d.waitersMu.Unlock()

	for _, w := range ws {
		w.resolveOnce(func() {
			w.timer.Stop()
			w.task.Plugin.ClearPending(w.task.ID)
			d.resolve(w.task, OK(nil, data))
		})
	}
}

func (d *Dispatcher) removeWaiter(pluginName, kind string, target *recvWaiter) {
	d.waitersMu.Lock()
	defer d.waitersMu.Unlock()
	key := waiterKey{pluginName, kind}
	ws := d.waiters[key]
	for i, w := range ws {
		if w == target {
			d.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

func handleRTTRead(d *Dispatcher, t *Task, req HostRequest) {
	if d.transport.Active() != TransportRTT {
		d.resolve(t, Err(StatusNotActive, []byte{}))
		return
	}
	addr, _ := toInt(req.Args[0])
	size, _ := toInt(req.Args[1])
	if size > 1024 {
		d.resolve(t, Err(StatusInvalidArgument, []byte{}))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Plugin.RegisterPending(t.ID, plugin.CancelFunc(cancel))

	go func() {
		defer cancel()
		data, err := d.transport.RTTRead(uint32(addr), size)
		t.Plugin.ClearPending(t.ID)
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				d.resolve(t, Err(StatusCancelled, []byte{}))
				return
			}
		default:
		}
		if err != nil {
			d.resolve(t, Err(StatusIOError, []byte{}))
			return
		}
		d.resolve(t, OK(nil, data))
	}()
}

func handleSysSleep(d *Dispatcher, t *Task, req HostRequest) {
	ms, _ := toInt(req.Args[0])
	var once sync.Once
	timer := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		once.Do(func() {
			t.Plugin.ClearPending(t.ID)
			d.resolve(t, OK())
		})
	})
	t.Plugin.RegisterPending(t.ID, func() {
		once.Do(func() {
			timer.Stop()
			d.resolve(t, Err(StatusCancelled))
		})
	})
}

func handleShellRun(d *Dispatcher, t *Task, req HostRequest) {
	id, _ := toInt(req.Args[0])
	cmd, _ := req.Args[1].(string)
	timeoutMS, _ := toInt(req.Args[2])

	sh, err := d.broker.For(t.Plugin.Name).Shell(int64(id))
	if err != nil {
		d.log.Log(t.Plugin.Name, "debug", err.Error())
		d.resolve(t, Err(StatusInvalidArgument, "", ""))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Plugin.RegisterPending(t.ID, plugin.CancelFunc(cancel))

	go func() {
		stdout, stderr, timedOut, err := sh.Run(ctx, cmd, shellRunOpts(timeoutMS))
		t.Plugin.ClearPending(t.ID)
		if ctx.Err() == context.Canceled {
			d.resolve(t, Err(StatusCancelled, "", ""))
			return
		}
		if err != nil {
			d.resolve(t, Err(StatusIOError, "", ""))
			return
		}
		if timedOut {
			d.resolve(t, Err(StatusTimeout, "", ""))
			return
		}
		d.resolve(t, OK(stdout, stderr))
	}()
}

func handleShellExist(d *Dispatcher, t *Task, req HostRequest) {
	id, _ := toInt(req.Args[0])
	prog, _ := req.Args[1].(string)

	sh, err := d.broker.For(t.Plugin.Name).Shell(int64(id))
	if err != nil {
		d.log.Log(t.Plugin.Name, "debug", err.Error())
		d.resolve(t, Err(StatusInvalidArgument, false))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Plugin.RegisterPending(t.ID, plugin.CancelFunc(cancel))

	go func() {
		exists, err := sh.Exist(ctx, prog)
		t.Plugin.ClearPending(t.ID)
		if ctx.Err() == context.Canceled {
			d.resolve(t, Err(StatusCancelled, false))
			return
		}
		if err != nil {
			d.resolve(t, Err(StatusIOError, false))
			return
		}
		d.resolve(t, OK(exists))
	}()
}

// luaArgsFromReply projects a HostReply into the Lua values the coroutine
// resumes with: status first — the literal string "ok" on success, an
// error-code string otherwise, per spec.md §6's reply shape — then each
// result field. The scope.lua stubs compare this against "ok" by value.
func luaArgsFromReply(L *lua.LState, reply HostReply) []lua.LValue {
	args := make([]lua.LValue, 0, len(reply.Results)+1)
	args = append(args, lua.LString(reply.Status))
	for _, r := range reply.Results {
		args = append(args, goToLua(L, r))
	}
	return args
}
