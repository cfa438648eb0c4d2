package dispatch

import (
	"log/slog"

	"github.com/samber/oops"

	"github.com/tapwire/tapwire/internal/broker"
)

// Log is the thread-safe, append-only sink log.* host calls write to.
// Implemented by slogLog below, which tags each record with the plugin name.
type Log interface {
	Log(plugin, level, msg string)
}

// slogLog adapts a *slog.Logger to Log.
type slogLog struct{ logger *slog.Logger }

// NewSlogLog wraps logger as a Log sink.
func NewSlogLog(logger *slog.Logger) Log {
	return slogLog{logger: logger}
}

func (l slogLog) Log(plugin, level, msg string) {
	attrs := []any{slog.String("plugin", plugin)}
	switch level {
	case "debug":
		l.logger.Debug(msg, attrs...)
	case "warning":
		l.logger.Warn(msg, attrs...)
	case "error":
		l.logger.Error(msg, attrs...)
	default: // info, success
		l.logger.Info(msg, attrs...)
	}
}

// TransportKind identifies which transport is currently active.
type TransportKind string

// TransportKind values, matching spec.md's Transport state record.
const (
	TransportNone   TransportKind = "none"
	TransportSerial TransportKind = "serial"
	TransportRTT    TransportKind = "rtt"
	TransportBLE    TransportKind = "ble"
)

// Transport is the external I/O surface the Dispatcher's immediate
// handlers call into. Reads are never synchronous through this
// interface — they arrive as Events posted to the EventQueue by the
// transport's own reader goroutine; Transport here only covers the
// request/response calls a plugin can make directly.
type Transport interface {
	Active() TransportKind
	SerialInfo() (port string, baud int)
	SerialSend(data []byte) error
	SerialConnect(port string, baud int) error
	SerialDisconnect() error
	RTTInfo() (target string, channel int)
	RTTSend(data []byte) error
	RTTRead(address uint32, size int) ([]byte, error)
}

// immediateHandler answers a HostRequest synchronously, within the same
// resume cycle that received it.
type immediateHandler func(d *Dispatcher, t *Task, req HostRequest) HostReply

// immediateHandlers is the closed dispatch table for every tag whose
// handler completes without parking the Task, per spec.md §4.4.
var immediateHandlers = map[Tag]immediateHandler{
	TagLogDebug:         handleLog("debug"),
	TagLogInfo:          handleLog("info"),
	TagLogSuccess:       handleLog("success"),
	TagLogWarning:       handleLog("warning"),
	TagLogError:         handleLog("error"),
	TagSerialInfo:       handleSerialInfo,
	TagSerialSend:       handleSerialSend,
	TagSerialConnect:    handleSerialConnect,
	TagSerialDisconnect: handleSerialDisconnect,
	TagRTTInfo:          handleRTTInfo,
	TagRTTSend:          handleRTTSend,
	TagReMatch:          handleReMatch,
	TagReMatches:        handleReMatches,
	TagReLiteral:        handleReLiteral,
	TagShellNew:         handleShellNew,
}

func handleLog(level string) immediateHandler {
	return func(d *Dispatcher, t *Task, req HostRequest) HostReply {
		msg, _ := req.Args[0].(string)
		d.log.Log(t.Plugin.Name, level, msg)
		return OK()
	}
}

func handleSerialInfo(d *Dispatcher, _ *Task, _ HostRequest) HostReply {
	if d.transport.Active() != TransportSerial {
		return OK("", 0)
	}
	port, baud := d.transport.SerialInfo()
	return OK(port, baud)
}

func handleSerialSend(d *Dispatcher, t *Task, req HostRequest) HostReply {
	data, err := toBytes(req.Args[0])
	if err != nil {
		return Err(StatusInvalidArgument)
	}
	if !d.checkCapability(t.Plugin.Name, "serial.send") {
		return Err(StatusInvalidArgument)
	}
	if err := d.transport.SerialSend(data); err != nil {
		return Err(StatusIOError)
	}
	return OK()
}

func handleSerialConnect(d *Dispatcher, t *Task, req HostRequest) HostReply {
	if !d.checkCapability(t.Plugin.Name, "serial.connect") {
		return Err(StatusInvalidArgument)
	}
	port, _ := req.Args[0].(string)
	baud, _ := toInt(req.Args[1])
	if err := d.transport.SerialConnect(port, baud); err != nil {
		return Err(StatusIOError)
	}
	return OK()
}

func handleSerialDisconnect(d *Dispatcher, t *Task, _ HostRequest) HostReply {
	if !d.checkCapability(t.Plugin.Name, "serial.disconnect") {
		return Err(StatusInvalidArgument)
	}
	if err := d.transport.SerialDisconnect(); err != nil {
		return Err(StatusIOError)
	}
	return OK()
}

func handleRTTInfo(d *Dispatcher, _ *Task, _ HostRequest) HostReply {
	if d.transport.Active() != TransportRTT {
		return OK("", 0)
	}
	target, channel := d.transport.RTTInfo()
	return OK(target, channel)
}

func handleRTTSend(d *Dispatcher, t *Task, req HostRequest) HostReply {
	data, err := toBytes(req.Args[0])
	if err != nil {
		return Err(StatusInvalidArgument)
	}
	if !d.checkCapability(t.Plugin.Name, "rtt.send") {
		return Err(StatusInvalidArgument)
	}
	if err := d.transport.RTTSend(data); err != nil {
		return Err(StatusIOError)
	}
	return OK()
}

func handleReMatch(d *Dispatcher, t *Task, req HostRequest) HostReply {
	s, _ := req.Args[0].(string)
	p, _ := req.Args[1].(string)
	matched, err := d.broker.For(t.Plugin.Name).Patterns().Match(s, p)
	if err != nil {
		return Err(StatusInvalidArgument)
	}
	return OK(matched)
}

func handleReMatches(d *Dispatcher, t *Task, req HostRequest) HostReply {
	s, _ := req.Args[0].(string)
	raw, _ := req.Args[1].([]any)
	sources := make([]string, 0, len(raw))
	for _, a := range raw {
		src, _ := a.(string)
		sources = append(sources, src)
	}
	winner, ok, err := d.broker.For(t.Plugin.Name).Patterns().Matches(s, sources)
	if err != nil {
		return Err(StatusInvalidArgument)
	}
	if !ok {
		return OK(nil)
	}
	return OK(winner)
}

func handleReLiteral(_ *Dispatcher, _ *Task, req HostRequest) HostReply {
	s, _ := req.Args[0].(string)
	return OK(broker.Literal(s))
}

func handleShellNew(d *Dispatcher, t *Task, _ HostRequest) HostReply {
	if !d.checkCapability(t.Plugin.Name, "shell.new") {
		return Err(StatusInvalidArgument)
	}
	sh, err := d.broker.For(t.Plugin.Name).NewShell()
	if err != nil {
		return Err(StatusIOError)
	}
	return OK(sh.ID)
}

// toBytes accepts either a Lua string or the array-shaped table a script
// builds for a binary payload — luaToGo projects the latter into []any
// of ints, never []int, so that's the shape checked here.
func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case []any:
		out := make([]byte, len(x))
		for i, e := range x {
			n, ok := toInt(e)
			if !ok {
				return nil, oops.Code(StatusInvalidArgument).Errorf("byte %d is not an integer", i)
			}
			out[i] = byte(normalizeByte(n))
		}
		return out, nil
	default:
		return nil, oops.Code(StatusInvalidArgument).Errorf("value is not byte-representable")
	}
}

// normalizeByte interprets a negative integer as 0x100+v, per spec.md
// §6's byte-array wire rule.
func normalizeByte(v int) int {
	if v < 0 {
		return 0x100 + v
	}
	return v
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
