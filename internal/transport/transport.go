// Package transport implements the host's I/O boundary: the external
// Transport a plugin's serial.*/rtt.* host calls reach through, and the
// reader goroutine that turns incoming bytes into Events for the
// dispatcher's event queue.
//
// Real serial and RTT drivers are outside this module's scope — the
// runtime only ever talks to the Transport interface. Loopback is the
// one concrete implementation here: a fake transport that treats every
// byte a plugin sends as a byte the same channel just received, useful
// for running and testing plugins with no attached hardware.
package transport

import (
	"sync"
	"time"

	"github.com/tapwire/tapwire/internal/dispatch"
	"github.com/tapwire/tapwire/internal/plugin"
)

// EventSink is the subset of *dispatch.Dispatcher a transport reader
// posts incoming frames and connection-state transitions through.
type EventSink interface {
	PostEvent(kind plugin.EventKind, payload any)
}

// State is a snapshot of which transport is active and its parameters,
// mirroring spec.md's Transport state record.
type State struct {
	Active     dispatch.TransportKind
	SerialPort string
	SerialBaud int
	RTTTarget  string
	RTTChannel int
}

// echoDelay is how long Loopback waits before turning a sent frame into
// a received one, standing in for real wire latency so a plugin's
// on_*_send and on_*_recv callbacks are observably distinct Tasks rather
// than coinciding in the same event-loop tick.
const echoDelay = 2 * time.Millisecond

// Loopback is a Transport with no real hardware behind it: bytes sent on
// the active channel are echoed back as bytes received on that same
// channel after echoDelay, and rtt.read answers from an in-memory byte
// map a caller populates directly (SetRTTMemory), standing in for a
// debugger's memory-read API.
type Loopback struct {
	sink EventSink

	mu     sync.Mutex
	active dispatch.TransportKind

	serialPort string
	serialBaud int
	rttTarget  string
	rttChannel int

	rttMu  sync.RWMutex
	rttMem map[uint32][]byte
}

// NewLoopback creates a Loopback transport with no channel active. sink
// receives every event the loopback's echo and connect/disconnect
// transitions produce; pass the Dispatcher that owns the event queue.
func NewLoopback(sink EventSink) *Loopback {
	return &Loopback{
		sink:   sink,
		active: dispatch.TransportNone,
		rttMem: make(map[uint32][]byte),
	}
}

// Active reports which channel is active.
func (l *Loopback) Active() dispatch.TransportKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// State returns a snapshot of the transport's current parameters.
func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Active:     l.active,
		SerialPort: l.serialPort,
		SerialBaud: l.serialBaud,
		RTTTarget:  l.rttTarget,
		RTTChannel: l.rttChannel,
	}
}

// SerialInfo backs serial.info().
func (l *Loopback) SerialInfo() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != dispatch.TransportSerial {
		return "", 0
	}
	return l.serialPort, l.serialBaud
}

// SerialConnect switches the active channel to serial, posting
// on_serial_connect to every interested plugin.
func (l *Loopback) SerialConnect(port string, baud int) error {
	l.mu.Lock()
	l.active = dispatch.TransportSerial
	l.serialPort = port
	l.serialBaud = baud
	l.mu.Unlock()

	l.sink.PostEvent(plugin.EventSerialConnect, []any{port, baud})
	return nil
}

// SerialDisconnect deactivates the serial channel, posting
// on_serial_disconnect first.
func (l *Loopback) SerialDisconnect() error {
	l.mu.Lock()
	port, baud := l.serialPort, l.serialBaud
	wasActive := l.active == dispatch.TransportSerial
	l.active = dispatch.TransportNone
	l.mu.Unlock()

	if wasActive {
		l.sink.PostEvent(plugin.EventSerialDisconnect, []any{port, baud})
	}
	return nil
}

// SerialSend backs serial.send(msg): posts on_serial_send immediately,
// then echoes data back as an on_serial_recv frame after echoDelay.
func (l *Loopback) SerialSend(data []byte) error {
	l.sink.PostEvent(plugin.EventSerialSend, clone(data))
	l.scheduleEcho(plugin.EventSerialRecv, data)
	return nil
}

// RTTInfo backs rtt.info().
func (l *Loopback) RTTInfo() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != dispatch.TransportRTT {
		return "", 0
	}
	return l.rttTarget, l.rttChannel
}

// ConnectRTT switches the active channel to RTT. Unlike serial, spec.md
// names no on_rtt_connect callback, so this is silent besides the state
// change.
func (l *Loopback) ConnectRTT(target string, channel int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = dispatch.TransportRTT
	l.rttTarget = target
	l.rttChannel = channel
}

// DisconnectRTT deactivates the RTT channel.
func (l *Loopback) DisconnectRTT() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = dispatch.TransportNone
}

// RTTSend backs rtt.send(msg): posts on_rtt_send immediately, then
// echoes data back as an on_rtt_recv frame after echoDelay.
func (l *Loopback) RTTSend(data []byte) error {
	l.sink.PostEvent(plugin.EventRTTSend, clone(data))
	l.scheduleEcho(plugin.EventRTTRecv, data)
	return nil
}

// RTTRead backs rtt.read({address, size}): returns size bytes starting
// at address from the loopback's memory map, zero-filled wherever the
// caller never populated a byte via SetRTTMemory.
func (l *Loopback) RTTRead(address uint32, size int) ([]byte, error) {
	out := make([]byte, size)
	l.rttMu.RLock()
	defer l.rttMu.RUnlock()
	for i := 0; i < size; i++ {
		if b, ok := l.byteAt(address + uint32(i)); ok {
			out[i] = b
		}
	}
	return out, nil
}

func (l *Loopback) byteAt(addr uint32) (byte, bool) {
	for base, data := range l.rttMem {
		if addr >= base && int(addr-base) < len(data) {
			return data[addr-base], true
		}
	}
	return 0, false
}

// SetRTTMemory installs data as the bytes readable starting at address,
// for rtt.read to serve deterministically — there being no attached
// debugger behind this transport.
func (l *Loopback) SetRTTMemory(address uint32, data []byte) {
	l.rttMu.Lock()
	defer l.rttMu.Unlock()
	l.rttMem[address] = clone(data)
}

func (l *Loopback) scheduleEcho(kind plugin.EventKind, data []byte) {
	frame := clone(data)
	time.AfterFunc(echoDelay, func() {
		l.sink.PostEvent(kind, frame)
	})
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
