package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tapwire/tapwire/internal/broker"
	"github.com/tapwire/tapwire/internal/capability"
	"github.com/tapwire/tapwire/internal/dispatch"
	"github.com/tapwire/tapwire/internal/plugin"
	"github.com/tapwire/tapwire/internal/script"
)

// fakeTransport is a minimal dispatch.Transport recording every SerialSend
// call, standing in for a real serial/RTT driver in these tests.
type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Active() dispatch.TransportKind { return dispatch.TransportSerial }
func (f *fakeTransport) SerialInfo() (string, int)      { return "COM1", 115200 }

func (f *fakeTransport) SerialSend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) SerialConnect(string, int) error    { return nil }
func (f *fakeTransport) SerialDisconnect() error            { return nil }
func (f *fakeTransport) RTTInfo() (string, int)             { return "", 0 }
func (f *fakeTransport) RTTSend([]byte) error                { return nil }
func (f *fakeTransport) RTTRead(uint32, int) ([]byte, error) { return nil, nil }

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// recordingLog is a dispatch.Log that forwards every message onto a
// channel, letting a test observe ordering without polling.
type recordingLog struct {
	ch chan string
}

func (r recordingLog) Log(_, _, msg string) {
	r.ch <- msg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a Dispatcher against a real Registry, broker, and
// capability enforcer, exactly as cmd/tapwire's run command does, minus the
// observability server. log defaults to a discarding slog sink if nil.
func newHarness(t *testing.T, log dispatch.Log) (*dispatch.Dispatcher, *plugin.Registry, *fakeTransport) {
	t.Helper()

	factory := script.NewStateFactory(script.OSNameFromEnv())
	enforcer := capability.NewEnforcer()
	resourceBroker := broker.NewBroker()
	registry := plugin.NewRegistry(factory, nil, enforcer)
	transport := &fakeTransport{}
	logger := discardLogger()

	if log == nil {
		log = dispatch.NewSlogLog(logger)
	}

	d := dispatch.NewDispatcher(registry, resourceBroker, enforcer, log, transport, nil, logger, 64, 2*time.Second)
	registry.SetScheduler(d)
	d.Start()
	t.Cleanup(d.Stop)

	return d, registry, transport
}

// loadPlugin writes code under a fresh entry file named name.lua and loads
// it through the registry, failing the test if the plugin doesn't reach
// Ready.
func loadPlugin(t *testing.T, ctx context.Context, registry *plugin.Registry, name, code string) *plugin.Plugin {
	t.Helper()

	dir := t.TempDir()
	entry := name + ".lua"
	require.NoError(t, os.WriteFile(filepath.Join(dir, entry), []byte(code), 0o644))

	p, err := registry.Load(ctx, dir, &plugin.Manifest{Entry: entry})
	require.NoError(t, err)
	require.Equal(t, plugin.StateReady, p.State())
	return p
}

func TestDispatcher_HelloEcho(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	d, registry, transport := newHarness(t, nil)
	ctx := context.Background()

	loadPlugin(t, ctx, registry, "echo", `
local p = {}
function p.on_serial_recv(msg)
  coroutine.yield("serial.send", "Hello," .. msg)
end
return p
`)

	d.PostEvent(plugin.EventSerialRecv, []byte("1\n"))

	require.Eventually(t, func() bool {
		return len(transport.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond, "expected exactly one serial.send from on_serial_recv")

	assert.Equal(t, []string{"Hello,1\n"}, transport.sentFrames())
}

// TestDispatcher_MutualExclusionPerPlugin enqueues two commands for the
// same plugin back to back. The first parks on sys.sleep; the second must
// not run until the first finishes, proving a plugin's active Task is
// never displaced by another Task of the same plugin.
func TestDispatcher_MutualExclusionPerPlugin(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	logCh := make(chan string, 8)
	d, registry, _ := newHarness(t, recordingLog{ch: logCh})
	ctx := context.Background()

	p := loadPlugin(t, ctx, registry, "worker", `
local p = {}
function p.first()
  coroutine.yield("sys.sleep", 50)
  coroutine.yield("log.info", "done-first")
end
function p.second()
  coroutine.yield("log.info", "done-second")
end
return p
`)

	require.NoError(t, d.EnqueueCommand(p, "first", nil))
	require.NoError(t, d.EnqueueCommand(p, "second", nil))

	select {
	case msg := <-logCh:
		assert.Equal(t, "done-first", msg)
	case <-time.After(time.Second):
		t.Fatal("first command never completed")
	}

	select {
	case msg := <-logCh:
		assert.Equal(t, "done-second", msg)
	case <-time.After(time.Second):
		t.Fatal("second command never ran after the first finished")
	}
}

// TestDispatcher_RunUnloadCancelsParkedTask exercises the "Unload cancels"
// scenario: a Task parked on a long sys.sleep must resolve to a
// "cancelled" status promptly once the plugin's outstanding Tasks are
// cancelled, rather than waiting out its real timer.
func TestDispatcher_RunUnloadCancelsParkedTask(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	logCh := make(chan string, 8)
	d, registry, _ := newHarness(t, recordingLog{ch: logCh})
	ctx := context.Background()

	p := loadPlugin(t, ctx, registry, "sleeper", `
local p = {}
function p.slow()
  local status = coroutine.yield("sys.sleep", 5000)
  coroutine.yield("log.info", status)
end
return p
`)

	require.NoError(t, d.EnqueueCommand(p, "slow", nil))

	time.Sleep(20 * time.Millisecond) // let the command park on sys.sleep

	d.RunUnload(ctx, p)

	select {
	case msg := <-logCh:
		assert.Equal(t, "cancelled", msg)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("parked task was not cancelled promptly on unload")
	}
}
