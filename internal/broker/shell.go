package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// defaultRunTimeout bounds a shell:run call when the plugin supplies no
// timeout_ms, so a hung command can never park a Task forever.
const defaultRunTimeout = 30 * time.Second

var errSentinelNotSeen = errors.New("sentinel not yet observed")

// Shell is a long-lived subprocess session with piped stdio, owned by one
// plugin and destroyed on unload. Commands are written to the session's
// stdin; stdout and stderr are each terminated with a unique per-call
// sentinel line so Run can tell where one command's output ends.
type Shell struct {
	ID int64

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *streamBuffer
	stderr *streamBuffer

	lastUsed atomic.Int64 // unix nanos, touched by Run/Exist

	mu     sync.Mutex
	closed bool
}

// touch records activity for the broker's idle reaper.
func (s *Shell) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// idleSince reports how long it has been since the session was last used.
func (s *Shell) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastUsed.Load()))
}

// streamBuffer accumulates lines read from a pipe in a background
// goroutine so Run's sentinel poll never blocks on the underlying read.
type streamBuffer struct {
	mu    sync.Mutex
	lines []string
}

func newStreamBuffer(r io.Reader) *streamBuffer {
	sb := &streamBuffer{}
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			sb.append(scanner.Text())
		}
	}()
	return sb
}

func (sb *streamBuffer) append(line string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.lines = append(sb.lines, line)
}

// collectUntil returns every line appended since from, plus the index to
// resume from next time, and whether sentinel was seen among them (the
// sentinel line itself is excluded from the returned text).
func (sb *streamBuffer) collectUntil(from int, sentinel string) (text string, next int, found bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var out []string
	for i := from; i < len(sb.lines); i++ {
		if sb.lines[i] == sentinel {
			return strings.Join(out, "\n"), i + 1, true
		}
		out = append(out, sb.lines[i])
	}
	return strings.Join(out, "\n"), len(sb.lines), false
}

var shellIDCounter atomic.Int64

// NewShell spawns the platform default shell (cmd.exe on Windows, sh
// elsewhere) with piped stdio and assigns it a monotonically increasing
// id. Backs Shell.new().
func NewShell() (*Shell, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd.exe")
	} else {
		shPath, err := exec.LookPath("sh")
		if err != nil {
			return nil, oops.Code("io-error").Wrap(err)
		}
		cmd = exec.Command(shPath)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, oops.Code("io-error").Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, oops.Code("io-error").Wrap(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, oops.Code("io-error").Wrap(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, oops.Code("io-error").Wrap(err)
	}

	sh := &Shell{
		ID:     shellIDCounter.Add(1),
		cmd:    cmd,
		stdin:  stdin,
		stdout: newStreamBuffer(stdout),
		stderr: newStreamBuffer(stderr),
	}
	sh.touch()
	return sh, nil
}

// RunOpts configures a Run call.
type RunOpts struct {
	TimeoutMS int
}

// Run writes cmd to the session's stdin followed by a sentinel echo on
// both stdout and stderr, then polls for the sentinels with a
// Fibonacci-backed retry loop bounded by opts.TimeoutMS (or
// defaultRunTimeout if zero). Backs shell:run; the deferred handler
// projects a timeout into status "timeout" with empty strings, never a
// raised error.
func (s *Shell) Run(ctx context.Context, cmd string, opts RunOpts) (stdout, stderr string, timedOut bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", "", false, oops.Code("not-active").Errorf("shell session is closed")
	}
	s.touch()

	sentinel := "__tapwire_run_" + ulid.Make().String() + "__"
	outFrom := len(snapshot(s.stdout))
	errFrom := len(snapshot(s.stderr))

	if _, werr := io.WriteString(s.stdin, cmd+"\n"); werr != nil {
		return "", "", false, oops.Code("io-error").Wrap(werr)
	}
	if _, werr := io.WriteString(s.stdin, "echo "+sentinel+"\n"); werr != nil {
		return "", "", false, oops.Code("io-error").Wrap(werr)
	}
	if _, werr := io.WriteString(s.stdin, "echo "+sentinel+" 1>&2\n"); werr != nil {
		return "", "", false, oops.Code("io-error").Wrap(werr)
	}

	timeout := defaultRunTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fib := retry.NewFibonacci(5 * time.Millisecond)
	backoff := retry.WithMaxDuration(timeout, fib)

	var outDone, errDone bool
	pollErr := retry.Do(deadlineCtx, backoff, func(context.Context) error {
		if !outDone {
			out, next, found := s.stdout.collectUntil(outFrom, sentinel)
			if found {
				stdout = out
				outFrom = next
				outDone = true
			}
		}
		if !errDone {
			errOut, next, found := s.stderr.collectUntil(errFrom, sentinel)
			if found {
				stderr = errOut
				errFrom = next
				errDone = true
			}
		}
		if outDone && errDone {
			return nil
		}
		return retry.RetryableError(errSentinelNotSeen)
	})

	if pollErr != nil {
		return "", "", true, nil
	}
	return stdout, stderr, false, nil
}

func snapshot(sb *streamBuffer) []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.lines
}

// Exist probes whether prog is resolvable on PATH using the
// platform-appropriate command (where on Windows, command -v elsewhere).
// Backs shell:exist.
func (s *Shell) Exist(ctx context.Context, prog string) (bool, error) {
	s.touch()
	var probe *exec.Cmd
	if runtime.GOOS == "windows" {
		// where.exe is a real executable on PATH, unlike the POSIX
		// "command" builtin, so it needs no shell to host it.
		probe = exec.CommandContext(ctx, "where", prog)
	} else {
		// "command" is a shell builtin, not an executable; it must run
		// inside a shell invocation.
		probe = exec.CommandContext(ctx, "sh", "-c", "command -v -- \"$1\"", "sh", prog)
	}
	err := probe.Run()
	return err == nil, nil
}

// Close terminates the session's subprocess. Called on plugin unload.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
