//go:build !windows

package broker_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapwire/tapwire/internal/broker"
)

func TestShell_RunEchoesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only session shape")
	}

	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	stdout, stderr, timedOut, err := sh.Run(context.Background(), "echo Hello", broker.RunOpts{TimeoutMS: 2000})
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Contains(t, stdout, "Hello")
	assert.Empty(t, stderr)
}

func TestShell_RunSeparatesSubsequentCalls(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	out1, _, timedOut1, err := sh.Run(context.Background(), "echo one", broker.RunOpts{TimeoutMS: 2000})
	require.NoError(t, err)
	require.False(t, timedOut1)

	out2, _, timedOut2, err := sh.Run(context.Background(), "echo two", broker.RunOpts{TimeoutMS: 2000})
	require.NoError(t, err)
	require.False(t, timedOut2)

	assert.Contains(t, out1, "one")
	assert.NotContains(t, out1, "two")
	assert.Contains(t, out2, "two")
	assert.NotContains(t, out2, "one")
}

func TestShell_RunTimesOutOnHangingCommand(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	stdout, stderr, timedOut, err := sh.Run(context.Background(), "sleep 5", broker.RunOpts{TimeoutMS: 50})
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func TestShell_ExistFindsKnownProgram(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	ok, err := sh.Exist(context.Background(), "sh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShell_ExistRejectsUnknownProgram(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	ok, err := sh.Exist(context.Background(), "definitely-not-a-real-program-xyz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShell_RunAfterCloseErrors(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	require.NoError(t, sh.Close())

	_, _, _, err = sh.Run(context.Background(), "echo x", broker.RunOpts{TimeoutMS: 500})
	assert.Error(t, err)
}

func TestShell_RunRespectsParentContextCancellation(t *testing.T) {
	sh, err := broker.NewShell()
	require.NoError(t, err)
	defer sh.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, timedOut, err := sh.Run(ctx, "sleep 5", broker.RunOpts{TimeoutMS: 5000})
	require.NoError(t, err)
	assert.True(t, timedOut)
}
