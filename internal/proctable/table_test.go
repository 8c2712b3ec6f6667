package proctable

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/procmon/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	args := func(a ...string) func() []string { return func() []string { return a } }

	assert.True(t, Matches("worker", "worker", "", nil))
	assert.True(t, Matches("worker", "worker.sh", "", nil))
	assert.True(t, Matches("worker", "x", "/opt/app/worker.exe", nil))
	assert.True(t, Matches("worker", "sh", "/bin/sh", args("/bin/sh", "/opt/app/worker.sh", "--flag")))
	assert.True(t, Matches("worker", "bash", "/usr/bin/bash", args("bash", "-e", "/opt/worker.sh")))
	assert.False(t, Matches("worker", "sh", "/bin/sh", args("/bin/sh", "/opt/other.sh")))
	assert.False(t, Matches("worker", "sh", "/bin/sh", args("/bin/sh")))
	assert.False(t, Matches("worker", "workers", "/opt/workers", nil))
	assert.False(t, Matches("worker", "nginx", "/usr/sbin/nginx", args("nginx", "worker")))
}

func TestOSListAndTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(path, "30")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(waited) }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	ctx := context.Background()
	tbl := NewOS(logger.Discard())

	require.Eventually(t, func() bool {
		procs, err := tbl.List(ctx, "sleep")
		if err != nil {
			return false
		}
		for _, p := range procs {
			if p.PID == int32(cmd.Process.Pid) {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	n, err := tbl.Count(ctx, "sleep")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	require.NoError(t, tbl.Terminate(ctx, int32(cmd.Process.Pid), time.Second))
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("process not terminated")
	}

	// already gone
	assert.NoError(t, tbl.Terminate(ctx, int32(cmd.Process.Pid), 10*time.Millisecond))

	procs, err := tbl.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, procs)
}
