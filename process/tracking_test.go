package process

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeProc(t *testing.T, root string, pid int, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func newTestResolver(t *testing.T, root string) *Resolver {
	t.Helper()
	r, err := NewResolver(Options{ProcRoot: root})
	require.NoError(t, err)
	return r
}

func TestLookup(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 42, map[string]string{
		"comm":    "python3\n",
		"cmdline": "python3\x00main.py\x00",
		"environ": "PATH=/usr/bin\x00CODEINT_SERVICE=billing\x00HOME=/root\x00",
		"cgroup":  "0::/system.slice/docker-0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef.scope\n",
	})
	require.NoError(t, os.Symlink("/usr/bin/python3", filepath.Join(root, "42", "exe")))

	info := newTestResolver(t, root).Lookup(42)
	assert.Equal(t, Info{
		PID:         42,
		Comm:        "python3",
		ExePath:     "/usr/bin/python3",
		CmdLine:     "python3 main.py",
		App:         "billing",
		ContainerID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}, info)
}

func TestAppNameNotOptedIn(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 7, map[string]string{"environ": "CODEINT_SERVICE_X=no\x00HOME=/\x00"})

	r := newTestResolver(t, root)
	assert.Empty(t, r.AppName(7))
	assert.Empty(t, r.AppName(8), "missing pid")
}

func TestCustomServiceEnv(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 7, map[string]string{"environ": "APP=orders\x00"})

	r, err := NewResolver(Options{ProcRoot: root, ServiceEnv: "APP"})
	require.NoError(t, err)
	assert.Equal(t, "orders", r.AppName(7))
}

func TestCacheAndForget(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 5, map[string]string{"comm": "first\n"})

	r := newTestResolver(t, root)
	assert.Equal(t, "first", r.Comm(5))

	fakeProc(t, root, 5, map[string]string{"comm": "second\n"})
	assert.Equal(t, "first", r.Comm(5), "cached")

	r.Forget(5)
	assert.Equal(t, "second", r.Comm(5))
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 1, map[string]string{"comm": "init\n"})
	fakeProc(t, root, 2, map[string]string{"comm": "gone\n"})

	r := newTestResolver(t, root)
	r.Lookup(1)
	r.Lookup(2)
	require.Equal(t, 2, r.Len())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "2")))
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newTestResolver(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond, zap.NewNop()) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestContainerID(t *testing.T) {
	assert.Equal(t, "abcdef012345", containerID("12:pids:/docker/abcdef012345\n"))
	assert.Empty(t, containerID("0::/user.slice/user-1000.slice\n"))
}
