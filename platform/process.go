package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultProcRoot is where process metadata is read from.
const DefaultProcRoot = "/proc"

// LibpqName is the shared object the SQL uprobe attaches to.
const LibpqName = "libpq.so.5"

var triplets = map[string]string{
	"amd64":   "x86_64-linux-gnu",
	"arm64":   "aarch64-linux-gnu",
	"386":     "i386-linux-gnu",
	"arm":     "arm-linux-gnueabihf",
	"ppc64le": "powerpc64le-linux-gnu",
	"s390x":   "s390x-linux-gnu",
	"riscv64": "riscv64-linux-gnu",
}

// Triplet returns the multiarch library directory name for goarch.
func Triplet(goarch string) (string, bool) {
	t, ok := triplets[goarch]
	return t, ok
}

type libKey struct {
	pid    int
	goarch string
}

// Locator finds the traced process and the library to attach to inside
// its mount namespace.
type Locator struct {
	procRoot string
	self     int
	libs     *lru.Cache[libKey, string]
}

// NewLocator reads process metadata from procRoot.
func NewLocator(procRoot string) *Locator {
	libs, _ := lru.New[libKey, string](256)
	return &Locator{procRoot: procRoot, self: os.Getpid(), libs: libs}
}

// FindPID returns the lowest pid whose command line contains pattern, or
// 0. The calling process is never matched, even though its own arguments
// usually contain the pattern.
func (l *Locator) FindPID(pattern string) (int, error) {
	entries, err := os.ReadDir(l.procRoot)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", l.procRoot, err)
	}
	best := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == l.self {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.procRoot, e.Name(), "cmdline"))
		if err != nil || len(data) == 0 {
			continue
		}
		cmd := strings.ReplaceAll(strings.TrimRight(string(data), "\x00"), "\x00", " ")
		if strings.Contains(cmd, pattern) && (best == 0 || pid < best) {
			best = pid
		}
	}
	return best, nil
}

// WaitForPID polls until a process matching pattern appears or ctx ends.
func (l *Locator) WaitForPID(ctx context.Context, pattern string, interval time.Duration) (int, error) {
	if pattern == "" {
		return 0, fmt.Errorf("empty target pattern")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pid, err := l.FindPID(pattern)
		if err != nil {
			return 0, err
		}
		if pid != 0 {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LibpqPath resolves libpq as seen from pid's root. pid 0 resolves against
// the host root.
func (l *Locator) LibpqPath(pid int, goarch string) (string, error) {
	key := libKey{pid: pid, goarch: goarch}
	if p, ok := l.libs.Get(key); ok {
		return p, nil
	}

	root := "/"
	if pid != 0 {
		root = filepath.Join(l.procRoot, strconv.Itoa(pid), "root")
	}
	var candidates []string
	if t, ok := Triplet(goarch); ok {
		candidates = append(candidates, filepath.Join(root, "usr", "lib", t, LibpqName))
	}
	candidates = append(candidates,
		filepath.Join(root, "usr", "lib64", LibpqName),
		filepath.Join(root, "usr", "lib", LibpqName),
	)
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			l.libs.Add(key, c)
			return c, nil
		}
	}
	return "", fmt.Errorf("%s not found for pid %d (tried %s)", LibpqName, pid, strings.Join(candidates, ", "))
}

// Forget drops cached paths for pid.
func (l *Locator) Forget(pid int) {
	for _, k := range l.libs.Keys() {
		if k.pid == pid {
			l.libs.Remove(k)
		}
	}
}

var defaultLocator = NewLocator(DefaultProcRoot)

// WaitForPID polls the host's process table once a second.
func WaitForPID(ctx context.Context, pattern string) (int, error) {
	return defaultLocator.WaitForPID(ctx, pattern, time.Second)
}

// LibpqPath resolves libpq for pid on the running architecture.
func LibpqPath(pid int) (string, error) {
	return defaultLocator.LibpqPath(pid, runtime.GOARCH)
}
