package process

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

// Resolver reads and caches process metadata from a proc filesystem.
type Resolver struct {
	procRoot   string
	serviceEnv string
	cache      *lru.Cache[int, Info]
}

// Options configures a Resolver. Zero values select the host defaults.
type Options struct {
	ProcRoot   string
	ServiceEnv string
	CacheSize  int
}

// NewResolver returns a resolver reading from opts.ProcRoot.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.ServiceEnv == "" {
		opts.ServiceEnv = DefaultServiceEnv
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	cache, err := lru.New[int, Info](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{procRoot: opts.ProcRoot, serviceEnv: opts.ServiceEnv, cache: cache}, nil
}

// Lookup returns the metadata of pid. Fields that cannot be read are left
// empty; a vanished process yields an Info with only PID set, which is
// cached like any other until Forget or Prune.
func (r *Resolver) Lookup(pid int) Info {
	if info, ok := r.cache.Get(pid); ok {
		return info
	}
	info := r.collect(pid)
	r.cache.Add(pid, info)
	return info
}

// AppName returns the service name pid opted in with, or "".
func (r *Resolver) AppName(pid int) string {
	return r.Lookup(pid).App
}

// Comm returns the command name of pid.
func (r *Resolver) Comm(pid int) string {
	return r.Lookup(pid).Comm
}

// Forget drops the cached entry for pid.
func (r *Resolver) Forget(pid int) {
	r.cache.Remove(pid)
}

// Len returns the number of cached pids.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) dir(pid int) string {
	return filepath.Join(r.procRoot, strconv.Itoa(pid))
}

func (r *Resolver) collect(pid int) Info {
	info := Info{PID: pid}
	dir := r.dir(pid)

	if data, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		info.Comm = strings.TrimSpace(string(data))
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.ExePath = exe
	}
	if data, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil && len(data) > 0 {
		var args []string
		for _, arg := range bytes.Split(data, []byte{0}) {
			if len(arg) > 0 {
				args = append(args, string(arg))
			}
		}
		info.CmdLine = strings.Join(args, " ")
	}
	if data, err := os.ReadFile(filepath.Join(dir, "environ")); err == nil {
		info.App = lookupEnv(data, r.serviceEnv)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "cgroup")); err == nil {
		info.ContainerID = containerID(string(data))
	}
	return info
}

// lookupEnv finds key in a NUL-separated environment block.
func lookupEnv(environ []byte, key string) string {
	prefix := []byte(key + "=")
	for _, kv := range bytes.Split(environ, []byte{0}) {
		if bytes.HasPrefix(kv, prefix) {
			return string(kv[len(prefix):])
		}
	}
	return ""
}

func containerID(cgroup string) string {
	for _, line := range strings.Split(cgroup, "\n") {
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := strings.TrimSuffix(strings.TrimPrefix(parts[i], "docker-"), ".scope")
			if containerIDRegex.MatchString(part) {
				return part
			}
		}
	}
	return ""
}
