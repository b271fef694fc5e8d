package network

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/process"
)

func itoa(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// Classify returns the scope of ip. A nil ip is ScopeUnknown.
func Classify(ip net.IP) Scope {
	switch {
	case ip == nil || ip.IsUnspecified():
		return ScopeUnknown
	case ip.IsLoopback():
		return ScopeLoopback
	case ip.IsLinkLocalUnicast():
		return ScopeLinkLocal
	case ip.IsPrivate():
		return ScopePrivate
	default:
		return ScopePublic
	}
}

// CreateConnectionInfo converts a decoded connect record to connection info.
func CreateConnectionInfo(c *event.Connect, proc process.Info, ts time.Time) *ConnectionInfo {
	ip := net.ParseIP(c.Addr)
	return &ConnectionInfo{
		PID:             c.M.PID,
		ProcessName:     proc.Comm,
		Application:     proc.App,
		ContainerID:     proc.ContainerID,
		DestinationIP:   ip,
		DestinationPort: c.Port,
		Family:          c.Family.String(),
		Scope:           Classify(ip),
		FirstSeen:       ts,
		LastSeen:        ts,
		Count:           1,
	}
}

type trackerKey struct {
	pid  uint32
	dest string
}

// Tracker is a thread-safe LRU of destinations per process.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[trackerKey, *ConnectionInfo]
}

var _ ConnectionTracker = (*Tracker)(nil)

// NewTracker creates a tracker holding at most maxSize destinations.
func NewTracker(maxSize int) (*Tracker, error) {
	cache, err := lru.New[trackerKey, *ConnectionInfo](maxSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache}, nil
}

// AddConnection merges info into the tracker and reports whether the
// destination was new for the process.
func (t *Tracker) AddConnection(info *ConnectionInfo) bool {
	key := trackerKey{pid: info.PID, dest: info.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.cache.Get(key); ok {
		cur.Count++
		if info.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = info.LastSeen
		}
		if info.FirstSeen.Before(cur.FirstSeen) {
			cur.FirstSeen = info.FirstSeen
		}
		return false
	}
	cp := *info
	t.cache.Add(key, &cp)
	return true
}

// GetConnections returns copies of every tracked destination, most
// recently seen first.
func (t *Tracker) GetConnections() []*ConnectionInfo {
	return t.filter(func(*ConnectionInfo) bool { return true })
}

// GetConnectionsByPID returns the destinations of one process.
func (t *Tracker) GetConnectionsByPID(pid uint32) []*ConnectionInfo {
	return t.filter(func(c *ConnectionInfo) bool { return c.PID == pid })
}

func (t *Tracker) filter(keep func(*ConnectionInfo) bool) []*ConnectionInfo {
	t.mu.Lock()
	var out []*ConnectionInfo
	for _, c := range t.cache.Values() {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// ForgetPID drops every destination of pid.
func (t *Tracker) ForgetPID(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.cache.Keys() {
		if k.pid == pid {
			t.cache.Remove(k)
		}
	}
}

// Len returns the number of tracked destinations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
