package probe

import (
	"sort"
	"sync"
	"time"
)

type region struct {
	addr uint64
	data []byte
}

// MemHelpers runs probes against a sparse, in-memory address space. Reads
// outside mapped regions fail with ErrFault, like a bad user pointer.
type MemHelpers struct {
	PID   uint32
	TID   uint32
	Clock func() uint64

	mu      sync.RWMutex
	regions []region
}

// NewMemHelpers returns helpers attributing every record to pid/tid. The
// clock counts nanoseconds since creation.
func NewMemHelpers(pid, tid uint32) *MemHelpers {
	start := time.Now()
	return &MemHelpers{
		PID: pid,
		TID: tid,
		Clock: func() uint64 {
			return uint64(time.Since(start).Nanoseconds())
		},
	}
}

// Map makes data readable at addr. Regions must not overlap.
func (m *MemHelpers) Map(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, region{addr: addr, data: append([]byte(nil), data...)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
}

// MapString maps s followed by a NUL terminator at addr.
func (m *MemHelpers) MapString(addr uint64, s string) {
	m.Map(addr, append([]byte(s), 0))
}

func (m *MemHelpers) find(addr uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return r.addr+uint64(len(r.data)) > addr
	})
	if i == len(m.regions) || m.regions[i].addr > addr {
		return nil, false
	}
	r := m.regions[i]
	return r.data[addr-r.addr:], true
}

func (m *MemHelpers) GetCurrentPidTgid() uint64 {
	return uint64(m.PID)<<32 | uint64(m.TID)
}

func (m *MemHelpers) KtimeGetNs() uint64 {
	return m.Clock()
}

func (m *MemHelpers) ProbeReadUser(dst []byte, src uint64) error {
	mem, ok := m.find(src)
	if !ok || len(mem) < len(dst) {
		clear(dst)
		return ErrFault
	}
	copy(dst, mem)
	return nil
}

func (m *MemHelpers) ProbeReadUserStr(dst []byte, src uint64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	mem, ok := m.find(src)
	if !ok {
		clear(dst)
		return 0, ErrFault
	}
	limit := len(dst) - 1
	for i := 0; i < limit; i++ {
		if i == len(mem) {
			clear(dst)
			return 0, ErrFault
		}
		if mem[i] == 0 {
			dst[i] = 0
			return i + 1, nil
		}
		dst[i] = mem[i]
	}
	dst[limit] = 0
	return limit + 1, nil
}
