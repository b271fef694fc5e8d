package probe

import (
	"encoding/binary"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/types"
)

// Program names in the probe object, keyed by the attachment boundary.
const (
	ProgConnect   = "kprobe_connect"
	ProgOpenat    = "kprobe_openat"
	ProgSQLExec   = "uprobe_PQexec"
	ProgNarrowSQL = "trace_pqexec"
)

const (
	afInet  = 2
	afInet6 = 10

	sockaddrInLen  = 16
	sockaddrIn6Len = 28
)

// Func is a probe body.
type Func func(regs *Regs) Outcome

// Set binds the probe bodies to one runtime.
type Set struct {
	h   Helpers
	out Emitter
}

// NewSet returns the probe set running against h and publishing to out.
func NewSet(h Helpers, out Emitter) *Set {
	return &Set{h: h, out: out}
}

// Entry adapts fn to the attachment boundary. The traced function always
// continues, whatever the probe's outcome.
func Entry(fn Func) func(regs *Regs) int32 {
	return func(regs *Regs) int32 {
		fn(regs)
		return 0
	}
}

// Table returns the probe bodies of schema keyed by program name.
func (s *Set) Table(schema types.Schema) map[string]Func {
	if schema == types.SchemaNarrow {
		return map[string]Func{ProgNarrowSQL: s.NarrowSQL}
	}
	return map[string]Func{
		ProgConnect: s.Connect,
		ProgOpenat:  s.Openat,
		ProgSQLExec: s.SQLExec,
	}
}

// ForHook returns the generic probe body for hook.
func (s *Set) ForHook(hook types.Hook) (Func, bool) {
	switch hook {
	case types.HookConnect:
		return s.Connect, true
	case types.HookOpenat:
		return s.Openat, true
	case types.HookSQLExec:
		return s.SQLExec, true
	}
	return nil, false
}

// initEvent attributes and tags e before any argument is extracted, so a
// record whose extraction fails is still timestamped and typed.
func (s *Set) initEvent(e *event.Generic, hook types.Hook) {
	id := s.h.GetCurrentPidTgid()
	e.TsNs = s.h.KtimeGetNs()
	e.PID = uint32(id >> 32)
	e.TID = uint32(id)
	e.HookID = uint32(hook)
}

// readStr performs a bounded, fault-tolerant string copy. A null or
// unreadable source leaves dst empty.
func (s *Set) readStr(dst []byte, src uint64) bool {
	if src == 0 {
		clear(dst)
		return false
	}
	if _, err := s.h.ProbeReadUserStr(dst, src); err != nil {
		clear(dst)
		return false
	}
	dst[len(dst)-1] = 0
	return true
}

func (s *Set) emit(e *event.Generic, degraded bool) Outcome {
	var buf [event.GenericSize]byte
	if err := e.MarshalTo(buf[:]); err != nil {
		return Dropped
	}
	if err := s.out.Output(buf[:]); err != nil {
		return Dropped
	}
	if degraded {
		return Degraded
	}
	return Published
}

// Connect runs at entry to connect(sockfd, addr, addrlen).
func (s *Set) Connect(regs *Regs) Outcome {
	var e event.Generic
	s.initEvent(&e, types.HookConnect)

	fd := int32(regs.Arg(1))
	addr := regs.Arg(2)
	addrlen := uint32(regs.Arg(3))
	e.Num1 = uint64(int64(fd))

	var fam [2]byte
	if addr == 0 || s.h.ProbeReadUser(fam[:], addr) != nil {
		return s.emit(&e, true)
	}

	degraded := false
	switch binary.NativeEndian.Uint16(fam[:]) {
	case afInet:
		if addrlen < sockaddrInLen {
			break
		}
		var sin [sockaddrInLen]byte
		if s.h.ProbeReadUser(sin[:], addr) != nil {
			degraded = true
			break
		}
		// sin_port and sin_addr are in network order.
		e.Num2 = uint64(binary.BigEndian.Uint16(sin[2:4]))
		putIPv4(e.Str1[:], sin[4], sin[5], sin[6], sin[7])
		event.PutCString(e.Str2[:], event.FamilyTagInet)
	case afInet6:
		if addrlen < sockaddrIn6Len {
			break
		}
		// Family only; the address is not decoded.
		e.Num2 = 0
		event.PutCString(e.Str2[:], event.FamilyTagInet6)
	}
	return s.emit(&e, degraded)
}

// Openat runs at entry to openat(dirfd, pathname, flags, mode).
func (s *Set) Openat(regs *Regs) Outcome {
	var e event.Generic
	s.initEvent(&e, types.HookOpenat)

	e.Num1 = uint64(int64(int32(regs.Arg(1))))
	e.Num2 = uint64(uint32(regs.Arg(3)))
	ok := s.readStr(e.Str1[:], regs.Arg(2))
	return s.emit(&e, !ok)
}

// SQLExec runs at entry to PQexec(conn, command). The connection handle is
// recorded for correlation and never dereferenced.
func (s *Set) SQLExec(regs *Regs) Outcome {
	var e event.Generic
	s.initEvent(&e, types.HookSQLExec)

	e.Num1 = regs.Arg(1)
	ok := s.readStr(e.Str2[:], regs.Arg(2))
	return s.emit(&e, !ok)
}

// NarrowSQL is the single-purpose PQexec probe. It populates its record in
// a reserved slot and commits it.
func (s *Set) NarrowSQL(regs *Regs) Outcome {
	slot, err := s.out.Reserve(event.NarrowSize)
	if err != nil {
		return Dropped
	}
	pid, sql := event.NarrowFields(slot.Bytes())
	event.PutNarrowPID(pid, s.h.GetCurrentPidTgid()>>32)
	ok := s.readStr(sql, regs.Arg(2))
	slot.Submit()
	if !ok {
		return Degraded
	}
	return Published
}

// putIPv4 formats a dotted quad into dst without allocating. dst must hold
// at least 16 bytes.
func putIPv4(dst []byte, a, b, c, d byte) {
	i := 0
	for k, o := range [4]byte{a, b, c, d} {
		if k > 0 {
			dst[i] = '.'
			i++
		}
		if o >= 100 {
			dst[i] = '0' + o/100
			i++
		}
		if o >= 10 {
			dst[i] = '0' + o/10%10
			i++
		}
		dst[i] = '0' + o%10
		i++
	}
	dst[i] = 0
}
