//go:build linux

package probe

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ProcHelpers runs probes against the live memory of a process, read with
// process_vm_readv. Unmapped source addresses fail with ErrFault instead of
// faulting the caller.
type ProcHelpers struct {
	pid      int
	pageSize uint64
}

// NewProcHelpers returns helpers reading the memory of pid. Reading another
// process needs ptrace access to it.
func NewProcHelpers(pid int) (*ProcHelpers, error) {
	return &ProcHelpers{pid: pid, pageSize: uint64(os.Getpagesize())}, nil
}

// NewSelfHelpers returns helpers reading this process's own memory.
func NewSelfHelpers() (*ProcHelpers, error) {
	return NewProcHelpers(os.Getpid())
}

func (p *ProcHelpers) GetCurrentPidTgid() uint64 {
	tid := p.pid
	if p.pid == os.Getpid() {
		tid = unix.Gettid()
	}
	return uint64(uint32(p.pid))<<32 | uint64(uint32(tid))
}

func (p *ProcHelpers) KtimeGetNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

func (p *ProcHelpers) read(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(&dst[0]))}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: uintptr(src), Len: len(dst)}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil || n != len(dst) {
		return ErrFault
	}
	return nil
}

func (p *ProcHelpers) ProbeReadUser(dst []byte, src uint64) error {
	if src == 0 {
		clear(dst)
		return ErrFault
	}
	if err := p.read(dst, src); err != nil {
		clear(dst)
		return err
	}
	return nil
}

// ProbeReadUserStr reads page by page so a string ending just before an
// unmapped page is still readable.
func (p *ProcHelpers) ProbeReadUserStr(dst []byte, src uint64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if src == 0 {
		clear(dst)
		return 0, ErrFault
	}
	limit := len(dst) - 1
	copied := 0
	for copied < limit {
		addr := src + uint64(copied)
		chunk := int(p.pageSize - addr%p.pageSize)
		if chunk > limit-copied {
			chunk = limit - copied
		}
		buf := dst[copied : copied+chunk]
		if err := p.read(buf, addr); err != nil {
			clear(dst)
			return 0, err
		}
		for i, c := range buf {
			if c == 0 {
				clear(dst[copied+i:])
				return copied + i + 1, nil
			}
		}
		copied += chunk
	}
	dst[limit] = 0
	return limit + 1, nil
}
