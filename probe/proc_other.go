//go:build !linux

package probe

import (
	"errors"
	"os"
)

// ProcHelpers is only available on Linux.
type ProcHelpers struct{}

var errNoProcessVM = errors.New("reading process memory is only supported on linux")

func NewProcHelpers(pid int) (*ProcHelpers, error) {
	return nil, errNoProcessVM
}

func NewSelfHelpers() (*ProcHelpers, error) {
	return NewProcHelpers(os.Getpid())
}

func (p *ProcHelpers) GetCurrentPidTgid() uint64 { return 0 }
func (p *ProcHelpers) KtimeGetNs() uint64        { return 0 }

func (p *ProcHelpers) ProbeReadUser(dst []byte, src uint64) error {
	clear(dst)
	return ErrFault
}

func (p *ProcHelpers) ProbeReadUserStr(dst []byte, src uint64) (int, error) {
	clear(dst)
	return 0, ErrFault
}
