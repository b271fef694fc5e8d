package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// RegsSize is the byte size of the register snapshot on this architecture.
const RegsSize = int(unsafe.Sizeof(Regs{}))

// ParseRegs reads a host-order register snapshot as captured at function entry.
func ParseRegs(raw []byte) (*Regs, error) {
	if len(raw) < RegsSize {
		return nil, fmt.Errorf("short register snapshot: got=%d want>=%d", len(raw), RegsSize)
	}
	var r Regs
	if err := binary.Read(bytes.NewReader(raw[:RegsSize]), binary.NativeEndian, &r); err != nil {
		return nil, fmt.Errorf("parse register snapshot: %w", err)
	}
	return &r, nil
}

// RegsFromArgs builds a snapshot whose first calling-convention arguments
// are args. At most four arguments are used.
func RegsFromArgs(args ...uint64) *Regs {
	var r Regs
	for i, a := range args {
		if i == 4 {
			break
		}
		r.setArg(i+1, a)
	}
	return &r
}
