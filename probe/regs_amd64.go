package probe

// Regs mirrors struct pt_regs on x86-64.
type Regs struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	BP     uint64
	BX     uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	AX     uint64
	CX     uint64
	DX     uint64
	SI     uint64
	DI     uint64
	OrigAX uint64
	IP     uint64
	CS     uint64
	Flags  uint64
	SP     uint64
	SS     uint64
}

// Arg returns the n-th (1-based) System V calling-convention argument.
func (r *Regs) Arg(n int) uint64 {
	switch n {
	case 1:
		return r.DI
	case 2:
		return r.SI
	case 3:
		return r.DX
	case 4:
		return r.CX
	}
	return 0
}

func (r *Regs) setArg(n int, v uint64) {
	switch n {
	case 1:
		r.DI = v
	case 2:
		r.SI = v
	case 3:
		r.DX = v
	case 4:
		r.CX = v
	}
}
