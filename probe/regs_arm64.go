package probe

// Regs mirrors struct user_pt_regs on arm64.
type Regs struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64
}

// Arg returns the n-th (1-based) AAPCS64 argument, held in x0..x3.
func (r *Regs) Arg(n int) uint64 {
	if n < 1 || n > 4 {
		return 0
	}
	return r.X[n-1]
}

func (r *Regs) setArg(n int, v uint64) {
	if n < 1 || n > 4 {
		return
	}
	r.X[n-1] = v
}
