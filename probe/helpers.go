// Package probe holds the probe set: the bodies that run at a traced
// function's entry, read a bounded subset of its arguments and publish one
// record per invocation.
//
// Probe bodies only reach the outside world through Helpers and Emitter.
// They never allocate on the capture path, never loop without a static
// bound and never block; whatever happens, the traced function continues.
package probe

import (
	"errors"

	"github.com/jnesss/hook-recorder/transport"
)

// ErrFault is returned by helpers when the source address cannot be read.
var ErrFault = errors.New("bad address")

// Helpers is the set of helper calls available to a probe body.
type Helpers interface {
	// GetCurrentPidTgid returns tgid<<32 | tid of the triggering task.
	GetCurrentPidTgid() uint64
	// KtimeGetNs returns the monotonic clock in nanoseconds.
	KtimeGetNs() uint64
	// ProbeReadUser copies len(dst) bytes from src or fails without side
	// effects beyond dst.
	ProbeReadUser(dst []byte, src uint64) error
	// ProbeReadUserStr copies a NUL-terminated string of at most
	// len(dst)-1 bytes and always terminates dst. On failure dst is
	// cleared. It returns the copied length including the terminator.
	ProbeReadUserStr(dst []byte, src uint64) (int, error)
}

// Emitter is the transport as seen from a probe.
type Emitter interface {
	Output(p []byte) error
	Reserve(n int) (transport.Slot, error)
}

// Outcome is what happened to one probe invocation's record.
type Outcome uint8

const (
	// Published means the record was handed to the transport intact.
	Published Outcome = iota + 1
	// Degraded means the record was published but at least one field
	// could not be read and was left empty.
	Degraded
	// Dropped means the transport had no room and the record was lost.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Degraded:
		return "degraded"
	case Dropped:
		return "dropped"
	default:
		return "invalid"
	}
}
