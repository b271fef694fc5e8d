// Package event defines the fixed-layout records exchanged between the probe
// set and user space over the ring buffer, and the decoder that turns raw
// samples back into typed records.
//
// All numeric fields are stored in host byte order.
package event

import (
	"encoding/binary"
	"fmt"

	"github.com/jnesss/hook-recorder/types"
)

// Field capacities. Strings are NUL-terminated inside these bounds.
const (
	Str1Len     = 128
	Str2Len     = 256
	NarrowSQLen = 256
)

// Record sizes on the wire. Must stay in sync with the probe object.
const (
	GenericSize = 424
	NarrowSize  = 264
)

// Generic field offsets.
const (
	offTsNs   = 0
	offPID    = 8
	offTID    = 12
	offHookID = 16
	offNum1   = 24
	offNum2   = 32
	offStr1   = 40
	offStr2   = offStr1 + Str1Len
)

var order = binary.NativeEndian

// Generic is the multi-hook record. HookID selects which of Num1, Num2,
// Str1 and Str2 carry meaning.
type Generic struct {
	TsNs   uint64
	PID    uint32
	TID    uint32
	HookID uint32
	_      uint32

	Num1 uint64
	Num2 uint64

	Str1 [Str1Len]byte
	Str2 [Str2Len]byte
}

// Narrow is the single-purpose SQL record.
type Narrow struct {
	PID uint64
	SQL [NarrowSQLen]byte
}

// Hook returns the record discriminant.
func (e *Generic) Hook() types.Hook {
	return types.Hook(e.HookID)
}

// MarshalTo writes e into dst, which must hold at least GenericSize bytes.
func (e *Generic) MarshalTo(dst []byte) error {
	if len(dst) < GenericSize {
		return fmt.Errorf("generic record buffer too small: got=%d want>=%d", len(dst), GenericSize)
	}
	order.PutUint64(dst[offTsNs:], e.TsNs)
	order.PutUint32(dst[offPID:], e.PID)
	order.PutUint32(dst[offTID:], e.TID)
	order.PutUint32(dst[offHookID:], e.HookID)
	order.PutUint32(dst[offHookID+4:], 0)
	order.PutUint64(dst[offNum1:], e.Num1)
	order.PutUint64(dst[offNum2:], e.Num2)
	copy(dst[offStr1:offStr2], e.Str1[:])
	copy(dst[offStr2:GenericSize], e.Str2[:])
	return nil
}

// MarshalBinary returns the wire form of e.
func (e *Generic) MarshalBinary() ([]byte, error) {
	buf := make([]byte, GenericSize)
	return buf, e.MarshalTo(buf)
}

// UnmarshalBinary fills e from exactly GenericSize bytes.
func (e *Generic) UnmarshalBinary(raw []byte) error {
	if len(raw) != GenericSize {
		return fmt.Errorf("%w: got=%d want=%d", ErrRecordSize, len(raw), GenericSize)
	}
	e.TsNs = order.Uint64(raw[offTsNs:])
	e.PID = order.Uint32(raw[offPID:])
	e.TID = order.Uint32(raw[offTID:])
	e.HookID = order.Uint32(raw[offHookID:])
	e.Num1 = order.Uint64(raw[offNum1:])
	e.Num2 = order.Uint64(raw[offNum2:])
	copy(e.Str1[:], raw[offStr1:offStr2])
	copy(e.Str2[:], raw[offStr2:GenericSize])
	return nil
}

// MarshalTo writes e into dst, which must hold at least NarrowSize bytes.
func (e *Narrow) MarshalTo(dst []byte) error {
	if len(dst) < NarrowSize {
		return fmt.Errorf("narrow record buffer too small: got=%d want>=%d", len(dst), NarrowSize)
	}
	order.PutUint64(dst[0:], e.PID)
	copy(dst[8:NarrowSize], e.SQL[:])
	return nil
}

// MarshalBinary returns the wire form of e.
func (e *Narrow) MarshalBinary() ([]byte, error) {
	buf := make([]byte, NarrowSize)
	return buf, e.MarshalTo(buf)
}

// UnmarshalBinary fills e from exactly NarrowSize bytes.
func (e *Narrow) UnmarshalBinary(raw []byte) error {
	if len(raw) != NarrowSize {
		return fmt.Errorf("%w: got=%d want=%d", ErrRecordSize, len(raw), NarrowSize)
	}
	e.PID = order.Uint64(raw[0:])
	copy(e.SQL[:], raw[8:NarrowSize])
	return nil
}

// NarrowFields splits a NarrowSize buffer into its PID and SQL fields so a
// reserved slot can be populated in place.
func NarrowFields(b []byte) (pid, sql []byte) {
	return b[0:8:8], b[8:NarrowSize:NarrowSize]
}

// PutNarrowPID stores pid in a narrow PID field.
func PutNarrowPID(field []byte, pid uint64) {
	order.PutUint64(field, pid)
}

// PutCString copies s into dst, truncating to len(dst)-1 bytes and always
// leaving dst NUL-terminated. The tail after the terminator is zeroed.
// It returns the number of bytes copied, excluding the terminator.
func PutCString(dst []byte, s string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], s)
	clear(dst[n:])
	return n
}

// CString returns b up to its first NUL byte.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
