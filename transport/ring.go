// Package transport implements the fixed-capacity ring buffer that moves
// event records from probe invocations to a single reader.
//
// The layout follows the kernel's BPF ring buffer: every record starts with
// an 8-byte header whose length word carries a busy bit while the producer
// is still populating the slot and a discard bit for records the reader must
// skip. Records are 8-byte aligned. Instead of mapping the data area twice,
// a record that would straddle the end of the buffer is preceded by a
// discarded padding record so every reserved slot is contiguous.
package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// DefaultCapacity is the reference sizing of the event ring.
const DefaultCapacity = 1 << 24

const (
	headerSize = 8
	busyBit    = 1 << 31
	discardBit = 1 << 30
	lenMask    = discardBit - 1
)

var (
	// ErrFull is returned when a reservation does not fit. The record is lost.
	ErrFull = errors.New("ring buffer full")
	// ErrClosed is returned by reads on a closed, drained ring.
	ErrClosed = errors.New("ring buffer closed")
	// ErrTooLarge is returned for reservations that could never fit.
	ErrTooLarge = errors.New("record larger than ring buffer")
	// ErrReaderBusy is returned when a second reader tries to drain the ring.
	ErrReaderBusy = errors.New("ring buffer already has an active reader")
)

// Record is one committed sample handed to the reader.
type Record struct {
	RawSample []byte
	// Remaining is the number of bytes still queued after this record.
	Remaining int
}

// Stats is a point-in-time view of ring usage.
type Stats struct {
	Capacity  int
	Queued    int
	Submitted uint64
	Discarded uint64
	Dropped   uint64
}

// Ring is a multi-producer, single-consumer ring buffer. Producers never
// wait for space: a reservation either succeeds or fails with ErrFull. The
// producer mutex only covers header and position bookkeeping, never the
// copy into the slot.
type Ring struct {
	data []byte
	mask uint64

	prodMu sync.Mutex
	prod   atomic.Uint64
	cons   atomic.Uint64

	reading  atomic.Bool
	deadline atomic.Int64

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	submitted atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewRing allocates a ring of capacity bytes. Capacity must be a power of two
// of at least 64 bytes and never changes.
func NewRing(capacity int) (*Ring, error) {
	if capacity < 64 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity %d is not a power of two >= 64", capacity)
	}
	words := make([]uint64, capacity/8)
	return &Ring{
		data:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), capacity),
		mask:   uint64(capacity - 1),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

// Capacity returns the fixed size of the data area.
func (r *Ring) Capacity() int {
	return len(r.data)
}

func (r *Ring) hdr(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func roundUp(n uint64) uint64 {
	return (n + 7) &^ 7
}

// Reserve claims n contiguous bytes. The returned slot must be submitted or
// discarded; until then the reader cannot observe it or anything behind it.
func (r *Ring) Reserve(n int) (Slot, error) {
	if n <= 0 || n > lenMask {
		return Slot{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	total := roundUp(uint64(n) + headerSize)
	capacity := uint64(len(r.data))
	if total > capacity {
		return Slot{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	r.prodMu.Lock()
	cons := r.cons.Load()
	prod := r.prod.Load()

	var pad uint64
	if off := prod & r.mask; off+total > capacity {
		pad = capacity - off
	}
	if prod+pad+total-cons > capacity {
		r.prodMu.Unlock()
		r.dropped.Add(1)
		return Slot{}, ErrFull
	}

	if pad > 0 {
		atomic.StoreUint32(r.hdr(prod&r.mask), uint32(pad-headerSize)|discardBit)
		prod += pad
	}

	off := prod & r.mask
	word := uint32(n) | busyBit
	atomic.StoreUint32(r.hdr(off), word)
	*(*uint32)(unsafe.Pointer(&r.data[off+4])) = uint32(off)
	body := r.data[off+headerSize : off+headerSize+uint64(n)]
	clear(body)

	r.prod.Store(prod + total)
	r.prodMu.Unlock()

	return Slot{ring: r, pos: prod, off: off, word: word, body: body}, nil
}

// Output reserves, copies p and submits in one call.
func (r *Ring) Output(p []byte) error {
	s, err := r.Reserve(len(p))
	if err != nil {
		return err
	}
	copy(s.body, p)
	s.Submit()
	return nil
}

func (r *Ring) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// SetDeadline bounds future blocking reads. The zero time removes the deadline.
func (r *Ring) SetDeadline(t time.Time) {
	if t.IsZero() {
		r.deadline.Store(0)
		return
	}
	r.deadline.Store(t.UnixNano())
}

// Read returns the next committed record, blocking until one is available,
// the deadline passes (os.ErrDeadlineExceeded) or the ring is closed and
// drained (ErrClosed).
func (r *Ring) Read() (Record, error) {
	var rec Record
	err := r.ReadInto(&rec)
	return rec, err
}

// ReadInto is like Read but reuses rec.RawSample when it has enough capacity.
func (r *Ring) ReadInto(rec *Record) error {
	if !r.reading.CompareAndSwap(false, true) {
		return ErrReaderBusy
	}
	defer r.reading.Store(false)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if r.next(rec) {
			return nil
		}

		select {
		case <-r.closed:
			if r.next(rec) {
				return nil
			}
			return ErrClosed
		default:
		}

		var expired <-chan time.Time
		if d := r.deadline.Load(); d != 0 {
			wait := time.Until(time.Unix(0, d))
			if wait <= 0 {
				return os.ErrDeadlineExceeded
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			expired = timer.C
		}

		select {
		case <-r.notify:
		case <-r.closed:
		case <-expired:
			if r.next(rec) {
				return nil
			}
			return os.ErrDeadlineExceeded
		}
	}
}

// next copies out the first committed record, skipping discarded ones. It
// stops at the first record still marked busy.
func (r *Ring) next(rec *Record) bool {
	for {
		cons := r.cons.Load()
		prod := r.prod.Load()
		if cons == prod {
			return false
		}

		off := cons & r.mask
		word := atomic.LoadUint32(r.hdr(off))
		if word&busyBit != 0 {
			return false
		}
		n := uint64(word & lenMask)
		total := roundUp(n + headerSize)

		if word&discardBit != 0 {
			r.cons.Store(cons + total)
			continue
		}

		if uint64(cap(rec.RawSample)) < n {
			rec.RawSample = make([]byte, n)
		}
		rec.RawSample = rec.RawSample[:n]
		copy(rec.RawSample, r.data[off+headerSize:off+headerSize+n])
		r.cons.Store(cons + total)
		rec.Remaining = int(prod - cons - total)
		return true
	}
}

// Close wakes a blocked reader. Queued records can still be drained; after
// that reads return ErrClosed. Producers are unaffected.
func (r *Ring) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// Stats reports ring usage.
func (r *Ring) Stats() Stats {
	return Stats{
		Capacity:  len(r.data),
		Queued:    int(r.prod.Load() - r.cons.Load()),
		Submitted: r.submitted.Load(),
		Discarded: r.discarded.Load(),
		Dropped:   r.dropped.Load(),
	}
}
