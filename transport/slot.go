package transport

import "sync/atomic"

// Slot is a reserved, not yet visible region of the ring. A slot is
// single-use: the first Submit or Discard commits it and clears the handle,
// so later calls on the same Slot do nothing. Copies of a Slot share the
// reservation but not that state; commit through one copy only.
type Slot struct {
	ring *Ring
	pos  uint64
	off  uint64
	word uint32
	body []byte
}

// Bytes returns the reserved region. It is only valid until Submit or Discard.
func (s *Slot) Bytes() []byte {
	return s.body
}

// Submit publishes the slot to the reader. Everything written to Bytes
// before Submit is visible to the reader once it observes the record.
func (s *Slot) Submit() {
	s.commit(s.word &^ busyBit)
}

// Discard releases the slot without publishing it.
func (s *Slot) Discard() {
	s.commit(s.word&^busyBit | discardBit)
}

func (s *Slot) commit(final uint32) {
	r := s.ring
	if r == nil {
		return
	}
	s.ring, s.body = nil, nil

	// A record behind the consumer has been committed and read; its offset
	// may already belong to another producer.
	if s.pos < r.cons.Load() {
		return
	}
	if !atomic.CompareAndSwapUint32(r.hdr(s.off), s.word, final) {
		return
	}
	if final&discardBit != 0 {
		r.discarded.Add(1)
	} else {
		r.submitted.Add(1)
	}
	r.wake()
}
