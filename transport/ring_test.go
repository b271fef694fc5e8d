package transport

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity int) *Ring {
	t.Helper()
	r, err := NewRing(capacity)
	require.NoError(t, err)
	return r
}

func readWithin(t *testing.T, r *Ring, d time.Duration) (Record, error) {
	t.Helper()
	r.SetDeadline(time.Now().Add(d))
	defer r.SetDeadline(time.Time{})
	return r.Read()
}

func TestNewRingCapacity(t *testing.T) {
	for _, c := range []int{0, 32, 100, 4097} {
		_, err := NewRing(c)
		assert.Error(t, err, "capacity %d", c)
	}
	r := newTestRing(t, 4096)
	assert.Equal(t, 4096, r.Capacity())
}

func TestOutputRead(t *testing.T) {
	r := newTestRing(t, 4096)
	require.NoError(t, r.Output([]byte("hello")))
	require.NoError(t, r.Output([]byte("world!!!")))

	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.RawSample)
	assert.Equal(t, 16, rec.Remaining)

	rec, err = readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("world!!!"), rec.RawSample)
	assert.Equal(t, 0, rec.Remaining)

	st := r.Stats()
	assert.Equal(t, uint64(2), st.Submitted)
	assert.Equal(t, 0, st.Queued)
}

func TestReserveSubmitInPlace(t *testing.T) {
	r := newTestRing(t, 4096)
	s, err := r.Reserve(8)
	require.NoError(t, err)
	binary.NativeEndian.PutUint64(s.Bytes(), 0xabcdef)
	s.Submit()
	s.Submit() // second commit is a no-op

	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabcdef), binary.NativeEndian.Uint64(rec.RawSample))
	assert.Equal(t, uint64(1), r.Stats().Submitted)
}

func TestStaleSlotCopyCannotCommitReusedOffset(t *testing.T) {
	r := newTestRing(t, 64)
	first, err := r.Reserve(24)
	require.NoError(t, err)
	stale := first
	first.Submit()
	assert.Nil(t, first.Bytes())

	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Len(t, rec.RawSample, 24)

	second, err := r.Reserve(24)
	require.NoError(t, err)
	third, err := r.Reserve(24)
	require.NoError(t, err)
	require.Equal(t, stale.off, third.off, "offset reused after wrap")

	stale.Submit()
	stale.Discard()
	second.Submit()

	rec, err = readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Len(t, rec.RawSample, 24)
	_, err = readWithin(t, r, 10*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded, "reused slot must still be busy")
	assert.Equal(t, uint64(2), r.Stats().Submitted)
	assert.Zero(t, r.Stats().Discarded)

	third.Submit()
	_, err = readWithin(t, r, time.Second)
	require.NoError(t, err)
}

func TestUncommittedSlotIsInvisible(t *testing.T) {
	r := newTestRing(t, 4096)
	s, err := r.Reserve(16)
	require.NoError(t, err)
	copy(s.Bytes(), "partial")
	require.NoError(t, r.Output([]byte("behind")))

	_, err = readWithin(t, r, 20*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	s.Submit()
	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(bytes.TrimRight(rec.RawSample, "\x00")))

	rec, err = readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "behind", string(rec.RawSample))
}

func TestDiscardedSlotIsSkipped(t *testing.T) {
	r := newTestRing(t, 4096)
	s, err := r.Reserve(32)
	require.NoError(t, err)
	s.Discard()
	require.NoError(t, r.Output([]byte("kept")))

	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(rec.RawSample))
	assert.Equal(t, uint64(1), r.Stats().Discarded)
}

func TestExhaustion(t *testing.T) {
	const capacity = 4096
	const size = 56 // 64 bytes with header
	r := newTestRing(t, capacity)

	n := 0
	for ; n*(size+headerSize) < capacity; n++ {
		s, err := r.Reserve(size)
		require.NoError(t, err, "reservation %d", n)
		s.Submit()
	}
	assert.Equal(t, capacity/(size+headerSize), n)

	_, err := r.Reserve(size)
	assert.ErrorIs(t, err, ErrFull)
	assert.ErrorIs(t, r.Output([]byte{1}), ErrFull)
	assert.Equal(t, uint64(2), r.Stats().Dropped)

	// Everything visible to the reader is a complete record.
	for i := 0; i < n; i++ {
		rec, err := readWithin(t, r, time.Second)
		require.NoError(t, err)
		assert.Len(t, rec.RawSample, size)
	}
	_, err = readWithin(t, r, 10*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// Space is reusable once drained.
	require.NoError(t, r.Output(make([]byte, size)))
}

func TestFullRingHidesPartialReservation(t *testing.T) {
	r := newTestRing(t, 128)
	s, err := r.Reserve(56)
	require.NoError(t, err)
	_, err = r.Reserve(56)
	require.NoError(t, err)

	_, err = r.Reserve(8)
	assert.ErrorIs(t, err, ErrFull)

	_, err = readWithin(t, r, 10*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	s.Submit()
}

func TestWrapAroundPadding(t *testing.T) {
	r := newTestRing(t, 256)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Output(bytes.Repeat([]byte{byte(i)}, 56)))
	}
	for i := 0; i < 3; i++ {
		_, err := readWithin(t, r, time.Second)
		require.NoError(t, err)
	}

	big := bytes.Repeat([]byte{0xee}, 120)
	require.NoError(t, r.Output(big))

	rec, err := readWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, big, rec.RawSample)
	assert.Equal(t, 0, r.Stats().Queued)
}

func TestTooLarge(t *testing.T) {
	r := newTestRing(t, 64)
	_, err := r.Reserve(64)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = r.Reserve(0)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCloseDrainsThenErrClosed(t *testing.T) {
	r := newTestRing(t, 4096)
	require.NoError(t, r.Output([]byte("last")))
	require.NoError(t, r.Close())

	rec, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "last", string(rec.RawSample))

	_, err = r.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesBlockedReader(t *testing.T) {
	r := newTestRing(t, 4096)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Close")
	}
}

func TestSingleReader(t *testing.T) {
	r := newTestRing(t, 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Read()
	}()

	require.Eventually(t, r.reading.Load, time.Second, time.Millisecond)
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrReaderBusy)

	require.NoError(t, r.Close())
	<-done
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500
	r := newTestRing(t, 1<<20)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			buf := make([]byte, 24)
			for i := 0; i < perProducer; i++ {
				binary.NativeEndian.PutUint64(buf[0:], uint64(p))
				binary.NativeEndian.PutUint64(buf[8:], uint64(i))
				binary.NativeEndian.PutUint64(buf[16:], uint64(p*perProducer+i))
				assert.NoError(t, r.Output(buf))
			}
		}(p)
	}

	seen := make(map[uint64]bool)
	lastPerProducer := make(map[uint64]int64)
	for len(seen) < producers*perProducer {
		rec, err := readWithin(t, r, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, rec.RawSample, 24)
		p := binary.NativeEndian.Uint64(rec.RawSample[0:])
		i := binary.NativeEndian.Uint64(rec.RawSample[8:])
		id := binary.NativeEndian.Uint64(rec.RawSample[16:])
		require.Equal(t, p*perProducer+i, id, "torn record")
		require.False(t, seen[id], "duplicate record %d", id)
		seen[id] = true

		last, ok := lastPerProducer[p]
		if ok {
			require.Greater(t, int64(i), last, "per-producer order")
		}
		lastPerProducer[p] = int64(i)
	}
	wg.Wait()
	st := r.Stats()
	assert.Equal(t, uint64(producers*perProducer), st.Submitted)
	assert.Zero(t, st.Dropped)
}

func TestContendedProducersNeverDropWithFreeSpace(t *testing.T) {
	const producers = 8
	const perProducer = 2000
	const size = 424
	r := newTestRing(t, 1<<23)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, size)
			<-start
			for i := 0; i < perProducer; i++ {
				if err := r.Output(buf); err != nil {
					assert.NoError(t, err)
					return
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	st := r.Stats()
	require.Less(t, producers*perProducer*(size+headerSize), st.Capacity)
	assert.Zero(t, st.Dropped)
	assert.Equal(t, uint64(producers*perProducer), st.Submitted)
	assert.Equal(t, producers*perProducer*(size+headerSize), st.Queued)
}
