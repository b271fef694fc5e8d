package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/metrics"
	"github.com/jnesss/hook-recorder/transport"
	"github.com/jnesss/hook-recorder/types"
)

type failingSink struct{}

func (failingSink) Name() string                { return "failing" }
func (failingSink) Handle(rec event.Record) error { return errors.New("boom") }

func genericRecord(t *testing.T, pid uint32, hook types.Hook, str1, str2 string) []byte {
	t.Helper()
	e := event.Generic{TsNs: 1000, PID: pid, TID: pid + 1, HookID: uint32(hook), Num1: 3, Num2: 5432}
	event.PutCString(e.Str1[:], str1)
	event.PutCString(e.Str2[:], str2)
	raw, err := e.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func newTestMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestRecorderRun(t *testing.T) {
	ring, err := transport.NewRing(1 << 14)
	require.NoError(t, err)

	require.NoError(t, ring.Output(genericRecord(t, 10, types.HookConnect, "127.0.0.1", "inet")))
	require.NoError(t, ring.Output(genericRecord(t, 10, types.HookOpenat, "/etc/hosts", "")))
	require.NoError(t, ring.Output(genericRecord(t, 99, types.HookSQLExec, "", "SELECT 1")))
	require.NoError(t, ring.Output(genericRecord(t, 10, types.HookSQLExec, "", "SELECT 2")))
	require.NoError(t, ring.Output(genericRecord(t, 10, 0, "", "")))
	require.NoError(t, ring.Output([]byte("short")))
	require.NoError(t, ring.Close())

	m := newTestMetrics(t)
	collect := &collectSink{}
	rec := NewRecorder(ring, types.SchemaGeneric, m, zap.NewNop(), collect, failingSink{})
	rec.SkipPID = 99
	rec.RingStats = ring.Stats

	require.NoError(t, rec.Run(context.Background()))

	require.Len(t, collect.recs, 3)
	c, ok := collect.recs[0].(*event.Connect)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", c.Addr)
	assert.Equal(t, uint16(5432), c.Port)
	assert.Equal(t, "SELECT 2", collect.recs[2].(*event.SQLExec).Query)

	st := rec.Stats()
	assert.Equal(t, "generic", st.Schema)
	assert.EqualValues(t, 1, st.Decoded["connect"])
	assert.EqualValues(t, 1, st.Decoded["openat"])
	assert.EqualValues(t, 1, st.Decoded["sql_exec"])
	assert.EqualValues(t, 2, st.DecodeErrors)
	assert.EqualValues(t, 1, st.SkippedSelf)
	assert.EqualValues(t, 6, st.RingSubmitted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDecoded.WithLabelValues("sql_exec")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SinkErrors.WithLabelValues("failing")))
}

func TestRecorderStopsOnCancel(t *testing.T) {
	ring, err := transport.NewRing(1 << 12)
	require.NoError(t, err)

	rec := NewRecorder(ring, types.SchemaGeneric, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

// closeDiscardsSource mimics the kernel ring reader: after Close, reads fail
// at once and anything still queued is lost.
type closeDiscardsSource struct {
	ring   *transport.Ring
	closed atomic.Bool
}

func (s *closeDiscardsSource) Read() (transport.Record, error) {
	if s.closed.Load() {
		return transport.Record{}, transport.ErrClosed
	}
	return s.ring.Read()
}

func (s *closeDiscardsSource) SetDeadline(t time.Time) { s.ring.SetDeadline(t) }

func (s *closeDiscardsSource) Close() error {
	s.closed.Store(true)
	return s.ring.Close()
}

// blockingSource has no read deadline.
type blockingSource struct{ ring *transport.Ring }

func (s blockingSource) Read() (transport.Record, error) { return s.ring.Read() }
func (s blockingSource) Close() error                    { return s.ring.Close() }

func TestRecorderDrainsQueuedRecordsOnCancel(t *testing.T) {
	ring, err := transport.NewRing(1 << 14)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, ring.Output(genericRecord(t, 10, types.HookSQLExec, "", "SELECT 1")))
	}
	src := &closeDiscardsSource{ring: ring}

	collect := &collectSink{}
	rec := NewRecorder(src, types.SchemaGeneric, nil, zap.NewNop(), collect)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, rec.Run(ctx))
	assert.Len(t, collect.recs, 3)
	assert.True(t, src.closed.Load(), "source closed after draining")
}

func TestRecorderStopsOnCancelWithoutDeadlines(t *testing.T) {
	ring, err := transport.NewRing(1 << 12)
	require.NoError(t, err)

	rec := NewRecorder(blockingSource{ring: ring}, types.SchemaGeneric, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestRecorderNarrow(t *testing.T) {
	ring, err := transport.NewRing(1 << 12)
	require.NoError(t, err)

	var n event.Narrow
	n.PID = 42
	event.PutCString(n.SQL[:], "SELECT now()")
	raw, err := n.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ring.Output(raw))
	require.NoError(t, ring.Output(genericRecord(t, 42, types.HookConnect, "", "")))
	require.NoError(t, ring.Close())

	collect := &collectSink{}
	rec := NewRecorder(ring, types.SchemaNarrow, newTestMetrics(t), zap.NewNop(), collect)
	require.NoError(t, rec.Run(context.Background()))

	require.Len(t, collect.recs, 1)
	assert.Equal(t, "SELECT now()", collect.recs[0].(*event.NarrowSQL).Query)
	assert.EqualValues(t, 1, rec.Stats().DecodeErrors, "a generic record on a narrow deployment")
}
