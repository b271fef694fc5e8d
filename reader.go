package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/metrics"
	"github.com/jnesss/hook-recorder/platform"
	"github.com/jnesss/hook-recorder/transport"
	"github.com/jnesss/hook-recorder/types"
	"github.com/jnesss/hook-recorder/web"
)

// Sink consumes decoded records. Handle is called from the recorder loop
// only, one record at a time.
type Sink interface {
	Name() string
	Handle(rec event.Record) error
}

// Recorder drains a source, decodes every sample and fans the records out
// to its sinks.
type Recorder struct {
	src     platform.Source
	dec     *event.Decoder
	sinks   []Sink
	metrics *metrics.Metrics
	log     *zap.Logger

	// SkipPID is the pid whose records are dropped, normally our own.
	// Zero keeps everything.
	SkipPID uint32
	// RingStats reports the in-process ring, if there is one.
	RingStats func() transport.Stats

	started      time.Time
	decoded      [types.HookSQLExec + 1]atomic.Uint64
	decodeErrors atomic.Uint64
	skippedSelf  atomic.Uint64
	closeOnce    sync.Once
}

func NewRecorder(src platform.Source, schema types.Schema, m *metrics.Metrics, log *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		src:     src,
		dec:     event.NewDecoder(schema),
		sinks:   sinks,
		metrics: m,
		log:     log.Named("recorder"),
		SkipPID: uint32(os.Getpid()),
		started: time.Now(),
	}
}

// pollInterval bounds a read on a source with deadlines so cancellation is
// noticed without closing the source under the reader.
const pollInterval = 200 * time.Millisecond

// Run reads until the source is closed or ctx ends. When the source supports
// read deadlines, cancelling ctx first drains the records already queued and
// then closes the source. Other sources are closed as soon as ctx ends; what
// they still hold is lost unless their Close keeps it readable.
func (r *Recorder) Run(ctx context.Context) error {
	dl, drainable := r.src.(platform.Deadliner)
	if !drainable {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				r.close()
			case <-stop:
			}
		}()
	}

	draining := false
	for {
		if drainable && !draining {
			if ctx.Err() != nil {
				draining = true
				dl.SetDeadline(time.Now())
			} else {
				dl.SetDeadline(time.Now().Add(pollInterval))
			}
		}

		raw, err := r.src.Read()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				r.log.Info("Source closed, exiting")
				return nil
			}
			if draining || (!drainable && ctx.Err() != nil) {
				r.log.Info("Source drained, exiting")
				r.close()
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.log.Warn("Error reading ring buffer", zap.Error(err))
			continue
		}
		r.handle(raw.RawSample)
	}
}

func (r *Recorder) close() {
	r.closeOnce.Do(func() {
		if err := r.src.Close(); err != nil {
			r.log.Warn("Closing source", zap.Error(err))
		}
	})
}

func (r *Recorder) handle(raw []byte) {
	rec, err := r.dec.Decode(raw)
	if err != nil {
		r.decodeErrors.Add(1)
		if r.metrics != nil {
			r.metrics.DecodeErrors.Inc()
		}
		r.log.Warn("Error decoding record", zap.Int("size", len(raw)), zap.Error(err))
		return
	}

	meta := rec.Meta()
	if r.SkipPID != 0 && meta.PID == r.SkipPID {
		r.skippedSelf.Add(1)
		return
	}

	hook := rec.Hook()
	if int(hook) < len(r.decoded) {
		r.decoded[hook].Add(1)
	}
	if r.metrics != nil {
		r.metrics.EventsDecoded.WithLabelValues(hook.String()).Inc()
	}

	for _, s := range r.sinks {
		if err := s.Handle(rec); err != nil {
			if r.metrics != nil {
				r.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			}
			r.log.Warn("Sink failed",
				zap.String("sink", s.Name()),
				zap.Stringer("hook", hook),
				zap.Uint32("pid", meta.PID),
				zap.Error(err))
		}
	}
}

// Stats returns the live counters for the web API.
func (r *Recorder) Stats() web.RecorderStats {
	st := web.RecorderStats{
		Started:      r.started,
		Schema:       r.dec.Schema().String(),
		Decoded:      make(map[string]uint64, len(types.Hooks)),
		DecodeErrors: r.decodeErrors.Load(),
		SkippedSelf:  r.skippedSelf.Load(),
	}
	for _, h := range types.Hooks {
		st.Decoded[h.String()] = r.decoded[h].Load()
	}
	if r.RingStats != nil {
		rs := r.RingStats()
		st.RingDropped = rs.Dropped
		st.RingSubmitted = rs.Submitted
	}
	return st
}
