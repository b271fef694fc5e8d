//go:build linux

package platform

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/jnesss/hook-recorder/probe"
	"github.com/jnesss/hook-recorder/transport"
	"github.com/jnesss/hook-recorder/types"
)

type genericObjects struct {
	KprobeConnect *ebpf.Program `ebpf:"kprobe_connect"`
	KprobeOpenat  *ebpf.Program `ebpf:"kprobe_openat"`
	UprobePQexec  *ebpf.Program `ebpf:"uprobe_PQexec"`
	Events        *ebpf.Map     `ebpf:"events"`
}

func (o *genericObjects) program(name string) *ebpf.Program {
	switch name {
	case probe.ProgConnect:
		return o.KprobeConnect
	case probe.ProgOpenat:
		return o.KprobeOpenat
	case probe.ProgSQLExec:
		return o.UprobePQexec
	}
	return nil
}

func (o *genericObjects) Close() error {
	return multierr.Combine(o.KprobeConnect.Close(), o.KprobeOpenat.Close(), o.UprobePQexec.Close(), o.Events.Close())
}

type narrowObjects struct {
	TracePqexec *ebpf.Program `ebpf:"trace_pqexec"`
	Events      *ebpf.Map     `ebpf:"events"`
}

func (o *narrowObjects) Close() error {
	return multierr.Combine(o.TracePqexec.Close(), o.Events.Close())
}

// Monitor owns the loaded programs, their links and the ring reader.
type Monitor struct {
	log     *zap.Logger
	reader  *ringReader
	links   []link.Link
	objects interface{ Close() error }

	// Attached lists what was actually attached.
	Attached []Attachment
}

// Attach loads cfg.Object and attaches its programs. A kprobe that fails
// to attach is fatal; a uprobe that fails is logged and skipped, since the
// target library may simply not be there.
func Attach(cfg Config, log *zap.Logger) (m *Monitor, err error) {
	log = log.Named("platform")

	plan, err := Attachments(cfg)
	if err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.Object)
	if err != nil {
		return nil, fmt.Errorf("load probe object %s: %w", cfg.Object, err)
	}

	m = &Monitor{log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, m.Close())
			m = nil
		}
	}()

	var (
		events  *ebpf.Map
		program func(string) *ebpf.Program
	)
	if cfg.Schema == types.SchemaNarrow {
		objs := &narrowObjects{}
		if err := spec.LoadAndAssign(objs, nil); err != nil {
			return m, fmt.Errorf("load narrow programs: %w", err)
		}
		m.objects, events = objs, objs.Events
		program = func(string) *ebpf.Program { return objs.TracePqexec }
	} else {
		objs := &genericObjects{}
		if err := spec.LoadAndAssign(objs, nil); err != nil {
			return m, fmt.Errorf("load generic programs: %w", err)
		}
		m.objects, events = objs, objs.Events
		program = objs.program
	}

	var exe *link.Executable
	for _, a := range plan {
		prog := program(a.Program)
		switch a.Kind {
		case KindKprobe:
			l, err := link.Kprobe(a.Symbol, prog, nil)
			if err != nil {
				return m, fmt.Errorf("attach kprobe %s: %w", a.Symbol, err)
			}
			m.links = append(m.links, l)
		case KindUprobe:
			if exe == nil {
				var oerr error
				if exe, oerr = link.OpenExecutable(cfg.LibpqPath); oerr != nil {
					log.Warn("Could not open library, skipping uprobe",
						zap.String("path", cfg.LibpqPath), zap.Error(oerr))
					continue
				}
			}
			l, err := exe.Uprobe(a.Symbol, prog, &link.UprobeOptions{PID: cfg.TargetPID})
			if err != nil {
				log.Warn("Could not attach uprobe",
					zap.String("symbol", a.Symbol),
					zap.String("path", cfg.LibpqPath),
					zap.Int("pid", cfg.TargetPID),
					zap.Error(err))
				continue
			}
			m.links = append(m.links, l)
		}
		m.Attached = append(m.Attached, a)
		log.Info("Attached probe",
			zap.String("program", a.Program),
			zap.Stringer("kind", a.Kind),
			zap.String("symbol", a.Symbol))
	}
	if len(m.Attached) == 0 {
		return m, errors.New("no probe could be attached")
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return m, fmt.Errorf("failed to create ringbuf reader: %w", err)
	}
	m.reader = &ringReader{r: rd}
	return m, nil
}

// Reader returns the ring buffer as a record source. Closing it unblocks a
// pending Read; the programs stay attached until Close.
func (m *Monitor) Reader() Source {
	return m.reader
}

// Close detaches in reverse order and releases the programs.
func (m *Monitor) Close() error {
	var err error
	if m.reader != nil {
		err = multierr.Append(err, m.reader.Close())
	}
	for i := len(m.links) - 1; i >= 0; i-- {
		err = multierr.Append(err, m.links[i].Close())
	}
	m.links = nil
	if m.objects != nil {
		err = multierr.Append(err, m.objects.Close())
		m.objects = nil
	}
	return err
}

type ringReader struct {
	r        *ringbuf.Reader
	once     sync.Once
	closeErr error
}

func (rr *ringReader) Read() (transport.Record, error) {
	rec, err := rr.r.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return transport.Record{}, transport.ErrClosed
		}
		return transport.Record{}, err
	}
	return transport.Record{RawSample: rec.RawSample, Remaining: rec.Remaining}, nil
}

func (rr *ringReader) SetDeadline(t time.Time) {
	rr.r.SetDeadline(t)
}

// Close may be called by both the recorder and Monitor.Close.
func (rr *ringReader) Close() error {
	rr.once.Do(func() { rr.closeErr = rr.r.Close() })
	return rr.closeErr
}

// BootTime returns the wall-clock instant the monotonic clock read zero,
// for converting probe timestamps.
func BootTime() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Now().Add(-time.Duration(ts.Nano()))
}
