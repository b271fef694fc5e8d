package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/config"
	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/metrics"
	"github.com/jnesss/hook-recorder/platform"
	"github.com/jnesss/hook-recorder/probe"
	"github.com/jnesss/hook-recorder/transport"
	"github.com/jnesss/hook-recorder/types"
)

const (
	selftestFD    = 7
	selftestPort  = 5432
	selftestPath  = "/etc/hosts"
	selftestQuery = "SELECT 1"
	selftestConn  = 0xc0ffee
	atFDCWD       = -100
)

func newSelftestCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the probe bodies against this process and decode what they publish",
		Args:  cobra.NoArgs,
	}
	return withConfig(cmd, load, func(cmd *cobra.Command, cfg config.Config, log *zap.Logger, _ []string) error {
		h, err := probe.NewSelfHelpers()
		if err != nil {
			return err
		}
		res, err := selftest(cmd.Context(), cfg, h, selfArena{}, log, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "selftest ok: %d records, ring submitted=%d dropped=%d\n",
			len(res.Records), res.Ring.Submitted, res.Ring.Dropped)
		return nil
	})
}

// arena places probe inputs where the helpers can read them.
type arena interface {
	place(b []byte) uint64
}

// selfArena hands out real addresses of this process. The caller keeps the
// slices alive until the probes have run.
type selfArena struct{}

func (selfArena) place(b []byte) uint64 { return uint64(uintptr(unsafe.Pointer(&b[0]))) }

// memArena maps inputs into a MemHelpers address space.
type memArena struct {
	mem  *probe.MemHelpers
	next uint64
}

func (a *memArena) place(b []byte) uint64 {
	addr := a.next
	a.mem.Map(addr, b)
	a.next += uint64(len(b)+63) &^ 63
	return addr
}

type selftestResult struct {
	Outcomes map[string]probe.Outcome
	Records  []event.Record
	Ring     transport.Stats
}

func sockaddrIn(port uint16, ip [4]byte) []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint16(b[0:2], 2)
	binary.BigEndian.PutUint16(b[2:4], port)
	copy(b[4:8], ip[:])
	return b
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

// selftest drives every probe of the configured schema once through an
// in-process ring and decodes the result.
func selftest(ctx context.Context, cfg config.Config, h probe.Helpers, mem arena, log *zap.Logger, out io.Writer) (*selftestResult, error) {
	ring, err := transport.NewRing(cfg.RingCapacity)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	if err := m.WatchRing(func() uint64 { return ring.Stats().Dropped }); err != nil {
		return nil, err
	}

	sa := sockaddrIn(selftestPort, [4]byte{127, 0, 0, 1})
	path := cstr(selftestPath)
	query := cstr(selftestQuery)
	dirfd := int64(atFDCWD)
	inputs := map[string]*probe.Regs{
		probe.ProgConnect:   probe.RegsFromArgs(selftestFD, mem.place(sa), uint64(len(sa))),
		probe.ProgOpenat:    probe.RegsFromArgs(uint64(dirfd), mem.place(path), 0),
		probe.ProgSQLExec:   probe.RegsFromArgs(selftestConn, mem.place(query)),
		probe.ProgNarrowSQL: probe.RegsFromArgs(selftestConn, mem.place(query)),
	}

	schema := cfg.ParsedSchema()
	hooks, _ := cfg.ParsedHooks()
	selected := map[string]bool{}
	if schema == types.SchemaGeneric && len(hooks) > 0 {
		progs := map[types.Hook]string{
			types.HookConnect: probe.ProgConnect,
			types.HookOpenat:  probe.ProgOpenat,
			types.HookSQLExec: probe.ProgSQLExec,
		}
		for _, hk := range hooks {
			selected[progs[hk]] = true
		}
	}

	set := probe.NewSet(h, ring)
	res := &selftestResult{Outcomes: map[string]probe.Outcome{}}
	for name, fn := range set.Table(schema) {
		if len(selected) > 0 && !selected[name] {
			continue
		}
		o := fn(inputs[name])
		res.Outcomes[name] = o
		m.Outcomes.WithLabelValues(name, o.String()).Inc()
		log.Debug("Ran probe", zap.String("program", name), zap.Stringer("outcome", o))
	}
	runtime.KeepAlive(sa)
	runtime.KeepAlive(path)
	runtime.KeepAlive(query)

	collect := &collectSink{}
	rec := NewRecorder(ring, schema, m, log, &consoleSink{w: out, attr: newAttributor(nil, platform.BootTime())}, collect)
	rec.SkipPID = 0
	rec.RingStats = ring.Stats
	if err := ring.Close(); err != nil {
		return nil, err
	}
	if err := rec.Run(ctx); err != nil {
		return nil, err
	}
	res.Records = collect.recs
	res.Ring = ring.Stats()

	var errs error
	for name, o := range res.Outcomes {
		if o != probe.Published {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", name, o))
		}
	}
	if st := rec.Stats(); st.DecodeErrors > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%d records failed to decode", st.DecodeErrors))
	}
	if len(res.Records) != len(res.Outcomes) {
		errs = multierr.Append(errs, fmt.Errorf("ran %d probes but decoded %d records", len(res.Outcomes), len(res.Records)))
	}
	if errs != nil {
		return res, fmt.Errorf("selftest failed: %w", errs)
	}
	return res, nil
}

// collectSink keeps every record it sees.
type collectSink struct {
	recs []event.Record
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Handle(rec event.Record) error {
	c.recs = append(c.recs, rec)
	return nil
}
