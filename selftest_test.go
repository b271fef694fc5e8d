package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/config"
	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/probe"
)

func testConfig(t *testing.T, schema string, hooks ...string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Schema = schema
	cfg.Hooks = hooks
	cfg.RingCapacity = 1 << 14
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSelftestGeneric(t *testing.T) {
	mem := probe.NewMemHelpers(4242, 4243)
	var out bytes.Buffer

	res, err := selftest(context.Background(), testConfig(t, "generic"), mem, &memArena{mem: mem, next: 0x10000}, zap.NewNop(), &out)
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	assert.EqualValues(t, 3, res.Ring.Submitted)
	for _, o := range res.Outcomes {
		assert.Equal(t, probe.Published, o)
	}

	seen := map[string]bool{}
	for _, r := range res.Records {
		assert.Equal(t, uint32(4242), r.Meta().PID)
		switch r := r.(type) {
		case *event.Connect:
			seen["connect"] = true
			assert.Equal(t, "127.0.0.1", r.Addr)
			assert.Equal(t, uint16(selftestPort), r.Port)
			assert.Equal(t, int32(selftestFD), r.FD)
		case *event.Openat:
			seen["openat"] = true
			assert.Equal(t, selftestPath, r.Path)
			assert.Equal(t, int32(atFDCWD), r.DirFD)
		case *event.SQLExec:
			seen["sql"] = true
			assert.Equal(t, selftestQuery, r.Query)
			assert.Equal(t, uint64(selftestConn), r.Conn)
		}
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
}

func TestSelftestSelectedHooks(t *testing.T) {
	mem := probe.NewMemHelpers(1, 1)
	res, err := selftest(context.Background(), testConfig(t, "generic", "sql_exec"), mem, &memArena{mem: mem, next: 0x10000}, zap.NewNop(), &bytes.Buffer{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Contains(t, res.Outcomes, probe.ProgSQLExec)
}

func TestSelftestNarrow(t *testing.T) {
	mem := probe.NewMemHelpers(77, 78)
	var out bytes.Buffer
	res, err := selftest(context.Background(), testConfig(t, "narrow"), mem, &memArena{mem: mem, next: 0x10000}, zap.NewNop(), &out)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	n := res.Records[0].(*event.NarrowSQL)
	assert.Equal(t, uint32(77), n.M.PID)
	assert.Equal(t, selftestQuery, n.Query)
	assert.Contains(t, out.String(), "pid=77 sql=SELECT 1")
}

func TestSelftestReportsDegraded(t *testing.T) {
	mem := probe.NewMemHelpers(1, 1)
	// nothing is mapped, so every argument read faults
	res, err := selftest(context.Background(), testConfig(t, "generic"), mem, unmappedArena{}, zap.NewNop(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
	assert.Len(t, res.Records, 3, "degraded records are still published")
}

type unmappedArena struct{}

func (unmappedArena) place(b []byte) uint64 { return 0xdead0000 }
