package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/process"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		ip   string
		want Scope
	}{
		{"127.0.0.1", ScopeLoopback},
		{"10.1.2.3", ScopePrivate},
		{"192.168.0.10", ScopePrivate},
		{"169.254.1.1", ScopeLinkLocal},
		{"8.8.8.8", ScopePublic},
		{"0.0.0.0", ScopeUnknown},
		{"", ScopeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(net.ParseIP(tt.ip)), tt.ip)
	}
}

func TestCreateConnectionInfo(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &event.Connect{M: event.Meta{PID: 10}, Port: 5432, Family: event.FamilyInet, Addr: "127.0.0.1"}
	info := CreateConnectionInfo(c, process.Info{PID: 10, Comm: "psql", App: "billing"}, ts)

	assert.Equal(t, "psql", info.ProcessName)
	assert.Equal(t, "billing", info.Application)
	assert.Equal(t, ScopeLoopback, info.Scope)
	assert.Equal(t, "inet|127.0.0.1:5432", info.Key())

	v6 := CreateConnectionInfo(&event.Connect{M: event.Meta{PID: 10}, Family: event.FamilyInet6}, process.Info{}, ts)
	assert.Nil(t, v6.DestinationIP)
	assert.Equal(t, ScopeUnknown, v6.Scope)
	assert.Equal(t, "inet6|-:0", v6.Key())
}

func TestTracker(t *testing.T) {
	tr, err := NewTracker(2)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mk := func(pid uint32, addr string, ts time.Time) *ConnectionInfo {
		c := &event.Connect{M: event.Meta{PID: pid}, Port: 5432, Family: event.FamilyInet, Addr: addr}
		return CreateConnectionInfo(c, process.Info{PID: int(pid)}, ts)
	}

	assert.True(t, tr.AddConnection(mk(1, "10.0.0.1", t0)))
	assert.False(t, tr.AddConnection(mk(1, "10.0.0.1", t0.Add(time.Second))))
	assert.True(t, tr.AddConnection(mk(2, "10.0.0.1", t0.Add(2*time.Second))))

	all := tr.GetConnections()
	require.Len(t, all, 2)
	assert.Equal(t, uint32(2), all[0].PID)
	assert.Equal(t, 2, all[1].Count)
	assert.Equal(t, t0.Add(time.Second), all[1].LastSeen)

	byPID := tr.GetConnectionsByPID(1)
	require.Len(t, byPID, 1)
	byPID[0].Count = 99
	assert.Equal(t, 2, tr.GetConnectionsByPID(1)[0].Count, "results are copies")

	// capacity 2: a third destination evicts the least recently used
	assert.True(t, tr.AddConnection(mk(3, "8.8.8.8", t0)))
	assert.Equal(t, 2, tr.Len())

	tr.ForgetPID(3)
	assert.Empty(t, tr.GetConnectionsByPID(3))
}
