// Package network keeps a bounded view of the destinations processes
// connect to, built from decoded connect records.
package network

import (
	"net"
	"time"
)

// Scope is the reachability class of a destination address.
type Scope string

const (
	ScopeUnknown   Scope = "unknown"
	ScopeLoopback  Scope = "loopback"
	ScopePrivate   Scope = "private"
	ScopeLinkLocal Scope = "link_local"
	ScopePublic    Scope = "public"
)

// ConnectionInfo is one destination as seen from one process.
type ConnectionInfo struct {
	PID             uint32    `json:"pid"`
	ProcessName     string    `json:"process_name"`
	Application     string    `json:"application,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
	DestinationIP   net.IP    `json:"destination_ip,omitempty"`
	DestinationPort uint16    `json:"destination_port"`
	Family          string    `json:"family"`
	Scope           Scope     `json:"scope"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	Count           int       `json:"count"`
}

// Key identifies a destination of a process. Records without a decoded
// address share one key per family and port.
func (c *ConnectionInfo) Key() string {
	ip := "-"
	if c.DestinationIP != nil {
		ip = c.DestinationIP.String()
	}
	return c.Family + "|" + net.JoinHostPort(ip, itoa(c.DestinationPort))
}

// ConnectionTracker defines the interface for connection tracking
type ConnectionTracker interface {
	AddConnection(info *ConnectionInfo) bool
	GetConnections() []*ConnectionInfo
	GetConnectionsByPID(pid uint32) []*ConnectionInfo
}
