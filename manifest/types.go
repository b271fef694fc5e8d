// Package manifest aggregates decoded records per service into integration
// manifests: which databases, files and sockets each service touches.
package manifest

import "time"

// DBTypePostgres is recorded for every statement seen through libpq.
const DBTypePostgres = "postgres"

type DBQuery struct {
	DBType    string    `yaml:"db_type" json:"db_type"`
	Query     string    `yaml:"query" json:"query"`
	FirstSeen time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen  time.Time `yaml:"last_seen" json:"last_seen"`
	Count     int       `yaml:"count" json:"count"`
}

type FSOp struct {
	Path      string    `yaml:"path" json:"path"`
	Flags     int       `yaml:"flags" json:"flags"`
	FirstSeen time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen  time.Time `yaml:"last_seen" json:"last_seen"`
	Count     int       `yaml:"count" json:"count"`
}

type SocketConnect struct {
	IP        string    `yaml:"ip,omitempty" json:"ip,omitempty"`
	Port      uint16    `yaml:"port,omitempty" json:"port,omitempty"`
	Family    string    `yaml:"family,omitempty" json:"family,omitempty"`
	FirstSeen time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen  time.Time `yaml:"last_seen" json:"last_seen"`
	Count     int       `yaml:"count" json:"count"`
}

// AppManifest is the file written for one service.
type AppManifest struct {
	Application string          `yaml:"application" json:"application"`
	GeneratedAt time.Time       `yaml:"generated_at" json:"generated_at"`
	Databases   []DBQuery       `yaml:"databases,omitempty" json:"databases,omitempty"`
	Filesystem  []FSOp          `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Sockets     []SocketConnect `yaml:"sockets,omitempty" json:"sockets,omitempty"`
}
