package web

import (
	"time"

	"github.com/jnesss/hook-recorder/database"
	"github.com/jnesss/hook-recorder/manifest"
	"github.com/jnesss/hook-recorder/network"
)

// Store is what the API reads recorded events from.
type Store interface {
	RecentConnects(limit int) ([]database.ConnectRecord, error)
	RecentFileOpens(limit int) ([]database.FileOpenRecord, error)
	RecentSQL(limit int) ([]database.SQLRecord, error)
	Counts() (map[string]int64, error)
}

// Manifests is the live manifest view of the recorder.
type Manifests interface {
	Apps() []string
	Snapshot(app string) (manifest.AppManifest, bool)
}

// Destinations is the live connection tracker.
type Destinations interface {
	GetConnections() []*network.ConnectionInfo
	GetConnectionsByPID(pid uint32) []*network.ConnectionInfo
}

// RecorderStats is the live counters of the recorder loop.
type RecorderStats struct {
	Started       time.Time         `json:"started"`
	Schema        string            `json:"schema"`
	Decoded       map[string]uint64 `json:"decoded"`
	DecodeErrors  uint64            `json:"decodeErrors"`
	SkippedSelf   uint64            `json:"skippedSelf"`
	RingDropped   uint64            `json:"ringDropped"`
	RingSubmitted uint64            `json:"ringSubmitted"`
}

// StatsResponse is returned by /api/stats.
type StatsResponse struct {
	Stored   map[string]int64 `json:"stored"`
	Recorder *RecorderStats   `json:"recorder,omitempty"`
	Rules    int              `json:"rules"`
}
