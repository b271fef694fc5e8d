//go:build !linux

package platform

import (
	"time"

	"go.uber.org/zap"
)

// Monitor is never returned on this platform.
type Monitor struct {
	Attached []Attachment
}

// Attach is not available without eBPF. The recorder can still serve the
// web UI over data recorded elsewhere.
func Attach(cfg Config, log *zap.Logger) (*Monitor, error) {
	return nil, ErrUnsupported
}

func (m *Monitor) Reader() Source { return nil }

func (m *Monitor) Close() error { return nil }

func BootTime() time.Time { return time.Now() }
