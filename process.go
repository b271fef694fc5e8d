package main

import (
	"time"

	"github.com/jnesss/hook-recorder/database"
	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/process"
)

// procInfo is the part of process.Resolver the sinks need.
type procInfo interface {
	Lookup(pid int) process.Info
}

// attributor turns record metadata into wall time and process attribution.
type attributor struct {
	procs procInfo
	boot  time.Time
	now   func() time.Time
}

func newAttributor(procs procInfo, boot time.Time) *attributor {
	return &attributor{procs: procs, boot: boot, now: time.Now}
}

// timestamp converts a record's monotonic timestamp. Narrow records carry
// none and are stamped on arrival.
func (a *attributor) timestamp(m event.Meta) time.Time {
	if m.TsNs == 0 {
		return a.now()
	}
	return m.Time(a.boot)
}

func (a *attributor) info(m event.Meta) process.Info {
	if a.procs == nil {
		return process.Info{PID: int(m.PID)}
	}
	return a.procs.Lookup(int(m.PID))
}

func (a *attributor) attribute(m event.Meta) database.Attribution {
	info := a.info(m)
	return database.Attribution{
		Timestamp: a.timestamp(m),
		PID:       m.PID,
		TID:       m.TID,
		Comm:      info.Comm,
		App:       info.App,
	}
}
