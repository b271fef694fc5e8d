package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jnesss/hook-recorder/event"
)

// consoleSink writes one line per record.
type consoleSink struct {
	w    io.Writer
	attr *attributor
}

func (s *consoleSink) Name() string { return "console" }

func (s *consoleSink) Handle(rec event.Record) error {
	_, err := io.WriteString(s.w, formatRecord(rec, s.attr.timestamp(rec.Meta()))+"\n")
	return err
}

// formatRecord renders rec as key=value pairs. Narrow records keep the
// three-field line of the PQexec agent.
func formatRecord(rec event.Record, ts time.Time) string {
	m := rec.Meta()
	prefix := "ts=" + ts.Format(time.RFC3339Nano) + " pid=" + strconv.FormatUint(uint64(m.PID), 10)

	switch r := rec.(type) {
	case *event.NarrowSQL:
		return prefix + " sql=" + r.Query
	case *event.Connect:
		return fmt.Sprintf("%s tid=%d hook=%s fd=%d family=%s addr=%s port=%d",
			prefix, m.TID, r.Hook(), r.FD, r.Family, r.Addr, r.Port)
	case *event.Openat:
		return fmt.Sprintf("%s tid=%d hook=%s dirfd=%d flags=%#x path=%s",
			prefix, m.TID, r.Hook(), r.DirFD, r.Flags, r.Path)
	case *event.SQLExec:
		return fmt.Sprintf("%s tid=%d hook=%s conn=%#x sql=%s",
			prefix, m.TID, r.Hook(), r.Conn, r.Query)
	default:
		return fmt.Sprintf("%s tid=%d hook=%s", prefix, m.TID, rec.Hook())
	}
}
