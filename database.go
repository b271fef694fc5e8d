package main

import (
	"fmt"

	"github.com/jnesss/hook-recorder/database"
	"github.com/jnesss/hook-recorder/event"
)

// storeSink persists every record in the event database.
type storeSink struct {
	db   *database.DB
	attr *attributor
}

func (s *storeSink) Name() string { return "store" }

func (s *storeSink) Handle(rec event.Record) error {
	a := s.attr.attribute(rec.Meta())

	var err error
	switch r := rec.(type) {
	case *event.Connect:
		_, err = s.db.InsertConnect(&database.ConnectRecord{
			Attribution: a,
			FD:          r.FD,
			Family:      r.Family.String(),
			DstAddr:     r.Addr,
			DstPort:     r.Port,
		})
	case *event.Openat:
		_, err = s.db.InsertFileOpen(&database.FileOpenRecord{
			Attribution: a,
			DirFD:       r.DirFD,
			Flags:       r.Flags,
			Path:        r.Path,
		})
	case *event.SQLExec:
		_, err = s.db.InsertSQL(&database.SQLRecord{Attribution: a, Conn: r.Conn, Query: r.Query})
	case *event.NarrowSQL:
		_, err = s.db.InsertSQL(&database.SQLRecord{Attribution: a, Query: r.Query})
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
	return err
}
