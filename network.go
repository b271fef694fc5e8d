package main

import (
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/network"
)

// networkSink feeds connect records to the destination tracker.
type networkSink struct {
	tracker *network.Tracker
	attr    *attributor
	log     *zap.Logger
}

func (s *networkSink) Name() string { return "network" }

func (s *networkSink) Handle(rec event.Record) error {
	c, ok := rec.(*event.Connect)
	if !ok {
		return nil
	}
	info := network.CreateConnectionInfo(c, s.attr.info(c.M), s.attr.timestamp(c.M))
	if s.tracker.AddConnection(info) {
		s.log.Debug("New destination",
			zap.Uint32("pid", info.PID),
			zap.String("comm", info.ProcessName),
			zap.String("dest", info.Key()),
			zap.String("scope", string(info.Scope)))
	}
	return nil
}
