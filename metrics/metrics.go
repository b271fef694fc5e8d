// Package metrics holds the recorder's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookrec"

// Metrics are the counters the recorder loop and its sinks update.
type Metrics struct {
	EventsDecoded *prometheus.CounterVec
	DecodeErrors  prometheus.Counter
	SinkErrors    *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Records decoded from the ring buffer, by hook.",
		}, []string{"hook"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Samples that could not be decoded.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Records a sink failed to handle, by sink.",
		}, []string{"sink"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Probe invocations run in process, by hook and outcome.",
		}, []string{"hook", "outcome"}),
		reg: reg,
	}
	for _, c := range []prometheus.Collector{m.EventsDecoded, m.DecodeErrors, m.SinkErrors, m.Outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WatchRing exports the drop counter of an in-process ring. dropped must be
// safe to call concurrently.
func (m *Metrics) WatchRing(dropped func() uint64) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ring_dropped_total",
		Help:      "Reservations rejected because the ring buffer was full.",
	}, func() float64 { return float64(dropped()) }))
}
