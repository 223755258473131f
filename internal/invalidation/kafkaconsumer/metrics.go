package kafkaconsumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs *prometheus.CounterVec
	proc *prometheus.HistogramVec
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inval_msgs_total",
				Help: "Count of invalidation messages by result.",
			},
			[]string{"result"}, // ok|error|poison
		),
		proc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inval_processing_seconds",
				Help:    "End-to-end processing time for one message.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"op"},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.proc)
	}
	return m
}
