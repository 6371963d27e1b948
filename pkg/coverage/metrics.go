package coverage

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type metrics struct {
	analyses          *prometheus.CounterVec
	recordsDecoded    prometheus.Counter
	inspectFallbacks  prometheus.Counter
	analysisDurations prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		analyses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "covtrace",
				Name:      "trace_analyses_total",
				Help:      "Total trace analyses, by outcome.",
			},
			[]string{"status"},
		),
		recordsDecoded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "covtrace",
				Name:      "records_decoded_total",
				Help:      "Total basic-block records decoded from traces.",
			},
		),
		inspectFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "covtrace",
				Name:      "inspection_fallbacks_total",
				Help:      "Analyses that degraded to fallback section/export data because image inspection failed.",
			},
		),
		analysisDurations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "covtrace",
				Name:      "analysis_duration_seconds",
				Help:      "Wall time of whole trace analyses.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.analyses,
			m.recordsDecoded,
			m.inspectFallbacks,
			m.analysisDurations,
		)
	}
	return m
}
