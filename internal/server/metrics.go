package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/runnerr0/beacon/internal/push"
)

// metrics is registered on a per-server registry so tests can build many
// servers in one process.
type metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	ingestAccepted      *prometheus.CounterVec
	ingestRejected      *prometheus.CounterVec
	storeWriteFailures  *prometheus.CounterVec
	forwardFailures     prometheus.Counter
}

func newMetrics(hub *push.Hub) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
		ingestAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_ingest_accepted_total",
				Help: "Submissions that passed validation",
			},
			[]string{"kind"},
		),
		ingestRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_ingest_rejected_total",
				Help: "Submissions rejected by validation",
			},
			[]string{"kind", "reason"},
		),
		storeWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_store_write_failures_total",
				Help: "Accepted submissions the record store failed to persist",
			},
			[]string{"kind"},
		),
		forwardFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "beacon_forward_failures_total",
				Help: "Events that could not be queued for forwarding",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.ingestAccepted,
		m.ingestRejected,
		m.storeWriteFailures,
		m.forwardFailures,
	)

	if hub != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "beacon_push_subscribers",
				Help: "Currently connected live dashboard subscribers",
			}, func() float64 { return float64(hub.Count()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "beacon_push_delivered_total",
				Help: "Frames queued to live subscribers",
			}, func() float64 { return float64(hub.Delivered()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "beacon_push_dropped_total",
				Help: "Frames dropped because a subscriber queue was full",
			}, func() float64 { return float64(hub.Dropped()) }),
		)
	}
	return m
}
