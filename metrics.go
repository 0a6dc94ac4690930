package ringkv

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds one ring's Prometheus collectors, registered against a
// private registry rather than the global default so more than one ring
// can run in the same process (as the test suite does) without
// double-registration panics.
type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	joinsTotal   prometheus.Counter
	leavesTotal  prometheus.Counter
	routingHops  prometheus.Histogram
	liveNodes    prometheus.GaugeFunc
}

func newMetrics(liveCount func() int) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringkv_requests_total",
			Help: "Requests handled by a Node, labeled by operation and outcome.",
		}, []string{"operation", "status"}),
		joinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringkv_joins_total",
			Help: "Nodes that have successfully completed the join protocol.",
		}),
		leavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringkv_leaves_total",
			Help: "Nodes that have left the ring, gracefully or otherwise.",
		}),
		routingHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringkv_routing_hops",
			Help:    "Number of hops a content operation took to reach its responsible node.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	m.liveNodes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ringkv_live_nodes",
		Help: "Nodes currently registered with the coordinator.",
	}, func() float64 { return float64(liveCount()) })
	reg.MustRegister(m.requests, m.joinsTotal, m.leavesTotal, m.routingHops, m.liveNodes)
	return m
}

// MetricsHandler exposes the ring's Prometheus metrics over HTTP, for a
// deployment that wants to scrape a single coordinator rather than every
// Node's own socket.
func (c *Coordinator) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{})
}
