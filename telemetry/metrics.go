// Package telemetry provides the Prometheus metrics and the request
// tagging used by the access log.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds every metric this process exposes. A dedicated
// registry keeps the scrape surface deliberate instead of inheriting
// whatever libraries register globally.
var registry = prometheus.NewRegistry()

var (
	// Requests counts every request admitted by the front end.
	Requests = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total requests received.",
	})

	// UpstreamRequests counts requests dispatched to an upstream
	// registry, both transparent forwards and blob downloads.
	UpstreamRequests = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total requests dispatched to upstream registries.",
	})

	// CacheHits counts blob requests answered from the store.
	CacheHits = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total blob requests served from the cache.",
	})

	// CacheMisses counts blob requests the store could not answer:
	// GET misses, including failed downloads, and HEAD misses that
	// are forwarded upstream. GET misses refused while draining are
	// not counted.
	CacheMisses = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total blob requests not found in the cache.",
	})

	// ConnectedClients tracks in-flight client requests.
	ConnectedClients = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "connected_clients",
		Help: "Client requests currently being served.",
	})

	// ResponseCodes partitions responses by status code and method.
	ResponseCodes = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "response_code",
		Help: "Responses by status code and method.",
	}, []string{"statuscode", "method"})
)

func init() {
	// The process collector supplies process_cpu_seconds_total and
	// process_resident_memory_bytes on platforms with a /proc-like
	// interface and registers nothing elsewhere.
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
}

// Handler returns the scrape endpoint handler in the Prometheus text
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
