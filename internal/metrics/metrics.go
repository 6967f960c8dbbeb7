// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every gateway collector behind one registry so tests can run
// with isolated instances.
type Set struct {
	registry *prometheus.Registry

	// Feed side.
	BookUpdates         *prometheus.CounterVec // committed cache writes per venue
	StreamReconnects    *prometheus.CounterVec // upstream reconnects per venue
	ActiveSubscriptions *prometheus.GaugeVec   // demanded (venue, symbol) keys per venue

	// Hub side.
	StreamClients prometheus.Gauge
	HubMessages   *prometheus.CounterVec // outcome: sent | coalesced | dropped

	// TWAP side.
	TwapSlices *prometheus.CounterVec // outcome: executed | skipped_empty | skipped_limit
	TwapOrders *prometheus.CounterVec // terminal status

	// HTTP side.
	HTTPRequests *prometheus.CounterVec // method, code
	HTTPDuration prometheus.Histogram
}

// NewSet registers all gateway collectors on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Set{
		registry: reg,
		BookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_book_updates_total",
			Help: "Order-book snapshots committed to the cache.",
		}, []string{"exchange"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_reconnects_total",
			Help: "Upstream websocket reconnects.",
		}, []string{"exchange"}),
		ActiveSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_active_subscriptions",
			Help: "Symbol keys with non-zero demand.",
		}, []string{"exchange"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_stream_clients",
			Help: "Connected websocket clients.",
		}),
		HubMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_hub_messages_total",
			Help: "Book updates routed to clients, by outcome.",
		}, []string{"outcome"}),
		TwapSlices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_twap_slices_total",
			Help: "TWAP slice outcomes.",
		}, []string{"outcome"}),
		TwapOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_twap_orders_total",
			Help: "TWAP orders reaching a terminal status.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		s.BookUpdates, s.StreamReconnects, s.ActiveSubscriptions,
		s.StreamClients, s.HubMessages,
		s.TwapSlices, s.TwapOrders,
		s.HTTPRequests, s.HTTPDuration,
	)
	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}
