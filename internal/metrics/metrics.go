package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chatrelay.
type Metrics struct {
	RequestCount      *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	MessagesPosted    *prometheus.CounterVec
	Deliveries        prometheus.Counter
	DeliveryFailures  prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	StoreReachable    prometheus.Gauge
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestCount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_api_request_count",
			Help: "Total API requests",
		}, []string{"method", "endpoint", "status_code"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_api_request_latency_seconds",
			Help:    "Latency of API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total live connections accepted",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current live connections",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_rooms",
			Help: "Rooms with at least one subscriber or in-flight post",
		}),
		MessagesPosted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_posted_total",
			Help: "Messages appended to chat logs",
		}, []string{"transport"}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Broadcast events handed to subscribers",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_delivery_failures_total",
			Help: "Broadcast events a subscriber could not accept",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Total errors by category",
		}, []string{"type"}),
		StoreReachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_store_reachable",
			Help: "Chat store reachability (1=up, 0=down)",
		}),
	}
}
