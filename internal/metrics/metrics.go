package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_messages_sent_total",
		Help: "Total number of accepted messages",
	})
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_events_published_total",
		Help: "Total number of fan-out events published",
	}, []string{"event"})
	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_publish_failures_total",
		Help: "Total number of swallowed fan-out publish failures",
	})
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loom_ws_connections",
		Help: "Current number of live subscriber connections",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MessagesSentTotal,
		EventsPublishedTotal,
		PublishFailuresTotal,
		WsConnections,
	)
}
