package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the node. A nil Recorder
// records nothing.
type Recorder struct {
	peers                prometheus.Gauge
	connections          *prometheus.CounterVec
	disconnects          prometheus.Counter
	dialFailures         *prometheus.CounterVec
	published            *prometheus.CounterVec
	delivered            *prometheus.CounterVec
	rpcErrors            *prometheus.CounterVec
	notificationsDropped prometheus.Counter
	pingRTT              prometheus.Histogram
	pingFailures         prometheus.Counter
	pingCloses           prometheus.Counter
	meshPeers            *prometheus.GaugeVec
	topicPeers           *prometheus.GaugeVec
	heartbeats           prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
}

// NewRecorder registers metrics with provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_peers",
			Help: "Number of peers with at least one established connection",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_connections_total",
			Help: "Established connections grouped by direction",
		}, []string{"direction"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_disconnects_total",
			Help: "Established connections that closed",
		}),
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_dial_failures_total",
			Help: "Connection attempts that failed grouped by direction",
		}, []string{"direction"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_messages_published_total",
			Help: "Locally published messages grouped by router",
		}, []string{"router"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_messages_delivered_total",
			Help: "Messages delivered to the application grouped by router",
		}, []string{"router"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_rpc_errors_total",
			Help: "Inbound frames that could not be decoded grouped by protocol",
		}, []string{"protocol"}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_notifications_dropped_total",
			Help: "Notifications dropped because a subscriber was not keeping up",
		}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_ping_rtt_seconds",
			Help:    "Round-trip time of liveness pings",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		pingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_ping_failures_total",
			Help: "Liveness pings that failed",
		}),
		pingCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_ping_closes_total",
			Help: "Connections closed for failing liveness pings",
		}),
		meshPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshchat_gossip_mesh_peers",
			Help: "Mesh size per gossip topic",
		}, []string{"topic"}),
		topicPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshchat_gossip_topic_peers",
			Help: "Known subscribers per gossip topic",
		}, []string{"topic"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_gossip_heartbeats_total",
			Help: "Gossip heartbeat rounds",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_http_requests_total",
			Help: "API requests grouped by method, route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshchat_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		r.peers,
		r.connections,
		r.disconnects,
		r.dialFailures,
		r.published,
		r.delivered,
		r.rpcErrors,
		r.notificationsDropped,
		r.pingRTT,
		r.pingFailures,
		r.pingCloses,
		r.meshPeers,
		r.topicPeers,
		r.heartbeats,
		r.httpRequests,
		r.httpLatency,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SetPeers records the number of connected peers.
func (r *Recorder) SetPeers(n int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(n))
}

// ObserveConnected counts an established connection.
func (r *Recorder) ObserveConnected(direction string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(direction).Inc()
}

// ObserveDisconnected counts a closed connection.
func (r *Recorder) ObserveDisconnected() {
	if r == nil {
		return
	}
	r.disconnects.Inc()
}

// ObserveDialFailure counts a failed attempt.
func (r *Recorder) ObserveDialFailure(direction string) {
	if r == nil {
		return
	}
	r.dialFailures.WithLabelValues(direction).Inc()
}

// ObservePublished counts a local publish.
func (r *Recorder) ObservePublished(router string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(router).Inc()
}

// ObserveDelivered counts a delivery.
func (r *Recorder) ObserveDelivered(router string) {
	if r == nil {
		return
	}
	r.delivered.WithLabelValues(router).Inc()
}

// ObserveRPCError counts an undecodable frame.
func (r *Recorder) ObserveRPCError(protocol string) {
	if r == nil {
		return
	}
	r.rpcErrors.WithLabelValues(protocol).Inc()
}

// ObserveNotificationDropped counts a notification a subscriber missed.
func (r *Recorder) ObserveNotificationDropped() {
	if r == nil {
		return
	}
	r.notificationsDropped.Inc()
}

// ObservePing records a ping outcome.
func (r *Recorder) ObservePing(rtt time.Duration, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.pingFailures.Inc()
		return
	}
	r.pingRTT.Observe(rtt.Seconds())
}

// ObservePingClose counts a connection closed by the pinger.
func (r *Recorder) ObservePingClose() {
	if r == nil {
		return
	}
	r.pingCloses.Inc()
}

// ObserveHeartbeat records gossip view sizes after a heartbeat.
func (r *Recorder) ObserveHeartbeat(topic string, mesh, peers int) {
	if r == nil {
		return
	}
	r.heartbeats.Inc()
	r.meshPeers.WithLabelValues(topic).Set(float64(mesh))
	r.topicPeers.WithLabelValues(topic).Set(float64(peers))
}

// ObserveHTTPRequest records one API request
func (r *Recorder) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
