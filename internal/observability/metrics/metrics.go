package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace_live"

// Recorder owns the Prometheus collectors for the realtime service. Each
// Recorder has its own registry so tests can observe values in isolation.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	connections       prometheus.Gauge
	onlineUsers       prometheus.Gauge
	handshakes        *prometheus.CounterVec
	roomOperations    *prometheus.CounterVec
	publishes         *prometheus.CounterVec
	deliveries        prometheus.Counter
	evictions         prometheus.Counter
	busFailures       prometheus.Counter
	retries           *prometheus.CounterVec
	sweepTrimmed      prometheus.Counter
	heartbeatFailures prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with its collectors registered on a fresh
// registry together with the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one registered connection.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by outcome.",
		}, []string{"outcome"}),
		roomOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_operations_total",
			Help:      "Room joins and leaves by outcome.",
		}, []string{"operation", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Published update events by durable write outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Update events handed to connection queues.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_evictions_total",
			Help:      "Connections closed because their send queue was full.",
		}),
		busFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_failures_total",
			Help:      "Bus publishes that fell back to local fan-out.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_records_total",
			Help:      "Retry records processed by outcome.",
		}, []string{"outcome"}),
		sweepTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_records_expired_total",
			Help:      "Replay records removed by the retention sweep.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Connections closed after a failed ping.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.connections,
		r.onlineUsers,
		r.handshakes,
		r.roomOperations,
		r.publishes,
		r.deliveries,
		r.evictions,
		r.busFailures,
		r.retries,
		r.sweepTrimmed,
		r.heartbeatFailures,
	)
	return r
}

// Default returns the process-wide Recorder used by packages that do not
// receive one explicitly.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder.
func SetDefault(recorder *Recorder) {
	if recorder != nil {
		defaultRecorder = recorder
	}
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request using a normalized path label.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetConnections publishes the registry size.
func (r *Recorder) SetConnections(connections, users int) {
	r.connections.Set(float64(connections))
	r.onlineUsers.Set(float64(users))
}

// ObserveHandshake counts a handshake outcome such as "accepted" or
// "unauthorized".
func (r *Recorder) ObserveHandshake(outcome string) {
	r.handshakes.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveRoomOperation counts a join or leave.
func (r *Recorder) ObserveRoomOperation(operation, outcome string) {
	r.roomOperations.WithLabelValues(normalizeName(operation), normalizeName(outcome)).Inc()
}

// ObservePublish counts a publish by durable write outcome.
func (r *Recorder) ObservePublish(outcome string) {
	r.publishes.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveDeliveries counts events accepted by connection queues.
func (r *Recorder) ObserveDeliveries(n int) {
	if n > 0 {
		r.deliveries.Add(float64(n))
	}
}

// ObserveEviction counts a slow consumer eviction.
func (r *Recorder) ObserveEviction() {
	r.evictions.Inc()
}

// ObserveBusFailure counts a bus publish that fell back to local fan-out.
func (r *Recorder) ObserveBusFailure() {
	r.busFailures.Inc()
}

// ObserveRetry counts a retry record outcome such as "delivered",
// "requeued" or "dropped".
func (r *Recorder) ObserveRetry(outcome string) {
	r.retries.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveSweepTrimmed counts replay records expired by the sweep.
func (r *Recorder) ObserveSweepTrimmed(n int) {
	if n > 0 {
		r.sweepTrimmed.Add(float64(n))
	}
}

// ObserveHeartbeatFailure counts a connection closed after a failed ping.
func (r *Recorder) ObserveHeartbeatFailure() {
	r.heartbeatFailures.Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
