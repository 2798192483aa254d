package metricsx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sosSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sos_submissions_total",
			Help: "SOS submissions by channel (direct, relay) and outcome (created, duplicate, path_updated).",
		},
		[]string{"channel", "outcome"},
	)
	sosRelayPathUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sos_relay_path_updates_total",
			Help: "Stored relay paths replaced by a strictly shorter one.",
		},
	)
	sosVerificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sos_verification_failures_total",
			Help: "Alerts stored with is_verified=false.",
		},
	)
	sosTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sos_lifecycle_transitions_total",
			Help: "Alert status transitions by target status.",
		},
		[]string{"to"},
	)
	sosFanoutFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sos_fanout_failures_total",
			Help: "Failed notification deliveries by sink.",
		},
		[]string{"sink"},
	)
	sosLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sos_lock_wait_seconds",
			Help:    "Time spent waiting for the per-alert lock.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
	sosUnknownRelays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sos_unknown_relays_total",
			Help: "Relay chain entries naming a device the registry does not know.",
		},
	)
	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Open websocket connections by kind.",
		},
		[]string{"kind"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		sosSubmissions, sosRelayPathUpdates, sosVerificationFailures, sosTransitions,
		sosFanoutFailures, sosLockWait, sosUnknownRelays, wsConnections,
		kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := RouteLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

var fixedSOSSegments = map[string]bool{
	"alert": true, "relay": true, "verify": true, "active": true, "nearby": true,
	"stats": true, "device": true, "acknowledge": true, "respond": true,
	"arrive": true, "resolve": true, "cancel": true,
}

// RouteLabel collapses message and device ids in /api/v1/sos paths so the
// label set stays bounded.
func RouteLabel(path string) string {
	const prefix = "/api/v1/sos/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	for i, p := range parts {
		if !fixedSOSSegments[p] {
			parts[i] = ":id"
		}
	}
	return prefix + strings.Join(parts, "/")
}

func IncSubmission(channel string, outcome string) {
	sosSubmissions.WithLabelValues(channel, outcome).Inc()
}

func IncRelayPathUpdate() {
	sosRelayPathUpdates.Inc()
}

func IncVerificationFailure() {
	sosVerificationFailures.Inc()
}

func IncTransition(to string) {
	sosTransitions.WithLabelValues(to).Inc()
}

func IncFanoutFailure(sink string) {
	sosFanoutFailures.WithLabelValues(sink).Inc()
}

func ObserveLockWait(d time.Duration) {
	sosLockWait.Observe(d.Seconds())
}

func AddUnknownRelays(n int) {
	if n > 0 {
		sosUnknownRelays.Add(float64(n))
	}
}

func AddWSConnections(kind string, delta int) {
	wsConnections.WithLabelValues(kind).Add(float64(delta))
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
