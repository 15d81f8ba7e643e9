package metricsx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
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
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	syncPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_published_total",
			Help: "Local events handed to the transport, by result.",
		},
		[]string{"result"},
	)
	syncReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_events_received_total",
			Help: "Payloads received from the transport.",
		},
	)
	syncDecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_decode_failures_total",
			Help: "Inbound payloads dropped because they could not be decoded.",
		},
	)
	syncDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_delivered_total",
			Help: "Events delivered to local subscribers, by kind (immediate or merged).",
		},
		[]string{"kind"},
	)
	syncFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_merge_flush_fragments",
			Help:    "Fragments carried by each merged event.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	syncPendingGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_merge_pending_groups",
			Help: "Aggregation groups waiting for their timer.",
		},
	)
	syncFragmentsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_merge_fragments_dropped_total",
			Help: "Fragments abandoned at shutdown.",
		},
	)
	fanoutSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_subscribers",
			Help: "Active local subscribers.",
		},
	)
	fanoutDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_subscriber_drops_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
	)
)

const (
	PublishOK             = "ok"
	PublishEncodeError    = "encode_error"
	PublishTransportError = "transport_error"

	DeliveryImmediate = "immediate"
	DeliveryMerged    = "merged"
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag,
		syncPublished, syncReceived, syncDecodeFailures, syncDelivered,
		syncFlushSize, syncPendingGroups, syncFragmentsDropped,
		fanoutSubscribers, fanoutDrops,
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
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncPublished(result string) {
	syncPublished.WithLabelValues(result).Inc()
}

func IncReceived() {
	syncReceived.Inc()
}

func IncDecodeFailure() {
	syncDecodeFailures.Inc()
}

func IncDelivered(kind string) {
	syncDelivered.WithLabelValues(kind).Inc()
}

func ObserveFlushSize(fragments int) {
	syncFlushSize.Observe(float64(fragments))
}

func SetPendingGroups(n int) {
	syncPendingGroups.Set(float64(n))
}

func AddFragmentsDropped(n int) {
	syncFragmentsDropped.Add(float64(n))
}

func SetSubscribers(n int) {
	fanoutSubscribers.Set(float64(n))
}

func IncSubscriberDrop() {
	fanoutDrops.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
