package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlink",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Data frames moved by the transport.",
		},
		[]string{"role", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlink",
			Subsystem: "transport",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved by the transport.",
		},
		[]string{"role", "direction"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlink",
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "Sender dial attempts by outcome.",
		},
		[]string{"success"},
	)
	sendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowlink",
			Subsystem: "transport",
			Name:      "send_retries_total",
			Help:      "Frames resent after a connection failure.",
		},
	)
	queueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowlink",
			Subsystem: "receiver",
			Name:      "queue_bytes",
			Help:      "Payload bytes waiting in the receive queue.",
		},
	)
	connectedSenders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowlink",
			Subsystem: "receiver",
			Name:      "connected_senders",
			Help:      "Sender connections currently being read.",
		},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowlink",
			Subsystem: "sampling",
			Name:      "send_duration_seconds",
			Help:      "Time to serialize and send one subgraph.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesTotal, bytesTotal, connectAttempts, sendRetries,
			queueBytes, connectedSenders, sendDuration,
		)
	})
}

// RecordHTTPRequest counts one status endpoint request.
func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrameSent counts one data frame written by a sender.
func RecordFrameSent(n int) {
	RegisterMetrics()
	framesTotal.WithLabelValues("sender", "out").Inc()
	bytesTotal.WithLabelValues("sender", "out").Add(float64(n))
}

// RecordFrameReceived counts one data frame handed to a Receive caller.
func RecordFrameReceived(n int) {
	RegisterMetrics()
	framesTotal.WithLabelValues("receiver", "in").Inc()
	bytesTotal.WithLabelValues("receiver", "in").Add(float64(n))
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordSendRetry() {
	RegisterMetrics()
	sendRetries.Inc()
}

func SetQueueBytes(n uint64) {
	RegisterMetrics()
	queueBytes.Set(float64(n))
}

func AddConnectedSenders(delta int) {
	RegisterMetrics()
	connectedSenders.Add(float64(delta))
}

func ObserveSendDuration(d time.Duration) {
	RegisterMetrics()
	sendDuration.Observe(d.Seconds())
}
