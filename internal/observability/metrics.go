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
			Namespace: "fraglink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraglink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	fragmentWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraglink",
			Subsystem: "sender",
			Name:      "fragment_writes_total",
			Help:      "Fragment transmissions, first attempts and retransmissions.",
		},
		[]string{"link", "kind"},
	)
	fragmentsAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraglink",
			Subsystem: "sender",
			Name:      "fragments_abandoned_total",
			Help:      "Fragments given up on after the retry budget.",
		},
		[]string{"link"},
	)
	ackRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraglink",
			Subsystem: "sender",
			Name:      "ack_wait_seconds",
			Help:      "Time from first transmission to acknowledgment.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"link"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraglink",
			Subsystem: "splitter",
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped before fragmentation.",
		},
		[]string{"link", "reason"},
	)
	receiverUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraglink",
			Subsystem: "receiver",
			Name:      "units_total",
			Help:      "Link units handled by the receiver, by kind.",
		},
		[]string{"link", "kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraglink",
			Subsystem: "frame",
			Name:      "dropped_total",
			Help:      "Frames discarded by the deframer.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			fragmentWrites,
			fragmentsAbandoned,
			ackRoundTrip,
			messagesDropped,
			receiverUnits,
			framesDropped,
		)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFragmentWrite(link string, attempt int) {
	RegisterMetrics()
	kind := "first"
	if attempt > 1 {
		kind = "retransmit"
	}
	fragmentWrites.WithLabelValues(link, kind).Inc()
}

func RecordFragmentAcked(link string, wait time.Duration) {
	RegisterMetrics()
	ackRoundTrip.WithLabelValues(link).Observe(wait.Seconds())
}

func RecordFragmentAbandoned(link string) {
	RegisterMetrics()
	fragmentsAbandoned.WithLabelValues(link).Inc()
}

func RecordMessageDropped(link, reason string) {
	RegisterMetrics()
	messagesDropped.WithLabelValues(link, reason).Inc()
}

// RecordReceiverUnit counts one demultiplexed unit. kind is one of
// passthrough, data, ack, stray_ack, ack_payload, message.
func RecordReceiverUnit(link, kind string) {
	RegisterMetrics()
	receiverUnits.WithLabelValues(link, kind).Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}
