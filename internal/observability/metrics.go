package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeedLinesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_feed_lines_received_total",
		Help: "Raw lines read from the APRS-IS feed",
	})
	FeedServerComments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_feed_server_comments_total",
		Help: "Server comment/keep-alive lines skipped before decode",
	})
	PacketsUntracked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_packets_untracked_total",
		Help: "Packets dropped because the callsign is not registered",
	})
	PacketsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_packets_duplicate_total",
		Help: "Packets suppressed as duplicates",
	})
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_decode_failures_total",
		Help: "Lines that failed position decoding",
	})
	PacketsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_packets_applied_total",
		Help: "Decoded packets folded into station state",
	})
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_feed_reconnects_total",
		Help: "Reconnection attempts to the APRS-IS feed",
	})
	BroadcastsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resqlink_broadcasts_published_total",
		Help: "Events handed to broadcast transports, by event name",
	}, []string{"event"})
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resqlink_broadcasts_dropped_total",
		Help: "Events dropped because the broadcast queue was full",
	})
	TrackedStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resqlink_tracked_stations",
		Help: "Stations currently registered for tracking",
	})
	DecodeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resqlink_decode_latency_seconds",
		Help:    "Latency of decoding one feed line",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveDecodeLatency records the time spent decoding one line.
func ObserveDecodeLatency(start time.Time) {
	DecodeLatency.Observe(time.Since(start).Seconds())
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
