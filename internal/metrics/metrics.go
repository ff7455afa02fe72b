// Package metrics provides Prometheus instrumentation for the live session
// engine. It exposes gauges for connections and session hubs, counters for
// pipeline outcomes and dropped frames, and a histogram for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livesession_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// ActiveHubs tracks the number of session hubs held by the registry.
	ActiveHubs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livesession_active_hubs",
		Help: "Current number of live session hubs",
	})

	// EventsTotal counts pipeline submissions by event kind and result
	// ("accepted" or a rejection reason).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesession_events_total",
		Help: "Total number of events processed by the message pipeline",
	}, []string{"kind", "result"})

	// EventLatency records time spent in the session worker per event.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livesession_event_latency_seconds",
		Help:    "Pipeline processing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	// DroppedFrames counts outbound frames dropped because a connection's
	// buffer was full.
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livesession_dropped_frames_total",
		Help: "Outbound frames dropped on full connection buffers",
	})

	// AutoMutes counts mutes issued by the profanity strike tracker.
	AutoMutes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livesession_auto_mutes_total",
		Help: "Automatic mutes issued after repeated profanity",
	})

	// ThrottledRequests counts upgrades and REST calls refused by the
	// per-address throttle, labeled by surface: "ws" or "http".
	ThrottledRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesession_throttled_requests_total",
		Help: "Requests refused by the per-address throttle",
	}, []string{"surface"})

	// PublishFailures counts events that could not be published to NATS.
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livesession_publish_failures_total",
		Help: "Session events that failed to publish to the event stream",
	})

	// TranscriptExports counts transcript downloads by format.
	TranscriptExports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesession_transcript_exports_total",
		Help: "Chat transcripts exported, by format",
	}, []string{"format"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveHubs,
		EventsTotal,
		EventLatency,
		DroppedFrames,
		AutoMutes,
		ThrottledRequests,
		PublishFailures,
		TranscriptExports,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
