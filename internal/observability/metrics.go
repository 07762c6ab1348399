package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors for streaming and idempotency. Labels are small closed
// sets so cardinality stays bounded.
var (
	// StreamsActive gauges streams currently between open and close.
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Number of streaming responses currently in flight.",
		},
	)

	// StreamOutcomes counts finished streams by outcome
	// (completed, upstream_error, disconnected, rejected).
	StreamOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_outcomes_total",
			Help: "Finished streams by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// StreamEvents counts events written to clients by event name.
	StreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_events_total",
			Help: "Server-sent events written to clients.",
		},
		[]string{"event"},
	)

	// IdempotencyResolutions counts coordinator routing decisions
	// (fresh, retry, completed, conflict, error).
	IdempotencyResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_resolutions_total",
			Help: "Idempotency resolve outcomes.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(StreamsActive, StreamOutcomes, StreamEvents, IdempotencyResolutions)
}
