package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marionette_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsDispatched counts events handed to handlers
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_events_dispatched_total",
			Help: "Total number of events dispatched, by kind and status",
		},
		[]string{"kind", "status"},
	)

	// EventsDropped counts events dropped before dispatch
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_events_dropped_total",
			Help: "Total number of events dropped before dispatch, by reason",
		},
		[]string{"reason"},
	)

	// ParkDepth tracks events waiting in the park
	ParkDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marionette_park_depth",
			Help: "Number of events waiting to be dispatched",
		},
	)

	// ToolCalls tracks tool invocations routed to handlers
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_tool_calls_total",
			Help: "Total number of tool invocations, by tool and status",
		},
		[]string{"tool", "status"},
	)

	// OpenGroups tracks unresolved subchat groups
	OpenGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marionette_subchat_open_groups",
			Help: "Number of subchat groups awaiting resolution",
		},
	)

	// GroupResolutions counts group resolutions by outcome
	GroupResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_subchat_resolutions_total",
			Help: "Total number of subchat group resolutions, by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks generation step latency
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marionette_turn_duration_seconds",
			Help:    "Generation step duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// SpendUSD accumulates charged generation cost
	SpendUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marionette_spend_usd_total",
			Help: "Total generation cost charged across conversations",
		},
	)

	// BlockedConversations tracks conversations over their ceiling
	BlockedConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marionette_blocked_conversations",
			Help: "Number of conversations blocked on budget",
		},
	)

	// ControlOutcomes counts turn control hook results
	ControlOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_control_outcomes_total",
			Help: "Total number of turn control hook outcomes, by hook and outcome",
		},
		[]string{"hook", "outcome"},
	)

	// FeedReconnects counts feed transport redials
	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marionette_feed_reconnects_total",
			Help: "Total number of feed reconnect attempts",
		},
		[]string{"source"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/status", "/metrics":
		return path
	default:
		if len(path) > 11 && path[:11] == "/schedules/" {
			return "/schedules"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records one dispatched event
func RecordDispatch(kind, status string) {
	EventsDispatched.WithLabelValues(kind, status).Inc()
}

// RecordDrop records an event dropped before dispatch
func RecordDrop(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordToolCall records a routed tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordResolution records a subchat group resolution
func RecordResolution(outcome string) {
	GroupResolutions.WithLabelValues(outcome).Inc()
}

// RecordTurn records one generation step
func RecordTurn(status string, durationSeconds, costUSD float64) {
	TurnDuration.WithLabelValues(status).Observe(durationSeconds)
	if costUSD > 0 {
		SpendUSD.Add(costUSD)
	}
}

// RecordControlOutcome records a turn control hook outcome
func RecordControlOutcome(hook, outcome string) {
	ControlOutcomes.WithLabelValues(hook, outcome).Inc()
}

// RecordFeedReconnect records a feed redial attempt
func RecordFeedReconnect(source string) {
	FeedReconnects.WithLabelValues(source).Inc()
}
