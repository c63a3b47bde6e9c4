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
			Namespace: "gymctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gymctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	roundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Subsystem: "channel",
			Name:      "round_trips_total",
			Help:      "Request/reply round trips by symbol and reply kind.",
		},
		[]string{"symbol", "kind"},
	)
	roundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gymctl",
			Subsystem: "channel",
			Name:      "round_trip_duration_seconds",
			Help:      "Round trip duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"symbol"},
	)
	forceAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Subsystem: "session",
			Name:      "force_control_attempts_total",
			Help:      "terminate-episode requests sent while forcing control mode.",
		},
	)
	forceTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Subsystem: "session",
			Name:      "force_control_timeouts_total",
			Help:      "Forced resyncs that exhausted their attempt ceiling.",
		},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Subsystem: "session",
			Name:      "worker_starts_total",
			Help:      "Worker start attempts by result.",
		},
		[]string{"result"},
	)
	episodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Name:      "episodes_total",
			Help:      "Episodes started.",
		},
		[]string{"component"},
	)
	steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymctl",
			Name:      "steps_total",
			Help:      "Environment steps taken.",
		},
		[]string{"component"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			roundTrips, roundTripDuration,
			forceAttempts, forceTimeouts, workerStarts,
			episodes, steps,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRoundTrip counts one channel round trip. kind is the reply kind, or
// "failed" when no reply arrived.
func RecordRoundTrip(symbol, kind string, duration time.Duration) {
	RegisterMetrics()
	roundTrips.WithLabelValues(symbol, kind).Inc()
	roundTripDuration.WithLabelValues(symbol).Observe(duration.Seconds())
}

func RecordForceAttempt() {
	RegisterMetrics()
	forceAttempts.Inc()
}

func RecordForceTimeout() {
	RegisterMetrics()
	forceTimeouts.Inc()
}

func RecordWorkerStart(success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "failed"
	}
	workerStarts.WithLabelValues(result).Inc()
}

func RecordEpisode(component string) {
	RegisterMetrics()
	episodes.WithLabelValues(component).Inc()
}

func RecordStep(component string) {
	RegisterMetrics()
	steps.WithLabelValues(component).Inc()
}
