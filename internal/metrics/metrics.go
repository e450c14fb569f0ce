// Package metrics provides Prometheus instrumentation for the commitment engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstructionsTotal counts instructions by name and result (ok or error kind).
	InstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conviction_instructions_total",
		Help: "Total number of instructions executed",
	}, []string{"instruction", "result"})

	// InstructionLatency tracks instruction execution latency, store round trips included.
	InstructionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conviction_instruction_latency_seconds",
		Help:    "Instruction execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"instruction"})

	// CurrentEpoch tracks Config.currentEpoch.
	CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conviction_current_epoch",
		Help: "Epoch currently accepting commitments",
	})

	// CommittedWeight observes the weight of each committed position.
	CommittedWeight = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conviction_committed_weight",
		Help:    "Weight of committed positions (scaled by 10000)",
		Buckets: prometheus.ExponentialBuckets(10_000, 4, 12),
	})

	// ClaimedAmount counts raw token units paid out by claims.
	ClaimedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conviction_claimed_amount_total",
		Help: "Raw token units paid out to winners",
	})

	// RolloverPositions tracks Config.remainingTotalPosition.
	RolloverPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conviction_rollover_positions",
		Help: "Position credits rolled forward from epochs with an empty winner",
	})

	// OracleRequests counts randomness requests by outcome.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conviction_oracle_requests_total",
		Help: "Randomness requests by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conviction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conviction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conviction_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveInstruction records one instruction execution.
func ObserveInstruction(name, result string, start time.Time) {
	InstructionsTotal.WithLabelValues(name, result).Inc()
	InstructionLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
