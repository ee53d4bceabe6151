package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_layer",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter touches by bucket, serving backend and outcome.",
		},
		[]string{"bucket", "backend", "allowed"},
	)

	rateLimitFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_layer",
			Subsystem: "ratelimit",
			Name:      "fallbacks_total",
			Help:      "Remote limiter failures answered by the memory backend.",
		},
		[]string{"backend"},
	)

	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_layer",
			Subsystem: "conversations",
			Name:      "provisions_total",
			Help:      "Direct conversation provisioning outcomes.",
		},
		[]string{"outcome"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_layer",
			Subsystem: "messages",
			Name:      "posted_total",
			Help:      "Messages stored, by scope.",
		},
		[]string{"scope"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		rateLimitDecisions,
		rateLimitFallbacks,
		provisions,
		messages,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackInFlight counts a request as in flight until the returned func runs.
func TrackInFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// RecordHTTPRequest records a finished request. path must be a route
// template or CanonicalPath output so ids never become label values.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimit counts one limiter decision.
func RecordRateLimit(bucket, backend string, allowed bool) {
	rateLimitDecisions.WithLabelValues(bucket, backend, strconv.FormatBool(allowed)).Inc()
}

// RecordRateLimitFallback counts a remote limiter failure.
func RecordRateLimitFallback(backend string) {
	rateLimitFallbacks.WithLabelValues(backend).Inc()
}

// RecordProvision counts a provisioning outcome: created, existing or failed.
func RecordProvision(outcome string) {
	provisions.WithLabelValues(outcome).Inc()
}

// RecordMessage counts a stored message; scope is conversation or lobby.
func RecordMessage(scope string) {
	messages.WithLabelValues(scope).Inc()
}

// CanonicalPath maps /api/chats/<id>/messages to /api/chats/:id/messages and
// /api/contacts/<id> to /api/contacts/:id.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) < 2 {
		return "/" + parts[0]
	}
	switch {
	case parts[1] == "chats" && len(parts) >= 3 && parts[2] != "dm":
		if len(parts) >= 4 {
			return "/api/chats/:id/" + parts[3]
		}
		return "/api/chats/:id"
	case parts[1] == "contacts" && len(parts) >= 3:
		return "/api/contacts/:id"
	case len(parts) > 3:
		return "/" + strings.Join(parts[:3], "/")
	}
	return "/" + trimmed
}
