// Package middleware provides the HTTP middleware of the chat API.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/chat_layer/internal/address"
	"github.com/R3E-Network/chat_layer/internal/logging"
)

// OwnerHeader carries the acting wallet address.
const OwnerHeader = "X-Owner-Address"

// TracingMiddleware assigns a trace id, tags the acting address and logs
// each request.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Generate or extract trace ID
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		// Unverified; tags logs only.
		if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); address.Valid(owner) {
			ctx = logging.WithUserID(ctx, address.Normalize(owner))
		}

		// Echo trace ID to the client
		w.Header().Set("X-Trace-ID", traceID)

		// Capture status code for the request log
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		// Log request
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
