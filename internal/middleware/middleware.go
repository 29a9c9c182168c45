// Package middleware holds the HTTP cross-cutting layers: trace propagation,
// request logging, and ingress rate limiting.
package middleware

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

// TraceIDKey is the request-context key carrying the trace ID.
const TraceIDKey contextKey = "trace_id"

// TraceHeader is the inbound/outbound trace header.
const TraceHeader = "X-Trace-Id"

// TraceID adopts the caller's trace ID or generates one, and echoes it on
// the response so callers can always locate the audit chain.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceHeader, traceID)
		ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceFromContext returns the request's trace ID, or empty.
func TraceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging writes one line per request with method, path, status, duration
// and trace ID.
func Logging(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s %d %s trace=%s",
				r.Method, r.URL.Path, rec.status, time.Since(start), TraceFromContext(r.Context()))
		})
	}
}
