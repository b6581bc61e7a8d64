// Package middleware provides the HTTP middleware of the query API:
// request IDs, CORS, API key auth, per-client rate limits, Prometheus
// instrumentation and request timeouts.
package middleware

import (
	"net/http"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
)

// Metrics records request count, latency and the in-flight gauge. It must
// wrap the ServeMux directly so the matched route pattern is visible after
// the call.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPStarted()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			m.HTTPFinished(r.Method, route(r), sw.status, time.Since(start))
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// route keeps label cardinality bounded: document ids and page numbers
// stay inside the pattern.
func route(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}
