package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashgate-io/s3relay/internal/metrics"
	"github.com/ashgate-io/s3relay/internal/tracecontext"
	"github.com/ashgate-io/s3relay/internal/xmlutil"
)

// generateRequestID generates a 16-character uppercase hexadecimal request
// ID using crypto/rand.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016X", time.Now().UnixNano())
	}
	return fmt.Sprintf("%X", b)
}

// commonHeaders injects common S3 response headers on every response:
// x-amz-request-id, Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-amz-request-id", generateRequestID())
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "s3relay")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the status code for
// metrics purposes.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// traceContextKey is the request context key holding the current request's
// tracecontext.Context, set by tracingMiddleware and read by dispatch when
// it calls into the egress backend.
type traceContextKey struct{}

func withTraceContext(ctx context.Context, tc tracecontext.Context) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

func traceContextFromRequest(r *http.Request) (tracecontext.Context, bool) {
	tc, ok := r.Context().Value(traceContextKey{}).(tracecontext.Context)
	return tc, ok
}

// tracingMiddleware extracts an incoming W3C traceparent or starts a new
// trace, applies the sampler to decide the sampled bit, and carries the
// result through the request context so dispatch can propagate it to the
// egress backend and the response. A nil sampler disables the middleware.
func tracingMiddleware(sampler *tracecontext.RuleSampler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if sampler == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := tracecontext.Extract(r.Header)
			if !ok {
				tc = tracecontext.GenerateContext()
			}

			decision := sampler.ShouldSample(r.URL.Path, r.Method, nil)
			tc.SetSampled(decision == tracecontext.Sample)

			w.Header().Set("traceparent", tc.Traceparent())

			ctx := withTraceContext(r.Context(), tc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// metricsMiddleware records request count and duration by method and
// normalized path. The /metrics endpoint itself lives on a separate
// listener and never passes through this chain.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		normalizedPath := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
	})
}
