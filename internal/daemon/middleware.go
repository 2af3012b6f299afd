package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/childguard/daemon/pkg/logger"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "admin_http", Name: "requests_total",
		Help: "Admin HTTP requests by path and status code.",
	}, []string{"path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "childguard", Subsystem: "admin_http", Name: "request_duration_seconds",
		Help: "Admin HTTP request latency.",
	}, []string{"path"})

	httpRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "admin_http", Name: "rate_limited_total",
		Help: "Admin HTTP requests rejected by the rate limiter.",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRateLimited)
}

// rateLimitMiddleware rejects requests once the shared token bucket is
// exhausted, protecting the admin surface from a runaway or misbehaving
// client rather than from legitimate concurrent load.
func rateLimitMiddleware(limiter *rate.Limiter, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httpRateLimited.WithLabelValues(r.URL.Path).Inc()
				log.Warn("admin http rate limit exceeded", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate_limit_exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs every admin HTTP request with its outcome and
// latency.
func loggingMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.Info("admin http request",
				"method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr,
				"status_code", wrapped.statusCode, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// metricsMiddleware records request count and latency histograms per
// path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		httpRequestsTotal.WithLabelValues(r.URL.Path, http.StatusText(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// responseWrapper captures the status code a handler wrote, since
// http.ResponseWriter doesn't expose it after the fact.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
