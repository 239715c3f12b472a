package middleware

import (
	"net/http"
	"time"

	"github.com/hospitalcore/gateway/internal/observability"
)

// Logging logs one line per request with method, path, status, size, and
// duration.
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			logger.WithContext(r.Context()).Info("request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rec.status),
				observability.Int64("bytes", rec.bytes),
				observability.Duration("duration", time.Since(start)),
				observability.String("remote", r.RemoteAddr))
		})
	}
}
