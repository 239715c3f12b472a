package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds each request with a deadline. Downstream dispatch, pool
// waiting, and retry backoff all observe the same deadline through the
// request context.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
