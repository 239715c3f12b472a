package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/hospitalcore/gateway/internal/observability"
)

// Recovery converts handler panics into 500 responses and logs the stack.
func Recovery(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).Error("panic recovered",
						observability.Any("panic", rec),
						observability.String("path", r.URL.Path),
						observability.String("stack", string(debug.Stack())))
					writeJSONError(w, http.StatusInternalServerError,
						"internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
