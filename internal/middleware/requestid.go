package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/hospitalcore/gateway/internal/observability"
)

// RequestIDHeader is the correlation header propagated to backends and
// echoed to callers.
const RequestIDHeader = "X-Request-ID"

// TenantIDHeader identifies the hospital tenant on multi-tenant requests.
const TenantIDHeader = "X-Tenant-Id"

// RequestID assigns each request a correlation ID, reusing the caller's if
// present, and stores it with the tenant ID in the request context.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
				r.Header.Set(RequestIDHeader, requestID)
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			if tenantID := r.Header.Get(TenantIDHeader); tenantID != "" {
				ctx = observability.ContextWithTenantID(ctx, tenantID)
			}

			w.Header().Set(RequestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
