package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/observability"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGenerated(t *testing.T) {
	t.Parallel()

	var captured string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
	}), RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, captured)
	_, err := uuid.Parse(captured)
	require.NoError(t, err)
	assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPreserved(t *testing.T) {
	t.Parallel()

	var captured, tenant string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
		tenant = observability.TenantIDFromContext(r.Context())
	}), RequestID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	req.Header.Set(TenantIDHeader, "hospital-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "caller-id", captured)
	assert.Equal(t, "hospital-7", tenant)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	t.Parallel()

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recovery(observability.NopLogger()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestTimeoutSetsDeadline(t *testing.T) {
	t.Parallel()

	var hadDeadline bool
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}), Timeout(time.Second))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, hadDeadline)
}

func TestTimeoutZeroDisabled(t *testing.T) {
	t.Parallel()

	var hadDeadline bool
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}), Timeout(0))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, hadDeadline)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	h := Chain(okHandler(), CORS(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         config.Duration(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/patients", nil)
	req.Header.Set("Origin", "https://portal.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSRestrictedOrigin(t *testing.T) {
	t.Parallel()

	h := Chain(okHandler(), CORS(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://allowed.example.org"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLocalLimiterEnforcesBurst(t *testing.T) {
	t.Parallel()

	limiter := NewLocalLimiter(config.RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             2,
		ClientTTL:         config.Duration(time.Minute),
	})
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Separate clients have separate buckets.
	allowed, err = limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	limiter := NewLocalLimiter(config.RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		ClientTTL:         config.Duration(time.Minute),
	})
	defer limiter.Stop()

	h := Chain(okHandler(), RateLimit(limiter, observability.NopLogger()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestRateLimitKeyedByTenant(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	assert.Equal(t, "ip:10.0.0.1", clientKey(req))

	req.Header.Set(TenantIDHeader, "hospital-7")
	assert.Equal(t, "tenant:hospital-7", clientKey(req))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func TestRateLimitFailsOpen(t *testing.T) {
	t.Parallel()

	h := Chain(okHandler(), RateLimit(failingLimiter{}, observability.NopLogger()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
