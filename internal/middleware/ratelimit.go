package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hospitalcore/gateway/internal"
	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/observability"
)

// Limiter decides whether a client may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitSettings)

type rateLimitSettings struct {
	onLimited func()
}

// WithLimitObserver sets a callback invoked for each rejected request.
func WithLimitObserver(fn func()) RateLimitOption {
	return func(s *rateLimitSettings) {
		s.onLimited = fn
	}
}

// RateLimit rejects requests over the limit with 429. Limiter errors fail
// open: an unreachable limiter store must not take the gateway down.
func RateLimit(limiter Limiter, logger observability.Logger, opts ...RateLimitOption) Middleware {
	var settings rateLimitSettings
	for _, opt := range opts {
		opt(&settings)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request",
					observability.Error(err))
				allowed = true
			}
			if !allowed {
				if settings.onLimited != nil {
					settings.onLimited()
				}
				writeJSONError(w, http.StatusTooManyRequests,
					"rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the client: tenant header when present, otherwise
// the remote IP.
func clientKey(r *http.Request) string {
	if tenant := r.Header.Get(TenantIDHeader); tenant != "" {
		return "tenant:" + tenant
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// LocalLimiter applies a per-client token bucket in process memory. Idle
// client entries are dropped after a TTL to bound memory.
type LocalLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	clock internal.Clock

	mu      sync.Mutex
	clients map[string]*clientEntry

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalLimiterOption configures a LocalLimiter.
type LocalLimiterOption func(*LocalLimiter)

// WithLimiterClock sets the clock used for TTL cleanup.
func WithLimiterClock(clock internal.Clock) LocalLimiterOption {
	return func(l *LocalLimiter) {
		l.clock = clock
	}
}

// NewLocalLimiter creates an in-process limiter from configuration and
// starts its cleanup goroutine.
func NewLocalLimiter(cfg config.RateLimitConfig, opts ...LocalLimiterOption) *LocalLimiter {
	l := &LocalLimiter{
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		ttl:       cfg.ClientTTL.Duration(),
		clock:     internal.NewRealClock(),
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if l.burst < 1 {
		l.burst = 1
	}
	if l.ttl <= 0 {
		l.ttl = 10 * time.Minute
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the client may proceed.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	entry, ok := l.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastAccess = l.clock.Now()
	l.mu.Unlock()

	return entry.limiter.Allow(), nil
}

// Stop stops the cleanup goroutine.
func (l *LocalLimiter) Stop() {
	close(l.stopCh)
	<-l.stoppedCh
}

func (l *LocalLimiter) cleanupLoop() {
	defer close(l.stoppedCh)

	ticker := l.clock.NewTicker(l.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.Chan():
			l.cleanup()
		}
	}
}

func (l *LocalLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.clients {
		if l.clock.Since(entry.lastAccess) > l.ttl {
			delete(l.clients, key)
		}
	}
}
