// Package breaker wraps dispatch with per-backend circuit breakers so a
// failing backend sheds load fast instead of tying up pool slots.
package breaker

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/observability"
)

// ErrOpen is returned when a backend's breaker rejects the request.
var ErrOpen = errors.New("breaker: open")

// Registry holds one circuit breaker per backend, created lazily.
type Registry struct {
	cfg    config.CircuitBreakerConfig
	logger observability.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates a breaker registry from configuration.
func NewRegistry(cfg config.CircuitBreakerConfig, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the backend's breaker. fn's boolean result reports
// whether the call counts as a success.
func (r *Registry) Execute(backend string, fn func() (success bool)) error {
	cb := r.breaker(backend)
	_, err := cb.Execute(func() (interface{}, error) {
		if fn() {
			return nil, nil
		}
		return nil, errors.New("backend failure")
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return nil
}

// State returns the breaker state name for the backend, "closed" if none
// exists yet.
func (r *Registry) State(backend string) string {
	r.mu.Lock()
	cb, ok := r.breakers[backend]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// States returns breaker states for all backends seen so far.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}

func (r *Registry) breaker(backend string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[backend]; ok {
		return cb
	}

	cfg := r.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backend,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Duration(),
		Timeout:     cfg.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})
	r.breakers[backend] = cb
	return cb
}
