// Package retry wraps the dispatcher with bounded, deadline-aware retry of
// idempotent requests.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/hospitalcore/gateway/internal"
	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/dispatch"
	"github.com/hospitalcore/gateway/internal/observability"
)

// Plan describes how failed attempts are retried.
type Plan struct {
	// MaxAttempts bounds the total attempts, first try included.
	MaxAttempts int
	// Backoff holds the waits between attempts. The last entry repeats
	// when attempts outnumber entries; an empty list means no wait.
	Backoff []time.Duration
	// Retryable lists the failure kinds worth another attempt.
	Retryable map[dispatch.FailureKind]bool
}

// DefaultPlan retries connection refusals, resets, and timeouts up to three
// attempts.
func DefaultPlan() Plan {
	return Plan{
		MaxAttempts: 3,
		Backoff:     []time.Duration{100 * time.Millisecond, 300 * time.Millisecond},
		Retryable: map[dispatch.FailureKind]bool{
			dispatch.FailureConnectionRefused: true,
			dispatch.FailureConnectionReset:   true,
			dispatch.FailureTimeout:           true,
		},
	}
}

// PlanFromConfig builds a plan from configuration.
func PlanFromConfig(cfg config.RetryConfig) (Plan, error) {
	plan := Plan{
		MaxAttempts: cfg.MaxAttempts,
		Retryable:   make(map[dispatch.FailureKind]bool, len(cfg.RetryableKinds)),
	}
	for _, d := range cfg.Backoff {
		plan.Backoff = append(plan.Backoff, d.Duration())
	}
	for _, name := range cfg.RetryableKinds {
		kind, err := dispatch.ParseFailureKind(name)
		if err != nil {
			return Plan{}, err
		}
		plan.Retryable[kind] = true
	}
	return plan, nil
}

// backoffFor returns the wait after the given 1-based attempt.
func (p Plan) backoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Sender performs a single dispatch attempt. *dispatch.Dispatcher is the
// production implementation.
type Sender interface {
	Dispatch(ctx context.Context, backend string, req *dispatch.Request) dispatch.Outcome
}

// Controller sends requests through the dispatcher, retrying failed
// idempotent attempts on a fresh connection. Backend error responses are
// never retried; the backend has spoken.
type Controller struct {
	dispatcher Sender
	clock      internal.Clock
	logger     observability.Logger
	onRetry    func(backend string)

	mu   sync.RWMutex
	plan Plan
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for backoff waits.
func WithClock(clock internal.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithLogger sets the controller's logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithRetryObserver sets a callback invoked once per retried attempt.
func WithRetryObserver(fn func(backend string)) Option {
	return func(c *Controller) {
		c.onRetry = fn
	}
}

// NewController creates a retry controller with the given plan.
func NewController(dispatcher Sender, plan Plan, opts ...Option) *Controller {
	c := &Controller{
		dispatcher: dispatcher,
		clock:      internal.NewRealClock(),
		logger:     observability.NopLogger(),
		plan:       plan,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPlan swaps the retry plan. Used by configuration reload.
func (c *Controller) SetPlan(plan Plan) {
	c.mu.Lock()
	c.plan = plan
	c.mu.Unlock()
}

// Plan returns the current retry plan.
func (c *Controller) Plan() Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan
}

// Send dispatches the request, retrying per the plan. Non-idempotent
// requests get exactly one attempt. Each retry waits out the backoff, skips
// the attempt entirely if the caller's deadline would expire first, and runs
// on a freshly acquired connection.
func (c *Controller) Send(ctx context.Context, backend string, req *dispatch.Request) dispatch.Outcome {
	plan := c.Plan()

	attempts := plan.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if !req.Idempotent() {
		attempts = 1
	}

	attemptReq := req
	var outcome dispatch.Outcome
	for attempt := 1; ; attempt++ {
		outcome = c.dispatcher.Dispatch(ctx, backend, attemptReq)
		if outcome.Success() {
			return outcome
		}
		if attempt >= attempts || !plan.Retryable[outcome.Failure.Kind] {
			return outcome
		}

		backoff := plan.backoffFor(attempt)
		if deadline, ok := ctx.Deadline(); ok {
			if c.clock.Now().Add(backoff).After(deadline) {
				return outcome
			}
		}

		next, err := attemptReq.Clone()
		if err != nil {
			return outcome
		}

		if c.onRetry != nil {
			c.onRetry(backend)
		}
		c.logger.Debug("retrying request",
			observability.String("backend", backend),
			observability.String("failure", outcome.Failure.Kind.String()),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff))

		if backoff > 0 {
			timer := c.clock.NewTimer(backoff)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return outcome
			}
		}
		attemptReq = next
	}
}
