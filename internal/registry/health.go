package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hospitalcore/gateway/internal"
	"github.com/hospitalcore/gateway/internal/observability"
)

const defaultHealthPath = "/q/health/live"

// HealthChecker periodically probes backend liveness endpoints and updates
// the advisory health state in the registry. A backend is demoted after
// unhealthyThreshold consecutive failures and promoted after
// healthyThreshold consecutive successes.
type HealthChecker struct {
	registry *Registry
	client   *http.Client
	logger   observability.Logger
	clock    internal.Clock

	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int

	mu     sync.Mutex
	counts map[string]*probeCount

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type probeCount struct {
	successes int
	failures  int
}

// HealthCheckerOption configures a HealthChecker.
type HealthCheckerOption func(*HealthChecker)

// WithHealthLogger sets the checker's logger.
func WithHealthLogger(logger observability.Logger) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.logger = logger
	}
}

// WithHealthClock sets the clock used to schedule probes.
func WithHealthClock(clock internal.Clock) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.clock = clock
	}
}

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.interval = d
	}
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.timeout = d
	}
}

// WithThresholds sets the healthy and unhealthy consecutive-probe
// thresholds.
func WithThresholds(healthy, unhealthy int) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.healthyThreshold = healthy
		h.unhealthyThreshold = unhealthy
	}
}

// NewHealthChecker creates a health checker for the given registry.
func NewHealthChecker(registry *Registry, opts ...HealthCheckerOption) *HealthChecker {
	h := &HealthChecker{
		registry:           registry,
		logger:             observability.NopLogger(),
		clock:              internal.NewRealClock(),
		interval:           10 * time.Second,
		timeout:            2 * time.Second,
		healthyThreshold:   2,
		unhealthyThreshold: 3,
		counts:             make(map[string]*probeCount),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	// Probes deliberately bypass the connection pool: they must observe
	// the backend even when the pool is saturated.
	h.client = &http.Client{
		Timeout: h.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

// Start begins periodic probing.
func (h *HealthChecker) Start() {
	go h.run()
}

// Stop stops probing and waits for the probe goroutine to exit.
func (h *HealthChecker) Stop() {
	close(h.stopCh)
	<-h.stoppedCh
}

func (h *HealthChecker) run() {
	defer close(h.stoppedCh)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.probeAll()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.Chan():
			h.probeAll()
		}
	}
}

func (h *HealthChecker) probeAll() {
	var wg sync.WaitGroup
	for _, b := range h.registry.All() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			h.probe(b)
		}(b)
	}
	wg.Wait()
}

func (h *HealthChecker) probe(b *Backend) {
	path := b.HealthPath
	if path == "" {
		path = defaultHealthPath
	}
	url := "http://" + b.Address() + path

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		h.record(b, false)
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.record(b, false)
		return
	}
	resp.Body.Close()

	h.record(b, resp.StatusCode >= 200 && resp.StatusCode < 300)
}

func (h *HealthChecker) record(b *Backend, success bool) {
	h.mu.Lock()
	count, ok := h.counts[b.Name]
	if !ok {
		count = &probeCount{}
		h.counts[b.Name] = count
	}
	if success {
		count.successes++
		count.failures = 0
	} else {
		count.failures++
		count.successes = 0
	}
	promote := success && count.successes >= h.healthyThreshold
	demote := !success && count.failures >= h.unhealthyThreshold
	h.mu.Unlock()

	if promote && b.SetHealthy(true) {
		h.logger.Info("backend healthy",
			observability.String("backend", b.Name),
			observability.String("address", b.Address()))
	}
	if demote && b.SetHealthy(false) {
		h.logger.Warn("backend unhealthy",
			observability.String("backend", b.Name),
			observability.String("address", b.Address()))
	}
}
