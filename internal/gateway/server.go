package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hospitalcore/gateway/internal"
	"github.com/hospitalcore/gateway/internal/breaker"
	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/dispatch"
	"github.com/hospitalcore/gateway/internal/metrics"
	"github.com/hospitalcore/gateway/internal/middleware"
	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/registry"
	"github.com/hospitalcore/gateway/internal/relay"
	"github.com/hospitalcore/gateway/internal/retry"
	"github.com/hospitalcore/gateway/internal/router"
)

// Server wires the gateway together: registry, pools, dispatch, retry,
// routing, middleware, and the proxy and admin listeners.
type Server struct {
	cfg    *config.GatewayConfig
	logger observability.Logger
	clock  internal.Clock

	registry *registry.Registry
	pools    *pool.Manager
	retrier  *retry.Controller
	health   *registry.HealthChecker
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry

	localLimiter *middleware.LocalLimiter
	redisLimiter *middleware.RedisLimiter

	proxySrv *http.Server
	adminSrv *http.Server

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerClock sets the clock used by pools, retries, and background
// loops.
func WithServerClock(clock internal.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// NewServer builds a gateway server from configuration.
func NewServer(cfg *config.GatewayConfig, logger observability.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     internal.NewRealClock(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	for _, opt := range opts {
		opt(s)
	}

	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building backend registry: %w", err)
	}
	s.registry = reg

	compression := cfg.Defaults.Compression == nil || *cfg.Defaults.Compression
	keepAlive := cfg.Defaults.KeepAlive == nil || *cfg.Defaults.KeepAlive
	s.pools = pool.NewManager(reg,
		pool.WithClock(s.clock),
		pool.WithLogger(s.logger),
		pool.WithCompression(compression),
		pool.WithKeepAlive(keepAlive))

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(collectors.NewGoCollector())
	s.promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.promReg)

	plan, err := retry.PlanFromConfig(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("building retry plan: %w", err)
	}
	dispatcher := dispatch.NewDispatcher(s.pools, s.logger)
	s.retrier = retry.NewController(dispatcher, plan,
		retry.WithClock(s.clock),
		retry.WithLogger(s.logger),
		retry.WithRetryObserver(func(backend string) {
			s.metrics.RetriesTotal.WithLabelValues(backend).Inc()
		}))

	if cfg.CircuitBreaker.Enabled {
		s.breakers = breaker.NewRegistry(cfg.CircuitBreaker, s.logger)
	}

	if cfg.HealthCheck.Enabled {
		s.health = registry.NewHealthChecker(reg,
			registry.WithHealthLogger(s.logger),
			registry.WithHealthClock(s.clock),
			registry.WithInterval(cfg.HealthCheck.Interval.Duration()),
			registry.WithProbeTimeout(cfg.HealthCheck.Timeout.Duration()),
			registry.WithThresholds(cfg.HealthCheck.HealthyThreshold, cfg.HealthCheck.UnhealthyThreshold))
	}

	rt := router.New(cfg.Routes)
	handlerOpts := []HandlerOption{
		WithMetrics(s.metrics),
		WithForwardedHeaders(cfg.Defaults.ForwardedHeaderWhitelist),
	}
	if s.breakers != nil {
		handlerOpts = append(handlerOpts, WithBreakers(s.breakers))
	}
	handler := NewHandler(rt, s.retrier, relay.New(s.logger), s.logger, handlerOpts...)

	chain := []middleware.Middleware{
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
	}
	if cfg.CORS.Enabled {
		chain = append(chain, middleware.CORS(cfg.CORS))
	}
	if cfg.RateLimit.Enabled {
		limiter, err := s.buildLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		chain = append(chain, middleware.RateLimit(limiter, s.logger,
			middleware.WithLimitObserver(s.metrics.RateLimitedTotal.Inc)))
	}
	chain = append(chain, middleware.Timeout(cfg.Timeout.RequestTimeout.Duration()))

	s.proxySrv = &http.Server{
		Addr:         cfg.Listener.Address,
		Handler:      middleware.Chain(handler, chain...),
		ReadTimeout:  cfg.Listener.ReadTimeout.Duration(),
		WriteTimeout: cfg.Listener.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Listener.IdleTimeout.Duration(),
	}

	if cfg.Admin.Enabled {
		engine := newAdminEngine(adminState{
			registry:  reg,
			pools:     s.pools,
			router:    rt,
			breakers:  s.breakers,
			readiness: cfg.HealthCheck.ReadinessBackends,
			gatherer:  s.promReg,
		})
		s.adminSrv = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: engine,
		}
	}

	return s, nil
}

func (s *Server) buildLimiter(cfg config.RateLimitConfig) (middleware.Limiter, error) {
	switch cfg.Store {
	case "redis":
		s.redisLimiter = middleware.NewRedisLimiter(cfg)
		return s.redisLimiter, nil
	case "local", "":
		s.localLimiter = middleware.NewLocalLimiter(cfg,
			middleware.WithLimiterClock(s.clock))
		return s.localLimiter, nil
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}
}

// Start begins serving. It blocks until a listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	if s.health != nil {
		s.health.Start()
	}
	go s.statsLoop()

	errCh := make(chan error, 2)

	if s.adminSrv != nil {
		go func() {
			s.logger.Info("admin server listening",
				observability.String("address", s.adminSrv.Addr))
			if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("gateway listening",
			observability.String("address", s.proxySrv.Addr))
		if err := s.proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.stopCh:
		return nil
	}
}

// ApplyConfig applies reloadable settings from a fresh configuration:
// the retry plan and per-backend connection timeouts. Structural settings,
// routes and pool ceilings included, require a restart.
func (s *Server) ApplyConfig(cfg *config.GatewayConfig) {
	plan, err := retry.PlanFromConfig(cfg.Retry)
	if err != nil {
		s.logger.Error("ignoring reloaded retry config", observability.Error(err))
	} else {
		s.retrier.SetPlan(plan)
	}

	for i := range cfg.Backends {
		bc := &cfg.Backends[i]
		b, err := s.registry.Lookup(bc.Name)
		if err != nil {
			continue
		}
		b.ConnectTimeout.Store(bc.EffectiveConnectTimeout(cfg.Defaults))
		b.IdleTimeout.Store(bc.EffectiveIdleTimeout(cfg.Defaults))
	}

	s.logger.Info("configuration applied")
}

// Shutdown stops listeners, background loops, the health checker, and the
// pools.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)

	var firstErr error
	if err := s.proxySrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	<-s.stoppedCh
	if s.health != nil {
		s.health.Stop()
	}
	if s.localLimiter != nil {
		s.localLimiter.Stop()
	}
	if s.redisLimiter != nil {
		s.redisLimiter.Close()
	}
	s.pools.Close()
	return firstErr
}

// statsLoop refreshes pool and health gauges.
func (s *Server) statsLoop() {
	defer close(s.stoppedCh)

	ticker := s.clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			for _, st := range s.pools.Stats() {
				s.metrics.SetPoolStats(st.Backend, st.Live, st.Idle, st.Waiting)
			}
			for _, b := range s.registry.All() {
				s.metrics.SetBackendHealth(b.Name, b.Healthy())
			}
		}
	}
}
