// Package config provides configuration loading, validation, and hot-reload
// for the gateway.
package config

import "time"

// GatewayConfig is the top-level gateway configuration.
type GatewayConfig struct {
	Listener       ListenerConfig       `yaml:"listener"`
	Defaults       BackendDefaults      `yaml:"defaults"`
	Backends       []BackendConfig      `yaml:"backends"`
	Routes         []RouteConfig        `yaml:"routes"`
	Retry          RetryConfig          `yaml:"retry"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	CORS           CORSConfig           `yaml:"cors"`
	Timeout        TimeoutConfig        `yaml:"timeout"`
	Admin          AdminConfig          `yaml:"admin"`
	Log            LogConfig            `yaml:"log"`
}

// ListenerConfig configures the proxy listener.
type ListenerConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`
}

// BackendDefaults holds connection settings applied to every backend that
// does not override them.
type BackendDefaults struct {
	ConnectTimeout           Duration `yaml:"connectTimeout"`
	IdleTimeout              Duration `yaml:"idleTimeout"`
	KeepAlive                *bool    `yaml:"keepAlive"`
	MaxConnections           int      `yaml:"maxConnections"`
	MaxMultiplexedStreams    int      `yaml:"maxMultiplexedStreams"`
	FollowRedirects          bool     `yaml:"followRedirects"`
	Compression              *bool    `yaml:"compression"`
	ForwardedHeaderWhitelist []string `yaml:"forwardedHeaderWhitelist"`
}

// BackendConfig describes a single upstream service.
type BackendConfig struct {
	Name                  string    `yaml:"name"`
	Host                  string    `yaml:"host"`
	Port                  int       `yaml:"port"`
	Multiplexed           bool      `yaml:"multiplexed"`
	ConnectTimeout        *Duration `yaml:"connectTimeout"`
	IdleTimeout           *Duration `yaml:"idleTimeout"`
	MaxConnections        *int      `yaml:"maxConnections"`
	MaxMultiplexedStreams *int      `yaml:"maxMultiplexedStreams"`
	HealthPath            string    `yaml:"healthPath"`
}

// RouteConfig maps a path prefix to a backend.
type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Backend     string `yaml:"backend"`
	StripPrefix bool   `yaml:"stripPrefix"`
	Rewrite     string `yaml:"rewrite"`
}

// RetryConfig configures the retry controller.
type RetryConfig struct {
	MaxAttempts    int        `yaml:"maxAttempts"`
	Backoff        []Duration `yaml:"backoff"`
	RetryableKinds []string   `yaml:"retryableKinds"`
}

// HealthCheckConfig configures the backend health checker.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Interval           Duration `yaml:"interval"`
	Timeout            Duration `yaml:"timeout"`
	HealthyThreshold   int      `yaml:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold"`
	// ReadinessBackends lists backends that must be healthy before the
	// gateway reports ready.
	ReadinessBackends []string `yaml:"readinessBackends"`
}

// RateLimitConfig configures client rate limiting.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
	// Store selects the limiter backend: "local" or "redis".
	Store        string   `yaml:"store"`
	RedisAddress string   `yaml:"redisAddress"`
	RedisDB      int      `yaml:"redisDB"`
	Window       Duration `yaml:"window"`
	ClientTTL    Duration `yaml:"clientTTL"`
}

// CircuitBreakerConfig configures per-backend circuit breakers.
type CircuitBreakerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MaxRequests  uint32   `yaml:"maxRequests"`
	Interval     Duration `yaml:"interval"`
	Timeout      Duration `yaml:"timeout"`
	MinRequests  uint32   `yaml:"minRequests"`
	FailureRatio float64  `yaml:"failureRatio"`
}

// CORSConfig configures cross-origin request handling.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           Duration `yaml:"maxAge"`
}

// TimeoutConfig configures the per-request deadline applied to proxied calls.
type TimeoutConfig struct {
	RequestTimeout Duration `yaml:"requestTimeout"`
}

// AdminConfig configures the admin and metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default connection settings, matching the upstream services' expectations.
const (
	DefaultConnectTimeout        = 5 * time.Second
	DefaultIdleTimeout           = 30 * time.Second
	DefaultMaxConnections        = 100
	DefaultMaxMultiplexedStreams = 50
	DefaultRequestTimeout        = 30 * time.Second
)

// DefaultConfig returns a configuration populated with defaults. Backends and
// routes are empty; callers are expected to load those from a file.
func DefaultConfig() *GatewayConfig {
	keepAlive := true
	compression := true
	return &GatewayConfig{
		Listener: ListenerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Defaults: BackendDefaults{
			ConnectTimeout:        Duration(DefaultConnectTimeout),
			IdleTimeout:           Duration(DefaultIdleTimeout),
			KeepAlive:             &keepAlive,
			MaxConnections:        DefaultMaxConnections,
			MaxMultiplexedStreams: DefaultMaxMultiplexedStreams,
			FollowRedirects:       false,
			Compression:           &compression,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			Backoff:        []Duration{Duration(100 * time.Millisecond), Duration(300 * time.Millisecond)},
			RetryableKinds: []string{"connection_refused", "connection_reset", "timeout"},
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(2 * time.Second),
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             200,
			Store:             "local",
			Window:            Duration(time.Second),
			ClientTTL:         Duration(10 * time.Minute),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      false,
			MaxRequests:  5,
			Interval:     Duration(60 * time.Second),
			Timeout:      Duration(30 * time.Second),
			MinRequests:  10,
			FailureRatio: 0.5,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-Id", "X-User-Id"},
			MaxAge:         Duration(12 * time.Hour),
		},
		Timeout: TimeoutConfig{
			RequestTimeout: Duration(DefaultRequestTimeout),
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// EffectiveConnectTimeout returns the backend's connect timeout, falling
// back to the defaults section.
func (b *BackendConfig) EffectiveConnectTimeout(d BackendDefaults) time.Duration {
	if b.ConnectTimeout != nil {
		return b.ConnectTimeout.Duration()
	}
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout.Duration()
	}
	return DefaultConnectTimeout
}

// EffectiveIdleTimeout returns the backend's idle timeout, falling back to
// the defaults section.
func (b *BackendConfig) EffectiveIdleTimeout(d BackendDefaults) time.Duration {
	if b.IdleTimeout != nil {
		return b.IdleTimeout.Duration()
	}
	if d.IdleTimeout > 0 {
		return d.IdleTimeout.Duration()
	}
	return DefaultIdleTimeout
}

// EffectiveMaxConnections returns the backend's live-connection ceiling,
// falling back to the defaults section.
func (b *BackendConfig) EffectiveMaxConnections(d BackendDefaults) int {
	if b.MaxConnections != nil {
		return *b.MaxConnections
	}
	if d.MaxConnections > 0 {
		return d.MaxConnections
	}
	return DefaultMaxConnections
}

// EffectiveMaxMultiplexedStreams returns the per-connection stream ceiling
// for multiplexed backends, falling back to the defaults section.
func (b *BackendConfig) EffectiveMaxMultiplexedStreams(d BackendDefaults) int {
	if b.MaxMultiplexedStreams != nil {
		return *b.MaxMultiplexedStreams
	}
	if d.MaxMultiplexedStreams > 0 {
		return d.MaxMultiplexedStreams
	}
	return DefaultMaxMultiplexedStreams
}
