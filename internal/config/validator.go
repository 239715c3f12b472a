package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidateConfig checks the configuration for problems. It returns the first
// error found.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg.Listener.Address == "" {
		return &ValidationError{Field: "listener.address", Message: "must not be empty"}
	}

	// Redirect following is not supported: the relay streams responses
	// verbatim and redirects must reach the caller unmodified.
	if cfg.Defaults.FollowRedirects {
		return &ValidationError{Field: "defaults.followRedirects", Message: "must be false; redirects are relayed to the caller"}
	}

	if cfg.Defaults.MaxConnections < 1 {
		return &ValidationError{Field: "defaults.maxConnections", Message: "must be at least 1"}
	}
	if cfg.Defaults.MaxMultiplexedStreams < 1 {
		return &ValidationError{Field: "defaults.maxMultiplexedStreams", Message: "must be at least 1"}
	}

	backendNames := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		field := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "must not be empty"}
		}
		if backendNames[b.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate backend %q", b.Name)}
		}
		backendNames[b.Name] = true
		if b.Host == "" {
			return &ValidationError{Field: field + ".host", Message: "must not be empty"}
		}
		if b.Port < 1 || b.Port > 65535 {
			return &ValidationError{Field: field + ".port", Message: "must be between 1 and 65535"}
		}
		if b.MaxConnections != nil && *b.MaxConnections < 1 {
			return &ValidationError{Field: field + ".maxConnections", Message: "must be at least 1"}
		}
		if b.MaxMultiplexedStreams != nil && *b.MaxMultiplexedStreams < 1 {
			return &ValidationError{Field: field + ".maxMultiplexedStreams", Message: "must be at least 1"}
		}
	}

	prefixes := make(map[string]bool, len(cfg.Routes))
	for i, r := range cfg.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return &ValidationError{Field: field + ".prefix", Message: "must start with /"}
		}
		if prefixes[r.Prefix] {
			return &ValidationError{Field: field + ".prefix", Message: fmt.Sprintf("duplicate route prefix %q", r.Prefix)}
		}
		prefixes[r.Prefix] = true
		if r.Backend == "" {
			return &ValidationError{Field: field + ".backend", Message: "must not be empty"}
		}
		if !backendNames[r.Backend] {
			return &ValidationError{Field: field + ".backend", Message: fmt.Sprintf("unknown backend %q", r.Backend)}
		}
		if r.StripPrefix && r.Rewrite != "" {
			return &ValidationError{Field: field, Message: "stripPrefix and rewrite are mutually exclusive"}
		}
		if r.Rewrite != "" && !strings.HasPrefix(r.Rewrite, "/") {
			return &ValidationError{Field: field + ".rewrite", Message: "must start with /"}
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return &ValidationError{Field: "retry.maxAttempts", Message: "must be at least 1"}
	}
	for _, kind := range cfg.Retry.RetryableKinds {
		switch kind {
		case "connection_refused", "connection_reset", "timeout", "pool_exhausted":
		default:
			return &ValidationError{Field: "retry.retryableKinds", Message: fmt.Sprintf("unknown failure kind %q", kind)}
		}
	}

	if cfg.HealthCheck.Enabled {
		if cfg.HealthCheck.Interval <= 0 {
			return &ValidationError{Field: "healthCheck.interval", Message: "must be positive"}
		}
		if cfg.HealthCheck.HealthyThreshold < 1 {
			return &ValidationError{Field: "healthCheck.healthyThreshold", Message: "must be at least 1"}
		}
		if cfg.HealthCheck.UnhealthyThreshold < 1 {
			return &ValidationError{Field: "healthCheck.unhealthyThreshold", Message: "must be at least 1"}
		}
		for _, name := range cfg.HealthCheck.ReadinessBackends {
			if !backendNames[name] {
				return &ValidationError{Field: "healthCheck.readinessBackends", Message: fmt.Sprintf("unknown backend %q", name)}
			}
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return &ValidationError{Field: "rateLimit.requestsPerSecond", Message: "must be positive"}
		}
		switch cfg.RateLimit.Store {
		case "local", "redis":
		default:
			return &ValidationError{Field: "rateLimit.store", Message: `must be "local" or "redis"`}
		}
		if cfg.RateLimit.Store == "redis" && cfg.RateLimit.RedisAddress == "" {
			return &ValidationError{Field: "rateLimit.redisAddress", Message: "required when store is redis"}
		}
	}

	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureRatio <= 0 || cfg.CircuitBreaker.FailureRatio > 1 {
			return &ValidationError{Field: "circuitBreaker.failureRatio", Message: "must be in (0, 1]"}
		}
	}

	return nil
}
