// Package registry tracks the set of known backends and their advisory
// health state.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hospitalcore/gateway/internal/config"
)

// ErrUnknownBackend is returned when a lookup names a backend that is not
// registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend is a single upstream service. Health is advisory: it influences
// readiness reporting and observability but never blocks dispatch, since a
// connection attempt is itself the most accurate probe.
type Backend struct {
	Name                  string
	Host                  string
	Port                  int
	Multiplexed           bool
	ConnectTimeout        atomicDuration
	IdleTimeout           atomicDuration
	MaxConnections        int
	MaxMultiplexedStreams int
	HealthPath            string

	healthy atomic.Bool
}

// Address returns the backend's host:port dial address.
func (b *Backend) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Healthy reports the backend's last known health state.
func (b *Backend) Healthy() bool {
	return b.healthy.Load()
}

// SetHealthy updates the backend's health state and reports whether the
// state changed.
func (b *Backend) SetHealthy(healthy bool) bool {
	return b.healthy.Swap(healthy) != healthy
}

// Registry is a concurrency-safe collection of backends keyed by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// FromConfig builds a registry from configuration, applying defaults to
// backends that do not override them. Backends start healthy; the health
// checker demotes them after consecutive probe failures.
func FromConfig(cfg *config.GatewayConfig) (*Registry, error) {
	r := New()
	for i := range cfg.Backends {
		bc := &cfg.Backends[i]
		b := &Backend{
			Name:                  bc.Name,
			Host:                  bc.Host,
			Port:                  bc.Port,
			Multiplexed:           bc.Multiplexed,
			MaxConnections:        bc.EffectiveMaxConnections(cfg.Defaults),
			MaxMultiplexedStreams: bc.EffectiveMaxMultiplexedStreams(cfg.Defaults),
			HealthPath:            bc.HealthPath,
		}
		b.ConnectTimeout.Store(bc.EffectiveConnectTimeout(cfg.Defaults))
		b.IdleTimeout.Store(bc.EffectiveIdleTimeout(cfg.Defaults))
		b.healthy.Store(true)
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a backend to the registry.
func (r *Registry) Register(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name]; exists {
		return fmt.Errorf("backend %q already registered", b.Name)
	}
	r.backends[b.Name] = b
	return nil
}

// Lookup returns the backend with the given name.
func (r *Registry) Lookup(name string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// All returns all registered backends, sorted by name.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backends := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Name < backends[j].Name
	})
	return backends
}

// atomicDuration stores a time.Duration updatable without locking, so the
// config watcher can adjust timeouts on live backends.
type atomicDuration struct {
	v atomic.Int64
}

func (d *atomicDuration) Store(val time.Duration) {
	d.v.Store(int64(val))
}

func (d *atomicDuration) Load() time.Duration {
	return time.Duration(d.v.Load())
}
