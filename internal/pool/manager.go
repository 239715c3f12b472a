package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hospitalcore/gateway/internal/registry"
)

// Manager owns one Pool per registered backend.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager builds a pool for every backend in the registry.
func NewManager(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{pools: make(map[string]*Pool)}
	for _, b := range reg.All() {
		m.pools[b.Name] = New(b, opts...)
	}
	return m
}

// Pool returns the pool for the named backend.
func (m *Manager) Pool(backend string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownBackend, backend)
	}
	return p, nil
}

// Stats reports occupancy for every pool, sorted by backend name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Backend < stats[j].Backend
	})
	return stats
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}
