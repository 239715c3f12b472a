package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/config"
)

func TestFromConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	override := config.Duration(2 * time.Second)
	maxConns := 10
	cfg.Backends = []config.BackendConfig{
		{Name: "patient-service", Host: "patients", Port: 8082},
		{Name: "medical-records-service", Host: "records", Port: 8085,
			Multiplexed: true, ConnectTimeout: &override, MaxConnections: &maxConns},
	}

	reg, err := FromConfig(cfg)
	require.NoError(t, err)

	b, err := reg.Lookup("patient-service")
	require.NoError(t, err)
	assert.Equal(t, "patients:8082", b.Address())
	assert.Equal(t, 5*time.Second, b.ConnectTimeout.Load())
	assert.Equal(t, 30*time.Second, b.IdleTimeout.Load())
	assert.Equal(t, 100, b.MaxConnections)
	assert.True(t, b.Healthy())

	mux, err := reg.Lookup("medical-records-service")
	require.NoError(t, err)
	assert.True(t, mux.Multiplexed)
	assert.Equal(t, 2*time.Second, mux.ConnectTimeout.Load())
	assert.Equal(t, 10, mux.MaxConnections)
	assert.Equal(t, 50, mux.MaxMultiplexedStreams)
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()

	_, err := New().Lookup("ghost")
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(&Backend{Name: "a"}))
	require.Error(t, reg.Register(&Backend{Name: "a"}))
}

func TestSetHealthyReportsChange(t *testing.T) {
	t.Parallel()

	b := &Backend{Name: "a"}
	b.healthy.Store(true)

	assert.False(t, b.SetHealthy(true))
	assert.True(t, b.SetHealthy(false))
	assert.False(t, b.Healthy())
	assert.True(t, b.SetHealthy(true))
}

func TestAllSorted(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(&Backend{Name: "zeta"}))
	require.NoError(t, reg.Register(&Backend{Name: "alpha"}))

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
}
