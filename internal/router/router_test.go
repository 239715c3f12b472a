package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/config"
)

func hospitalRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{Prefix: "/api/auth", Backend: "auth-service"},
		{Prefix: "/api/patients", Backend: "patient-service", StripPrefix: true},
		{Prefix: "/api/medical-records", Backend: "medical-records-service", StripPrefix: true},
		{Prefix: "/api/facilities", Backend: "facility-service"},
		{Prefix: "/api/rooms", Backend: "facility-service", Rewrite: "/api/facilities/rooms"},
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	t.Parallel()

	r := New([]config.RouteConfig{
		{Prefix: "/api", Backend: "generic"},
		{Prefix: "/api/patients", Backend: "patient-service"},
	})

	m, err := r.Resolve("/api/patients/123")
	require.NoError(t, err)
	assert.Equal(t, "patient-service", m.Route.Backend)

	m, err = r.Resolve("/api/doctors/9")
	require.NoError(t, err)
	assert.Equal(t, "generic", m.Route.Backend)
}

func TestResolveSegmentBoundary(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())

	m, err := r.Resolve("/api/patients")
	require.NoError(t, err)
	assert.Equal(t, "patient-service", m.Route.Backend)

	// A prefix never matches mid-segment.
	_, err = r.Resolve("/api/patientsx")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveStripPrefix(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())

	m, err := r.Resolve("/api/patients/123")
	require.NoError(t, err)
	assert.Equal(t, "/123", m.Path)

	m, err = r.Resolve("/api/patients")
	require.NoError(t, err)
	assert.Equal(t, "/", m.Path)
}

func TestResolvePreservesPathWithoutStrip(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())

	m, err := r.Resolve("/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/login", m.Path)
}

func TestResolveRewrite(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())

	m, err := r.Resolve("/api/rooms/42")
	require.NoError(t, err)
	assert.Equal(t, "facility-service", m.Route.Backend)
	assert.Equal(t, "/api/facilities/rooms/42", m.Path)

	m, err = r.Resolve("/api/rooms")
	require.NoError(t, err)
	assert.Equal(t, "/api/facilities/rooms", m.Path)
}

func TestResolveNoRoute(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())

	_, err := r.Resolve("/metrics")
	require.ErrorIs(t, err, ErrNoRoute)

	_, err = New(nil).Resolve("/api/auth")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestRoutesOrderedByPrefixLength(t *testing.T) {
	t.Parallel()

	r := New(hospitalRoutes())
	routes := r.Routes()
	for i := 1; i < len(routes); i++ {
		assert.GreaterOrEqual(t, len(routes[i-1].Prefix), len(routes[i].Prefix))
	}
}
