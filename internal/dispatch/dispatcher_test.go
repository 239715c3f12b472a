package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/registry"
)

func setupBackend(t *testing.T, handler http.Handler, maxConns int) (*Dispatcher, *pool.Pool) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b := &registry.Backend{
		Name:                  "svc",
		Host:                  host,
		Port:                  port,
		MaxConnections:        maxConns,
		MaxMultiplexedStreams: 1,
	}
	b.ConnectTimeout.Store(2 * time.Second)
	b.IdleTimeout.Store(30 * time.Second)

	reg := registry.New()
	require.NoError(t, reg.Register(b))
	pm := pool.NewManager(reg)
	t.Cleanup(pm.Close)

	p, err := pm.Pool("svc")
	require.NoError(t, err)
	return NewDispatcher(pm, observability.NopLogger()), p
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	d, p := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients/123", r.URL.Path)
		assert.Equal(t, "active=true", r.URL.RawQuery)
		w.Write([]byte("hello"))
	}), 2)

	outcome := d.Dispatch(context.Background(), "svc", &Request{
		Method: http.MethodGet,
		Path:   "/patients/123",
		Query:  "active=true",
	})
	require.True(t, outcome.Success())

	body, err := io.ReadAll(outcome.Response.Body)
	require.NoError(t, err)
	outcome.Response.Body.Close()
	assert.Equal(t, "hello", string(body))

	// Draining the body returns the connection to the pool.
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 },
		time.Second, time.Millisecond)
}

func TestDispatchClientErrorIsSuccess(t *testing.T) {
	t.Parallel()

	d, _ := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}), 2)

	outcome := d.Dispatch(context.Background(), "svc", &Request{Method: http.MethodGet, Path: "/"})
	require.True(t, outcome.Success())
	assert.Equal(t, http.StatusNotFound, outcome.Response.StatusCode)
	outcome.Response.Body.Close()
}

func TestDispatchBackendErrorPreservesResponse(t *testing.T) {
	t.Parallel()

	d, _ := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	}), 2)

	outcome := d.Dispatch(context.Background(), "svc", &Request{Method: http.MethodGet, Path: "/"})
	require.False(t, outcome.Success())
	assert.Equal(t, FailureBackendError, outcome.Failure.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.Failure.Status)

	require.NotNil(t, outcome.Response)
	body, err := io.ReadAll(outcome.Response.Body)
	require.NoError(t, err)
	outcome.Response.Body.Close()
	assert.Contains(t, string(body), "db down")
}

func TestDispatchConnectionRefused(t *testing.T) {
	t.Parallel()

	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	b := &registry.Backend{Name: "down", Host: host, Port: port, MaxConnections: 1, MaxMultiplexedStreams: 1}
	b.ConnectTimeout.Store(time.Second)
	b.IdleTimeout.Store(30 * time.Second)
	reg := registry.New()
	require.NoError(t, reg.Register(b))
	pm := pool.NewManager(reg)
	t.Cleanup(pm.Close)
	d := NewDispatcher(pm, observability.NopLogger())

	outcome := d.Dispatch(context.Background(), "down", &Request{Method: http.MethodGet, Path: "/"})
	require.False(t, outcome.Success())
	assert.Equal(t, FailureConnectionRefused, outcome.Failure.Kind)

	p, err := pm.Pool("down")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestDispatchUnbuildableRequest(t *testing.T) {
	t.Parallel()

	d, p := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached")
	}), 1)

	outcome := d.Dispatch(context.Background(), "svc", &Request{
		Method: "GE T",
		Path:   "/",
	})
	require.False(t, outcome.Success())
	assert.Equal(t, FailureInvalidRequest, outcome.Failure.Kind)

	// The untouched connection goes back to the pool.
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 },
		time.Second, time.Millisecond)
}

func TestDispatchPoolExhausted(t *testing.T) {
	t.Parallel()

	d, p := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome := d.Dispatch(ctx, "svc", &Request{Method: http.MethodGet, Path: "/"})
	require.False(t, outcome.Success())
	assert.Equal(t, FailurePoolExhausted, outcome.Failure.Kind)
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	d, _ := setupBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome := d.Dispatch(ctx, "svc", &Request{Method: http.MethodGet, Path: "/"})
	require.False(t, outcome.Success())
	assert.Equal(t, FailureTimeout, outcome.Failure.Kind)
}

func TestDispatchUnknownBackend(t *testing.T) {
	t.Parallel()

	pm := pool.NewManager(registry.New())
	t.Cleanup(pm.Close)
	d := NewDispatcher(pm, observability.NopLogger())

	outcome := d.Dispatch(context.Background(), "nope", &Request{Method: http.MethodGet, Path: "/"})
	require.False(t, outcome.Success())
	assert.Equal(t, FailureNoRoute, outcome.Failure.Kind)
}

func TestRequestIdempotent(t *testing.T) {
	t.Parallel()

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete} {
		assert.True(t, (&Request{Method: method}).Idempotent(), method)
	}
	for _, method := range []string{http.MethodPost, http.MethodPatch} {
		assert.False(t, (&Request{Method: method}).Idempotent(), method)
	}
}

func TestRequestClone(t *testing.T) {
	t.Parallel()

	req := &Request{
		Method: http.MethodPut,
		Path:   "/x",
		Header: http.Header{"X-Test": []string{"1"}},
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("payload")), nil
		},
	}

	clone, err := req.Clone()
	require.NoError(t, err)
	body, err := io.ReadAll(clone.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	clone.Header.Set("X-Test", "2")
	assert.Equal(t, "1", req.Header.Get("X-Test"))

	consumed := &Request{
		Method: http.MethodPut,
		Body:   io.NopCloser(strings.NewReader("gone")),
	}
	_, err = consumed.Clone()
	require.Error(t, err)
}
