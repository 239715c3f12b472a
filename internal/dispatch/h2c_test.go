package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/registry"
)

func setupH2CBackend(t *testing.T, handler http.Handler, maxConns, maxStreams int) (*Dispatcher, *pool.Pool) {
	t.Helper()

	srv := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b := &registry.Backend{
		Name:                  "records",
		Host:                  host,
		Port:                  port,
		Multiplexed:           true,
		MaxConnections:        maxConns,
		MaxMultiplexedStreams: maxStreams,
	}
	b.ConnectTimeout.Store(2 * time.Second)
	b.IdleTimeout.Store(30 * time.Second)

	reg := registry.New()
	require.NoError(t, reg.Register(b))
	pm := pool.NewManager(reg)
	t.Cleanup(pm.Close)

	p, err := pm.Pool("records")
	require.NoError(t, err)
	return NewDispatcher(pm, observability.NopLogger()), p
}

func TestDispatchSpeaksCleartextHTTP2(t *testing.T) {
	t.Parallel()

	d, _ := setupH2CBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, 2, r.ProtoMajor)
		w.Write([]byte("ok"))
	}), 1, 4)

	outcome := d.Dispatch(context.Background(), "records", &Request{Method: http.MethodGet, Path: "/"})
	require.True(t, outcome.Success())
	assert.Equal(t, 2, outcome.Response.ProtoMajor)

	body, err := io.ReadAll(outcome.Response.Body)
	require.NoError(t, err)
	outcome.Response.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestDispatchMultiplexesStreamsOverOneConnection(t *testing.T) {
	t.Parallel()

	const inFlight = 4

	var arrived atomic.Int32
	release := make(chan struct{})
	d, p := setupH2CBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}), 1, inFlight)

	var g errgroup.Group
	for i := 0; i < inFlight; i++ {
		g.Go(func() error {
			outcome := d.Dispatch(context.Background(), "records", &Request{Method: http.MethodGet, Path: "/"})
			if !outcome.Success() {
				return outcome.Failure
			}
			io.Copy(io.Discard, outcome.Response.Body)
			outcome.Response.Body.Close()
			return nil
		})
	}

	// All streams ride the single pooled connection.
	require.Eventually(t, func() bool { return arrived.Load() == inFlight },
		2*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.Stats().Live)
	assert.Equal(t, inFlight, p.Stats().ActiveStreams)

	close(release)
	require.NoError(t, g.Wait())
}
