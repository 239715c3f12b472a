package pool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// errConnBroken is returned by the per-connection dialer when the underlying
// transport attempts a second dial, which means the original TCP connection
// was lost.
var errConnBroken = errors.New("pool: connection broken")

// conn is a single pooled backend connection. Each conn owns a dedicated
// transport bound to exactly one TCP connection, so lifetime accounting in
// the pool maps one to one onto sockets. For multiplexed backends the
// transport speaks HTTP/2 over cleartext and carries up to maxStreams
// concurrent requests.
type conn struct {
	netConn   net.Conn
	transport *http.Transport

	// Guarded by the owning pool's mutex.
	active    int
	idleSince time.Time
	doomed    bool
}

// newConn wraps a pre-dialed TCP connection in a dedicated transport.
func newConn(nc net.Conn, multiplexed bool, compression bool) *conn {
	transport := &http.Transport{
		DialContext:        (&onceDialer{conn: nc}).dial,
		MaxConnsPerHost:    1,
		MaxIdleConns:       1,
		DisableCompression: !compression,
		// Idle lifetime is managed by the pool's sweep, not the
		// transport.
		IdleConnTimeout: 0,
	}
	if multiplexed {
		// Restricting the protocol set to unencrypted HTTP/2 forces h2c
		// on http URLs instead of negotiating down to HTTP/1.
		transport.ForceAttemptHTTP2 = true
		var protocols http.Protocols
		protocols.SetUnencryptedHTTP2(true)
		transport.Protocols = &protocols
	}
	return &conn{netConn: nc, transport: transport}
}

// roundTrip performs one HTTP exchange on the connection.
func (c *conn) roundTrip(req *http.Request) (*http.Response, error) {
	return c.transport.RoundTrip(req)
}

// close tears down the transport and the TCP connection.
func (c *conn) close() {
	c.transport.CloseIdleConnections()
	c.netConn.Close()
}

// onceDialer hands out a pre-dialed connection exactly once. A second dial
// attempt by the transport indicates the connection died and fails
// immediately so the caller destroys the conn instead of silently opening a
// socket outside the pool's accounting.
type onceDialer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (d *onceDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, errConnBroken
	}
	nc := d.conn
	d.conn = nil
	return nc, nil
}
