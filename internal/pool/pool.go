// Package pool implements bounded per-backend connection pooling with FIFO
// waiting, most-recently-used idle reuse, idle sweeping, and stream leases
// for multiplexed backends.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hospitalcore/gateway/internal"
	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/registry"
)

var (
	// ErrPoolExhausted is returned when the caller's deadline expires
	// while waiting for a connection or stream to become available.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("pool: closed")
)

// DialFunc dials a TCP connection. It exists so tests can substitute the
// network.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// grant is what a waiter receives: an existing connection with a stream
// already counted, or a nil conn meaning a dial slot was reserved and the
// waiter must dial itself. closed means the pool shut down while waiting.
type grant struct {
	conn   *conn
	closed bool
}

type waiter struct {
	ch chan grant
}

// Pool manages connections to a single backend. At most maxConns
// connections exist at once, counting busy, idle, and in-flight dials.
// Saturated acquisitions wait in FIFO order.
type Pool struct {
	backend *registry.Backend
	dial    DialFunc
	clock   internal.Clock
	logger  observability.Logger

	maxConns    int
	maxStreams  int
	compression bool
	keepAlive   bool
	sweepEvery  time.Duration

	mu      sync.Mutex
	live    int
	conns   map[*conn]struct{}
	idle    []*conn // LIFO, most recently released last
	waiters []*waiter
	closed  bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialFunc overrides the dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

// WithClock sets the clock used for idle tracking and sweeping.
func WithClock(clock internal.Clock) Option {
	return func(p *Pool) {
		p.clock = clock
	}
}

// WithLogger sets the pool's logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithSweepInterval sets how often idle connections are checked against the
// idle timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.sweepEvery = d
	}
}

// WithCompression controls whether transports request compressed responses.
func WithCompression(enabled bool) Option {
	return func(p *Pool) {
		p.compression = enabled
	}
}

// WithKeepAlive controls whether the default dialer enables TCP keep-alive
// probes on backend connections.
func WithKeepAlive(enabled bool) Option {
	return func(p *Pool) {
		p.keepAlive = enabled
	}
}

// New creates a pool for the given backend and starts its idle sweeper.
func New(b *registry.Backend, opts ...Option) *Pool {
	p := &Pool{
		backend:     b,
		clock:       internal.NewRealClock(),
		logger:      observability.NopLogger(),
		maxConns:    b.MaxConnections,
		maxStreams:  1,
		compression: true,
		keepAlive:   true,
		sweepEvery:  time.Second,
		conns:       make(map[*conn]struct{}),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
	if b.Multiplexed {
		p.maxStreams = b.MaxMultiplexedStreams
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		p.dial = dialerFor(p.keepAlive).DialContext
	}
	go p.sweepLoop()
	return p
}

// dialerFor builds the default TCP dialer. A negative KeepAlive disables
// the probes entirely.
func dialerFor(keepAlive bool) *net.Dialer {
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	if !keepAlive {
		d.KeepAlive = -1
	}
	return d
}

// Lease is a held connection or stream. Exactly one Release call is
// expected; extra calls are ignored.
type Lease struct {
	pool *Pool
	conn *conn
	once sync.Once
}

// RoundTrip performs one HTTP exchange on the leased connection.
func (l *Lease) RoundTrip(req *http.Request) (*http.Response, error) {
	return l.conn.roundTrip(req)
}

// Release returns the lease to the pool. Releasing with healthy=false
// destroys the underlying connection so it can never be handed out again.
func (l *Lease) Release(healthy bool) {
	l.once.Do(func() {
		l.pool.release(l.conn, healthy)
	})
}

// Acquire obtains a connection lease, waiting in FIFO order when the pool is
// saturated. Waiting ends when ctx expires, yielding ErrPoolExhausted.
// A failed dial does not occupy a connection slot.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse before dialing.
	if c := p.pickLocked(); c != nil {
		c.active++
		p.mu.Unlock()
		return &Lease{pool: p, conn: c}, nil
	}

	// Room to dial a new connection.
	if p.live < p.maxConns {
		p.live++
		p.mu.Unlock()
		return p.dialConn(ctx)
	}

	// Saturated: wait in line.
	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.closed {
			return nil, ErrPoolClosed
		}
		if g.conn != nil {
			return &Lease{pool: p, conn: g.conn}, nil
		}
		// Dial slot grant: the slot is already counted in live.
		return p.dialConn(ctx)

	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// A grant raced the cancellation; put it back.
			g := <-w.ch
			switch {
			case g.closed:
			case g.conn != nil:
				p.release(g.conn, true)
			default:
				p.returnDialSlot()
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}
}

// pickLocked selects an existing connection with stream capacity, or nil.
// Non-multiplexed pools take the most recently used idle connection;
// multiplexed pools spread streams across the least loaded connection.
func (p *Pool) pickLocked() *conn {
	if p.maxStreams == 1 {
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if c.doomed {
				continue
			}
			return c
		}
		return nil
	}

	var best *conn
	for c := range p.conns {
		if c.doomed || c.active >= p.maxStreams {
			continue
		}
		if best == nil || c.active < best.active {
			best = c
		}
	}
	return best
}

// dialConn dials a new connection for a slot already counted in live. On
// failure the slot is returned and the next waiter, if any, gets it.
func (p *Pool) dialConn(ctx context.Context) (*Lease, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.backend.ConnectTimeout.Load())
	defer cancel()

	nc, err := p.dial(dialCtx, "tcp", p.backend.Address())
	if err != nil {
		p.returnDialSlot()
		return nil, fmt.Errorf("dialing %s: %w", p.backend.Address(), err)
	}

	c := newConn(nc, p.backend.Multiplexed, p.compression)
	c.active = 1

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		c.close()
		return nil, ErrPoolClosed
	}
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	return &Lease{pool: p, conn: c}, nil
}

// returnDialSlot frees a reserved slot after a failed dial and passes it to
// the first waiter.
func (p *Pool) returnDialSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		// The slot stays counted; the waiter dials into it.
		w.ch <- grant{}
		return
	}
	p.live--
}

func (p *Pool) release(c *conn, healthy bool) {
	p.mu.Lock()

	// Dooming frees the connection's slot exactly once; the freed slot is
	// handed to the first waiter as a dial grant.
	var slotFreed bool
	if !healthy && !c.doomed {
		c.doomed = true
		delete(p.conns, c)
		p.live--
		slotFreed = true
	}

	c.active--

	if c.doomed {
		closeNow := c.active == 0
		var w *waiter
		if slotFreed && !p.closed {
			w = p.popWaiterLocked()
			if w != nil {
				p.live++
			}
		}
		p.mu.Unlock()
		if closeNow {
			c.close()
		}
		if w != nil {
			w.ch <- grant{}
		}
		return
	}

	// Hand the freed stream to the first waiter, or park the connection.
	if w := p.popWaiterLocked(); w != nil {
		c.active++
		p.mu.Unlock()
		w.ch <- grant{conn: c}
		return
	}

	if c.active == 0 {
		c.idleSince = p.clock.Now()
		if p.maxStreams == 1 {
			p.idle = append(p.idle, c)
		}
	}
	p.mu.Unlock()
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) sweepLoop() {
	defer close(p.stoppedCh)

	ticker := p.clock.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			p.sweep()
		}
	}
}

// sweep closes connections that have sat idle past the backend's idle
// timeout.
func (p *Pool) sweep() {
	idleTimeout := p.backend.IdleTimeout.Load()
	if idleTimeout <= 0 {
		return
	}

	var expired []*conn
	p.mu.Lock()
	for c := range p.conns {
		if c.active == 0 && !c.doomed && p.clock.Since(c.idleSince) >= idleTimeout {
			c.doomed = true
			delete(p.conns, c)
			p.live--
			expired = append(expired, c)
		}
	}
	if len(expired) > 0 && p.maxStreams == 1 {
		kept := p.idle[:0]
		for _, c := range p.idle {
			if !c.doomed {
				kept = append(kept, c)
			}
		}
		p.idle = kept
	}
	p.mu.Unlock()

	for _, c := range expired {
		c.close()
	}
	if len(expired) > 0 {
		p.logger.Debug("swept idle connections",
			observability.String("backend", p.backend.Name),
			observability.Int("count", len(expired)))
	}
}

// Backend returns the backend this pool serves.
func (p *Pool) Backend() *registry.Backend {
	return p.backend
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Backend       string `json:"backend"`
	Live          int    `json:"live"`
	Idle          int    `json:"idle"`
	Waiting       int    `json:"waiting"`
	ActiveStreams int    `json:"activeStreams"`
	MaxConns      int    `json:"maxConnections"`
	MaxStreams    int    `json:"maxStreams"`
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Backend:    p.backend.Name,
		Live:       p.live,
		Waiting:    len(p.waiters),
		MaxConns:   p.maxConns,
		MaxStreams: p.maxStreams,
	}
	for c := range p.conns {
		s.ActiveStreams += c.active
		if c.active == 0 {
			s.Idle++
		}
	}
	return s
}

// Close shuts the pool down. Waiters are failed immediately and idle
// connections are closed. Busy connections close when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	var toClose []*conn
	for c := range p.conns {
		c.doomed = true
		delete(p.conns, c)
		if c.active == 0 {
			toClose = append(toClose, c)
		}
	}
	p.live = 0
	p.idle = nil
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh

	for _, w := range waiters {
		w.ch <- grant{closed: true}
	}
	for _, c := range toClose {
		c.close()
	}
}
