package clamd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	// MaxConnections is the configured pool size.
	MaxConnections int
	// Open is the number of established connections, idle or in use.
	Open int
	// Idle is the number of connections waiting in the free list.
	Idle int
	// InUse is the number of connections held by in-flight operations.
	InUse int
	// Waiting is the number of callers blocked in acquire.
	Waiting int
}

// peerCheckTimeout bounds the closed-peer check on an idle connection.
const peerCheckTimeout = time.Millisecond

// conn is a pooled transport connection, owned by at most one operation.
type conn struct {
	net.Conn
	idleSince time.Time
	// spent is set once the peer has closed its side; such a connection
	// can never carry another request.
	spent    bool
	released atomic.Bool
}

// pool bounds the connections to one daemon address. slots is a counting
// semaphore: a token is held for every connection handed out.
type pool struct {
	name           string
	addr           string
	dialer         Dialer
	acquireTimeout time.Duration
	maxWaiting     int
	maxIdleTime    time.Duration
	log            zerolog.Logger
	metrics        *Metrics

	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	idle   []*conn
	closed bool

	open    atomic.Int64
	inUse   atomic.Int64
	waiting atomic.Int64
}

type poolConfig struct {
	name           string
	addr           string
	dialer         Dialer
	maxConnections int
	acquireTimeout time.Duration
	maxWaiting     int
	maxIdleTime    time.Duration
	log            zerolog.Logger
	metrics        *Metrics
}

func newPool(cfg poolConfig) *pool {
	return &pool{
		name:           cfg.name,
		addr:           cfg.addr,
		dialer:         cfg.dialer,
		acquireTimeout: cfg.acquireTimeout,
		maxWaiting:     cfg.maxWaiting,
		maxIdleTime:    cfg.maxIdleTime,
		log:            cfg.log,
		metrics:        cfg.metrics,
		slots:          make(chan struct{}, cfg.maxConnections),
		done:           make(chan struct{}),
	}
}

// warmup dials up to the pool size concurrently and parks the connections in
// the free list. It fails only when no connection could be established.
func (p *pool) warmup(ctx context.Context) error {
	n := cap(p.slots)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	conns := make([]*conn, 0, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.dial(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			conns = append(conns, c)
		}()
	}
	wg.Wait()

	if len(conns) == 0 {
		return NewServerUnavailableError(
			fmt.Sprintf("warmup: no connection to %s could be established", p.addr),
			errors.Join(errs...),
		)
	}

	now := time.Now()
	p.mu.Lock()
	for _, c := range conns {
		c.idleSince = now
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()

	ev := p.log.Info()
	if len(errs) > 0 {
		ev = p.log.Warn().Err(errors.Join(errs...))
	}
	ev.Int("established", len(conns)).Int("requested", n).Msg("pool warmup complete")
	return nil
}

// acquire hands out a connection, waiting up to acquireTimeout for a slot.
func (p *pool) acquire(ctx context.Context) (*conn, error) {
	start := time.Now()

	select {
	case <-p.done:
		return nil, NewClosedError("client is closed")
	default:
	}

	select {
	case p.slots <- struct{}{}:
	default:
		if err := p.wait(ctx); err != nil {
			p.metrics.observeAcquire(time.Since(start), err)
			return nil, err
		}
	}

	c, err := p.take(ctx)
	if err != nil {
		<-p.slots
		p.metrics.observeAcquire(time.Since(start), err)
		return nil, err
	}
	p.inUse.Add(1)
	p.metrics.connAcquired()
	p.metrics.observeAcquire(time.Since(start), nil)
	return c, nil
}

func (p *pool) wait(ctx context.Context) error {
	if p.waiting.Add(1) > int64(p.maxWaiting) {
		p.waiting.Add(-1)
		return NewPoolExhaustedError(fmt.Sprintf("more than %d callers waiting for a connection", p.maxWaiting), nil)
	}
	defer p.waiting.Add(-1)

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return NewPoolExhaustedError(fmt.Sprintf("no connection available within %s", p.acquireTimeout), nil)
	case <-ctx.Done():
		return NewTimeoutError("waiting for a connection", ctx.Err())
	case <-p.done:
		return NewClosedError("client is closed")
	}
}

// take returns a fresh idle connection or dials a new one. The caller holds a slot.
func (p *pool) take(ctx context.Context) (*conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, NewClosedError("client is closed")
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return p.dial(ctx)
		}
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if idle := time.Since(c.idleSince); idle > p.maxIdleTime {
			p.log.Debug().Dur("idle", idle).Msg("replacing stale connection")
			p.discard(c)
			continue
		}
		if !peerOpen(c) {
			p.log.Debug().Msg("replacing connection closed by peer")
			p.discard(c)
			continue
		}
		return c, nil
	}
}

func (p *pool) dial(ctx context.Context) (*conn, error) {
	nc, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.log.Warn().Err(err).Str("addr", p.addr).Msg("dial failed")
		if ctx.Err() != nil {
			return nil, NewTimeoutError("dial "+p.addr, err)
		}
		return nil, NewTransportError("dial "+p.addr, err)
	}
	p.open.Add(1)
	p.metrics.connOpened()
	return &conn{Conn: nc}, nil
}

// release ends an operation's ownership of c. A healthy connection that can
// still carry a request goes back to the free list; anything else is closed.
// The slot is freed exactly once per acquired connection.
func (p *pool) release(c *conn, healthy bool) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	p.inUse.Add(-1)
	p.metrics.connReleased()

	// A connection goes back to the free list only while it can still carry a
	// command. exchange marks every connection that got a reply as spent, since
	// clamd closes its side after one non-session command.
	p.mu.Lock()
	if healthy && !c.spent && !p.closed {
		c.idleSince = time.Now()
		c.released.Store(false)
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		if !healthy {
			p.log.Debug().Msg("disposing faulted connection")
		}
		p.discard(c)
	}
	<-p.slots
}

// peerOpen reports whether an idle connection is still open on the daemon
// side. The daemon sends nothing before a command, so a byte, EOF or any
// error other than the read timeout means it cannot carry a request. A
// deadline already in the past fails the read without looking at the socket.
func peerOpen(c *conn) bool {
	if err := c.SetReadDeadline(time.Now().Add(peerCheckTimeout)); err != nil {
		return false
	}
	var b [1]byte
	n, err := c.Read(b[:])
	if n > 0 || !isTimeout(err) {
		return false
	}
	return c.SetReadDeadline(time.Time{}) == nil
}

func (p *pool) discard(c *conn) {
	_ = c.Close()
	p.open.Add(-1)
	p.metrics.connClosed()
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		MaxConnections: cap(p.slots),
		Open:           int(p.open.Load()),
		Idle:           idle,
		InUse:          int(p.inUse.Load()),
		Waiting:        int(p.waiting.Load()),
	}
}

// close closes idle connections and rejects further acquires. Connections in
// use are closed when released.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.done)
	p.mu.Unlock()

	for _, c := range idle {
		p.discard(c)
	}
}
