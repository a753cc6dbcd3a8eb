package clamd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxReplySize caps how much of a reply is read. Daemon replies are a single line.
const maxReplySize = 64 * 1024

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Client is a pooled client for the clamd wire protocol.
// It is safe for concurrent use from multiple goroutines.
//
// Apart from the pending-acquire timeout and the optional response timeout,
// no operation is bounded in time: bound a scan with the context passed to it.
// The client never retries.
type Client struct {
	addr                  string
	maxConnections        int
	pendingAcquireTimeout time.Duration
	maxPendingAcquires    int
	dialTimeout           time.Duration
	warmupTimeout         time.Duration
	maxIdleTime           time.Duration
	responseTimeout       time.Duration
	tlsConfig             *tls.Config
	dialer                Dialer
	logger                zerolog.Logger
	metrics               *Metrics

	pool *pool
}

// NewClient creates a client for the daemon at host:port and warms its pool
// up, blocking until the connections are established or the warmup timeout
// elapses. It fails if no connection at all could be established.
func NewClient(ctx context.Context, host string, port int, opts ...ClientOption) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, NewValidationError("host is required", nil)
	}
	if port <= 0 || port > 65535 {
		return nil, NewValidationError(fmt.Sprintf("invalid port: %d", port), nil)
	}

	c := &Client{
		addr:                  net.JoinHostPort(host, strconv.Itoa(port)),
		maxConnections:        defaultMaxConnections,
		pendingAcquireTimeout: defaultPendingAcquireTimeout,
		dialTimeout:           defaultDialTimeout,
		warmupTimeout:         defaultWarmupTimeout,
		maxIdleTime:           defaultMaxIdleTime,
		logger:                zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.maxConnections <= 0 {
		return nil, NewValidationError(fmt.Sprintf("max connections must be greater than 0, got %d", c.maxConnections), nil)
	}
	if c.pendingAcquireTimeout <= 0 {
		return nil, NewValidationError("pending acquire timeout must be greater than 0", nil)
	}
	if c.maxPendingAcquires <= 0 {
		c.maxPendingAcquires = 2 * c.maxConnections
	}

	if c.dialer == nil {
		nd := &net.Dialer{Timeout: c.dialTimeout}
		if c.tlsConfig != nil {
			c.dialer = &tls.Dialer{NetDialer: nd, Config: c.tlsConfig}
		} else {
			c.dialer = nd
		}
	}

	name := "clamd::tcp::pool::" + uuid.NewString()
	c.logger = c.logger.With().Str("pool", name).Logger()

	c.pool = newPool(poolConfig{
		name:           name,
		addr:           c.addr,
		dialer:         c.dialer,
		maxConnections: c.maxConnections,
		acquireTimeout: c.pendingAcquireTimeout,
		maxWaiting:     c.maxPendingAcquires,
		maxIdleTime:    c.maxIdleTime,
		log:            c.logger,
		metrics:        c.metrics,
	})

	warmCtx, cancel := context.WithTimeout(ctx, c.warmupTimeout)
	defer cancel()
	if err := c.pool.warmup(warmCtx); err != nil {
		c.pool.close()
		return nil, err
	}

	return c, nil
}

// Close releases pooled connections. Operations in flight finish normally;
// new operations fail with a closed error.
func (c *Client) Close() error {
	c.pool.close()
	return nil
}

// Addr returns the daemon address the client talks to.
func (c *Client) Addr() string {
	return c.addr
}

// Stats returns a snapshot of the connection pool.
func (c *Client) Stats() PoolStats {
	return c.pool.stats()
}

// Ping sends a liveness probe and reports whether the daemon answered PONG.
// It never fails: any error is reported as false.
func (c *Client) Ping(ctx context.Context) bool {
	reply, err := c.exchange(ctx, func(w io.Writer) error {
		_, err := w.Write(pingFrame)
		return err
	})
	alive := err == nil && ParseLivenessResponse(reply)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ping failed")
	}
	c.metrics.observePing(alive)
	return alive
}

// Check scans data and returns the verdict. It is the same as Scan.
func (c *Client) Check(ctx context.Context, data []byte) (Verdict, error) {
	return c.Scan(ctx, data)
}

// Scan streams data to the daemon with INSTREAM and returns the verdict.
// Empty data is Clean and is not sent.
func (c *Client) Scan(ctx context.Context, data []byte) (Verdict, error) {
	if len(data) == 0 {
		return Clean{}, nil
	}

	start := time.Now()
	reply, err := c.exchange(ctx, func(w io.Writer) error {
		return writeStream(w, data)
	})
	return c.finishScan(reply, err, len(data), start)
}

// ScanReader streams r to the daemon chunk by chunk without buffering it
// whole. A reader that is empty from the start is Clean and is not sent.
func (c *Client) ScanReader(ctx context.Context, r io.Reader) (Verdict, error) {
	chunks := newChunkReader(r)
	defer chunks.release()

	first, err := chunks.next()
	if err == io.EOF {
		return Clean{}, nil
	}
	if err != nil {
		return nil, NewValidationError("failed to read data", err)
	}

	start := time.Now()
	total := 0
	reply, err := c.exchange(ctx, func(w io.Writer) error {
		if _, werr := w.Write(streamStartFrame); werr != nil {
			return werr
		}
		for frame := first; ; {
			total += len(frame) - chunkHeaderSize
			if _, werr := w.Write(frame); werr != nil {
				return werr
			}
			var rerr error
			frame, rerr = chunks.next()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return NewValidationError("failed to read data", rerr)
			}
		}
		_, werr := w.Write(terminatorFrame)
		return werr
	})
	return c.finishScan(reply, err, total, start)
}

func (c *Client) finishScan(reply string, err error, n int, start time.Time) (Verdict, error) {
	if err != nil {
		c.metrics.observeScanError(err)
		c.logger.Debug().Err(err).Int("bytes", n).Msg("scan failed")
		return nil, err
	}
	v := ParseScanResponse(reply)
	d := time.Since(start)
	c.metrics.observeScan(v, n, d)
	c.logger.Debug().Stringer("verdict", v).Int("bytes", n).Dur("duration", d).Msg("scan complete")
	return v, nil
}

// exchange runs one request/reply round trip on a pooled connection: write
// the request, then read until the daemon closes its side. The connection is
// released exactly once, and only after the exchange has ended; if it ended
// in a fault or was abandoned, the connection is closed instead of reused.
func (c *Client) exchange(ctx context.Context, write func(io.Writer) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewTimeoutError("context done before request", err)
	}
	cn, err := c.pool.acquire(ctx)
	if err != nil {
		return "", err
	}
	healthy := false
	defer func() { c.pool.release(cn, healthy) }()

	// Cancellation unblocks pending socket I/O; the connection is then
	// discarded because healthy stays false.
	stop := context.AfterFunc(ctx, func() {
		_ = cn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	bw := bufio.NewWriterSize(cn, chunkHeaderSize+ChunkSize)
	err = write(bw)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", NewTimeoutError("writing request", ctx.Err())
		}
		return "", NewTransportError("writing request", err)
	}

	if c.responseTimeout > 0 {
		_ = cn.SetReadDeadline(time.Now().Add(c.responseTimeout))
		if ctx.Err() != nil {
			_ = cn.SetDeadline(aLongTimeAgo)
		}
	}

	reply, err := io.ReadAll(io.LimitReader(cn, maxReplySize))
	if err != nil {
		if len(reply) == 0 && (ctx.Err() != nil || isTimeout(err)) {
			return "", NewServerUnavailableError("no reply from clamd", firstErr(ctx.Err(), err))
		}
		if ctx.Err() != nil || isTimeout(err) {
			return "", NewTimeoutError("reading reply", firstErr(ctx.Err(), err))
		}
		return "", NewTransportError("reading reply", err)
	}
	if len(reply) == maxReplySize {
		return "", NewTransportError(fmt.Sprintf("reply exceeds %d bytes", maxReplySize), nil)
	}

	cn.spent = true
	healthy = true
	if len(reply) == 0 {
		return "", NewServerUnavailableError("clamd closed the connection without a reply", nil)
	}
	return trimReply(reply), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
