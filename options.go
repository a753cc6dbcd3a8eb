package clamd

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxConnections        = 4
	defaultPendingAcquireTimeout = 5 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultWarmupTimeout         = 10 * time.Second
	// Below clamd's default CommandReadTimeout of 30s, after which the daemon
	// drops connections that have not sent a command.
	defaultMaxIdleTime = 20 * time.Second
)

// Dialer opens transport connections to the daemon. *net.Dialer and
// *tls.Dialer both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithMaxConnections sets the pool size (default: 4).
// Non-positive values are rejected by NewClient.
func WithMaxConnections(n int) ClientOption {
	return func(c *Client) {
		c.maxConnections = n
	}
}

// WithPendingAcquireTimeout bounds how long a caller waits for a free pooled
// connection before failing with a pool exhausted error (default: 5s).
func WithPendingAcquireTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pendingAcquireTimeout = d
	}
}

// WithMaxPendingAcquires caps the number of callers waiting for a connection.
// Callers beyond the cap fail immediately. Defaults to twice the pool size.
func WithMaxPendingAcquires(n int) ClientOption {
	return func(c *Client) {
		c.maxPendingAcquires = n
	}
}

// WithTLS enables transport security. A nil config uses defaults with the
// server name taken from the host.
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		c.tlsConfig = cfg
	}
}

// WithDialTimeout bounds the establishment of a single connection (default: 5s).
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWarmupTimeout bounds the blocking warmup performed by NewClient (default: 10s).
func WithWarmupTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.warmupTimeout = d
		}
	}
}

// WithMaxIdleTime sets how long an unused pooled connection is trusted before
// it is replaced by a fresh one (default: 20s).
func WithMaxIdleTime(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.maxIdleTime = d
		}
	}
}

// WithResponseTimeout bounds the wait for the daemon's reply once a request
// has been written. Zero (the default) disables it; use the context to bound
// a whole scan.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.responseTimeout = d
		}
	}
}

// WithDialer replaces the transport dialer. When set, WithTLS and
// WithDialTimeout are ignored.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithLogger sets the logger used by the client and its pool (default: disabled).
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records client activity into m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}
