package clamd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DevHatRo/clamd-client-go/internal/testutil"
)

// countingDialer tracks how many connections it has open at once.
type countingDialer struct {
	d     net.Dialer
	dials atomic.Int64
	open  atomic.Int64
	peak  atomic.Int64
	fail  atomic.Bool
}

func (c *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.fail.Load() {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errDialRefused}
	}
	nc, err := c.d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c.dials.Add(1)
	n := c.open.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &countedConn{Conn: nc, d: c}, nil
}

type countedConn struct {
	net.Conn
	d    *countingDialer
	once sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.d.open.Add(-1) })
	return c.Conn.Close()
}

type dialError string

func (e dialError) Error() string { return string(e) }

const errDialRefused = dialError("connection refused")

func newTestClient(t *testing.T, d *testutil.FakeDaemon, opts ...ClientOption) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, d.Host(), d.Port(), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// unusedPort returns a loopback port with nothing listening on it.
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
