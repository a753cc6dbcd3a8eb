// Package testutil provides test helpers for the clamd client.
package testutil

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// EICAR is the standard antivirus test string.
var EICAR = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

// Behavior decides how the fake daemon answers one request.
type Behavior int

const (
	// Reply answers with the handler's reply and closes.
	Reply Behavior = iota
	// CloseSilently closes the connection without writing anything.
	CloseSilently
	// Hang keeps the connection open without replying until either side closes it.
	Hang
	// ReplyAndHang writes the reply but keeps the connection open, so the
	// client never sees the end of it.
	ReplyAndHang
)

// ScanFunc decides the reply to an INSTREAM request from the reassembled payload.
type ScanFunc func(data []byte) (string, Behavior)

// FakeDaemon is a minimal clamd speaking PING and INSTREAM over TCP.
type FakeDaemon struct {
	ln   net.Listener
	scan ScanFunc
	ping Behavior
	drop int64

	mu       sync.Mutex
	payloads [][]byte
	conns    map[net.Conn]struct{}

	accepted atomic.Int64
	active   atomic.Int64
	peak     atomic.Int64
	requests atomic.Int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures a FakeDaemon.
type Option func(*FakeDaemon)

// WithScanFunc overrides the INSTREAM reply. The default replies
// "stream: OK" unless the payload contains EICAR.
func WithScanFunc(fn ScanFunc) Option {
	return func(d *FakeDaemon) {
		d.scan = fn
	}
}

// WithPingBehavior overrides how PING is answered.
func WithPingBehavior(b Behavior) Option {
	return func(d *FakeDaemon) {
		d.ping = b
	}
}

// WithDropFirst closes the first n accepted connections shortly after
// accepting them, as a restarted daemon would leave a client's warm connections.
func WithDropFirst(n int) Option {
	return func(d *FakeDaemon) {
		d.drop = int64(n)
	}
}

// WithTLS serves over TLS with the given server config.
func WithTLS(cfg *tls.Config) Option {
	return func(d *FakeDaemon) {
		d.ln = tls.NewListener(d.ln, cfg)
	}
}

// NewFakeDaemon starts a fake daemon on a loopback port. It is stopped on test cleanup.
func NewFakeDaemon(t testing.TB, opts ...Option) *FakeDaemon {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &FakeDaemon{
		ln:    ln,
		scan:  DefaultScan,
		conns: make(map[net.Conn]struct{}),
		quit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// DefaultScan replies like clamd for clean data and EICAR.
func DefaultScan(data []byte) (string, Behavior) {
	if containsEICAR(data) {
		return "stream: Eicar-Test-Signature FOUND\x00", Reply
	}
	return "stream: OK\x00", Reply
}

func containsEICAR(data []byte) bool {
	for i := 0; i+len(EICAR) <= len(data); i++ {
		if string(data[i:i+len(EICAR)]) == string(EICAR) {
			return true
		}
	}
	return false
}

// Host returns the listening host.
func (d *FakeDaemon) Host() string {
	host, _, _ := net.SplitHostPort(d.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (d *FakeDaemon) Port() int {
	_, port, _ := net.SplitHostPort(d.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Accepted returns the number of connections accepted so far.
func (d *FakeDaemon) Accepted() int { return int(d.accepted.Load()) }

// Active returns the number of currently open connections.
func (d *FakeDaemon) Active() int { return int(d.active.Load()) }

// Peak returns the highest number of simultaneously open connections.
func (d *FakeDaemon) Peak() int { return int(d.peak.Load()) }

// Requests returns the number of commands received.
func (d *FakeDaemon) Requests() int { return int(d.requests.Load()) }

// Payloads returns the reassembled INSTREAM payloads received so far.
func (d *FakeDaemon) Payloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.payloads))
	copy(out, d.payloads)
	return out
}

// Close stops the daemon and closes every open connection.
func (d *FakeDaemon) Close() {
	d.mu.Lock()
	select {
	case <-d.quit:
		d.mu.Unlock()
		return
	default:
	}
	close(d.quit)
	d.mu.Unlock()
	_ = d.ln.Close()
	d.mu.Lock()
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *FakeDaemon) serve() {
	defer d.wg.Done()
	for {
		c, err := d.ln.Accept()
		if err != nil {
			return
		}
		idx := d.accepted.Add(1)
		n := d.active.Add(1)
		for {
			p := d.peak.Load()
			if n <= p || d.peak.CompareAndSwap(p, n) {
				break
			}
		}
		d.mu.Lock()
		select {
		case <-d.quit:
			d.mu.Unlock()
			d.active.Add(-1)
			_ = c.Close()
			return
		default:
		}
		d.conns[c] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.handle(c, idx <= d.drop)
	}
}

func (d *FakeDaemon) handle(c net.Conn, drop bool) {
	defer d.wg.Done()
	defer func() {
		d.active.Add(-1)
		_ = c.Close()
		d.mu.Lock()
		delete(d.conns, c)
		d.mu.Unlock()
	}()
	if drop {
		return
	}

	r := bufio.NewReader(c)
	cmd, err := r.ReadString(0)
	if err != nil {
		return
	}
	d.requests.Add(1)

	switch cmd {
	case "zPING\x00":
		d.respond(c, "PONG\x00", d.ping)
	case "zINSTREAM\x00":
		data, err := readStream(r)
		if err != nil {
			d.respond(c, "INSTREAM size limit exceeded. ERROR\x00", Reply)
			return
		}
		d.mu.Lock()
		d.payloads = append(d.payloads, data)
		d.mu.Unlock()
		reply, b := d.scan(data)
		d.respond(c, reply, b)
	default:
		d.respond(c, "UNKNOWN COMMAND\x00", Reply)
	}
}

func (d *FakeDaemon) respond(c net.Conn, reply string, b Behavior) {
	switch b {
	case Reply:
		_, _ = io.WriteString(c, reply)
	case Hang:
		// Wait for the peer or Close to tear the connection down.
		_, _ = io.Copy(io.Discard, c)
	case ReplyAndHang:
		_, _ = io.WriteString(c, reply)
		_, _ = io.Copy(io.Discard, c)
	case CloseSilently:
	}
}

func readStream(r io.Reader) ([]byte, error) {
	var data []byte
	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(size[:])
		if n == 0 {
			return data, nil
		}
		if n > 4096 {
			return nil, errors.New("chunk too large")
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
}
