// Package tlssession bridges the synchronous record layer of crypto/tls
// over the asynchronous kernel-flow byte stream. Two bounded byte queues
// per session carry raw bytes in each direction; the TLS side blocks on a
// condition variable with a hard timeout, and close is a memory-ordered
// flag every waiter observes before its next return.
package tlssession

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/delfador0x42/iris/internal/certauthority"
)

// DefaultHandshakeTimeout is the hard ceiling on a client-facing handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// DefaultReadTimeout bounds each individual record-layer read.
const DefaultReadTimeout = 30 * time.Second

// Session is one TLS endpoint of a MITM'd flow. Server-mode sessions face
// the local client with a synthesized leaf; client-mode sessions face the
// real server over the kernel socket.
type Session struct {
	conn   *tls.Conn
	raw    *queueConn
	closed atomic.Bool

	handshakeTimeout time.Duration
	readTimeout      time.Duration
}

// Config bounds session timing. Zero fields take the defaults.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	HighWater        int
}

func (c Config) handshake() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c Config) read() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return c.ReadTimeout
}

// NewServerSession builds the client-facing endpoint around a synthesized
// leaf. The caller must have peeked the SNI and issued the leaf before
// driving the handshake. TLS 1.2 is an acceptable maximum here: the peer is
// on the same host.
func NewServerSession(leaf *certauthority.Leaf, cfg Config) *Session {
	raw := newQueueConn(cfg.HighWater)
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{leaf.DER},
			PrivateKey:  leaf.PrivateKey,
		}},
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	return &Session{
		conn:             tls.Server(raw, tlsCfg),
		raw:              raw,
		handshakeTimeout: cfg.handshake(),
		readTimeout:      cfg.read(),
	}
}

// NewClientSession builds the server-facing endpoint over the kernel
// socket. Any server certificate is accepted by design: the system is the
// MITM, and the user authorized it. ALPN is pinned to http/1.1 so the
// HTTPPipeline's parser stays in contract regardless of what the server
// would have offered.
func NewClientSession(sock net.Conn, sni string, cfg Config) *Session {
	tlsCfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	}
	return &Session{
		conn:             tls.Client(sock, tlsCfg),
		handshakeTimeout: cfg.handshake(),
		readTimeout:      cfg.read(),
	}
}

// FeedIncoming delivers raw bytes read from the kernel flow into the
// session. Only valid for server-mode sessions.
func (s *Session) FeedIncoming(p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.raw.in.Push(p)
}

// DrainOutgoing removes raw bytes the record layer produced for the kernel
// flow. Only valid for server-mode sessions. Returns (nil, nil) when
// nothing is pending.
func (s *Session) DrainOutgoing() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.raw.out.Drain()
}

// ReadOutgoing blocks until the record layer produces raw bytes for the
// kernel flow, copying up to len(p) of them into p. Returns ErrClosed once
// the session closes. Only valid for server-mode sessions.
func (s *Session) ReadOutgoing(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.raw.out.Pop(p, time.Time{})
}

// Handshake drives the TLS handshake, bounded by the hard handshake
// timeout. On timeout the session closes cleanly and every later call
// returns ErrClosed.
func (s *Session) Handshake() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := s.conn.Handshake(); err != nil {
		s.Close()
		return err
	}
	s.conn.SetDeadline(time.Time{})
	return nil
}

// Read returns decrypted application bytes, bounded by the per-read
// timeout.
func (s *Session) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	n, err := s.conn.Read(p)
	if err != nil && s.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Write encrypts and queues application bytes.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.conn.Write(p)
	if err != nil && s.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Close is idempotent and safe from either direction. The closed flag is
// set before the underlying queues wake their waiters, so no callback
// returns success after observing it.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.raw != nil {
		s.raw.Close()
	} else {
		s.conn.Close()
	}
	return nil
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// queueConn adapts the two byte queues to net.Conn for crypto/tls.
type queueConn struct {
	in  *ByteQueue
	out *ByteQueue

	readDeadline atomic.Value // time.Time
}

func newQueueConn(highWater int) *queueConn {
	c := &queueConn{
		in:  NewByteQueue(highWater),
		out: NewByteQueue(highWater),
	}
	c.readDeadline.Store(time.Time{})
	return c
}

func (c *queueConn) Read(p []byte) (int, error) {
	deadline, _ := c.readDeadline.Load().(time.Time)
	n, err := c.in.Pop(p, deadline)
	if err == ErrTimeout {
		return n, timeoutError{}
	}
	return n, err
}

func (c *queueConn) Write(p []byte) (int, error) {
	if err := c.out.Push(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *queueConn) Close() error {
	c.in.Close()
	c.out.Close()
	return nil
}

func (c *queueConn) LocalAddr() net.Addr  { return queueAddr{} }
func (c *queueConn) RemoteAddr() net.Addr { return queueAddr{} }

func (c *queueConn) SetDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	return nil
}

func (c *queueConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	return nil
}

func (c *queueConn) SetWriteDeadline(time.Time) error { return nil }

type queueAddr struct{}

func (queueAddr) Network() string { return "iris-queue" }
func (queueAddr) String() string  { return "iris-queue" }

// timeoutError satisfies net.Error so crypto/tls treats queue timeouts the
// way it treats socket deadline expiry.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
