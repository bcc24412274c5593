package tlssession

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/certauthority"
)

func TestByteQueuePushPop(t *testing.T) {
	q := NewByteQueue(0)
	require.NoError(t, q.Push([]byte("hello")))
	p := make([]byte, 3)
	n, err := q.Pop(p, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "hel", string(p[:n]))
	n, err = q.Pop(p, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "lo", string(p[:n]))
}

func TestByteQueuePopTimesOut(t *testing.T) {
	q := NewByteQueue(0)
	start := time.Now()
	_, err := q.Pop(make([]byte, 1), time.Now().Add(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestByteQueueCloseWakesWaiters(t *testing.T) {
	q := NewByteQueue(0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(make([]byte, 1), time.Time{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}
	// Everything after close keeps returning closed.
	assert.ErrorIs(t, q.Push([]byte("x")), ErrClosed)
	_, err := q.Drain()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestByteQueueHighWaterDropsToClose(t *testing.T) {
	q := NewByteQueue(10)
	require.NoError(t, q.Push(make([]byte, 8)))
	err := q.Push(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed, "exceeding high water must close, not block")
	assert.True(t, q.Closed())
}

func clientHelloBytes(t *testing.T, serverName string) []byte {
	t.Helper()
	// Drive a real crypto/tls client against one end of a pipe and capture
	// the first record it writes.
	a, b := net.Pipe()
	defer a.Close()
	go func() {
		c := tls.Client(b, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		c.Handshake() // fails once the pipe closes; we only need the hello
	}()
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16<<10)
	n, err := a.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestPeekSNI(t *testing.T) {
	hello := clientHelloBytes(t, "intercept.example.com")
	sni, err := PeekSNI(hello)
	require.NoError(t, err)
	assert.Equal(t, "intercept.example.com", sni)
}

func TestPeekSNIIncomplete(t *testing.T) {
	hello := clientHelloBytes(t, "example.com")
	_, err := PeekSNI(hello[:4])
	assert.ErrorIs(t, err, ErrNeedMoreData)
	_, err = PeekSNI(hello[:len(hello)/2])
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestPeekSNIRejectsNonTLS(t *testing.T) {
	_, err := PeekSNI([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNeedMoreData)
}

func TestLooksLikeTLS(t *testing.T) {
	assert.True(t, LooksLikeTLS([]byte{0x16, 0x03, 0x01, 0x00, 0x05}))
	assert.False(t, LooksLikeTLS([]byte("GET")))
}

// pump shuttles raw bytes between a server-mode session's queues and the
// test side of a pipe, standing in for the kernel flow.
func pump(t *testing.T, s *Session, sock net.Conn, stop chan struct{}) {
	go func() {
		buf := make([]byte, 32<<10)
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				if s.FeedIncoming(buf[:n]) != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			out, err := s.DrainOutgoing()
			if err != nil {
				sock.Close()
				return
			}
			if len(out) > 0 {
				if _, err := sock.Write(out); err != nil {
					return
				}
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func TestServerSessionHandshakeAndEcho(t *testing.T) {
	rootKey, rootDER, err := certauthority.GenerateRoot("Iris Test Root")
	require.NoError(t, err)
	ca, err := certauthority.New(rootKey, rootDER, "Iris Test Root", 16)
	require.NoError(t, err)
	leaf, err := ca.Issue("echo.test")
	require.NoError(t, err)

	sess := NewServerSession(leaf, Config{HandshakeTimeout: 5 * time.Second, ReadTimeout: 5 * time.Second})
	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	pump(t, sess, serverSide, stop)

	clientErr := make(chan error, 1)
	go func() {
		c := tls.Client(clientSide, &tls.Config{
			ServerName:         "echo.test",
			InsecureSkipVerify: true,
			MaxVersion:         tls.VersionTLS12,
		})
		if err := c.Handshake(); err != nil {
			clientErr <- err
			return
		}
		if _, err := c.Write([]byte("ping")); err != nil {
			clientErr <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := c.Read(buf); err != nil {
			clientErr <- err
			return
		}
		if string(buf) != "pong" {
			clientErr <- assert.AnError
			return
		}
		clientErr <- nil
	}()

	require.NoError(t, sess.Handshake())

	buf := make([]byte, 4)
	n, err := sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	_, err = sess.Write([]byte("pong"))
	require.NoError(t, err)

	select {
	case err := <-clientErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client side stalled")
	}
}

func TestSessionCloseIsIdempotentAndSticky(t *testing.T) {
	rootKey, rootDER, err := certauthority.GenerateRoot("Iris Test Root")
	require.NoError(t, err)
	ca, err := certauthority.New(rootKey, rootDER, "Iris Test Root", 16)
	require.NoError(t, err)
	leaf, err := ca.Issue("close.test")
	require.NoError(t, err)

	sess := NewServerSession(leaf, Config{})
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	assert.ErrorIs(t, sess.FeedIncoming([]byte("x")), ErrClosed)
	_, err = sess.DrainOutgoing()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sess.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sess.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, sess.Handshake(), ErrClosed)
}
