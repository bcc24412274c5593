package flowrouter

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/certauthority"
	"github.com/delfador0x42/iris/internal/connectiontable"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/firewall"
	"github.com/delfador0x42/iris/internal/httppipeline"
)

func testCA(t *testing.T) *certauthority.Authority {
	t.Helper()
	key, der, err := certauthority.GenerateRoot("Iris Test Root")
	require.NoError(t, err)
	ca, err := certauthority.New(key, der, "Iris Test Root", 16)
	require.NoError(t, err)
	return ca
}

func newTestRouter(t *testing.T, rules *firewall.List) (*Router, *connectiontable.Table, *httppipeline.CaptureStore) {
	t.Helper()
	table := connectiontable.New()
	captures := httppipeline.NewCaptureStore(128, 0)
	r := New(table, rules, testCA(t), captures, nil, nil, Config{
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      5 * time.Second,
	})
	return r, table, captures
}

// originTLS serves one request/response pair as the "real server" behind
// the dialer.
func originTLS(t *testing.T, ca *certauthority.Authority, conn net.Conn, response string) {
	t.Helper()
	leaf, err := ca.Issue("origin.test")
	require.NoError(t, err)
	srv := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{leaf.DER}, PrivateKey: leaf.PrivateKey}},
	})
	if err := srv.Handshake(); err != nil {
		return
	}
	buf := make([]byte, 4096)
	if _, err := srv.Read(buf); err != nil {
		return
	}
	srv.Write([]byte(response))
	srv.Close()
	conn.Close()
}

func TestMITMCapturesExchange(t *testing.T) {
	r, table, captures := newTestRouter(t, nil)
	originCA := testCA(t)

	clientConn, kernelConn := net.Pipe()
	upstreamClient, upstreamServer := net.Pipe()
	r.SetDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return upstreamClient, nil
	})
	go originTLS(t, originCA, upstreamServer,
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	clientDone := make(chan error, 1)
	go func() {
		c := tls.Client(clientConn, &tls.Config{
			ServerName:         "example.com",
			InsecureSkipVerify: true,
		})
		if err := c.Handshake(); err != nil {
			clientDone <- err
			return
		}
		if _, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
			clientDone <- err
			return
		}
		buf := make([]byte, 4096)
		n, err := c.Read(buf)
		if err != nil || n == 0 {
			clientDone <- err
			return
		}
		c.Close()
		clientConn.Close()
		clientDone <- nil
	}()

	cf := ClaimedFlow{
		Conn:     kernelConn,
		Protocol: core.ProtoTCP,
		Process:  core.ProcessInfo{PID: 100, Path: "/usr/bin/curl"},
		Local:    core.Endpoint{Host: "127.0.0.1", Port: 54321},
		Remote:   core.Endpoint{Host: "93.184.216.34", Port: 443},
	}
	routeDone := make(chan error, 1)
	go func() { routeDone <- r.HandleTCP(context.Background(), cf) }()

	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client stalled")
	}
	select {
	case <-routeDone:
	case <-time.After(10 * time.Second):
		t.Fatal("router stalled")
	}

	exchanges, _ := captures.Since(0)
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "GET", ex.Request.Method)
	assert.Equal(t, "/", ex.Request.Path)
	assert.Equal(t, 200, ex.Response.StatusCode)
	assert.Equal(t, int64(5), ex.Response.BodySize)
	assert.Equal(t, "hello", string(ex.Response.BodyPreview))

	assert.Equal(t, 0, table.Count(), "closed flow must leave the table")
}

func TestFirewallBlockRefusesFlowBeforeRegistration(t *testing.T) {
	rules, err := firewall.NewList("")
	require.NoError(t, err)
	_, err = rules.Add(firewall.Rule{Action: firewall.ActionBlock, ProcessPath: "/usr/bin/curl"})
	require.NoError(t, err)

	r, table, _ := newTestRouter(t, rules)
	clientConn, kernelConn := net.Pipe()
	defer clientConn.Close()

	cf := ClaimedFlow{
		Conn:    kernelConn,
		Process: core.ProcessInfo{PID: 1, Path: "/usr/bin/curl"},
		Remote:  core.Endpoint{Host: "example.com", Port: 443},
	}
	err = r.HandleTCP(context.Background(), cf)
	assert.ErrorIs(t, err, ErrFlowBlocked)
	assert.Equal(t, 0, table.Count(), "blocked flows are never registered")
}

func TestPassthroughRelaysAndCounts(t *testing.T) {
	r, _, captures := newTestRouter(t, nil)

	clientConn, kernelConn := net.Pipe()
	upstreamClient, upstreamServer := net.Pipe()
	r.SetDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return upstreamClient, nil
	})

	// Opaque (non-TLS, non-HTTP) upstream echo.
	go func() {
		buf := make([]byte, 64)
		n, err := upstreamServer.Read(buf)
		if err != nil {
			return
		}
		upstreamServer.Write(buf[:n])
		upstreamServer.Close()
	}()

	routeDone := make(chan error, 1)
	go func() {
		routeDone <- r.HandleTCP(context.Background(), ClaimedFlow{
			Conn:    kernelConn,
			Process: core.ProcessInfo{PID: 2, Path: "/usr/bin/ssh"},
			Remote:  core.Endpoint{Host: "10.0.0.9", Port: 2222},
		})
	}()

	_, err := clientConn.Write([]byte("\x00opaque-protocol"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "\x00opaque-protocol", string(buf[:n]))
	clientConn.Close()

	select {
	case <-routeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("router stalled")
	}
	assert.Equal(t, 0, captures.Count(), "passthrough must not capture content")
}

func TestStopRefusesNewFlows(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	r.Stop(10 * time.Millisecond)

	_, kernelConn := net.Pipe()
	err := r.HandleTCP(context.Background(), ClaimedFlow{
		Conn:    kernelConn,
		Process: core.ProcessInfo{PID: 3, Path: "/bin/x"},
		Remote:  core.Endpoint{Host: "example.com", Port: 443},
	})
	assert.Error(t, err)
}
