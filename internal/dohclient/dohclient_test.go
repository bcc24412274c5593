package dohclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/wirecodec"
)

// rewriteTransport sends every request to the test server regardless of the
// upstream URL, standing in for the bootstrap-IP dialer.
type rewriteTransport struct {
	target *url.URL
	inner  http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return t.inner.RoundTrip(req)
}

func testQuery(t *testing.T) []byte {
	t.Helper()
	return wirecodec.EncodeDNSMessage(&wirecodec.Message{
		Header:    wirecodec.DNSHeader{ID: 0xBEEF, RD: true, QDCount: 1},
		Questions: []wirecodec.Question{{Name: "example.com", Type: 1, Class: 1}},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return NewWithTransport(
		Upstream{Name: "dns.test", BootstrapIP: "127.0.0.1"},
		rewriteTransport{target: target, inner: srv.Client().Transport},
		2*time.Second,
	)
}

func TestQueryRoundTrip(t *testing.T) {
	query := testQuery(t)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dns-query", r.URL.Path)
		assert.Equal(t, contentType, r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		msg, err := wirecodec.ParseDNSMessage(body)
		require.NoError(t, err)

		reply := &wirecodec.Message{
			Header:    wirecodec.DNSHeader{ID: msg.Header.ID, QR: true, QDCount: 1, ANCount: 1},
			Questions: msg.Questions,
			Answers: []wirecodec.ResourceRecord{
				{Name: "example.com", Type: 1, Class: 1, TTL: 60, RData: []byte{93, 184, 216, 34}},
			},
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(wirecodec.EncodeDNSMessage(reply))
	})

	resp, err := c.Query(context.Background(), query)
	require.NoError(t, err)
	msg, err := wirecodec.ParseDNSMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), msg.Header.ID)
	require.Len(t, msg.Answers, 1)
	assert.Equal(t, uint32(60), msg.Answers[0].TTL)
}

func TestNon200IsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	_, err := c.Query(context.Background(), testQuery(t))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestUndersizedResponseIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	})
	_, err := c.Query(context.Background(), testQuery(t))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	for i := 0; i < 6; i++ {
		_, err := c.Query(context.Background(), testQuery(t))
		require.ErrorIs(t, err, ErrUpstream)
	}
	// Breaker is now open: error is immediate and still explicit.
	_, err := c.Query(context.Background(), testQuery(t))
	assert.ErrorIs(t, err, ErrUpstream)
}
