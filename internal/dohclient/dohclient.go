// Package dohclient sends wire-format DNS queries over HTTPS to an
// upstream resolver reached by bootstrap IP, so resolution never depends
// on the DNS path it is replacing. There is no plain-DNS fallback of any
// kind: on failure the caller gets an explicit error and synthesizes
// SERVFAIL itself.
package dohclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/delfador0x42/iris/internal/circuitbreaker"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

// DefaultTimeout bounds one DoH round trip.
const DefaultTimeout = 5 * time.Second

const contentType = "application/dns-message"

// ErrUpstream wraps any transport or HTTP-level failure talking to the
// resolver.
var ErrUpstream = errors.New("dohclient: upstream failure")

// Upstream is one DoH resolver, addressed by literal bootstrap IP.
type Upstream struct {
	// Name is the TLS server name and Host header (e.g. "dns.example").
	Name string
	// BootstrapIP is the literal address dialed, avoiding DNS
	// self-dependence.
	BootstrapIP string
	// Port defaults to 443.
	Port int
}

func (u Upstream) addr() string {
	port := u.Port
	if port == 0 {
		port = 443
	}
	return net.JoinHostPort(u.BootstrapIP, fmt.Sprintf("%d", port))
}

// URL is the resolver's query endpoint.
func (u Upstream) URL() string { return "https://" + u.Name + "/dns-query" }

// Client is a DoH client with a circuit breaker per instance. Safe for
// concurrent use.
type Client struct {
	upstream Upstream
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	logger   *log.Logger
}

// New builds a Client for upstream. The transport dials the bootstrap IP
// directly while keeping the upstream name for SNI and certificate
// verification; HTTP/2 is used when the resolver offers it.
func New(upstream Upstream, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, upstream.addr())
		},
		TLSClientConfig:     &tls.Config{ServerName: upstream.Name, MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	// HTTP/2 when the resolver offers it, HTTP/1.1 otherwise.
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("[DOH] h2 configure failed, staying on h1: %v", err)
	}
	return &Client{
		upstream: upstream,
		http:     &http.Client{Transport: transport, Timeout: timeout},
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("doh:" + upstream.Name)),
		logger:   log.New(log.Writer(), "[DOH] ", log.LstdFlags),
	}
}

// NewWithTransport builds a Client over a caller-supplied transport.
// Production code uses New; tests substitute their own TLS trust here.
func NewWithTransport(upstream Upstream, rt http.RoundTripper, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		upstream: upstream,
		http:     &http.Client{Transport: rt, Timeout: timeout},
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("doh:" + upstream.Name)),
		logger:   log.New(log.Writer(), "[DOH] ", log.LstdFlags),
	}
}

// Upstream reports which resolver this client talks to, for query records.
func (c *Client) Upstream() string { return c.upstream.Name }

// Query posts a wire-format DNS query and returns the wire-format
// response. Every failure path returns an ErrUpstream-wrapped error; the
// caller decides what to answer the client.
func (c *Client) Query(ctx context.Context, query []byte) ([]byte, error) {
	var response []byte
	err := c.breaker.Do(func() error {
		var err error
		response, err = c.roundTrip(ctx, query)
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil, err
	}
	return response, nil
}

func (c *Client) roundTrip(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.upstream.URL(), bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, wirecodec.MaxTCPMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if len(body) < 12 || len(body) > wirecodec.MaxTCPMessageSize {
		return nil, fmt.Errorf("%w: response size %d", ErrUpstream, len(body))
	}
	return body, nil
}
