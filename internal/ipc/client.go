package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/circuitbreaker"
	"github.com/delfador0x42/iris/internal/firewall"
)

// DefaultCallTimeout bounds one IPC round trip.
const DefaultCallTimeout = 30 * time.Second

// Client is the supervisor's connection to one extension. On interruption
// it fully tears its side down and re-establishes; a stale handle is never
// reused.
type Client struct {
	extension  string
	socketPath string
	timeout    time.Duration
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger

	mu   sync.Mutex
	http *http.Client
}

// NewClient builds a client for the extension behind socketPath.
func NewClient(extension, socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Client{
		extension:  extension,
		socketPath: socketPath,
		timeout:    timeout,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("ipc:" + extension)),
		logger:     log.New(log.Writer(), "[IPC-CLIENT] ", log.LstdFlags),
	}
	c.http = c.newHTTPClient()
	return c
}

func (c *Client) newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: c.timeout}
				return d.DialContext(ctx, "unix", c.socketPath)
			},
		},
	}
}

// Reconnect tears down the transport entirely and builds a fresh one.
func (c *Client) Reconnect() {
	c.mu.Lock()
	old := c.http
	c.http = c.newHTTPClient()
	c.mu.Unlock()
	old.CloseIdleConnections()
	c.logger.Printf("%s: transport torn down and rebuilt", c.extension)
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Do(func() error {
		var reader io.Reader
		if body != nil {
			blob, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("ipc: marshal request: %w", err)
			}
			reader = bytes.NewReader(blob)
		}
		req, err := http.NewRequestWithContext(ctx, method, "http://iris"+path, reader)
		if err != nil {
			return fmt.Errorf("ipc: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client().Do(req)
		if err != nil {
			return fmt.Errorf("ipc: %s %s: %w", c.extension, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var e ErrorReply
			if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
				return fmt.Errorf("ipc: %s: %s (%s)", e.Extension, e.Message, e.Kind)
			}
			return fmt.Errorf("ipc: %s %s: status %d", c.extension, path, resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("ipc: decode reply: %w", err)
			}
		}
		return nil
	})
}

// Status calls getStatus.
func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var out StatusReply
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// SetInterceptionEnabled toggles interception.
func (c *Client) SetInterceptionEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/v1/interception", InterceptionRequest{Enabled: enabled}, nil)
}

// SetCaptureMemoryBudget adjusts the aggregate capture budget.
func (c *Client) SetCaptureMemoryBudget(ctx context.Context, bytes int64) error {
	return c.do(ctx, http.MethodPost, "/v1/capture-budget", BudgetRequest{Bytes: bytes}, nil)
}

// AddFirewallRule inserts a rule and returns it with its assigned id.
func (c *Client) AddFirewallRule(ctx context.Context, rule firewall.Rule) (firewall.Rule, error) {
	var out RuleReply
	err := c.do(ctx, http.MethodPost, "/v1/firewall/rules", RuleRequest{Rule: rule}, &out)
	return out.Rule, err
}

// RemoveFirewallRule deletes a rule.
func (c *Client) RemoveFirewallRule(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/firewall/rules/"+id.String(), nil, nil)
}

// ToggleFirewallRule flips a rule's active flag.
func (c *Client) ToggleFirewallRule(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/v1/firewall/rules/"+id.String()+"/toggle", nil, nil)
}

// ListFirewallRules returns the ordered rule set.
func (c *Client) ListFirewallRules(ctx context.Context) ([]firewall.Rule, error) {
	var out RulesReply
	err := c.do(ctx, http.MethodGet, "/v1/firewall/rules", nil, &out)
	return out.Rules, err
}

// CleanupExpiredRules removes expired rules, returning the count.
func (c *Client) CleanupExpiredRules(ctx context.Context) (int, error) {
	var out CleanupReply
	err := c.do(ctx, http.MethodPost, "/v1/firewall/cleanup", nil, &out)
	return out.Removed, err
}

// GetRawData fetches a flow's byte counters.
func (c *Client) GetRawData(ctx context.Context, id uuid.UUID) (RawDataReply, error) {
	var out RawDataReply
	err := c.do(ctx, http.MethodGet, "/v1/flows/"+id.String()+"/raw", nil, &out)
	return out, err
}

// GetConversation fetches a flow's captured segments.
func (c *Client) GetConversation(ctx context.Context, id uuid.UUID) ([]json.RawMessage, error) {
	var out struct {
		Segments []json.RawMessage `json:"segments"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/flows/"+id.String()+"/conversation", nil, &out)
	return out.Segments, err
}

// InstallCA delivers the root CA PEM to the extension.
func (c *Client) InstallCA(ctx context.Context, pem []byte) error {
	return c.do(ctx, http.MethodPost, "/v1/ca", CAInstallRequest{PEM: pem}, nil)
}

// Poll performs one delta-poll read of a dataset.
func (c *Client) Poll(ctx context.Context, dataset string, cursor uint64) (PollReply, error) {
	var out PollReply
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/poll/%s?cursor=%d", dataset, cursor), nil, &out)
	return out, err
}

// Poller drives a periodic delta poll of one dataset. Its timer is
// strictly tied to a live connection: on any call failure the timer stops
// before the reconnect attempt, and a fresh timer starts only after the
// connection is re-established.
type Poller struct {
	client   *Client
	dataset  string
	interval time.Duration
	handler  func(PollReply)

	cursor uint64
	stop   chan struct{}
	done   chan struct{}
}

// NewPoller creates a poller delivering batches to handler.
func NewPoller(client *Client, dataset string, interval time.Duration, handler func(PollReply)) *Poller {
	return &Poller{
		client:   client,
		dataset:  dataset,
		interval: interval,
		handler:  handler,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop terminates the loop and waits for it to exit.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) run() {
	defer close(p.done)
	for {
		ticker := time.NewTicker(p.interval)
	poll:
		for {
			select {
			case <-p.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.client.timeout)
				reply, err := p.client.Poll(ctx, p.dataset, p.cursor)
				cancel()
				if err != nil {
					// Timer stops before any reconnect attempt.
					ticker.Stop()
					break poll
				}
				p.cursor = reply.NewCursor
				if len(reply.Items) > 0 {
					p.handler(reply)
				}
			}
		}

		// Bounded backoff, then full teardown and re-establish.
		select {
		case <-p.stop:
			return
		case <-time.After(p.interval):
		}
		p.client.Reconnect()
	}
}
