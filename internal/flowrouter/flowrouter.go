// Package flowrouter claims outbound flows, classifies them, and runs the
// matching pipeline. Each flow is owned by exactly one pipeline from claim
// to close: the ConnectionTable only ever sees metadata snapshots, and
// eviction close signals travel through the pipeline, never around it.
package flowrouter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/certauthority"
	"github.com/delfador0x42/iris/internal/connectiontable"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/dnsproxy"
	"github.com/delfador0x42/iris/internal/firewall"
	"github.com/delfador0x42/iris/internal/httppipeline"
	"github.com/delfador0x42/iris/internal/tlssession"
)

// ErrFlowBlocked is returned when the firewall refuses a flow at claim
// time; the flow is never registered in the ConnectionTable.
var ErrFlowBlocked = errors.New("flowrouter: flow blocked by firewall")

// classifyPeekLimit caps how many bytes classification may buffer before
// giving up and falling through to passthrough.
const classifyPeekLimit = 16 << 10

// ClaimedFlow is what the kernel integration hands the router for each
// outbound connection: the stream plus source-process attribution from the
// audit token.
type ClaimedFlow struct {
	Conn     net.Conn
	Protocol core.Protocol
	Process  core.ProcessInfo
	Local    core.Endpoint
	Remote   core.Endpoint
}

// Dialer opens the outbound leg to the real server.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// EventSink receives the synthetic connection events the router mints for
// the normalizer.
type EventSink func(flow core.Flow)

// Config bounds router behavior.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PreviewBytes     int
	BodyCap          int64
}

// Router is the per-extension singleton that owns flow dispatch.
type Router struct {
	table    *connectiontable.Table
	rules    *firewall.List
	ca       *certauthority.Authority
	captures *httppipeline.CaptureStore
	dns      *dnsproxy.Proxy
	dial     Dialer
	events   EventSink
	cfg      Config
	logger   *log.Logger

	mu        sync.Mutex
	accepting bool
	pipelines map[uuid.UUID]func() // close signal per live pipeline
}

// New wires a Router. dial may be nil, in which case a net.Dialer is used.
func New(table *connectiontable.Table, rules *firewall.List, ca *certauthority.Authority,
	captures *httppipeline.CaptureStore, dns *dnsproxy.Proxy, events EventSink, cfg Config) *Router {
	r := &Router{
		table:     table,
		rules:     rules,
		ca:        ca,
		captures:  captures,
		dns:       dns,
		events:    events,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[FLOWROUTER] ", log.LstdFlags),
		accepting: true,
		pipelines: make(map[uuid.UUID]func()),
	}
	r.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: 30 * time.Second}
		return d.DialContext(ctx, network, addr)
	}
	return r
}

// SetDialer overrides the outbound dialer (tests, split tunnels).
func (r *Router) SetDialer(d Dialer) { r.dial = d }

// CloseSignal routes an eviction-driven close through the flow's pipeline.
// Wire this to connectiontable.WithEvictionSignal.
func (r *Router) CloseSignal(id uuid.UUID) {
	r.mu.Lock()
	closeFn := r.pipelines[id]
	r.mu.Unlock()
	if closeFn != nil {
		closeFn()
	}
}

// Stop drains: new flows are refused, live pipelines get a bounded grace
// period, then are closed forcibly.
func (r *Router) Stop(grace time.Duration) {
	r.mu.Lock()
	r.accepting = false
	r.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.pipelines)
		r.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	r.mu.Lock()
	closers := make([]func(), 0, len(r.pipelines))
	for _, fn := range r.pipelines {
		closers = append(closers, fn)
	}
	r.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

// HandleTCP runs a claimed TCP flow to completion. It blocks until both
// halves close or the pipeline fatally errors; callers run it on the
// flow's own task.
func (r *Router) HandleTCP(ctx context.Context, cf ClaimedFlow) error {
	r.mu.Lock()
	accepting := r.accepting
	r.mu.Unlock()
	if !accepting {
		cf.Conn.Close()
		return errors.New("flowrouter: draining, flow refused")
	}

	flow := core.Flow{
		ID:           uuid.New(),
		Protocol:     core.ProtoTCP,
		Process:      cf.Process,
		Local:        cf.Local,
		Remote:       cf.Remote,
		State:        core.FlowActive,
		FirstSeen:    time.Now(),
		LastActivity: time.Now(),
	}

	if r.rules != nil && r.rules.Check(flow) == firewall.ActionBlock {
		cf.Conn.Close()
		r.logger.Printf("blocked %s -> %s:%d", cf.Process.Path, cf.Remote.Host, cf.Remote.Port)
		return ErrFlowBlocked
	}

	r.table.Register(flow)
	if r.events != nil {
		r.events(flow)
	}

	defer func() {
		r.table.SetState(flow.ID, core.FlowClosed)
		r.mu.Lock()
		delete(r.pipelines, flow.ID)
		r.mu.Unlock()
	}()

	switch {
	case cf.Remote.Port == 53:
		return r.runDNSTCP(ctx, flow, cf)
	case cf.Remote.Port == 443:
		return r.runMITM(ctx, flow, cf, nil)
	default:
		return r.classifyAndRun(ctx, flow, cf)
	}
}

// HandleUDP serves a claimed UDP DNS flow: each datagram is one message.
// Non-53 UDP is counted and passed through by the caller; the router only
// sees DNS.
func (r *Router) HandleUDP(ctx context.Context, cf ClaimedFlow, datagram []byte, reply func([]byte) error) error {
	flow := core.Flow{
		ID:           uuid.New(),
		Protocol:     core.ProtoUDP,
		Process:      cf.Process,
		Local:        cf.Local,
		Remote:       cf.Remote,
		State:        core.FlowActive,
		FirstSeen:    time.Now(),
		LastActivity: time.Now(),
	}
	if r.rules != nil && r.rules.Check(flow) == firewall.ActionBlock {
		return ErrFlowBlocked
	}
	resp, err := r.dns.HandleUDPDatagram(ctx, cf.Process, datagram)
	if err != nil {
		return err
	}
	return reply(resp)
}

// classifyAndRun peeks the first bytes of a non-well-known port and picks
// the pipeline: TLS ClientHello, clear HTTP (possibly CONNECT), or
// passthrough.
func (r *Router) classifyAndRun(ctx context.Context, flow core.Flow, cf ClaimedFlow) error {
	peek := make([]byte, 0, 512)
	buf := make([]byte, 4096)
	cf.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(peek) < classifyPeekLimit {
		n, err := cf.Conn.Read(buf)
		if n > 0 {
			peek = append(peek, buf[:n]...)
		}
		if err != nil {
			if len(peek) == 0 {
				return r.runPassthrough(ctx, flow, cf, peek)
			}
			break
		}
		if tlssession.LooksLikeTLS(peek) || looksLikeHTTP(peek) || len(peek) >= 8 {
			break
		}
	}
	cf.Conn.SetReadDeadline(time.Time{})

	switch {
	case tlssession.LooksLikeTLS(peek):
		return r.runMITM(ctx, flow, cf, peek)
	case looksLikeHTTP(peek):
		return r.runClearHTTP(ctx, flow, cf, peek)
	default:
		return r.runPassthrough(ctx, flow, cf, peek)
	}
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
	[]byte("CONNECT "),
}

func looksLikeHTTP(peek []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(peek, m) {
			return true
		}
		if len(peek) < len(m) && bytes.HasPrefix(m, peek) {
			return false // could still become a method; caller keeps peeking
		}
	}
	return false
}

func (r *Router) registerPipeline(id uuid.UUID, closeFn func()) {
	r.mu.Lock()
	r.pipelines[id] = closeFn
	r.mu.Unlock()
}

func remoteAddr(e core.Endpoint) string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}
