// Package dnsproxy intercepts UDP and TCP DNS flows, forwards queries over
// DoH, answers the client, and records per-query metadata for correlation.
// It never speaks plain DNS upstream: a DoH failure is answered with a
// SERVFAIL synthesized from the query transaction id and zeroed counts.
package dnsproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

// tcpBufferCap bounds the per-flow reassembly buffer: room for exactly one
// maximum-size framed message. A stream needing more closes instead of
// allocating.
const tcpBufferCap = 2 + wirecodec.MaxTCPMessageSize

// ErrStreamViolation means a TCP DNS stream broke framing rules; the
// caller discards the buffer and closes the flow.
var ErrStreamViolation = errors.New("dnsproxy: stream framing violation")

// Resolver is the upstream query surface (the DoH client in production).
type Resolver interface {
	Query(ctx context.Context, query []byte) ([]byte, error)
	Upstream() string
}

// EventSink receives the synthetic security events the proxy mints.
type EventSink func(kind core.EventKind, actor core.ProcessInfo, domain string, detail map[string]string)

// Proxy serves DNS flows for one extension process.
type Proxy struct {
	resolver Resolver
	ring     *ringstore.Store[core.DNSQuery]
	events   EventSink
	logger   *log.Logger
	now      func() time.Time
}

// New creates a Proxy recording queries into ring. events may be nil.
func New(resolver Resolver, ring *ringstore.Store[core.DNSQuery], events EventSink) *Proxy {
	return &Proxy{
		resolver: resolver,
		ring:     ring,
		events:   events,
		logger:   log.New(log.Writer(), "[DNSPROXY] ", log.LstdFlags),
		now:      time.Now,
	}
}

// HandleUDPDatagram processes one UDP datagram (a full DNS message) and
// returns the datagram to write back. Oversized upstream responses are
// truncated with TC set so the client retries over TCP.
func (p *Proxy) HandleUDPDatagram(ctx context.Context, actor core.ProcessInfo, datagram []byte) ([]byte, error) {
	if len(datagram) < 12 {
		return nil, fmt.Errorf("%w: datagram under 12 bytes", wirecodec.ErrMalformed)
	}
	msg, err := wirecodec.ParseDNSMessage(datagram)
	if err != nil {
		return nil, err
	}
	respWire := p.forward(ctx, actor, msg, datagram)
	if len(respWire) > wirecodec.MaxUDPResponseSize {
		resp, perr := wirecodec.ParseDNSMessage(respWire)
		if perr != nil {
			return nil, perr
		}
		respWire = wirecodec.EncodeDNSMessage(wirecodec.TruncateUDPResponse(resp))
	}
	return respWire, nil
}

// Stream reassembles one DNS-over-TCP flow. Not safe for concurrent use;
// each flow pipeline owns exactly one.
type Stream struct {
	proxy *Proxy
	actor core.ProcessInfo
	buf   []byte
}

// NewStream creates the per-flow TCP reassembler.
func (p *Proxy) NewStream(actor core.ProcessInfo) *Stream {
	return &Stream{proxy: p, actor: actor}
}

// Feed consumes newly arrived stream bytes and returns zero or more framed
// responses to write back, in query order (pipelined queries supported).
// On a framing violation the buffer is discarded and ErrStreamViolation
// returned; the caller closes the flow.
func (s *Stream) Feed(ctx context.Context, data []byte) ([][]byte, error) {
	if len(s.buf)+len(data) > tcpBufferCap {
		s.buf = nil
		return nil, fmt.Errorf("%w: buffer cap exceeded", ErrStreamViolation)
	}
	s.buf = append(s.buf, data...)

	var responses [][]byte
	for {
		if len(s.buf) < 2 {
			return responses, nil
		}
		length := int(binary.BigEndian.Uint16(s.buf[0:2]))
		if length == 0 {
			s.buf = nil
			return responses, fmt.Errorf("%w: zero-length message", ErrStreamViolation)
		}
		if len(s.buf) < 2+length {
			return responses, nil // wait for the missing bytes
		}
		wire := s.buf[2 : 2+length]
		msg, err := wirecodec.ParseDNSMessage(wire)
		if err != nil {
			s.buf = nil
			return responses, fmt.Errorf("%w: %v", ErrStreamViolation, err)
		}
		respWire := s.proxy.forward(ctx, s.actor, msg, wire)
		framed := make([]byte, 2+len(respWire))
		binary.BigEndian.PutUint16(framed[0:2], uint16(len(respWire)))
		copy(framed[2:], respWire)
		responses = append(responses, framed)
		s.buf = s.buf[2+length:]
	}
}

// forward sends the query upstream and returns the wire response, falling
// back to a synthesized SERVFAIL (built from the transaction id, never the
// raw query bytes) when the upstream fails. The query is recorded either
// way.
func (p *Proxy) forward(ctx context.Context, actor core.ProcessInfo, msg *wirecodec.Message, wire []byte) []byte {
	start := p.now()
	var question wirecodec.Question
	if len(msg.Questions) > 0 {
		question = msg.Questions[0]
	}

	respWire, err := p.resolver.Query(ctx, wire)
	latency := p.now().Sub(start)

	record := core.DNSQuery{
		ID:        uuid.New(),
		Timestamp: start,
		Process:   actor,
		Domain:    question.Name,
		QType:     question.Type,
		LatencyMS: latency.Milliseconds(),
		Upstream:  p.resolver.Upstream(),
	}

	if err != nil {
		p.logger.Printf("upstream failure for %q: %v", question.Name, err)
		servfail := wirecodec.NewSERVFAIL(msg.Header.ID, question)
		record.RCode = servfail.Header.RCode
		p.record(record)
		return wirecodec.EncodeDNSMessage(servfail)
	}

	if resp, perr := wirecodec.ParseDNSMessage(respWire); perr == nil {
		record.RCode = resp.Header.RCode
		for _, a := range resp.Answers {
			record.Answers = append(record.Answers, core.DNSAnswer{
				Name:  a.Name,
				Type:  a.Type,
				TTL:   a.TTL,
				RData: fmt.Sprintf("%x", a.RData),
			})
		}
	}
	p.record(record)
	return respWire
}

func (p *Proxy) record(q core.DNSQuery) {
	p.ring.Append(q)
	if p.events == nil || q.Domain == "" {
		return
	}
	detail := map[string]string{
		"qtype": fmt.Sprintf("%d", q.QType),
		"rcode": fmt.Sprintf("%d", q.RCode),
	}
	p.events(core.EvDNSQuery, q.Process, q.Domain, detail)
	if looksLikeExfil(q.Domain) {
		p.events(core.EvDNSExfil, q.Process, q.Domain, detail)
	}
	if looksLikeDGA(q.Domain) {
		p.events(core.EvDNSDGA, q.Process, q.Domain, detail)
	}
}
