// Package httppipeline drives paired HTTP/1.1 request and response parsers
// against a flow's decrypted byte streams and emits CapturedExchange
// records. Handles pipelining (parsers reset with leftover bytes retained)
// and keep-alive (direction close terminates, in-flight work emitted with
// an error tag).
package httppipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

// DefaultPreviewBytes is the per-exchange body preview budget.
const DefaultPreviewBytes = 8 << 10

// ErrPipelineClosed is returned by feeds after Close.
var ErrPipelineClosed = errors.New("httppipeline: closed")

// Options bounds pipeline resource use.
type Options struct {
	PreviewBytes int
	BodyCap      int64
}

func (o Options) preview() int {
	if o.PreviewBytes <= 0 {
		return DefaultPreviewBytes
	}
	return o.PreviewBytes
}

// Pipeline captures the exchanges of one flow. The two directions are fed
// independently; pairing happens in request order.
type Pipeline struct {
	flowID uuid.UUID
	opts   Options
	emit   func(core.CapturedExchange)
	now    func() time.Time

	mu       sync.Mutex
	reqBuf   []byte
	respBuf  []byte
	pending  []*core.CapturedExchange // requests complete, awaiting response
	closed   bool
	reqStart time.Time
}

// New creates a pipeline for flowID that hands completed exchanges to emit.
func New(flowID uuid.UUID, opts Options, emit func(core.CapturedExchange)) *Pipeline {
	return &Pipeline{
		flowID: flowID,
		opts:   opts,
		emit:   emit,
		now:    time.Now,
	}
}

func headersOf(msg *wirecodec.HTTPMessage) []core.HTTPHeader {
	out := make([]core.HTTPHeader, len(msg.Headers))
	for i, h := range msg.Headers {
		out[i] = core.HTTPHeader{Name: h.Name, Value: h.Value}
	}
	return out
}

func (p *Pipeline) preview(body []byte) []byte {
	limit := p.opts.preview()
	if len(body) <= limit {
		return body
	}
	return body[:limit]
}

// FeedClientBytes consumes decrypted client-to-server bytes (requests).
func (p *Pipeline) FeedClientBytes(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	p.reqBuf = append(p.reqBuf, b...)
	for {
		if len(p.reqBuf) == 0 {
			return nil
		}
		if p.reqStart.IsZero() {
			p.reqStart = p.now()
		}
		msg, err := wirecodec.ParseHTTPRequest(p.reqBuf, wirecodec.ParseOptions{BodyCap: p.opts.BodyCap})
		if errors.Is(err, wirecodec.ErrIncomplete) {
			return nil
		}
		if err != nil {
			p.closeLocked("malformed request: " + err.Error())
			return err
		}
		ex := &core.CapturedExchange{
			FlowID:    p.flowID,
			StartedAt: p.reqStart,
			Request: &core.CapturedRequest{
				Method:      msg.Method,
				Path:        msg.Path,
				Version:     msg.Version,
				Headers:     headersOf(msg),
				BodyPreview: p.preview(msg.Body),
				BodySize:    msg.BodySize,
			},
		}
		p.pending = append(p.pending, ex)
		p.reqBuf = p.reqBuf[msg.Consumed():]
		p.reqStart = time.Time{}
	}
}

// FeedServerBytes consumes decrypted server-to-client bytes (responses).
// serverClosed completes any until-close framed response.
func (p *Pipeline) FeedServerBytes(b []byte, serverClosed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	p.respBuf = append(p.respBuf, b...)
	for len(p.respBuf) > 0 {
		msg, err := wirecodec.ParseHTTPResponse(p.respBuf, wirecodec.ParseOptions{BodyCap: p.opts.BodyCap}, serverClosed)
		if errors.Is(err, wirecodec.ErrIncomplete) {
			return nil
		}
		if err != nil {
			p.closeLocked("malformed response: " + err.Error())
			return err
		}
		// Interim 1xx responses do not consume the pending request.
		if msg.StatusCode >= 100 && msg.StatusCode < 200 {
			p.respBuf = p.respBuf[msg.Consumed():]
			continue
		}
		var ex *core.CapturedExchange
		if len(p.pending) > 0 {
			ex = p.pending[0]
			p.pending = p.pending[1:]
		} else {
			// Response with no recorded request (e.g. the request predated
			// interception); still captured, just unpaired.
			ex = &core.CapturedExchange{FlowID: p.flowID, StartedAt: p.now()}
		}
		ex.Response = &core.CapturedResponse{
			StatusCode:  msg.StatusCode,
			Reason:      msg.Reason,
			Version:     msg.Version,
			Headers:     headersOf(msg),
			BodyPreview: p.preview(msg.Body),
			BodySize:    msg.BodySize,
		}
		ex.EndedAt = p.now()
		p.emit(*ex)
		p.respBuf = p.respBuf[msg.Consumed():]
	}
	return nil
}

// Close terminates the pipeline. In-flight requests and buffered partial
// messages are emitted with an explicit error tag. Idempotent.
func (p *Pipeline) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(reason)
}

func (p *Pipeline) closeLocked(reason string) {
	if p.closed {
		return
	}
	p.closed = true
	if reason == "" {
		reason = "connection closed"
	}
	for _, ex := range p.pending {
		ex.Error = reason
		ex.EndedAt = p.now()
		p.emit(*ex)
	}
	p.pending = nil
	if len(p.reqBuf) > 0 && looksLikeMessageStart(p.reqBuf) {
		p.emit(core.CapturedExchange{
			FlowID:    p.flowID,
			StartedAt: p.now(),
			EndedAt:   p.now(),
			Error:     reason + " (partial request)",
		})
	}
	p.reqBuf = nil
	p.respBuf = nil
}

func looksLikeMessageStart(buf []byte) bool {
	s := string(buf)
	idx := strings.IndexByte(s, ' ')
	return idx > 0 && idx < 16
}

// PendingCount reports requests awaiting a response, for tests.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
