package flowrouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/dnsproxy"
	"github.com/delfador0x42/iris/internal/httppipeline"
	"github.com/delfador0x42/iris/internal/tlssession"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

// runMITM terminates TLS on the client side with a synthesized leaf,
// re-originates TLS to the real server, and captures the clear HTTP/1.1 in
// between.
func (r *Router) runMITM(ctx context.Context, flow core.Flow, cf ClaimedFlow, peeked []byte) error {
	// The leaf must exist before the handshake is driven, so collect the
	// whole ClientHello first.
	hello := append([]byte(nil), peeked...)
	buf := make([]byte, 16<<10)
	cf.Conn.SetReadDeadline(time.Now().Add(r.handshakeTimeout()))
	var sni string
	for {
		var err error
		sni, err = tlssession.PeekSNI(hello)
		if err == nil {
			break
		}
		if !errors.Is(err, tlssession.ErrNeedMoreData) {
			// Not TLS after all; relay what we have.
			return r.runPassthrough(ctx, flow, cf, hello)
		}
		if len(hello) > classifyPeekLimit {
			return r.runPassthrough(ctx, flow, cf, hello)
		}
		n, rerr := cf.Conn.Read(buf)
		if n > 0 {
			hello = append(hello, buf[:n]...)
		}
		if rerr != nil {
			cf.Conn.Close()
			return fmt.Errorf("flowrouter: clienthello read: %w", rerr)
		}
	}
	cf.Conn.SetReadDeadline(time.Time{})

	identity := sni
	if identity == "" {
		identity = cf.Remote.Host
	}
	r.table.SetSNI(flow.ID, sni)

	leaf, err := r.ca.Issue(identity)
	if err != nil {
		cf.Conn.Close()
		return fmt.Errorf("flowrouter: issue leaf for %q: %w", identity, err)
	}

	sessCfg := tlssession.Config{
		HandshakeTimeout: r.handshakeTimeout(),
		ReadTimeout:      r.readTimeout(),
	}
	client := tlssession.NewServerSession(leaf, sessCfg)

	upstream, err := r.dial(ctx, "tcp", remoteAddr(cf.Remote))
	if err != nil {
		client.Close()
		cf.Conn.Close()
		return fmt.Errorf("flowrouter: dial upstream: %w", err)
	}
	server := tlssession.NewClientSession(upstream, sni, sessCfg)

	pipe := httppipeline.New(flow.ID, httppipeline.Options{
		PreviewBytes: r.cfg.PreviewBytes,
		BodyCap:      r.cfg.BodyCap,
	}, func(e core.CapturedExchange) { r.captures.Append(e) })

	closeAll := func() {
		client.Close()
		server.Close()
		upstream.Close()
		cf.Conn.Close()
	}
	r.registerPipeline(flow.ID, func() {
		pipe.Close("evicted")
		closeAll()
	})

	// Shuttle raw bytes between the kernel flow and the client-facing
	// record layer.
	go func() {
		rbuf := make([]byte, 32<<10)
		for {
			n, err := cf.Conn.Read(rbuf)
			if n > 0 {
				r.table.Touch(flow.ID, 0, int64(n), time.Now())
				if client.FeedIncoming(rbuf[:n]) != nil {
					return
				}
			}
			if err != nil {
				r.table.SetState(flow.ID, core.FlowHalfClosedOut)
				client.Close()
				return
			}
		}
	}()
	go func() {
		wbuf := make([]byte, 32<<10)
		for {
			n, err := client.ReadOutgoing(wbuf)
			if err != nil {
				return
			}
			if _, err := cf.Conn.Write(wbuf[:n]); err != nil {
				client.Close()
				return
			}
			r.table.Touch(flow.ID, int64(n), 0, time.Now())
		}
	}()

	if err := client.FeedIncoming(hello); err != nil {
		closeAll()
		return fmt.Errorf("flowrouter: feed clienthello: %w", err)
	}
	if err := client.Handshake(); err != nil {
		closeAll()
		return fmt.Errorf("flowrouter: client-facing handshake: %w", err)
	}
	if err := server.Handshake(); err != nil {
		pipe.Close("upstream handshake failed")
		closeAll()
		return fmt.Errorf("flowrouter: server-facing handshake: %w", err)
	}

	return r.shuttleClear(flow, pipe, client, server, closeAll)
}

// shuttleClear pumps decrypted bytes between the two sessions through the
// capture pipeline until both directions finish.
func (r *Router) shuttleClear(flow core.Flow, pipe *httppipeline.Pipeline,
	client, server *tlssession.Session, closeAll func()) error {

	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			closeAll()
		})
	}
	done := make(chan struct{}, 2)

	// client -> server (requests)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32<<10)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				if perr := pipe.FeedClientBytes(buf[:n]); perr != nil {
					fail(perr)
					return
				}
				if _, werr := server.Write(buf[:n]); werr != nil {
					fail(werr)
					return
				}
			}
			if err != nil {
				server.Close()
				return
			}
		}
	}()
	// server -> client (responses)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32<<10)
		for {
			n, err := server.Read(buf)
			closed := err != nil
			if n > 0 || closed {
				if perr := pipe.FeedServerBytes(buf[:n], closed); perr != nil {
					fail(perr)
					return
				}
			}
			if n > 0 {
				if _, werr := client.Write(buf[:n]); werr != nil {
					fail(werr)
					return
				}
			}
			if err != nil {
				r.table.SetState(flow.ID, core.FlowHalfClosedIn)
				client.Close()
				return
			}
		}
	}()

	<-done
	<-done
	pipe.Close("")
	closeAll()
	return firstErr
}

// runClearHTTP captures plain HTTP on the wire. A leading CONNECT request
// from an inner proxy client flips the pipeline to TLS MITM for the
// tunneled target.
func (r *Router) runClearHTTP(ctx context.Context, flow core.Flow, cf ClaimedFlow, peeked []byte) error {
	reqBuf := append([]byte(nil), peeked...)
	buf := make([]byte, 16<<10)
	cf.Conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var first *wirecodec.HTTPMessage
	for {
		msg, err := wirecodec.ParseHTTPRequest(reqBuf, wirecodec.ParseOptions{BodyCap: r.cfg.BodyCap})
		if err == nil {
			first = msg
			break
		}
		if !errors.Is(err, wirecodec.ErrIncomplete) {
			cf.Conn.Close()
			return fmt.Errorf("flowrouter: classify request: %w", err)
		}
		n, rerr := cf.Conn.Read(buf)
		if n > 0 {
			reqBuf = append(reqBuf, buf[:n]...)
		}
		if rerr != nil {
			cf.Conn.Close()
			return fmt.Errorf("flowrouter: request read: %w", rerr)
		}
	}
	cf.Conn.SetReadDeadline(time.Time{})

	if target, ok := wirecodec.ParseConnect(first); ok {
		if _, err := cf.Conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			cf.Conn.Close()
			return fmt.Errorf("flowrouter: connect reply: %w", err)
		}
		tunneled := cf
		tunneled.Remote = core.Endpoint{Host: target.Host, Port: target.Port}
		rest := reqBuf[first.Consumed():]
		return r.runMITM(ctx, flow, tunneled, rest)
	}

	upstream, err := r.dial(ctx, "tcp", remoteAddr(cf.Remote))
	if err != nil {
		cf.Conn.Close()
		return fmt.Errorf("flowrouter: dial upstream: %w", err)
	}

	pipe := httppipeline.New(flow.ID, httppipeline.Options{
		PreviewBytes: r.cfg.PreviewBytes,
		BodyCap:      r.cfg.BodyCap,
	}, func(e core.CapturedExchange) { r.captures.Append(e) })

	closeAll := func() {
		upstream.Close()
		cf.Conn.Close()
	}
	r.registerPipeline(flow.ID, func() {
		pipe.Close("evicted")
		closeAll()
	})

	if err := pipe.FeedClientBytes(reqBuf); err != nil {
		closeAll()
		return err
	}
	if _, err := upstream.Write(reqBuf); err != nil {
		closeAll()
		return fmt.Errorf("flowrouter: upstream write: %w", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		cbuf := make([]byte, 32<<10)
		for {
			n, err := cf.Conn.Read(cbuf)
			if n > 0 {
				r.table.Touch(flow.ID, 0, int64(n), time.Now())
				if pipe.FeedClientBytes(cbuf[:n]) != nil {
					closeAll()
					return
				}
				if _, werr := upstream.Write(cbuf[:n]); werr != nil {
					closeAll()
					return
				}
			}
			if err != nil {
				r.table.SetState(flow.ID, core.FlowHalfClosedOut)
				if tc, ok := upstream.(*net.TCPConn); ok {
					tc.CloseWrite()
				}
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		sbuf := make([]byte, 32<<10)
		for {
			n, err := upstream.Read(sbuf)
			closed := err != nil
			if n > 0 || closed {
				if pipe.FeedServerBytes(sbuf[:n], closed) != nil {
					closeAll()
					return
				}
			}
			if n > 0 {
				r.table.Touch(flow.ID, int64(n), 0, time.Now())
				if _, werr := cf.Conn.Write(sbuf[:n]); werr != nil {
					closeAll()
					return
				}
			}
			if err != nil {
				r.table.SetState(flow.ID, core.FlowHalfClosedIn)
				return
			}
		}
	}()
	<-done
	<-done
	pipe.Close("")
	closeAll()
	return nil
}

// runPassthrough relays without content inspection: byte accounting only.
func (r *Router) runPassthrough(ctx context.Context, flow core.Flow, cf ClaimedFlow, peeked []byte) error {
	upstream, err := r.dial(ctx, "tcp", remoteAddr(cf.Remote))
	if err != nil {
		cf.Conn.Close()
		return fmt.Errorf("flowrouter: dial upstream: %w", err)
	}
	closeAll := func() {
		upstream.Close()
		cf.Conn.Close()
	}
	r.registerPipeline(flow.ID, closeAll)

	if len(peeked) > 0 {
		if _, err := upstream.Write(peeked); err != nil {
			closeAll()
			return fmt.Errorf("flowrouter: upstream write: %w", err)
		}
		r.table.Touch(flow.ID, 0, int64(len(peeked)), time.Now())
	}

	done := make(chan struct{}, 2)
	copyDir := func(dst, src net.Conn, in bool, state core.FlowState) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32<<10)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if in {
					r.table.Touch(flow.ID, int64(n), 0, time.Now())
				} else {
					r.table.Touch(flow.ID, 0, int64(n), time.Now())
				}
				if _, werr := dst.Write(buf[:n]); werr != nil {
					closeAll()
					return
				}
			}
			if err != nil {
				r.table.SetState(flow.ID, state)
				if tc, ok := dst.(*net.TCPConn); ok {
					tc.CloseWrite()
				}
				return
			}
		}
	}
	go copyDir(upstream, cf.Conn, false, core.FlowHalfClosedOut)
	go copyDir(cf.Conn, upstream, true, core.FlowHalfClosedIn)
	<-done
	<-done
	closeAll()
	return nil
}

// runDNSTCP serves DNS-over-TCP with 2-byte length framing and pipelined
// queries.
func (r *Router) runDNSTCP(ctx context.Context, flow core.Flow, cf ClaimedFlow) error {
	stream := r.dns.NewStream(cf.Process)
	r.registerPipeline(flow.ID, func() { cf.Conn.Close() })

	buf := make([]byte, 32<<10)
	for {
		n, err := cf.Conn.Read(buf)
		if n > 0 {
			r.table.Touch(flow.ID, 0, int64(n), time.Now())
			responses, ferr := stream.Feed(ctx, buf[:n])
			for _, resp := range responses {
				if _, werr := cf.Conn.Write(resp); werr != nil {
					cf.Conn.Close()
					return fmt.Errorf("flowrouter: dns reply write: %w", werr)
				}
				r.table.Touch(flow.ID, int64(len(resp)), 0, time.Now())
			}
			if ferr != nil {
				cf.Conn.Close()
				if errors.Is(ferr, dnsproxy.ErrStreamViolation) {
					return ferr
				}
				return fmt.Errorf("flowrouter: dns stream: %w", ferr)
			}
		}
		if err != nil {
			cf.Conn.Close()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (r *Router) handshakeTimeout() time.Duration {
	if r.cfg.HandshakeTimeout <= 0 {
		return tlssession.DefaultHandshakeTimeout
	}
	return r.cfg.HandshakeTimeout
}

func (r *Router) readTimeout() time.Duration {
	if r.cfg.ReadTimeout <= 0 {
		return tlssession.DefaultReadTimeout
	}
	return r.cfg.ReadTimeout
}
