package main

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/dnsproxy"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

// udpFlowIdle is the inactivity bound for UDP DNS flows.
const udpFlowIdle = 5 * time.Minute

func serveUDP(addr string, proxy *dnsproxy.Proxy) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		log.Printf("dns udp listen %s: %v", addr, err)
		return
	}
	defer conn.Close()
	log.Printf("dns udp listening on %s", addr)

	buf := make([]byte, wirecodec.MaxUDPResponseSize)
	for {
		conn.SetReadDeadline(time.Now().Add(udpFlowIdle))
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go func(peer net.Addr, datagram []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			resp, err := proxy.HandleUDPDatagram(ctx, core.ProcessInfo{}, datagram)
			if err != nil {
				return // malformed datagram, dropped
			}
			conn.WriteTo(resp, peer)
		}(peer, datagram)
	}
}

func serveTCP(addr string, proxy *dnsproxy.Proxy) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("dns tcp listen %s: %v", addr, err)
		return
	}
	defer l.Close()
	log.Printf("dns tcp listening on %s", addr)

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			stream := proxy.NewStream(core.ProcessInfo{})
			buf := make([]byte, 32<<10)
			for {
				conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
				n, err := conn.Read(buf)
				if n > 0 {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					responses, ferr := stream.Feed(ctx, buf[:n])
					cancel()
					for _, resp := range responses {
						if _, werr := conn.Write(resp); werr != nil {
							return
						}
					}
					if ferr != nil {
						return // framing violation: buffer discarded, flow closed
					}
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}
