// iris-dnsext is the DNS proxy extension: it claims UDP and TCP DNS
// flows, forwards queries over DoH to a resolver reached by bootstrap IP,
// and records per-query metadata for correlation.
package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/config"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/dnsproxy"
	"github.com/delfador0x42/iris/internal/dohclient"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/ipc"
	"github.com/delfador0x42/iris/internal/metrics"
	"github.com/delfador0x42/iris/internal/ringstore"
)

func main() {
	log.Println("🔥 Starting Iris DNS extension...")
	godotenv.Load()

	cfg := config.Get()
	m, _ := metrics.New()
	bus := events.NewBus()
	startedAt := time.Now()

	doh := dohclient.New(dohclient.Upstream{
		Name:        cfg.DNS.UpstreamName,
		BootstrapIP: cfg.DNS.BootstrapIP,
		Port:        cfg.DNS.UpstreamPort,
	}, time.Duration(cfg.Core.DoHTimeoutSeconds)*time.Second)

	queryRing := ringstore.New[core.DNSQuery](8192)
	eventRing := ringstore.New[core.SecurityEvent](cfg.Detection.EventRingSize)

	// Synthetic dns_query/dns_exfil/dns_dga events ride the event feed to
	// the supervisor, which forwards them to the detection extension.
	var seq uint64
	proxy := dnsproxy.New(doh, queryRing, func(kind core.EventKind, actor core.ProcessInfo, domain string, detail map[string]string) {
		seq++
		ev := core.SecurityEvent{
			Kind: kind, Actor: actor, TargetPath: domain,
			Detail: detail, Timestamp: time.Now(), Sequence: seq,
		}
		s := eventRing.Append(ev)
		bus.Publish(events.FeedEvents, s, ev)
		m.EventsNormalized.WithLabelValues(string(kind)).Inc()
	})
	// The kernel DNS-proxy interface hands us flow datagrams; this local
	// bind is the same entry point driven directly.
	go serveUDP(cfg.DNS.ListenAddr, proxy)
	go serveTCP(cfg.DNS.ListenAddr, proxy)

	backend := ipc.Backend{
		Extension: "dns",
		Status: func() ipc.StatusReply {
			return ipc.StatusReply{
				Extension:     "dns",
				Healthy:       true,
				DNSQueryCount: queryRing.Count(),
				UptimeSeconds: int64(time.Since(startedAt).Seconds()),
			}
		},
		Polls: map[string]ipc.PollFunc{
			"dns": func(cursor uint64) ([]any, uint64) {
				items, nc := queryRing.Since(cursor)
				return anySlice(items), nc
			},
			"events": func(cursor uint64) ([]any, uint64) {
				items, nc := eventRing.Since(cursor)
				return anySlice(items), nc
			},
		},
		Bus: bus,
	}

	check := codesign.PeerCheck{
		TeamID:          cfg.IPC.ExpectedTeamID,
		RequireHardened: cfg.IPC.RequireHardened,
	}
	srv := ipc.NewServer(backend, check, codesign.NewCachingVerifier(codesign.NewPlatformVerifier()))
	sock := filepath.Join(cfg.IPC.SocketDir, "dns.sock")
	go func() {
		if err := srv.ListenUnix(sock); err != nil {
			log.Fatalf("ipc serve failed: %v", err)
		}
	}()
	log.Printf("🚀 dns extension serving IPC on %s (upstream %s via %s)",
		sock, cfg.DNS.UpstreamName, cfg.DNS.BootstrapIP)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	srv.Close()
	os.Remove(sock)
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
