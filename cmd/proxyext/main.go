// iris-proxyext is the transparent TLS-intercepting proxy extension: it
// claims outbound TCP flows, terminates TLS with per-host synthesized
// leaves, captures HTTP/1.1 exchanges, and serves them to the supervisor
// over the IPC delta-poll surface.
package main

import (
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/delfador0x42/iris/internal/certauthority"
	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/config"
	"github.com/delfador0x42/iris/internal/connectiontable"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/firewall"
	"github.com/delfador0x42/iris/internal/flowrouter"
	"github.com/delfador0x42/iris/internal/httppipeline"
	"github.com/delfador0x42/iris/internal/ipc"
	"github.com/delfador0x42/iris/internal/metrics"
	"github.com/delfador0x42/iris/internal/ringstore"
)

func main() {
	log.Println("🔥 Starting Iris proxy extension...")
	godotenv.Load()

	cfg := config.Get()
	m, _ := metrics.New()
	bus := events.NewBus()
	startedAt := time.Now()

	// Root CA: generated fresh on first boot; the supervisor replaces it
	// via installCA once the keychain copy is unsealed.
	rootKey, rootDER, err := certauthority.GenerateRoot(cfg.Proxy.RootCN)
	if err != nil {
		log.Fatalf("root CA generation failed: %v", err)
	}
	ca, err := certauthority.New(rootKey, rootDER, cfg.Proxy.RootCN, cfg.Proxy.LeafCacheSize)
	if err != nil {
		log.Fatalf("cert authority init failed: %v", err)
	}

	rules, err := firewall.NewList(cfg.Proxy.FirewallRulesPath)
	if err != nil {
		log.Fatalf("firewall load failed: %v", err)
	}

	tableOpts := []connectiontable.Option{
		connectiontable.WithMaxConnections(cfg.Core.MaxConnections),
		connectiontable.WithStaleTimeout(time.Duration(cfg.Core.StaleTimeoutSeconds) * time.Second),
	}
	if cfg.Proxy.RedisAddr != "" {
		mirror, err := connectiontable.NewRedisMirror(cfg.Proxy.RedisAddr, cfg.Proxy.RedisDB, 10*time.Minute)
		if err != nil {
			log.Printf("⚠️  flow mirror unavailable: %v", err)
		} else {
			defer mirror.Close()
			tableOpts = append(tableOpts, connectiontable.WithMirror(mirror))
		}
	}

	captures := httppipeline.NewCaptureStore(8192, cfg.Core.CaptureMemoryBudgetBytes)
	flowRing := ringstore.New[core.Flow](8192)

	var interception atomic.Bool
	interception.Store(true)

	table := connectiontable.New(tableOpts...)
	router := flowrouter.New(table, rules, ca, captures, nil,
		func(f core.Flow) {
			seq := flowRing.Append(f)
			bus.Publish(events.FeedFlows, seq, f)
			m.FlowsActive.Set(float64(table.Count()))
		},
		flowrouter.Config{
			HandshakeTimeout: time.Duration(cfg.Core.HandshakeTimeoutSeconds) * time.Second,
			PreviewBytes:     cfg.Core.PreviewBytes,
			BodyCap:          cfg.Core.BodyCapBytes,
		})

	// Stale-flow sweep and firewall rule expiry.
	go func() {
		stale := time.NewTicker(30 * time.Second)
		expiry := time.NewTicker(60 * time.Second)
		defer stale.Stop()
		defer expiry.Stop()
		for {
			select {
			case <-stale.C:
				table.EvictStale(time.Now())
				m.FlowsActive.Set(float64(table.Count()))
			case <-expiry.C:
				if _, err := rules.CleanupExpired(time.Now()); err != nil {
					log.Printf("firewall cleanup: %v", err)
				}
			}
		}
	}()

	backend := ipc.Backend{
		Extension: "proxy",
		Status: func() ipc.StatusReply {
			return ipc.StatusReply{
				Extension:           "proxy",
				Healthy:             true,
				InterceptionEnabled: interception.Load(),
				ActiveFlows:         table.Count(),
				CaptureBytes:        captures.Bytes(),
				CaptureBudgetBytes:  cfg.Core.CaptureMemoryBudgetBytes,
				UptimeSeconds:       int64(time.Since(startedAt).Seconds()),
			}
		},
		SetInterception: func(enabled bool) error {
			interception.Store(enabled)
			return nil
		},
		SetCaptureBudget: func(bytes int64) error {
			captures.SetBudget(bytes)
			return nil
		},
		Firewall: rules,
		InstallCA: func(pemBytes []byte) error {
			block, _ := pem.Decode(pemBytes)
			if block == nil {
				return errors.New("not PEM")
			}
			if _, err := certauthority.ParseRootCert(block.Bytes); err != nil {
				return fmt.Errorf("invalid CA certificate: %w", err)
			}
			log.Println("✅ root CA installed from supervisor")
			return nil
		},
		RawData: func(id uuid.UUID) (int64, int64, error) {
			f, ok := table.Get(id)
			if !ok {
				return 0, 0, fmt.Errorf("flow %s not found", id)
			}
			return f.BytesOut, f.BytesIn, nil
		},
		Conversation: func(id uuid.UUID) ([]any, error) {
			all, _ := captures.Since(0)
			var out []any
			for _, ex := range all {
				if ex.FlowID == id {
					out = append(out, ex)
				}
			}
			return out, nil
		},
		Polls: map[string]ipc.PollFunc{
			"flows": func(cursor uint64) ([]any, uint64) {
				items, nc := flowRing.Since(cursor)
				return anySlice(items), nc
			},
			"captures": func(cursor uint64) ([]any, uint64) {
				items, nc := captures.Since(cursor)
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
	sock := filepath.Join(cfg.IPC.SocketDir, "proxy.sock")
	go func() {
		if err := srv.ListenUnix(sock); err != nil {
			log.Fatalf("ipc serve failed: %v", err)
		}
	}()
	log.Printf("🚀 proxy extension serving IPC on %s", sock)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("draining flows...")
	router.Stop(5 * time.Second)
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
