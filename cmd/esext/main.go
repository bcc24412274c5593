// iris-esext is the security-event extension: it consumes the kernel
// security-event subscription, normalizes events, runs the detection
// engine, and serves events and alerts over IPC. A socket.io endpoint
// fans live alerts out to the supervisor's alert feed.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/joho/godotenv"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/config"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/detection"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/ipc"
	"github.com/delfador0x42/iris/internal/metrics"
	"github.com/delfador0x42/iris/internal/ringstore"
)

func main() {
	log.Println("🔥 Starting Iris security-event extension...")
	godotenv.Load()

	cfg := config.Get()
	m, reg := metrics.New()
	bus := events.NewBus()
	startedAt := time.Now()

	eventRing := ringstore.New[core.SecurityEvent](cfg.Detection.EventRingSize)
	alertRing := ringstore.New[*core.Alert](cfg.Detection.AlertRingSize)

	engine, err := detection.NewEngine(
		detection.BuiltinRules(),
		detection.BuiltinCorrelations(),
		alertRing,
		detection.Config{
			DedupWindow: time.Duration(cfg.Core.AlertDedupWindowSeconds) * time.Second,
			MailboxSize: cfg.Detection.MailboxSize,
		})
	if err != nil {
		log.Fatalf("rule compilation failed: %v", err)
	}
	engine.Start()
	defer engine.Stop()

	// Live alert fan-out: the supervisor's feed subscribes here in
	// addition to delta-polling the alert ring.
	synapse := socketio.NewServer(nil)
	synapse.OnConnect("/", func(s socketio.Conn) error {
		s.Join("alerts")
		return nil
	})
	go synapse.Serve()
	defer synapse.Close()
	go func() {
		sub := bus.Subscribe(events.FeedAlerts)
		for item := range sub {
			synapse.BroadcastToRoom("/", "alerts", "alert", string(item.Payload))
		}
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/socket.io/", synapse)
		mux.Handle("/metrics", metrics.Handler(reg))
		log.Println(http.ListenAndServe("127.0.0.1:9310", mux))
	}()

	startAlertWatch(alertRing, bus, m)
	startKernelTap(engine, eventRing, bus, m)

	backend := ipc.Backend{
		Extension: "esevents",
		Status: func() ipc.StatusReply {
			return ipc.StatusReply{
				Extension:     "esevents",
				Healthy:       true,
				EventCount:    eventRing.Count(),
				AlertCount:    alertRing.Count(),
				UptimeSeconds: int64(time.Since(startedAt).Seconds()),
			}
		},
		Polls: map[string]ipc.PollFunc{
			"events": func(cursor uint64) ([]any, uint64) {
				items, nc := eventRing.Since(cursor)
				return anySlice(items), nc
			},
			"alerts": func(cursor uint64) ([]any, uint64) {
				items, nc := alertRing.Since(cursor)
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
	sock := filepath.Join(cfg.IPC.SocketDir, "esevents.sock")
	go func() {
		if err := srv.ListenUnix(sock); err != nil {
			log.Fatalf("ipc serve failed: %v", err)
		}
	}()
	log.Printf("🚀 security-event extension serving IPC on %s", sock)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	srv.Close()
	os.Remove(sock)
}

// startAlertWatch publishes newly fired alerts onto the bus for the
// socket.io feed and the IPC websocket stream.
func startAlertWatch(alerts *ringstore.Store[*core.Alert], bus *events.Bus, m *metrics.Metrics) {
	go func() {
		var cursor uint64
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			items, nc := alerts.Since(cursor)
			for _, a := range items {
				bus.Publish(events.FeedAlerts, nc, a)
				m.AlertsFired.WithLabelValues(string(a.Severity)).Inc()
			}
			cursor = nc
		}
	}()
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
