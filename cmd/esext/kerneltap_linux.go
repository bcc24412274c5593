//go:build linux

package main

import (
	"log"
	"time"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/detection"
	"github.com/delfador0x42/iris/internal/esevents"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/metrics"
	"github.com/delfador0x42/iris/internal/ringstore"
)

// startKernelTap wires the BPF ring buffer consumer through the
// normalizer into the detection engine.
func startKernelTap(engine *detection.Engine, eventRing *ringstore.Store[core.SecurityEvent],
	bus *events.Bus, m *metrics.Metrics) {

	verifier := codesign.NewCachingVerifier(codesign.NewPlatformVerifier())
	normalizer := esevents.New(verifier, eventRing, func(ev core.SecurityEvent) {
		engine.Submit(ev)
		bus.Publish(events.FeedEvents, ev.Sequence, ev)
		m.EventsNormalized.WithLabelValues(string(ev.Kind)).Inc()
	})

	tap, err := esevents.NewKernelTap(nil, normalizer) // map pinned by the loader in deployment
	if err != nil {
		log.Printf("kernel tap unavailable: %v", err)
		return
	}
	tap.Start()

	// Signing-cache hygiene: prune on a slow cadence using the pid set the
	// event stream has seen recently.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			active := make(map[int]struct{})
			evs, _ := eventRing.Since(0)
			for _, ev := range evs {
				active[ev.Actor.PID] = struct{}{}
			}
			normalizer.PruneSigningCache(active)
		}
	}()
}
