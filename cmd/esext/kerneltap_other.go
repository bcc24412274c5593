//go:build !linux

package main

import (
	"log"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/detection"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/metrics"
	"github.com/delfador0x42/iris/internal/ringstore"
)

// startKernelTap is a no-op where the BPF subscription is unavailable; the
// endpoint-security bridge feeds the normalizer out of process there.
func startKernelTap(*detection.Engine, *ringstore.Store[core.SecurityEvent], *events.Bus, *metrics.Metrics) {
	log.Println("kernel security-event tap not available on this platform")
}
