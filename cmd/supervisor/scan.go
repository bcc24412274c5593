package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/delfador0x42/iris/internal/fusion"
	"github.com/delfador0x42/iris/internal/scanner"
)

// scan takes a process snapshot, runs the three scanner tiers, feeds the
// findings through fusion, and prints the session. A failed scanner is a
// reported result, never a silent gap.
func (s *supervisor) scan() error {
	snap, err := takeSnapshot()
	if err != nil {
		return fmt.Errorf("process snapshot: %w", err)
	}
	s.logger.Printf("scanning %d processes (truncated=%v)", len(snap.Processes), snap.Truncated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	rt := scanner.NewRuntime(scanner.DefaultScanners()...)
	session := rt.Run(ctx, snap)

	fe := fusion.NewEngine()
	for _, anomaly := range session.Anomalies {
		fe.IngestAnomaly(anomaly)
	}
	campaigns := fe.Cluster()

	report := map[string]any{
		"session":   session,
		"entities":  fe.Entities(),
		"campaigns": campaigns,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
