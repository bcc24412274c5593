// Package scanner runs the pluggable batch scanner tiers. Fast scanners
// report first so the UI has cheap findings promptly; medium and slow
// tiers follow, each tier running its scanners in parallel and joining
// before the next starts. A scanner failure is captured per-scanner and
// never aborts the session.
package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/delfador0x42/iris/internal/core"
)

// Tier orders scanner execution.
type Tier int

const (
	TierFast Tier = iota
	TierMedium
	TierSlow
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// ProcessRecord is one process in the snapshot.
type ProcessRecord struct {
	Info           core.ProcessInfo
	ListeningPort  int
	ExecutablePath string
}

// Snapshot is the caller-provided process snapshot a session scans.
// Truncated marks a snapshot the kernel cut short; partial visibility is
// reported, never guessed at.
type Snapshot struct {
	TakenAt   time.Time
	Processes []ProcessRecord
	Truncated bool
}

// Scanner is the pluggable batch scanner contract: a pure function over
// the snapshot.
type Scanner interface {
	ID() string
	Tier() Tier
	Run(ctx context.Context, snapshot Snapshot) ([]core.ProcessAnomaly, error)
}

// ScannerResult is one scanner's per-session outcome, reported even on
// failure: no silent partial-success states.
type ScannerResult struct {
	ID       string        `json:"id"`
	Tier     string        `json:"tier"`
	Duration time.Duration `json:"duration"`
	Findings int           `json:"findings"`
	Err      string        `json:"error,omitempty"`
}

// SessionResult is a completed scan session.
type SessionResult struct {
	Anomalies []core.ProcessAnomaly `json:"anomalies"`
	Scanners  []ScannerResult       `json:"scanners"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
}

// Runtime dispatches scanners by tier and id.
type Runtime struct {
	scanners []Scanner
	logger   *log.Logger
}

// NewRuntime registers the scanner set.
func NewRuntime(scanners ...Scanner) *Runtime {
	return &Runtime{
		scanners: scanners,
		logger:   log.New(log.Writer(), "[SCANNER] ", log.LstdFlags),
	}
}

// Run executes one session over snapshot: all fast scanners in parallel,
// join; medium; slow. Results concatenate in tier order, then scanner
// registration order within a tier.
func (r *Runtime) Run(ctx context.Context, snapshot Snapshot) SessionResult {
	session := SessionResult{StartedAt: time.Now()}

	for _, tier := range []Tier{TierFast, TierMedium, TierSlow} {
		var tierScanners []Scanner
		for _, s := range r.scanners {
			if s.Tier() == tier {
				tierScanners = append(tierScanners, s)
			}
		}
		if len(tierScanners) == 0 {
			continue
		}

		type outcome struct {
			anomalies []core.ProcessAnomaly
			result    ScannerResult
		}
		outcomes := make([]outcome, len(tierScanners))
		var wg sync.WaitGroup
		for i, s := range tierScanners {
			wg.Add(1)
			go func(i int, s Scanner) {
				defer wg.Done()
				defer func() {
					if p := recover(); p != nil {
						outcomes[i].result = ScannerResult{
							ID: s.ID(), Tier: s.Tier().String(),
							Err: fmt.Sprintf("panic: %v", p),
						}
					}
				}()
				start := time.Now()
				anomalies, err := s.Run(ctx, snapshot)
				res := ScannerResult{
					ID:       s.ID(),
					Tier:     s.Tier().String(),
					Duration: time.Since(start),
					Findings: len(anomalies),
				}
				if err != nil {
					res.Err = err.Error()
				}
				outcomes[i] = outcome{anomalies: anomalies, result: res}
			}(i, s)
		}
		wg.Wait()

		for _, o := range outcomes {
			session.Anomalies = append(session.Anomalies, o.anomalies...)
			session.Scanners = append(session.Scanners, o.result)
			if o.result.Err != "" {
				r.logger.Printf("scanner %s failed: %s", o.result.ID, o.result.Err)
			}
		}
	}

	if snapshot.Truncated {
		session.Anomalies = append(session.Anomalies, core.ProcessAnomaly{
			ScannerID: "snapshot",
			Title:     "Process snapshot truncated by kernel",
			Severity:  core.SeverityLow,
			Weight:    0.1,
			Timestamp: time.Now(),
		})
	}

	session.EndedAt = time.Now()
	return session
}
