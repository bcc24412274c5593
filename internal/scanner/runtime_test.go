package scanner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/core"
)

type stubScanner struct {
	id      string
	tier    Tier
	delay   time.Duration
	err     error
	panics  bool
	started *atomic.Int32
	running *atomic.Int32
	maxSeen *atomic.Int32
}

func (s *stubScanner) ID() string { return s.id }
func (s *stubScanner) Tier() Tier { return s.tier }

func (s *stubScanner) Run(_ context.Context, snap Snapshot) ([]core.ProcessAnomaly, error) {
	if s.started != nil {
		s.started.Add(1)
	}
	if s.running != nil {
		cur := s.running.Add(1)
		for {
			max := s.maxSeen.Load()
			if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
				break
			}
		}
		defer s.running.Add(-1)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.panics {
		panic("scanner exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return []core.ProcessAnomaly{{ScannerID: s.id, Timestamp: snap.TakenAt}}, nil
}

func TestTiersRunInOrderParallelWithinTier(t *testing.T) {
	var running, maxSeen atomic.Int32
	mk := func(id string, tier Tier) *stubScanner {
		return &stubScanner{
			id: id, tier: tier, delay: 30 * time.Millisecond,
			running: &running, maxSeen: &maxSeen,
		}
	}
	rt := NewRuntime(
		mk("f1", TierFast), mk("f2", TierFast), mk("f3", TierFast),
		mk("m1", TierMedium),
		mk("s1", TierSlow),
	)
	session := rt.Run(context.Background(), Snapshot{TakenAt: time.Now()})

	require.Len(t, session.Scanners, 5)
	// Results appear in tier order.
	assert.Equal(t, "fast", session.Scanners[0].Tier)
	assert.Equal(t, "medium", session.Scanners[3].Tier)
	assert.Equal(t, "slow", session.Scanners[4].Tier)
	// The three fast scanners overlapped.
	assert.GreaterOrEqual(t, maxSeen.Load(), int32(2))
}

func TestFailuresCapturedPerScanner(t *testing.T) {
	rt := NewRuntime(
		&stubScanner{id: "ok", tier: TierFast},
		&stubScanner{id: "broken", tier: TierFast, err: errors.New("disk unreadable")},
		&stubScanner{id: "crashy", tier: TierMedium, panics: true},
	)
	session := rt.Run(context.Background(), Snapshot{})

	require.Len(t, session.Scanners, 3, "every scanner reports a result, failed or not")
	byID := map[string]ScannerResult{}
	for _, r := range session.Scanners {
		byID[r.ID] = r
	}
	assert.Empty(t, byID["ok"].Err)
	assert.Equal(t, 1, byID["ok"].Findings)
	assert.Contains(t, byID["broken"].Err, "disk unreadable")
	assert.Contains(t, byID["crashy"].Err, "panic")
	assert.Len(t, session.Anomalies, 1)
}

func TestTruncatedSnapshotTagged(t *testing.T) {
	rt := NewRuntime(&stubScanner{id: "ok", tier: TierFast})
	session := rt.Run(context.Background(), Snapshot{Truncated: true})
	var tagged bool
	for _, a := range session.Anomalies {
		if a.ScannerID == "snapshot" {
			tagged = true
			assert.Equal(t, core.SeverityLow, a.Severity)
		}
	}
	assert.True(t, tagged, "truncation reported, never guessed around")
}

func TestBuiltinScannersFlagSuspiciousSnapshot(t *testing.T) {
	snap := Snapshot{
		TakenAt: time.Now(),
		Processes: []ProcessRecord{
			{Info: core.ProcessInfo{PID: 1, Path: "/sbin/launchd", Name: "launchd", Signing: core.SignedApple}},
			{Info: core.ProcessInfo{PID: 2, Path: "/tmp/launchd", Name: "launchd", Signing: core.Unsigned}},
			{Info: core.ProcessInfo{PID: 3, Path: "/tmp/payload", Name: "payload", Signing: core.Unsigned}, ListeningPort: 4444},
		},
	}
	rt := NewRuntime(DefaultScanners()...)
	session := rt.Run(context.Background(), snap)

	ids := map[string]int{}
	for _, a := range session.Anomalies {
		ids[a.ScannerID]++
	}
	assert.Equal(t, 2, ids["proc-unsigned"], "pids 2 and 3")
	assert.Equal(t, 1, ids["proc-masquerade"], "fake launchd in /tmp")
	assert.Equal(t, 2, ids["proc-temp-exec"])
	assert.Equal(t, 1, ids["net-listener"])
}
