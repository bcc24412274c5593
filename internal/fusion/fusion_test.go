package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/core"
)

func anomaly(scanner, path string, pid int, weight float64, mitre string, at time.Time) core.ProcessAnomaly {
	return core.ProcessAnomaly{
		ScannerID: scanner,
		Process:   core.ProcessInfo{PID: pid, Path: path, Name: path},
		Title:     scanner + " finding",
		Weight:    weight,
		MitreID:   mitre,
		Timestamp: at,
	}
}

func TestScoreFormula(t *testing.T) {
	// One source, one stage: final == base.
	ev := []Evidence{{Source: "s1", Weight: 0.6, Stage: StageExecution}}
	assert.InDelta(t, 0.6, Score(ev), 1e-9)

	// Two sources, two stages: 0.6 × 1.3 × 1.2.
	ev = append(ev, Evidence{Source: "s2", Weight: 0.4, Stage: StagePersistence})
	assert.InDelta(t, 0.6*1.3*1.2, Score(ev), 1e-9)

	// base is the max weight, not a sum.
	ev = append(ev, Evidence{Source: "s1", Weight: 0.9, Stage: StageExecution})
	assert.InDelta(t, 0.9*1.3*1.2, Score(ev), 1e-9)
}

func TestScoreIsDeterministicAndMonotonic(t *testing.T) {
	evidence := []Evidence{
		{Source: "a", Weight: 0.5, Stage: StageExecution},
		{Source: "b", Weight: 0.3, Stage: StageC2},
	}
	first := Score(evidence)
	require.Equal(t, first, Score(evidence), "same evidence set must yield the same score")

	// Adding evidence (even baseline-labelled) never reduces the score.
	withMore := append(append([]Evidence{}, evidence...),
		Evidence{Source: "c", Weight: 0.1, Stage: StageDiscovery, Baseline: true})
	assert.GreaterOrEqual(t, Score(withMore), first)
}

func TestAlertFansOutToEntities(t *testing.T) {
	f := NewEngine()
	now := time.Now()
	f.IngestAlert(&core.Alert{
		RuleID: "r1", RuleName: "beacon", Severity: core.SeverityHigh, MitreID: "T1571",
		Actor: core.ProcessInfo{
			PID: 10, Path: "/opt/agent", SigningID: "com.example.agent",
		},
		Evidence: []core.SecurityEvent{
			{RemoteHost: "203.0.113.9", RemotePort: 443},
		},
		Timestamp: now,
	})

	entities := f.Entities()
	require.Len(t, entities, 3, "process, signer, and peer entities")
	kinds := map[EntityKind]bool{}
	for _, e := range entities {
		kinds[e.Kind] = true
		assert.Greater(t, e.Score, 0.0)
	}
	assert.True(t, kinds[EntityProcess] && kinds[EntitySigner] && kinds[EntityPeer])
}

func TestStageForPrefersLongestMitrePrefix(t *testing.T) {
	assert.Equal(t, StageExfiltration, StageFor("T1048.003", ""))
	assert.Equal(t, StagePersistence, StageFor("T1543.001", ""))
	assert.Equal(t, StagePersistence, StageFor("", "persist-launchd"))
	assert.Equal(t, StageDiscovery, StageFor("", "unknown-scanner"))
}

func TestCampaignRequiresTwoEntitiesAndThreeStages(t *testing.T) {
	f := NewEngine()
	now := time.Now()

	f.IngestAnomaly(anomaly("persist-launchd", "/opt/a", 1, 0.7, "T1543", now))
	assert.Empty(t, f.Cluster(), "one entity, one stage: no campaign")

	f.IngestAnomaly(anomaly("proc-unsigned", "/opt/b", 2, 0.6, "T1059", now))
	assert.Empty(t, f.Cluster(), "two entities, two stages: no campaign")

	f.IngestAnomaly(anomaly("net-listener", "/opt/b", 2, 0.6, "T1571", now))
	campaigns := f.Cluster()
	require.Len(t, campaigns, 1)
	assert.Equal(t, ClassImplant, campaigns[0].Classification,
		"persistence+execution+c2 classifies as implant")
	assert.GreaterOrEqual(t, len(campaigns[0].EntityKeys), 2)
}

func TestClassificationPriorityOrder(t *testing.T) {
	// credentialAccess + exfiltration beats implant even when both hold.
	stages := map[Stage]int{
		StageCredAccess: 1, StageExfiltration: 1,
		StagePersistence: 1, StageExecution: 1, StageC2: 1,
	}
	assert.Equal(t, ClassDataTheft, classify(stages))

	assert.Equal(t, ClassDestructive, classify(map[Stage]int{
		StageImpact: 1, StageExecution: 1, StageDiscovery: 1,
	}))

	assert.Equal(t, ClassEvasion, classify(map[Stage]int{
		StageDefenseEvasion: 5, StageExecution: 1, StageDiscovery: 1,
	}))

	assert.Equal(t, ClassAPT, classify(map[Stage]int{
		StageExecution: 1, StageDiscovery: 1, StagePersistence: 1,
		StageLateralMove: 1, StageCollection: 1,
	}))
}

func TestIdleEntitiesPruned(t *testing.T) {
	f := NewEngine()
	old := time.Now().Add(-2 * time.Hour)
	f.IngestAnomaly(anomaly("proc-unsigned", "/opt/stale", 9, 0.5, "", old))
	f.IngestAnomaly(anomaly("proc-unsigned", "/opt/fresh", 10, 0.5, "", time.Now()))

	require.Len(t, f.Entities(), 2)
	assert.Equal(t, 1, f.Prune())
	entities := f.Entities()
	require.Len(t, entities, 1)
	assert.Contains(t, entities[0].Key, "/opt/fresh")
}
