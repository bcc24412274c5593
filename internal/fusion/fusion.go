// Package fusion groups alerts and scanner findings by entity, maps
// evidence onto the kill chain, scores threats, and clusters entities into
// campaigns. Single-threaded cooperative actor: all mutation happens on
// the Ingest path, called from one goroutine.
package fusion

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
)

// EntityKind discriminates the three deduplication key families.
type EntityKind string

const (
	EntityProcess EntityKind = "process-by-pid"
	EntitySigner  EntityKind = "signing-identity"
	EntityPeer    EntityKind = "network-peer"
)

// entityIdlePrune is how long an entity may sit without new evidence
// before it is dropped.
const entityIdlePrune = time.Hour

// campaignWindow is the rolling window for campaign clustering.
const campaignWindow = time.Hour

// Evidence is one normalized finding attached to an entity.
type Evidence struct {
	Source   string    `json:"source"` // rule id or scanner id
	Title    string    `json:"title"`
	Weight   float64   `json:"weight"` // in [0,1]
	Stage    Stage     `json:"stage"`
	MitreID  string    `json:"mitre_id,omitempty"`
	Baseline bool      `json:"baseline,omitempty"` // labelled, never discounts
	At       time.Time `json:"at"`
}

// Entity accumulates evidence under one stable key.
type Entity struct {
	Kind     EntityKind `json:"kind"`
	Key      string     `json:"key"`
	Evidence []Evidence `json:"evidence"`
	Score    float64    `json:"score"`
	LastSeen time.Time  `json:"last_seen"`
}

// Stages reports the distinct kill-chain stages this entity's evidence
// covers.
func (e *Entity) Stages() []Stage {
	seen := make(map[Stage]struct{})
	var out []Stage
	for _, ev := range e.Evidence {
		if _, ok := seen[ev.Stage]; !ok {
			seen[ev.Stage] = struct{}{}
			out = append(out, ev.Stage)
		}
	}
	return out
}

// Classification tags a campaign.
type Classification string

const (
	ClassDataTheft   Classification = "dataTheft"
	ClassImplant     Classification = "implant"
	ClassDestructive Classification = "destructive"
	ClassEvasion     Classification = "evasion"
	ClassAPT         Classification = "APT"
	ClassUnknown     Classification = "unclassified"
)

// Campaign is a temporally and stage-wise clustered set of entities.
type Campaign struct {
	ID             uuid.UUID      `json:"id"`
	EntityKeys     []string       `json:"entity_keys"`
	Stages         []Stage        `json:"stages"`
	Classification Classification `json:"classification"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
}

// severityWeights maps alert severities to evidence weights.
var severityWeights = map[core.Severity]float64{
	core.SeverityLow:      0.3,
	core.SeverityMedium:   0.5,
	core.SeverityHigh:     0.75,
	core.SeverityCritical: 0.95,
}

// Engine is the fusion actor.
type Engine struct {
	entities  map[string]*Entity
	campaigns map[uuid.UUID]*Campaign
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine creates an empty fusion engine.
func NewEngine() *Engine {
	return &Engine{
		entities:  make(map[string]*Entity),
		campaigns: make(map[uuid.UUID]*Campaign),
		logger:    log.New(log.Writer(), "[FUSION] ", log.LstdFlags),
		now:       time.Now,
	}
}

func entityKey(kind EntityKind, key string) string {
	return string(kind) + ":" + key
}

func (f *Engine) entity(kind EntityKind, key string, at time.Time) *Entity {
	full := entityKey(kind, key)
	e, ok := f.entities[full]
	if !ok {
		e = &Entity{Kind: kind, Key: key}
		f.entities[full] = e
	}
	if at.After(e.LastSeen) {
		e.LastSeen = at
	}
	return e
}

// IngestAlert folds a detection alert into up to three entities.
func (f *Engine) IngestAlert(a *core.Alert) {
	weight := severityWeights[a.Severity]
	ev := Evidence{
		Source:  a.RuleID,
		Title:   a.RuleName,
		Weight:  weight,
		Stage:   StageFor(a.MitreID, ""),
		MitreID: a.MitreID,
		At:      a.Timestamp,
	}
	f.attach(a.Actor, "", ev)
	for _, e := range a.Evidence {
		if e.RemoteHost != "" {
			f.attach(core.ProcessInfo{}, e.RemoteHost, ev)
			break
		}
	}
}

// IngestAnomaly folds a batch scanner finding into its process and
// signing-identity entities; a scanner finding names no network peer.
func (f *Engine) IngestAnomaly(a core.ProcessAnomaly) {
	ev := Evidence{
		Source:   a.ScannerID,
		Title:    a.Title,
		Weight:   clamp01(a.Weight),
		Stage:    StageFor(a.MitreID, a.ScannerID),
		MitreID:  a.MitreID,
		Baseline: a.Baseline,
		At:       a.Timestamp,
	}
	f.attach(a.Process, "", ev)
}

// attach adds evidence to the process, signing-identity, and network-peer
// entities a finding names, then rescores each.
func (f *Engine) attach(actor core.ProcessInfo, remote string, ev Evidence) {
	if ev.At.IsZero() {
		ev.At = f.now()
	}
	if actor.PID != 0 || actor.Path != "" {
		e := f.entity(EntityProcess, fmt.Sprintf("%s#%d", actor.Path, actor.PID), ev.At)
		e.Evidence = append(e.Evidence, ev)
		e.Score = Score(e.Evidence)
	}
	if actor.SigningID != "" {
		e := f.entity(EntitySigner, actor.SigningID, ev.At)
		e.Evidence = append(e.Evidence, ev)
		e.Score = Score(e.Evidence)
	}
	if remote != "" {
		e := f.entity(EntityPeer, remote, ev.At)
		e.Evidence = append(e.Evidence, ev)
		e.Score = Score(e.Evidence)
	}
}

// Score is the deterministic composite:
//
//	final = base × (1 + 0.3×(distinct_sources−1)) × (1 + 0.2×(distinct_stages−1))
//
// where base is the max per-evidence weight. Baseline evidence is labelled
// but never discounts; no evidence ever reduces the score.
func Score(evidence []Evidence) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var base float64
	sources := make(map[string]struct{})
	stages := make(map[Stage]struct{})
	for _, ev := range evidence {
		base = math.Max(base, ev.Weight)
		sources[ev.Source] = struct{}{}
		stages[ev.Stage] = struct{}{}
	}
	return base *
		(1 + 0.3*float64(len(sources)-1)) *
		(1 + 0.2*float64(len(stages)-1))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Entities returns the live entities sorted by descending score.
func (f *Engine) Entities() []*Entity {
	out := make([]*Entity, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Prune drops entities idle past the 1 h threshold.
func (f *Engine) Prune() int {
	cutoff := f.now().Add(-entityIdlePrune)
	dropped := 0
	for key, e := range f.entities {
		if e.LastSeen.Before(cutoff) {
			delete(f.entities, key)
			dropped++
		}
	}
	return dropped
}

// Cluster runs campaign detection over the rolling window: ≥2 entities
// whose union covers ≥3 stages become a Campaign.
func (f *Engine) Cluster() []*Campaign {
	cutoff := f.now().Add(-campaignWindow)

	var members []*Entity
	stageSet := make(map[Stage]int)
	var first, last time.Time
	for _, e := range f.entities {
		if e.LastSeen.Before(cutoff) {
			continue
		}
		active := false
		for _, ev := range e.Evidence {
			if ev.At.Before(cutoff) || ev.Baseline {
				continue
			}
			active = true
			stageSet[ev.Stage]++
			if first.IsZero() || ev.At.Before(first) {
				first = ev.At
			}
			if ev.At.After(last) {
				last = ev.At
			}
		}
		if active {
			members = append(members, e)
		}
	}
	if len(members) < 2 || len(stageSet) < 3 {
		return f.existingCampaigns()
	}

	stages := make([]Stage, 0, len(stageSet))
	for _, s := range AllStages {
		if _, ok := stageSet[s]; ok {
			stages = append(stages, s)
		}
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, entityKey(m.Kind, m.Key))
	}
	sort.Strings(keys)

	c := &Campaign{
		ID:             uuid.New(),
		EntityKeys:     keys,
		Stages:         stages,
		Classification: classify(stageSet),
		FirstSeen:      first,
		LastSeen:       last,
	}
	// One campaign per window snapshot; repeated clustering refreshes it.
	f.campaigns = map[uuid.UUID]*Campaign{c.ID: c}
	f.logger.Printf("campaign %s: %d entities, %d stages, %s",
		c.ID, len(keys), len(stages), c.Classification)
	return f.existingCampaigns()
}

func (f *Engine) existingCampaigns() []*Campaign {
	out := make([]*Campaign, 0, len(f.campaigns))
	for _, c := range f.campaigns {
		out = append(out, c)
	}
	return out
}

// classify picks the first matching classification in fixed priority
// order; the same evidence may satisfy several.
func classify(stages map[Stage]int) Classification {
	has := func(s Stage) bool { _, ok := stages[s]; return ok }

	if has(StageCredAccess) && has(StageExfiltration) {
		return ClassDataTheft
	}
	if has(StagePersistence) && has(StageExecution) && has(StageC2) {
		return ClassImplant
	}
	if has(StageImpact) {
		return ClassDestructive
	}
	total := 0
	for _, n := range stages {
		total += n
	}
	if total > 0 && stages[StageDefenseEvasion]*2 > total {
		return ClassEvasion
	}
	if len(stages) >= 5 {
		return ClassAPT
	}
	return ClassUnknown
}
