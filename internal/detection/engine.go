// Package detection evaluates single-event and multi-stage correlation
// rules against the unified security event stream. The engine is a
// single-threaded cooperative actor: events are processed in append order,
// so rule fires are deterministic for a given input sequence.
package detection

import (
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
)

// DefaultDedupWindow collapses identical alerts.
const DefaultDedupWindow = 60 * time.Second

// AlertStore is the ring the engine appends fired alerts to. Alerts are
// stored by pointer so within-window duplicates can bump the stored
// record's counter in place.
type AlertStore = ringstore.Store[*core.Alert]

// progress tracks one correlation key's walk through a rule's stages.
// Only the earliest timestamp per completed stage is kept.
type progress struct {
	next       int
	stageTimes []time.Time
	evidence   []core.SecurityEvent
}

type dedupEntry struct {
	at    time.Time
	alert *core.Alert
}

// Engine is the detection actor.
type Engine struct {
	rules        []Rule
	correlations []CorrelationRule
	alerts       *AlertStore
	dedupWindow  time.Duration

	mailbox chan core.SecurityEvent
	stop    chan struct{}

	// Actor-local state: touched only from the processing goroutine (or
	// the test driving HandleEvent directly).
	corrState map[string]map[string]*progress
	dedup     map[string]dedupEntry

	logger *log.Logger
}

// Config for the engine.
type Config struct {
	DedupWindow time.Duration
	MailboxSize int
}

// NewEngine compiles the rule set and builds the actor. Rules are
// immutable from here on.
func NewEngine(rules []Rule, correlations []CorrelationRule, alerts *AlertStore, cfg Config) (*Engine, error) {
	if err := CompileRules(rules, correlations); err != nil {
		return nil, err
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	size := cfg.MailboxSize
	if size <= 0 {
		size = 1024
	}
	return &Engine{
		rules:        rules,
		correlations: correlations,
		alerts:       alerts,
		dedupWindow:  window,
		mailbox:      make(chan core.SecurityEvent, size),
		stop:         make(chan struct{}),
		corrState:    make(map[string]map[string]*progress),
		dedup:        make(map[string]dedupEntry),
		logger:       log.New(log.Writer(), "[DETECTION] ", log.LstdFlags),
	}, nil
}

// Submit enqueues an event for processing in arrival order.
func (e *Engine) Submit(ev core.SecurityEvent) {
	select {
	case e.mailbox <- ev:
	case <-e.stop:
	}
}

// Start launches the actor loop.
func (e *Engine) Start() {
	go func() {
		for {
			select {
			case ev := <-e.mailbox:
				e.HandleEvent(ev)
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop terminates the actor loop.
func (e *Engine) Stop() { close(e.stop) }

// HandleEvent processes one event against every rule. Called from the
// actor goroutine only (tests may call it directly for determinism).
func (e *Engine) HandleEvent(ev core.SecurityEvent) {
	for i := range e.rules {
		r := &e.rules[i]
		if r.Matches(ev) {
			e.fire(r.ID, r.Name, r.Severity, r.MitreID, r.MitreName, ev.Actor,
				[]core.SecurityEvent{ev}, r.ID+"|"+dedupActorKey(ev), ev.Timestamp)
		}
	}
	for i := range e.correlations {
		e.advanceCorrelation(&e.correlations[i], ev)
	}
}

func dedupActorKey(ev core.SecurityEvent) string {
	if ev.Actor.Path != "" {
		return ev.Actor.Path
	}
	return strconv.Itoa(ev.Actor.PID)
}

func (e *Engine) advanceCorrelation(rule *CorrelationRule, ev core.SecurityEvent) {
	key := rule.keyFor(ev)
	byKey := e.corrState[rule.ID]
	if byKey == nil {
		byKey = make(map[string]*progress)
		e.corrState[rule.ID] = byKey
	}
	p := byKey[key]

	// Drop stale progress on every touch.
	if p != nil && len(p.stageTimes) > 0 && ev.Timestamp.Sub(p.stageTimes[0]) > rule.Window {
		delete(byKey, key)
		p = nil
	}

	if p == nil {
		p = &progress{}
		if !rule.Stages[0].matches(ev) {
			return
		}
		p.next = 1
		p.stageTimes = []time.Time{ev.Timestamp}
		p.evidence = []core.SecurityEvent{ev}
		byKey[key] = p
	} else if p.next < len(rule.Stages) && rule.Stages[p.next].matches(ev) {
		p.next++
		p.stageTimes = append(p.stageTimes, ev.Timestamp)
		p.evidence = append(p.evidence, ev)
	} else {
		return
	}

	if p.next == len(rule.Stages) {
		if ev.Timestamp.Sub(p.stageTimes[0]) <= rule.Window {
			e.fire(rule.ID, rule.Name, rule.Severity, rule.MitreID, rule.MitreName,
				p.evidence[0].Actor, p.evidence, rule.ID+"|"+key, ev.Timestamp)
		}
		delete(byKey, key)
	}
}

// fire appends an alert, deduplicating by key within the window: the first
// fire is stored verbatim, later duplicates increment the stored record's
// counter rather than adding rows.
func (e *Engine) fire(ruleID, ruleName string, severity core.Severity, mitreID, mitreName string,
	actor core.ProcessInfo, evidence []core.SecurityEvent, dedupKey string, at time.Time) {

	if entry, ok := e.dedup[dedupKey]; ok && at.Sub(entry.at) < e.dedupWindow {
		entry.alert.Count++
		return
	}
	if len(e.dedup) > 4096 {
		for k, v := range e.dedup {
			if at.Sub(v.at) >= e.dedupWindow {
				delete(e.dedup, k)
			}
		}
	}

	alert := &core.Alert{
		ID:        uuid.New(),
		RuleID:    ruleID,
		RuleName:  ruleName,
		Severity:  severity,
		MitreID:   mitreID,
		MitreName: mitreName,
		Actor:     actor,
		Evidence:  evidence,
		Timestamp: at,
		DedupKey:  dedupKey,
		Count:     1,
	}
	e.dedup[dedupKey] = dedupEntry{at: at, alert: alert}
	if e.alerts != nil {
		e.alerts.Append(alert)
	}
	e.logger.Printf("alert %s (%s) actor=%s", ruleName, severity, actor.Path)
}
