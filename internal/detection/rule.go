package detection

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/delfador0x42/iris/internal/core"
)

// Field names a SecurityEvent attribute a predicate tests.
type Field string

const (
	FieldTargetPath  Field = "target_path"
	FieldRemoteHost  Field = "remote_host"
	FieldRemotePort  Field = "remote_port"
	FieldRecordType  Field = "record_type"
	FieldArgs        Field = "args"
	FieldParentPath  Field = "parent_path"
	FieldDetail      Field = "detail"
	FieldProcessName Field = "process_name"
)

// Op is a predicate comparison.
type Op string

const (
	OpEquals    Op = "equals"
	OpContains  Op = "contains"
	OpHasPrefix Op = "has_prefix"
	OpMatches   Op = "matches" // regex, compiled at load
)

// Predicate is one field test. Compile must run before evaluation; an
// invalid regex fails loading, so a predicate error at eval time is
// treated as "does not hold", never as an engine fault.
type Predicate struct {
	Field Field
	Op    Op
	Value string

	re *regexp.Regexp
}

// Compile pre-validates the predicate.
func (p *Predicate) Compile() error {
	if p.Op == OpMatches {
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return fmt.Errorf("detection: predicate %s on %s: %w", p.Op, p.Field, err)
		}
		p.re = re
	}
	return nil
}

func (p *Predicate) fieldValue(ev core.SecurityEvent) string {
	switch p.Field {
	case FieldTargetPath:
		return ev.TargetPath
	case FieldRemoteHost:
		return ev.RemoteHost
	case FieldRemotePort:
		return strconv.Itoa(ev.RemotePort)
	case FieldRecordType:
		return ev.Detail["record_type"]
	case FieldArgs:
		return ev.Detail["args"]
	case FieldParentPath:
		return ev.Actor.ParentPath
	case FieldDetail:
		// Any detail value matching counts.
		var sb strings.Builder
		for k, v := range ev.Detail {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('\n')
		}
		return sb.String()
	case FieldProcessName:
		return ev.Actor.Name
	default:
		return ""
	}
}

// Holds reports whether the predicate matches ev.
func (p *Predicate) Holds(ev core.SecurityEvent) bool {
	v := p.fieldValue(ev)
	switch p.Op {
	case OpEquals:
		return v == p.Value
	case OpContains:
		return strings.Contains(v, p.Value)
	case OpHasPrefix:
		return strings.HasPrefix(v, p.Value)
	case OpMatches:
		if p.re == nil {
			return false
		}
		return p.re.MatchString(v)
	default:
		return false
	}
}

// ActorCond is the actor-level condition set a rule may declare.
type ActorCond struct {
	ProcessNameIn    []string
	ProcessNameNotIn []string
	ParentNameIn     []string
	NotAppleSigned   bool
}

// Holds reports whether the actor conditions match.
func (a ActorCond) Holds(ev core.SecurityEvent) bool {
	if len(a.ProcessNameIn) > 0 && !contains(a.ProcessNameIn, ev.Actor.Name) {
		return false
	}
	if len(a.ProcessNameNotIn) > 0 && contains(a.ProcessNameNotIn, ev.Actor.Name) {
		return false
	}
	if len(a.ParentNameIn) > 0 {
		parent := ev.Actor.ParentPath
		if i := strings.LastIndexByte(parent, '/'); i >= 0 {
			parent = parent[i+1:]
		}
		if !contains(a.ParentNameIn, parent) {
			return false
		}
	}
	if a.NotAppleSigned && ev.Actor.Signing == core.SignedApple {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Rule is a single-event detection rule, immutable once compiled.
type Rule struct {
	ID         string
	Name       string
	Kind       core.EventKind
	Predicates []Predicate
	Actor      ActorCond
	Severity   core.Severity
	MitreID    string
	MitreName  string
}

// Matches reports whether the rule fires on ev.
func (r *Rule) Matches(ev core.SecurityEvent) bool {
	if ev.Kind != r.Kind {
		return false
	}
	if !r.Actor.Holds(ev) {
		return false
	}
	for i := range r.Predicates {
		if !r.Predicates[i].Holds(ev) {
			return false
		}
	}
	return true
}

// Stage is one step of a correlation rule.
type Stage struct {
	Kind       core.EventKind
	Predicates []Predicate
	Actor      ActorCond
}

func (s *Stage) matches(ev core.SecurityEvent) bool {
	if ev.Kind != s.Kind {
		return false
	}
	if !s.Actor.Holds(ev) {
		return false
	}
	for i := range s.Predicates {
		if !s.Predicates[i].Holds(ev) {
			return false
		}
	}
	return true
}

// CorrelationKey selects how stage progress is grouped.
type CorrelationKey string

const (
	KeyPID  CorrelationKey = "pid"
	KeyPath CorrelationKey = "path"
)

// CorrelationRule is an ordered multi-stage temporal rule.
type CorrelationRule struct {
	ID        string
	Name      string
	Stages    []Stage
	Window    time.Duration
	Key       CorrelationKey
	Severity  core.Severity
	MitreID   string
	MitreName string
}

func (r *CorrelationRule) keyFor(ev core.SecurityEvent) string {
	if r.Key == KeyPath {
		return ev.Actor.Path
	}
	return strconv.Itoa(ev.Actor.PID)
}

// CompileRules validates every predicate of every rule up front, so rule
// evaluation can never abort the engine.
func CompileRules(rules []Rule, correlations []CorrelationRule) error {
	for i := range rules {
		for j := range rules[i].Predicates {
			if err := rules[i].Predicates[j].Compile(); err != nil {
				return fmt.Errorf("rule %s: %w", rules[i].ID, err)
			}
		}
	}
	for i := range correlations {
		if len(correlations[i].Stages) == 0 {
			return fmt.Errorf("correlation rule %s has no stages", correlations[i].ID)
		}
		for j := range correlations[i].Stages {
			for k := range correlations[i].Stages[j].Predicates {
				if err := correlations[i].Stages[j].Predicates[k].Compile(); err != nil {
					return fmt.Errorf("correlation rule %s stage %d: %w", correlations[i].ID, j, err)
				}
			}
		}
	}
	return nil
}
