// Package firewall holds the ordered per-flow rule list the FlowRouter
// consults before registering a flow. Evaluation is a pure function of
// (rules, flow); mutations persist synchronously before returning success.
package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
)

// Action is the verdict a matching rule returns.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// ErrBadPort is returned when a rule is inserted with a non-numeric port.
var ErrBadPort = errors.New("firewall: rule port must be numeric")

// Rule is one ordered firewall entry. An absent predicate is a wildcard.
type Rule struct {
	ID          uuid.UUID  `json:"id"`
	Action      Action     `json:"action"`
	ProcessPath string     `json:"process_path,omitempty"` // glob
	SigningID   string     `json:"signing_id,omitempty"`
	RemoteHost  string     `json:"remote_host,omitempty"` // glob
	RemotePort  string     `json:"remote_port,omitempty"` // numeric string, validated at insert
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (r Rule) matches(f core.Flow, now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	if r.ProcessPath != "" {
		if ok, _ := filepath.Match(r.ProcessPath, f.Process.Path); !ok {
			return false
		}
	}
	if r.SigningID != "" && r.SigningID != f.Process.SigningID {
		return false
	}
	if r.RemoteHost != "" {
		host := f.Remote.Host
		if f.SNI != "" {
			host = f.SNI
		}
		if ok, _ := filepath.Match(r.RemoteHost, host); !ok {
			return false
		}
	}
	if r.RemotePort != "" {
		port, _ := strconv.Atoi(r.RemotePort)
		if port != f.Remote.Port {
			return false
		}
	}
	return true
}

// Evaluate walks rules in order and returns the first match's action.
// Default action is allow. Pure; exported for tests and for the router.
func Evaluate(rules []Rule, f core.Flow, now time.Time) Action {
	for _, r := range rules {
		if r.matches(f, now) {
			return r.Action
		}
	}
	return ActionAllow
}

// List is the mutable, mutex-protected rule list with synchronous on-disk
// persistence (atomic rewrite on change, loaded at extension start).
type List struct {
	mu     sync.Mutex
	rules  []Rule
	path   string
	logger *log.Logger
}

// NewList loads rules from path if it exists. An empty or missing file
// yields an empty list.
func NewList(path string) (*List, error) {
	l := &List{
		path:   path,
		logger: log.New(log.Writer(), "[FIREWALL] ", log.LstdFlags),
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("firewall: load rules: %w", err)
	}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &l.rules); err != nil {
			return nil, fmt.Errorf("firewall: parse rules: %w", err)
		}
	}
	l.logger.Printf("loaded %d rules from %s", len(l.rules), path)
	return l, nil
}

// Add validates and appends a rule, persisting before returning. A
// non-numeric port is rejected with ErrBadPort, never coerced.
func (l *List) Add(r Rule) (Rule, error) {
	if r.RemotePort != "" {
		port, err := strconv.Atoi(r.RemotePort)
		if err != nil || port < 1 || port > 65535 {
			return Rule{}, fmt.Errorf("%w: %q", ErrBadPort, r.RemotePort)
		}
	}
	if r.Action != ActionAllow && r.Action != ActionBlock {
		return Rule{}, fmt.Errorf("firewall: unknown action %q", r.Action)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Active = true

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append(l.rules, r)
	if err := l.persistLocked(); err != nil {
		l.rules = l.rules[:len(l.rules)-1]
		return Rule{}, err
	}
	return r, nil
}

// Remove deletes a rule by id.
func (l *List) Remove(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.rules {
		if r.ID == id {
			l.rules = append(l.rules[:i], l.rules[i+1:]...)
			return l.persistLocked()
		}
	}
	return fmt.Errorf("firewall: rule %s not found", id)
}

// Toggle flips a rule's active flag.
func (l *List) Toggle(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.rules {
		if l.rules[i].ID == id {
			l.rules[i].Active = !l.rules[i].Active
			return l.persistLocked()
		}
	}
	return fmt.Errorf("firewall: rule %s not found", id)
}

// Rules returns a copy of the current ordered list.
func (l *List) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Check evaluates the current rule list against a flow.
func (l *List) Check(f core.Flow) Action {
	l.mu.Lock()
	rules := make([]Rule, len(l.rules))
	copy(rules, l.rules)
	l.mu.Unlock()
	return Evaluate(rules, f, time.Now())
}

// CleanupExpired removes rules past their expiry and returns how many were
// dropped. Wired to a 60 s timer by the extension and callable over IPC.
func (l *List) CleanupExpired(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.rules[:0]
	dropped := 0
	for _, r := range l.rules {
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	l.rules = kept
	if dropped == 0 {
		return 0, nil
	}
	return dropped, l.persistLocked()
}

// persistLocked atomically rewrites the rules file: write a temp sibling,
// fsync, rename over the original.
func (l *List) persistLocked() error {
	if l.path == "" {
		return nil
	}
	blob, err := json.MarshalIndent(l.rules, "", "  ")
	if err != nil {
		return fmt.Errorf("firewall: marshal rules: %w", err)
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("firewall: persist rules: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("firewall: persist rules: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("firewall: persist rules: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("firewall: persist rules: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("firewall: persist rules: %w", err)
	}
	return nil
}
