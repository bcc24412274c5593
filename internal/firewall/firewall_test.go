package firewall

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/core"
)

func flowBy(path, host string, port int) core.Flow {
	return core.Flow{
		Process: core.ProcessInfo{PID: 1, Path: path},
		Remote:  core.Endpoint{Host: host, Port: port},
	}
}

func active(r Rule) Rule {
	r.Active = true
	return r
}

func TestFirstMatchWins(t *testing.T) {
	now := time.Now()
	rules := []Rule{
		active(Rule{Action: ActionBlock, ProcessPath: "/usr/bin/curl"}),
		active(Rule{Action: ActionAllow}),
	}
	assert.Equal(t, ActionBlock, Evaluate(rules, flowBy("/usr/bin/curl", "example.com", 443), now))
	assert.Equal(t, ActionAllow, Evaluate(rules, flowBy("/usr/bin/wget", "example.com", 443), now))

	rules = []Rule{
		active(Rule{Action: ActionAllow, RemoteHost: "api.example.com"}),
		active(Rule{Action: ActionBlock}),
	}
	assert.Equal(t, ActionAllow, Evaluate(rules, flowBy("/usr/bin/curl", "api.example.com", 443), now))
	assert.Equal(t, ActionBlock, Evaluate(rules, flowBy("/usr/bin/curl", "other.example.com", 443), now))
}

func TestDefaultActionIsAllow(t *testing.T) {
	assert.Equal(t, ActionAllow, Evaluate(nil, flowBy("/bin/ls", "x", 80), time.Now()))
}

func TestGlobPredicates(t *testing.T) {
	now := time.Now()
	rules := []Rule{active(Rule{Action: ActionBlock, RemoteHost: "*.tracker.net"})}
	assert.Equal(t, ActionBlock, Evaluate(rules, flowBy("/a", "ads.tracker.net", 443), now))
	assert.Equal(t, ActionAllow, Evaluate(rules, flowBy("/a", "tracker.net", 443), now))
}

func TestSNIPreferredOverRemoteHost(t *testing.T) {
	f := flowBy("/a", "93.184.216.34", 443)
	f.SNI = "blocked.example.com"
	rules := []Rule{active(Rule{Action: ActionBlock, RemoteHost: "blocked.example.com"})}
	assert.Equal(t, ActionBlock, Evaluate(rules, f, time.Now()))
}

func TestNonNumericPortRejected(t *testing.T) {
	l, err := NewList(filepath.Join(t.TempDir(), "rules.json"))
	require.NoError(t, err)
	_, err = l.Add(Rule{Action: ActionBlock, RemotePort: "https"})
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = l.Add(Rule{Action: ActionBlock, RemotePort: "70000"})
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = l.Add(Rule{Action: ActionBlock, RemotePort: "443"})
	assert.NoError(t, err)
}

func TestExpiredRulesIgnoredAndCleaned(t *testing.T) {
	l, err := NewList(filepath.Join(t.TempDir(), "rules.json"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	r, err := l.Add(Rule{Action: ActionBlock, ProcessPath: "/usr/bin/curl", ExpiresAt: &past})
	require.NoError(t, err)
	_ = r

	// Expired rules never match even before the sweep runs.
	assert.Equal(t, ActionAllow, l.Check(flowBy("/usr/bin/curl", "example.com", 443)))

	n, err := l.CleanupExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, l.Rules())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	l, err := NewList(path)
	require.NoError(t, err)
	added, err := l.Add(Rule{Action: ActionBlock, RemoteHost: "evil.example.com"})
	require.NoError(t, err)

	reloaded, err := NewList(path)
	require.NoError(t, err)
	rules := reloaded.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, added.ID, rules[0].ID)
	assert.Equal(t, ActionBlock, rules[0].Action)
	assert.True(t, rules[0].Active)
}

func TestToggleAndRemove(t *testing.T) {
	l, err := NewList(filepath.Join(t.TempDir(), "rules.json"))
	require.NoError(t, err)
	r, err := l.Add(Rule{Action: ActionBlock, ProcessPath: "/usr/bin/nc"})
	require.NoError(t, err)

	require.NoError(t, l.Toggle(r.ID))
	assert.Equal(t, ActionAllow, l.Check(flowBy("/usr/bin/nc", "x", 1)), "inactive rule must not match")

	require.NoError(t, l.Remove(r.ID))
	assert.Empty(t, l.Rules())
	assert.Error(t, l.Remove(r.ID))
}
