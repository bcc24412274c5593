package esevents

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
)

type fakeVerifier struct{ calls int }

func (f *fakeVerifier) VerifyPID(pid int) (codesign.Identity, error) {
	f.calls++
	return codesign.Identity{
		SigningID: "com.example.tool",
		TeamID:    "TEAM123456",
		Status:    core.SignedThirdParty,
	}, nil
}

func TestNormalizeAttachesSigningStatus(t *testing.T) {
	fv := &fakeVerifier{}
	ring := ringstore.New[core.SecurityEvent](64)
	n := New(codesign.NewCachingVerifier(fv), ring, nil)

	ev := n.Normalize(RawEvent{
		Kind: core.EvExec, PID: 42, ParentPID: 1,
		Path: "/opt/tool/bin/tool", TargetPath: "/opt/tool/bin/tool",
	})
	assert.Equal(t, core.SignedThirdParty, ev.Actor.Signing)
	assert.Equal(t, "TEAM123456", ev.Actor.TeamID)
	assert.Equal(t, "tool", ev.Actor.Name)

	// Second event from the same pid hits the cache.
	n.Normalize(RawEvent{Kind: core.EvFileWrite, PID: 42, Path: "/opt/tool/bin/tool"})
	assert.Equal(t, 1, fv.calls)
}

func TestSequencesAreStrictlyMonotonic(t *testing.T) {
	n := New(nil, nil, nil)
	var last uint64
	for i := 0; i < 100; i++ {
		ev := n.Normalize(RawEvent{Kind: core.EvFork, PID: i})
		require.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
}

func TestEventsFlowToRingAndSink(t *testing.T) {
	ring := ringstore.New[core.SecurityEvent](64)
	var sunk []core.SecurityEvent
	n := New(nil, ring, func(ev core.SecurityEvent) { sunk = append(sunk, ev) })

	n.Normalize(RawEvent{Kind: core.EvExec, PID: 1, Timestamp: time.Now()})
	n.ObserveConnection(core.Flow{
		ID:      uuid.New(),
		Process: core.ProcessInfo{PID: 2, Path: "/usr/bin/curl"},
		Remote:  core.Endpoint{Host: "1.2.3.4", Port: 443},
	})
	n.ObserveDNS(core.EvDNSQuery, core.ProcessInfo{PID: 3}, "example.com", map[string]string{"qtype": "1"})

	events, _ := ring.Since(0)
	require.Len(t, events, 3)
	require.Len(t, sunk, 3)
	assert.Equal(t, core.EvConnection, events[1].Kind)
	assert.Equal(t, "1.2.3.4", events[1].RemoteHost)
	assert.Equal(t, 443, events[1].RemotePort)
	assert.Equal(t, core.EvDNSQuery, events[2].Kind)
	assert.Equal(t, "example.com", events[2].Detail["domain"])
}

func TestPruneSigningCacheOnPIDReuse(t *testing.T) {
	fv := &fakeVerifier{}
	cv := codesign.NewCachingVerifier(fv)
	n := New(cv, nil, nil)

	n.Normalize(RawEvent{Kind: core.EvExec, PID: 10})
	n.Normalize(RawEvent{Kind: core.EvExec, PID: 11})
	require.Equal(t, 2, cv.CacheLen())

	n.PruneSigningCache(map[int]struct{}{11: {}})
	assert.Equal(t, 1, cv.CacheLen())
}
