package connectiontable

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/core"
)

func makeFlow(pid int, last time.Time) core.Flow {
	return core.Flow{
		ID:           uuid.New(),
		Protocol:     core.ProtoTCP,
		Process:      core.ProcessInfo{PID: pid, Path: fmt.Sprintf("/usr/bin/p%d", pid)},
		Remote:       core.Endpoint{Host: "example.com", Port: 443},
		State:        core.FlowActive,
		FirstSeen:    last,
		LastActivity: last,
	}
}

func TestCapacityCapEvictsOldestTenPercent(t *testing.T) {
	tbl := New(WithMaxConnections(100))
	base := time.Now()
	var oldest uuid.UUID
	for i := 0; i < 100; i++ {
		f := makeFlow(i, base.Add(time.Duration(i)*time.Second))
		if i == 0 {
			oldest = f.ID
		}
		tbl.Register(f)
	}
	require.Equal(t, 100, tbl.Count())

	tbl.Register(makeFlow(999, base.Add(time.Hour)))
	assert.Equal(t, 91, tbl.Count(), "oldest 10%% evicted before insert")
	_, ok := tbl.Get(oldest)
	assert.False(t, ok)
}

func TestCountNeverExceedsMax(t *testing.T) {
	tbl := New(WithMaxConnections(50))
	base := time.Now()
	for i := 0; i < 500; i++ {
		tbl.Register(makeFlow(i, base.Add(time.Duration(i)*time.Millisecond)))
		require.LessOrEqual(t, tbl.Count(), 50)
	}
}

func TestStaleEvictionRemovesPIDIndex(t *testing.T) {
	tbl := New(WithStaleTimeout(time.Minute))
	base := time.Now()
	f := makeFlow(42, base)
	tbl.Register(f)
	require.Len(t, tbl.ByPID(42), 1)

	n := tbl.EvictStale(base.Add(2 * time.Minute))
	assert.Equal(t, 1, n)
	assert.Empty(t, tbl.ByPID(42), "per-pid index must not dangle after eviction")
	assert.Equal(t, 0, tbl.Count())
}

func TestEvictionSignalRoutesThroughCallback(t *testing.T) {
	var signaled []uuid.UUID
	tbl := New(WithStaleTimeout(time.Minute), WithEvictionSignal(func(id uuid.UUID) {
		signaled = append(signaled, id)
	}))
	base := time.Now()
	f := makeFlow(1, base)
	tbl.Register(f)
	tbl.EvictStale(base.Add(5 * time.Minute))
	require.Len(t, signaled, 1)
	assert.Equal(t, f.ID, signaled[0])
}

func TestCloseRemovesFlow(t *testing.T) {
	tbl := New()
	f := makeFlow(7, time.Now())
	tbl.Register(f)
	tbl.SetState(f.ID, core.FlowHalfClosedOut)
	got, ok := tbl.Get(f.ID)
	require.True(t, ok)
	assert.Equal(t, core.FlowHalfClosedOut, got.State)

	tbl.SetState(f.ID, core.FlowClosed)
	_, ok = tbl.Get(f.ID)
	assert.False(t, ok)
}

func TestTouchAccumulatesCounters(t *testing.T) {
	tbl := New()
	f := makeFlow(7, time.Now())
	tbl.Register(f)
	tbl.Touch(f.ID, 100, 50, time.Now())
	tbl.Touch(f.ID, 10, 5, time.Now())
	got, ok := tbl.Get(f.ID)
	require.True(t, ok)
	assert.Equal(t, int64(110), got.BytesIn)
	assert.Equal(t, int64(55), got.BytesOut)
}
