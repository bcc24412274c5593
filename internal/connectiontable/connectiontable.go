// Package connectiontable is the active flow registry. It holds metadata
// snapshots only, never a reference to the live pipeline, so eviction can
// never race pipeline ownership (close signals travel through the pipeline).
package connectiontable

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/core"
)

// DefaultMaxConnections is the capacity cap before oldest-10% eviction.
const DefaultMaxConnections = 10000

// DefaultStaleTimeout is the idle threshold for TCP flow eviction.
const DefaultStaleTimeout = 120 * time.Second

// Table maps flow id to flow metadata with LRU+TTL eviction. All reads of
// derived counts take the same mutex as mutations.
type Table struct {
	mu      sync.Mutex
	flows   map[uuid.UUID]*core.Flow
	byPID   map[int]map[uuid.UUID]struct{}
	max     int
	stale   time.Duration
	mirror  Mirror
	logger  *log.Logger
	onEvict func(id uuid.UUID)
}

// Option configures a Table.
type Option func(*Table)

// WithMaxConnections overrides the capacity cap.
func WithMaxConnections(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.max = n
		}
	}
}

// WithStaleTimeout overrides the idle eviction threshold.
func WithStaleTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.stale = d
		}
	}
}

// WithMirror attaches a metadata mirror (e.g. the Redis-backed one) that
// receives best-effort copies of registrations and removals.
func WithMirror(m Mirror) Option {
	return func(t *Table) { t.mirror = m }
}

// WithEvictionSignal registers a callback invoked (outside the table lock)
// for each evicted flow id, so the owner can route a close signal through
// the flow's pipeline.
func WithEvictionSignal(fn func(id uuid.UUID)) Option {
	return func(t *Table) { t.onEvict = fn }
}

// New creates an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		flows:  make(map[uuid.UUID]*core.Flow),
		byPID:  make(map[int]map[uuid.UUID]struct{}),
		max:    DefaultMaxConnections,
		stale:  DefaultStaleTimeout,
		logger: log.New(log.Writer(), "[CONNTABLE] ", log.LstdFlags),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register inserts a flow snapshot. If the table is at capacity the oldest
// 10% by last-activity are evicted first.
func (t *Table) Register(f core.Flow) {
	var evicted []uuid.UUID
	t.mu.Lock()
	if len(t.flows) >= t.max {
		evicted = t.evictOldestLocked(t.max / 10)
	}
	cp := f
	t.flows[f.ID] = &cp
	pidSet, ok := t.byPID[f.Process.PID]
	if !ok {
		pidSet = make(map[uuid.UUID]struct{})
		t.byPID[f.Process.PID] = pidSet
	}
	pidSet[f.ID] = struct{}{}
	t.mu.Unlock()

	if t.mirror != nil {
		t.mirror.Put(f)
	}
	t.signalEvicted(evicted)
}

// Touch updates activity and byte counters for a live flow.
func (t *Table) Touch(id uuid.UUID, bytesIn, bytesOut int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if !ok {
		return
	}
	f.BytesIn += bytesIn
	f.BytesOut += bytesOut
	f.LastActivity = now
}

// SetState transitions a flow's state; closing removes it from the table
// atomically with its per-pid index entry.
func (t *Table) SetState(id uuid.UUID, state core.FlowState) {
	t.mu.Lock()
	f, ok := t.flows[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	f.State = state
	if state == core.FlowClosed {
		t.removeLocked(id)
	}
	t.mu.Unlock()

	if state == core.FlowClosed && t.mirror != nil {
		t.mirror.Delete(id)
	}
}

// SetSNI records the observed ClientHello SNI on a flow.
func (t *Table) SetSNI(id uuid.UUID, sni string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.flows[id]; ok {
		f.SNI = sni
	}
}

// Get returns a copy of the flow metadata.
func (t *Table) Get(id uuid.UUID) (core.Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if !ok {
		return core.Flow{}, false
	}
	return *f, true
}

// ByPID returns copies of all flows attributed to pid.
func (t *Table) ByPID(pid int) []core.Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.Flow
	for id := range t.byPID[pid] {
		if f, ok := t.flows[id]; ok {
			out = append(out, *f)
		}
	}
	return out
}

// All returns copies of every live flow.
func (t *Table) All() []core.Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Flow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, *f)
	}
	return out
}

// Count reports the number of registered flows.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// EvictStale removes flows idle past the staleness threshold and returns
// how many were evicted. Run from a periodic timer by the owner.
func (t *Table) EvictStale(now time.Time) int {
	t.mu.Lock()
	var evicted []uuid.UUID
	for id, f := range t.flows {
		if now.Sub(f.LastActivity) > t.stale {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		t.removeLocked(id)
	}
	t.mu.Unlock()

	t.signalEvicted(evicted)
	if len(evicted) > 0 {
		t.logger.Printf("evicted %d stale flows", len(evicted))
	}
	return len(evicted)
}

// removeLocked deletes the flow and its per-pid index entry together.
func (t *Table) removeLocked(id uuid.UUID) {
	f, ok := t.flows[id]
	if !ok {
		return
	}
	delete(t.flows, id)
	if pidSet, ok := t.byPID[f.Process.PID]; ok {
		delete(pidSet, id)
		if len(pidSet) == 0 {
			delete(t.byPID, f.Process.PID)
		}
	}
}

func (t *Table) evictOldestLocked(n int) []uuid.UUID {
	if n < 1 {
		n = 1
	}
	type aged struct {
		id   uuid.UUID
		last time.Time
	}
	all := make([]aged, 0, len(t.flows))
	for id, f := range t.flows {
		all = append(all, aged{id: id, last: f.LastActivity})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	if n > len(all) {
		n = len(all)
	}
	out := make([]uuid.UUID, 0, n)
	for _, a := range all[:n] {
		t.removeLocked(a.id)
		out = append(out, a.id)
	}
	return out
}

func (t *Table) signalEvicted(ids []uuid.UUID) {
	for _, id := range ids {
		if t.mirror != nil {
			t.mirror.Delete(id)
		}
		if t.onEvict != nil {
			t.onEvict(id)
		}
	}
}
