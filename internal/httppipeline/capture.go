package httppipeline

import (
	"sync"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
)

// DefaultCaptureBudget is the aggregate captured-body budget per process,
// adjustable over IPC.
const DefaultCaptureBudget = 30 << 30 // 30 GiB

// CaptureStore wraps the exchange ring with aggregate body-byte budget
// enforcement: every append checks the budget and evicts oldest-first
// across flows until the write fits.
type CaptureStore struct {
	ring *ringstore.Store[core.CapturedExchange]

	mu     sync.Mutex
	budget int64
}

// NewCaptureStore creates a store with the given ring capacity and body
// budget (0 for the default).
func NewCaptureStore(capacity int, budget int64) *CaptureStore {
	if budget <= 0 {
		budget = DefaultCaptureBudget
	}
	return &CaptureStore{
		ring: ringstore.NewSized(capacity, func(e core.CapturedExchange) int64 {
			return e.BodyBytes()
		}),
		budget: budget,
	}
}

// Append stores an exchange, evicting oldest entries first whenever the
// aggregate captured bytes would exceed the budget.
func (s *CaptureStore) Append(e core.CapturedExchange) uint64 {
	s.mu.Lock()
	budget := s.budget
	s.mu.Unlock()

	for s.ring.Count() > 0 && s.ring.Bytes()+e.BodyBytes() > budget {
		s.ring.EvictOldest(1)
	}
	return s.ring.Append(e)
}

// Since is the delta-poll read.
func (s *CaptureStore) Since(cursor uint64) ([]core.CapturedExchange, uint64) {
	return s.ring.Since(cursor)
}

// SetBudget adjusts the aggregate budget (IPC setCaptureMemoryBudget) and
// immediately reclaims down to the new ceiling.
func (s *CaptureStore) SetBudget(budget int64) {
	if budget <= 0 {
		return
	}
	s.mu.Lock()
	s.budget = budget
	s.mu.Unlock()
	for s.ring.Count() > 0 && s.ring.Bytes() > budget {
		s.ring.EvictOldest(1)
	}
}

// Bytes reports the current aggregate captured-body bytes.
func (s *CaptureStore) Bytes() int64 { return s.ring.Bytes() }

// Count reports the number of stored exchanges.
func (s *CaptureStore) Count() int { return s.ring.Count() }
