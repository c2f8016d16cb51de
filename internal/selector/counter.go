package selector

import (
	"sync"
	"sync/atomic"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

// CounterStore hands out monotonically increasing round-robin cursors, one
// sequence per (model, format) pair. Implementations must be safe for
// concurrent use.
type CounterStore interface {
	Next(model string, format apiformat.Format) uint64
	Peek(model string, format apiformat.Format) uint64
}

// MemoryCounterStore keeps round-robin cursors in process memory.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewMemoryCounterStore constructs an empty counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*atomic.Uint64)}
}

// Next returns the next cursor value for the (model, format) sequence,
// starting at 0.
func (s *MemoryCounterStore) Next(model string, format apiformat.Format) uint64 {
	key := model + "\x00" + string(format)

	s.mu.Lock()
	counter, ok := s.counters[key]
	if !ok {
		counter = &atomic.Uint64{}
		s.counters[key] = counter
	}
	s.mu.Unlock()

	return counter.Add(1) - 1
}

// Peek returns the value Next would hand out without advancing the sequence.
func (s *MemoryCounterStore) Peek(model string, format apiformat.Format) uint64 {
	key := model + "\x00" + string(format)

	s.mu.Lock()
	counter, ok := s.counters[key]
	s.mu.Unlock()

	if !ok {
		return 0
	}
	return counter.Load()
}
