package ratecontrol

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Ceilings tracks the learned effective RPM for adaptive keys. A ceiling of
// zero means the key is currently shut out entirely.
type Ceilings struct {
	mu     sync.RWMutex
	values map[uint64]int
}

// NewCeilings constructs an empty ceiling store.
func NewCeilings() *Ceilings {
	return &Ceilings{values: make(map[uint64]int)}
}

// Get returns the current ceiling for a key. The second return is false when
// nothing has been learned yet, which callers treat as unlimited.
func (c *Ceilings) Get(keyID uint64) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[keyID]
	return v, ok
}

// Observe updates the ceiling for a key from a 429 classification. Only RPM
// limits move the ceiling; concurrency and daily limits carry no usable
// per-minute budget.
func (c *Ceilings) Observe(keyID uint64, info LimitInfo) {
	if info.Kind != LimitRPM {
		return
	}
	next := info.ObservedLimit
	if next == 0 && info.Remaining >= 0 {
		next = info.Remaining
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current, known := c.values[keyID]
	if known && next >= current && current > 0 {
		// Never raise the ceiling from a 429; recovery goes through Relax.
		return
	}
	c.values[keyID] = next
	log.WithFields(log.Fields{
		"key_id":        keyID,
		"effective_rpm": next,
	}).Info("ratecontrol: adaptive ceiling updated")
}

// Relax gradually raises a depressed ceiling after sustained successes.
func (c *Ceilings) Relax(keyID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, known := c.values[keyID]
	if !known {
		return
	}
	if current == 0 {
		c.values[keyID] = 1
		return
	}
	c.values[keyID] = current + (current+9)/10
}

// Clear forgets the learned ceiling for a key.
func (c *Ceilings) Clear(keyID uint64) {
	c.mu.Lock()
	delete(c.values, keyID)
	c.mu.Unlock()
}
