package ratecontrol

import (
	"context"
	"strconv"
)

// Controller combines the fixed-window limiter with adaptive ceilings and is
// the single rate gate used by selection.
type Controller struct {
	manager  *Manager
	ceilings *Ceilings
}

// NewController constructs a Controller. A nil manager gets the default
// settings-driven one.
func NewController(manager *Manager, ceilings *Ceilings) *Controller {
	if manager == nil {
		manager = NewManager(nil, nil, nil)
	}
	if ceilings == nil {
		ceilings = NewCeilings()
	}
	return &Controller{manager: manager, ceilings: ceilings}
}

// Ceilings exposes the adaptive ceiling store for detector updates.
func (c *Controller) Ceilings() *Ceilings {
	return c.ceilings
}

// EffectiveRPM resolves the budget currently applied to a key. fixedLimit is
// the key's configured rpm_limit, nil for adaptive keys. The returned pointer
// is nil when no budget applies (adaptive key with nothing learned yet).
func (c *Controller) EffectiveRPM(keyID uint64, fixedLimit *int) *int {
	if fixedLimit != nil {
		v := *fixedLimit
		return &v
	}
	if ceiling, ok := c.ceilings.Get(keyID); ok {
		v := ceiling
		return &v
	}
	return nil
}

// budget resolves the limit to enforce for a key. enforce=false means the
// gate is open with no window check; a non-positive enforced limit shuts the
// key out until its ceiling relaxes.
func (c *Controller) budget(keyID uint64, fixedLimit *int) (limit int, enforce bool) {
	if fixedLimit != nil {
		if *fixedLimit <= 0 {
			// An unset fixed limit means unlimited.
			return 0, false
		}
		return *fixedLimit, true
	}
	ceiling, ok := c.ceilings.Get(keyID)
	if !ok {
		return 0, false
	}
	return ceiling, true
}

// HasBudget reports whether the key has window budget left this minute,
// without consuming any. Selection calls it once per surviving candidate, so
// a consuming check here would charge keys that never serve the request.
func (c *Controller) HasBudget(ctx context.Context, keyID uint64, fixedLimit *int) bool {
	limit, enforce := c.budget(keyID, fixedLimit)
	if !enforce {
		return true
	}
	if limit <= 0 {
		return false
	}
	result, err := c.manager.Peek(ctx, strconv.FormatUint(keyID, 10), limit)
	if err != nil {
		// The manager already fell back internally; an error here means even
		// the memory path failed, so fail open.
		return true
	}
	return result.Allowed
}

// Allow charges one request against the key's minute window. Only the attempt
// path calls it, once per key actually tried. Exhaustion is a per-pass
// exclusion, never a health event.
func (c *Controller) Allow(ctx context.Context, keyID uint64, fixedLimit *int) bool {
	limit, enforce := c.budget(keyID, fixedLimit)
	if !enforce {
		return true
	}
	if limit <= 0 {
		return false
	}
	result, err := c.manager.Allow(ctx, strconv.FormatUint(keyID, 10), limit)
	if err != nil {
		return true
	}
	return result.Allowed
}

// ObserveRateLimit feeds a 429 classification into the adaptive ceilings.
func (c *Controller) ObserveRateLimit(keyID uint64, info LimitInfo) {
	c.ceilings.Observe(keyID, info)
}

// ObserveSuccess lets a depressed adaptive ceiling recover.
func (c *Controller) ObserveSuccess(keyID uint64) {
	c.ceilings.Relax(keyID)
}
