// Package plic models the platform-level external interrupt
// controller: per-source priority, a per-hart enable bitset, a
// priority threshold, and the claim/complete protocol a handler loop
// uses to service one interrupt at a time.
package plic

import (
	"fmt"
	"sort"
	"sync"
)

const maxSources = 1024

// InterruptRaiser is the contract a device uses to signal a pending
// interrupt, keyed by PLIC source id. Devices depend only on this
// interface, never on *Controller.
type InterruptRaiser interface {
	RaiseIRQ(source uint32)
	LowerIRQ(source uint32)
}

// Controller is the PLIC register file plus the handler table the
// kernel installs at boot. One Controller instance serves the single
// hart this simulator models.
type Controller struct {
	mu sync.Mutex

	priority  [maxSources]uint8
	enabled   [maxSources]bool
	pending   [maxSources]bool
	claimed   [maxSources]bool
	threshold uint8

	handlers map[uint32]func()
}

// New creates a Controller with every source masked and an open
// threshold of 0 (every nonzero-priority source may interrupt).
func New() *Controller {
	return &Controller{handlers: make(map[uint32]func())}
}

// SetPriority assigns a source's priority, clamped to the PLIC's 0..7
// range; priority 0 means "never interrupt" regardless of Enable.
func (c *Controller) SetPriority(source uint32, prio uint8) {
	if prio > 7 {
		prio = 7
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority[source] = prio
}

// SetThreshold sets the minimum priority that may interrupt this hart.
func (c *Controller) SetThreshold(threshold uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
}

// Enable unmasks a source for this hart.
func (c *Controller) Enable(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[source] = true
}

// Disable masks a source for this hart.
func (c *Controller) Disable(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[source] = false
}

// Register installs the handler a claim on this source should run.
// Devices register once at boot.
func (c *Controller) Register(source uint32, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[source] = fn
}

// RaiseIRQ marks source pending. It implements InterruptRaiser so
// devices depend only on the two-method interface, not *Controller.
func (c *Controller) RaiseIRQ(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[source] = true
}

// LowerIRQ clears a level-triggered source's pending state without a
// claim, used by devices whose condition resolved on its own.
func (c *Controller) LowerIRQ(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[source] = false
}

// Pending reports whether any enabled, above-threshold source is
// pending and not already claimed — the condition that should cause
// the simulated hart to take an external-interrupt trap.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.highestLocked()
	return ok
}

func (c *Controller) highestLocked() (uint32, bool) {
	best := uint32(0)
	bestPrio := int(-1)
	found := false
	for s := uint32(0); s < maxSources; s++ {
		if !c.pending[s] || c.claimed[s] || !c.enabled[s] {
			continue
		}
		p := int(c.priority[s])
		if p == 0 || p <= int(c.threshold) {
			continue
		}
		if p > bestPrio {
			bestPrio = p
			best = s
			found = true
		}
	}
	return best, found
}

// Claim returns the highest-priority pending source and marks it
// claimed, clearing its pending bit the way a real PLIC claim read
// does. It returns ok=false if nothing qualifies.
func (c *Controller) Claim() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	source, ok := c.highestLocked()
	if !ok {
		return 0, false
	}
	c.claimed[source] = true
	c.pending[source] = false
	return source, true
}

// Complete acknowledges service of source, allowing it to be claimed
// again on its next RaiseIRQ.
func (c *Controller) Complete(source uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed[source] = false
}

// Dispatch claims the highest-priority pending source, runs its
// registered handler (if any), and completes the claim. It is the
// external-interrupt-trap handler's whole body.
func (c *Controller) Dispatch() error {
	source, ok := c.Claim()
	if !ok {
		return nil
	}
	c.mu.Lock()
	fn := c.handlers[source]
	c.mu.Unlock()
	if fn == nil {
		c.Complete(source)
		return fmt.Errorf("plic: source %d claimed with no registered handler", source)
	}
	fn()
	c.Complete(source)
	return nil
}

// PendingSources returns every currently pending, unclaimed source in
// priority order, for diagnostics and tests.
func (c *Controller) PendingSources() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint32
	for s := uint32(0); s < maxSources; s++ {
		if c.pending[s] && !c.claimed[s] && c.enabled[s] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return c.priority[out[i]] > c.priority[out[j]] })
	return out
}
