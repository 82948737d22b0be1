// Package timer implements the periodic tick device: a tick counter
// armed through the firmware timer ecall, a scheduler tick hook, and
// draining of due sleepers every tick.
package timer

import (
	"sync"

	"github.com/hienqn/maverick-os-sub002/kthread"
	"github.com/hienqn/maverick-os-sub002/sbi"
	"github.com/hienqn/maverick-os-sub002/sleepqueue"
)

// Frequency is the tick rate in Hz this kernel runs its scheduler
// clock at.
const Frequency = 100

// TickHook is the scheduler's per-tick accounting callback; it
// reports whether a preemption should be requested. Satisfied by
// *kthread.Runtime.ThreadTick.
type TickHook func() bool

// Device is the timer: a tick counter guarded for snapshot reads
// (the contract is against preemption, not torn reads, hence an
// RWMutex rather than an atomic integer), the platform time-base
// frequency used to compute the tick period in platform-time units,
// and the sleep queue it drains every tick.
type Device struct {
	mu sync.RWMutex

	timebaseHz uint64
	period     uint64 // platform-time units per tick
	ticks      uint64

	sleepers *sleepqueue.List
	onTick   TickHook

	// PreemptPending is set by OnTick when the scheduler's tick hook
	// requests a yield; the trap-exit path (modeled here by whatever
	// calls OnTick) is responsible for consuming it.
	PreemptPending bool
}

// New creates a Device for a platform with the given time-base
// frequency, wired to drain sleepers from list and to call onTick
// once per tick for scheduler accounting.
func New(timebaseHz uint64, sleepers *sleepqueue.List, onTick TickHook) *Device {
	return &Device{
		timebaseHz: timebaseHz,
		period:     timebaseHz / Frequency,
		sleepers:   sleepers,
		onTick:     onTick,
	}
}

// Init arms the first deadline. Enabling supervisor timer interrupts
// is the caller's responsibility; that is an Sie bit the trap/csr
// layer owns.
func (d *Device) Init(fw *sbi.Firmware, now uint64) error {
	return fw.SetTimer(now + d.period)
}

// Ticks returns the tick counter, taken under the read lock — the
// stand-in for disabling interrupts around the snapshot, since there
// is no real interrupt mask to hold.
func (d *Device) Ticks() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ticks
}

// OnTick is the timer-interrupt handler's body: increment the tick
// counter, re-arm the next deadline, invoke the scheduler's tick hook,
// then drain the sleep list and unblock every thread whose wake tick
// has arrived. rt is passed so the unblocked threads actually move
// from BLOCKED to READY; timer has no Runtime of its own so tests can
// drive OnTick without a full kthread.Runtime if they only care about
// the sleep-drain half.
func (d *Device) OnTick(fw *sbi.Firmware, rt *kthread.Runtime) {
	d.mu.Lock()
	d.ticks++
	now := d.ticks
	d.mu.Unlock()

	if fw != nil {
		_ = fw.SetTimer(now*d.period + d.period)
	}

	if d.onTick != nil {
		if d.onTick() {
			d.mu.Lock()
			d.PreemptPending = true
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	due := d.sleepers.PopDue(now)
	d.mu.Unlock()
	for _, t := range due {
		if rt != nil {
			rt.ThreadUnblock(t)
		}
	}
}

// ConsumePreempt reports whether a preemption was requested since the
// last call, clearing the flag. The trap-exit path calls this once
// per trap return to decide whether to yield.
func (d *Device) ConsumePreempt() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.PreemptPending
	d.PreemptPending = false
	return p
}

// Sleep computes the wake tick for a duration of n ticks from now
// and inserts the calling thread into the sleep list, then blocks it.
// Negative or zero durations return immediately without sleeping.
// Callers must be running on their own thread's goroutine.
func (d *Device) Sleep(rt *kthread.Runtime, t *kthread.Thread, n int64) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	wake := d.ticks + uint64(n)
	d.sleepers.Insert(t, wake)
	d.mu.Unlock()
	rt.ThreadBlock(t)
}
