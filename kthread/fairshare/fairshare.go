// Package fairshare implements a CFS-style fair-share scheduler: the
// ready thread with the lowest accumulated virtual runtime always
// runs next, and a running thread accrues vruntime proportional to
// ticks spent running.
package fairshare

import "github.com/hienqn/maverick-os-sub002/kthread"

// Policy keeps ready threads unsorted in arrival order and scans them
// linearly for the lowest VRuntime on PickNext, since the ready sets this kernel handles are
// small enough that a real red-black tree would be overkill — the
// same "small n, linear scan is fine" judgment priority.Policy makes
// with its bucket scan.
type Policy struct {
	ready []*kthread.Thread
	min   uint64
}

// New creates an empty fair-share policy.
func New() *Policy { return &Policy{} }

func init() {
	kthread.Register("fairshare", func() kthread.Scheduler { return New() })
}

// weightFor converts a base priority (0..63, higher runs more) into a
// vruntime divisor: higher priority accrues vruntime more slowly, so
// it gets picked more often without ever starving priority-0 threads
// outright.
func weightFor(t *kthread.Thread) uint64 {
	w := uint64(t.BasePriority) + 1
	return w
}

// Enqueue inserts t into the ready set. A never-run thread starts at
// the current minimum vruntime rather than zero, so a freshly created
// thread cannot claim an unfair head start over threads that have
// already been running.
func (p *Policy) Enqueue(t *kthread.Thread) {
	if t.VRuntime == 0 && t.Ticks == 0 {
		t.VRuntime = p.min
	}
	p.ready = append(p.ready, t)
}

// PickNext removes and returns the thread with the lowest VRuntime.
func (p *Policy) PickNext() *kthread.Thread {
	if len(p.ready) == 0 {
		return nil
	}
	best := 0
	for i, t := range p.ready[1:] {
		if t.VRuntime < p.ready[best].VRuntime {
			best = i + 1
		}
	}
	t := p.ready[best]
	p.ready = append(p.ready[:best], p.ready[best+1:]...)
	if t.VRuntime < p.min {
		p.min = t.VRuntime
	}
	return t
}

// OnTick accrues vruntime to the running thread, scaled inversely by
// its weight, and requests a preemption once some ready thread's
// vruntime trails the running thread's by more than 4.
func (p *Policy) OnTick(current *kthread.Thread) bool {
	current.VRuntime += 1024 / weightFor(current)
	if current.VRuntime > p.min {
		p.min = current.VRuntime
	}
	for _, t := range p.ready {
		if t.VRuntime+4 < current.VRuntime {
			return true
		}
	}
	return false
}

// OnUnblock is a no-op beyond Enqueue: the fresh-thread vruntime floor
// already prevents an unfairly long-sleeping thread from hogging the
// CPU on wake.
func (p *Policy) OnUnblock(t *kthread.Thread) {}

// OnPriorityChange has nothing to re-home: a priority change only
// affects future vruntime accrual rate, not current queue position.
func (p *Policy) OnPriorityChange(t *kthread.Thread) {}
