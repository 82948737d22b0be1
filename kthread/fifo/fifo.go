// Package fifo implements the simplest kthread.Scheduler: a single
// round-robin ready queue with a fixed time quantum.
package fifo

import "github.com/hienqn/maverick-os-sub002/kthread"

// Quantum is the number of ticks a thread runs before OnTick requests
// a preemption.
const Quantum = 4

// Policy is a plain FIFO ready queue.
type Policy struct {
	ready []*kthread.Thread
}

// New creates an empty FIFO policy.
func New() *Policy { return &Policy{} }

func init() {
	kthread.Register("fifo", func() kthread.Scheduler { return New() })
}

// Enqueue appends t to the back of the ready queue.
func (p *Policy) Enqueue(t *kthread.Thread) {
	t.Ticks = 0
	p.ready = append(p.ready, t)
}

// PickNext pops the front of the ready queue.
func (p *Policy) PickNext() *kthread.Thread {
	if len(p.ready) == 0 {
		return nil
	}
	t := p.ready[0]
	p.ready = p.ready[1:]
	return t
}

// OnTick requests a preemption once the running thread has used its
// full quantum. The runtime has already accounted the tick to
// current.Ticks before calling in; this only reads it.
func (p *Policy) OnTick(current *kthread.Thread) bool {
	return current.Ticks >= Quantum
}

// OnUnblock is a no-op: FIFO treats every READY thread identically
// regardless of how it became ready.
func (p *Policy) OnUnblock(t *kthread.Thread) {}

// OnPriorityChange is a no-op: FIFO ignores priority entirely.
func (p *Policy) OnPriorityChange(t *kthread.Thread) {}
