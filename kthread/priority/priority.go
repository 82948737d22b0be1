// Package priority implements a strict priority scheduler: the ready
// thread with the highest effective priority always runs next, ties
// broken FIFO within a priority level. Priority donation itself is
// the lock layer's concern (see package ksync); this policy only has
// to notice when EffectivePriority changes on an already-enqueued
// thread.
package priority

import "github.com/hienqn/maverick-os-sub002/kthread"

// Levels is the number of distinct priority values, 0 (lowest) to
// Levels-1 (highest).
const Levels = 64

// Policy buckets ready threads by effective priority into Levels FIFO
// queues and always serves the highest nonempty bucket.
type Policy struct {
	queues [Levels][]*kthread.Thread
}

// New creates an empty priority policy.
func New() *Policy { return &Policy{} }

func init() {
	kthread.Register("priority", func() kthread.Scheduler { return New() })
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p >= Levels {
		return Levels - 1
	}
	return p
}

// Enqueue appends t to its effective-priority bucket.
func (p *Policy) Enqueue(t *kthread.Thread) {
	lvl := clamp(t.EffectivePriority)
	p.queues[lvl] = append(p.queues[lvl], t)
}

// PickNext scans from the highest bucket down and pops the first
// thread found.
func (p *Policy) PickNext() *kthread.Thread {
	for lvl := Levels - 1; lvl >= 0; lvl-- {
		if len(p.queues[lvl]) == 0 {
			continue
		}
		t := p.queues[lvl][0]
		p.queues[lvl] = p.queues[lvl][1:]
		return t
	}
	return nil
}

// OnTick requests preemption whenever a strictly higher-priority
// thread is waiting in the ready set, so a donation or unblock that
// raises some other thread above the running one takes effect
// promptly rather than waiting for a full quantum.
func (p *Policy) OnTick(current *kthread.Thread) bool {
	for lvl := Levels - 1; lvl > clamp(current.EffectivePriority); lvl-- {
		if len(p.queues[lvl]) > 0 {
			return true
		}
	}
	return false
}

// OnUnblock is a no-op beyond Enqueue: a freshly unblocked thread
// competes at its current effective priority like any other.
func (p *Policy) OnUnblock(t *kthread.Thread) {}

// OnPriorityChange re-homes t into its new priority bucket if it is
// currently sitting in the ready set under a stale one.
func (p *Policy) OnPriorityChange(t *kthread.Thread) {
	for lvl := range p.queues {
		q := p.queues[lvl]
		for i, cand := range q {
			if cand == t {
				p.queues[lvl] = append(q[:i], q[i+1:]...)
				p.Enqueue(t)
				return
			}
		}
	}
}
