// Package mlfq implements a multilevel feedback queue scheduler: each
// thread carries a recent-CPU-usage estimate that decays over time,
// its priority is recomputed from that estimate, and threads that use
// a full quantum without blocking sink toward lower queues while
// threads that block quickly stay near the top, following the
// classic BSD decay formula.
package mlfq

import "github.com/hienqn/maverick-os-sub002/kthread"

// Levels mirrors priority.Levels: effective priority still ranges
// 0..63, MLFQ only changes how that number is computed.
const Levels = 64

// decay is the classic 2*load/(2*load+1) factor, fixed here at a load
// of 1 (single hart, single ready thread assumed on average) so
// RecentCPU decays by half every recompute rather than tracking a
// true running load average.
const decay = 0.5

// recomputeEvery is how many ticks elapse between RecentCPU decay
// passes, matching the traditional once-per-second-at-100Hz cadence
// scaled down for a kernel with no real-time clock to compare against.
const recomputeEvery = 4

// Policy buckets ready threads by a priority derived from RecentCPU,
// recomputed every recomputeEvery ticks.
type Policy struct {
	queues [Levels][]*kthread.Thread
	ticks  uint64
}

// New creates an empty MLFQ policy.
func New() *Policy { return &Policy{} }

func init() {
	kthread.Register("mlfq", func() kthread.Scheduler { return New() })
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

// priorityFor derives a priority level from base priority and recent
// CPU usage: PRI = BasePriority - RecentCPU/4, clamped to the valid
// range, the textbook BSD formula with the niceness term omitted;
// this kernel has no nice value.
func priorityFor(t *kthread.Thread) int {
	return clamp(t.BasePriority - int(t.RecentCPU/4))
}

// Enqueue re-derives t's bucket from its current RecentCPU and
// appends it there.
func (p *Policy) Enqueue(t *kthread.Thread) {
	lvl := priorityFor(t)
	t.EffectivePriority = lvl
	p.queues[lvl] = append(p.queues[lvl], t)
}

// PickNext scans from the highest bucket down.
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

// OnTick accounts one tick of RecentCPU to the running thread and,
// every recomputeEvery ticks, re-derives the running thread's priority
// from the usage it has accrued, then decays every live thread's
// RecentCPU and re-homes the queued ones. Preemption is requested whenever a
// strictly higher bucket is nonempty, the same cross-bucket check
// priority.Policy uses.
func (p *Policy) OnTick(current *kthread.Thread) bool {
	current.RecentCPU++
	p.ticks++
	if p.ticks%recomputeEvery == 0 {
		current.EffectivePriority = priorityFor(current)
		current.RecentCPU *= decay
		for lvl := range p.queues {
			for _, t := range p.queues[lvl] {
				t.RecentCPU *= decay
			}
		}
		p.resortAll()
	}
	for lvl := Levels - 1; lvl > clamp(current.EffectivePriority); lvl-- {
		if len(p.queues[lvl]) > 0 {
			return true
		}
	}
	return false
}

// resortAll re-homes every queued thread into the bucket its
// just-decayed RecentCPU now maps to.
func (p *Policy) resortAll() {
	var all []*kthread.Thread
	for lvl := range p.queues {
		all = append(all, p.queues[lvl]...)
		p.queues[lvl] = nil
	}
	for _, t := range all {
		p.Enqueue(t)
	}
}

// OnUnblock is a no-op beyond Enqueue: a thread that just woke up
// competes at whatever its decayed RecentCPU currently implies.
func (p *Policy) OnUnblock(t *kthread.Thread) {}

// OnPriorityChange re-homes t if its base priority changed while
// queued.
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
