package kthread

import (
	"fmt"
	"sync"
)

// Runtime owns the scheduler, the current-thread pointer, and the
// idle thread, and drives the channel-handoff context switch. One
// Runtime instance serves the single hart this simulator models.
type Runtime struct {
	mu        sync.Mutex
	scheduler Scheduler
	current   *Thread
	idle      *Thread
	threads   map[int]*Thread
	nextID    int

	// OnStackOverflow is called from within schedule's tail with the
	// thread whose canary was found clobbered, in place of a direct
	// panic so tests can observe the diagnostic instead of crashing.
	OnStackOverflow func(t *Thread)
}

// NewRuntime creates a Runtime using the given scheduling policy,
// starts its idle thread (the per-CPU thread that runs when nothing
// else is ready), and makes the caller's own goroutine the initial
// boot thread, thread 1. Boot is a distinct thread from idle, with no
// background goroutine of its own, since the caller's call stack
// already is its execution context; conflating the two would leave
// two goroutines racing to receive on idle's resume channel the first
// time the ready queue empties.
func NewRuntime(scheduler Scheduler) *Runtime {
	rt := &Runtime{scheduler: scheduler, threads: make(map[int]*Thread)}

	boot, _ := newThread(rt.allocID(), "boot", 0)
	boot.Status = StatusRunning
	rt.current = boot
	rt.threads[boot.ID] = boot

	idle, _ := newThread(rt.allocID(), "idle", 0)
	idle.Status = StatusReady
	rt.idle = idle
	rt.threads[idle.ID] = idle

	// The idle loop: park until scheduled in (or kicked by an
	// unblock, the analogue of wfi waking on interrupt), then hand
	// the CPU to whatever became ready. A stale kick that arrives
	// after idle has already been switched away from is dropped.
	go func() {
		for {
			<-idle.resume
			rt.mu.Lock()
			if rt.current != idle {
				rt.mu.Unlock()
				continue
			}
			rt.scheduleLocked()
		}
	}()
	return rt
}

func (rt *Runtime) allocID() int {
	rt.nextID++
	return rt.nextID
}

// Current returns the thread presently RUNNING.
func (rt *Runtime) Current() *Thread {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

// ThreadCreate allocates a thread, marks it READY, and inserts it
// into the ready queue. fn runs on its own goroutine starting only
// once the thread is first scheduled in; when fn returns, the
// trampoline exits the thread automatically.
func (rt *Runtime) ThreadCreate(name string, priority int, fn func(t *Thread)) (*Thread, error) {
	rt.mu.Lock()
	t, err := newThread(rt.allocID(), name, priority)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	rt.threads[t.ID] = t
	rt.mu.Unlock()

	go func() {
		<-t.resume
		fn(t)
		rt.ThreadExit(t)
	}()

	rt.mu.Lock()
	rt.scheduler.Enqueue(t)
	rt.mu.Unlock()
	return t, nil
}

// ThreadBlock marks the current thread BLOCKED and switches away
// from it. t must be the currently RUNNING thread, and the caller
// must be t's own goroutine.
func (rt *Runtime) ThreadBlock(t *Thread) {
	rt.mu.Lock()
	if t.wakePending {
		t.wakePending = false
		rt.mu.Unlock()
		return
	}
	t.Status = StatusBlocked
	rt.scheduleLocked()
}

// ThreadUnblock marks t READY and inserts it into the ready queue. It
// is safe to call from interrupt context: it never itself switches.
func (rt *Runtime) ThreadUnblock(t *Thread) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t.Status == StatusRunning {
		t.wakePending = true
		return
	}
	if t.Status == StatusReady {
		return
	}
	t.Status = StatusReady
	rt.scheduler.Enqueue(t)
	rt.scheduler.OnUnblock(t)
	if rt.current == rt.idle {
		// Wake the idle loop out of its wfi so the fresh READY
		// thread runs without waiting for another event.
		select {
		case rt.idle.resume <- struct{}{}:
		default:
		}
	}
}

// ThreadYield marks the current thread READY (unless it is the idle
// thread, which never sits in the ready queue), re-enqueues it, and
// reschedules.
func (rt *Runtime) ThreadYield(t *Thread) {
	rt.mu.Lock()
	if t != rt.idle {
		t.Status = StatusReady
		rt.scheduler.Enqueue(t)
	}
	rt.scheduleLocked()
}

// Yield is an alternate spelling for callers outside the package; it
// is identical to ThreadYield.
func (rt *Runtime) Yield(t *Thread) { rt.ThreadYield(t) }

// ThreadExit marks the current thread DYING and switches away from
// it permanently; its goroutine is expected to return immediately
// after this call.
func (rt *Runtime) ThreadExit(t *Thread) {
	rt.mu.Lock()
	t.Status = StatusDying
	rt.scheduleLocked()
}

// ThreadTick accounts a tick to the current thread via the scheduler
// policy and reports whether a preemption was requested. The caller
// (the timer interrupt path) acts on a true result by yielding once
// back at trap exit, never from inside the tick handler itself.
func (rt *Runtime) ThreadTick() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.current.Ticks++
	return rt.scheduler.OnTick(rt.current)
}

// SetPriority changes t's base priority and notifies the scheduler.
func (rt *Runtime) SetPriority(t *Thread, priority int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t.BasePriority = priority
	if t.EffectivePriority < priority {
		t.EffectivePriority = priority
	}
	rt.scheduler.OnPriorityChange(t)
}

// DonatePriority raises t's effective priority if new is higher,
// notifying the scheduler so a re-sorted ready queue reflects it
// immediately. Used by ksync.Lock's contention path.
func (rt *Runtime) DonatePriority(t *Thread, new int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if new > t.EffectivePriority {
		t.EffectivePriority = new
		rt.scheduler.OnPriorityChange(t)
	}
}

// RecomputePriority resets t's effective priority from its base and
// its remaining held locks' donations, called by ksync.Lock.Release.
func (rt *Runtime) RecomputePriority(t *Thread, donated int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	eff := t.BasePriority
	if donated > eff {
		eff = donated
	}
	t.EffectivePriority = eff
	rt.scheduler.OnPriorityChange(t)
}

// scheduleLocked performs the switch away from the current thread.
// It must be called with rt.mu held and by the goroutine that is
// itself the current RUNNING thread (mirroring schedule() being
// called from the thread it is about to switch away from); it
// releases rt.mu before blocking and returns without holding it.
func (rt *Runtime) scheduleLocked() {
	prev := rt.current
	next := rt.scheduler.PickNext()
	if next == nil {
		next = rt.idle
	}
	rt.current = next
	next.Status = StatusRunning

	dying := prev.Status == StatusDying
	rt.scheduleTailLocked(prev, dying)

	rt.mu.Unlock()
	if next == prev {
		// Picked ourselves back up (we were the only ready thread):
		// already running on this very goroutine, nothing to hand off.
		return
	}
	next.resume <- struct{}{}
	if !dying {
		<-prev.resume
	}
}

// scheduleTailLocked is the tail of a context switch: it checks the
// outgoing thread's stack canary and, if the thread is DYING, removes
// its bookkeeping. Called with rt.mu held.
func (rt *Runtime) scheduleTailLocked(prev *Thread, dying bool) {
	if !prev.CheckCanary() {
		if rt.OnStackOverflow != nil {
			rt.OnStackOverflow(prev)
		} else {
			panic(fmt.Sprintf("kthread: stack overflow detected on thread %d (%s)", prev.ID, prev.Name))
		}
	}
	if dying {
		delete(rt.threads, prev.ID)
	}
}

// Lookup finds a live thread by id, for wait/exit bookkeeping in
// package process.
func (rt *Runtime) Lookup(id int) (*Thread, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.threads[id]
	return t, ok
}
