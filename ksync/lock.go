package ksync

import (
	"fmt"
	"sync"

	"github.com/hienqn/maverick-os-sub002/kthread"
)

// Lock is an owner-tracked mutual-exclusion lock built on Semaphore:
// acquire blocks until the owner is nil then claims it; release
// asserts ownership, clears it, and ups the underlying semaphore. On
// contention it donates the blocking thread's effective priority up
// the ownership chain; on release it recomputes the releaser's
// effective priority from its still-held locks.
type Lock struct {
	mu      sync.Mutex
	owner   *kthread.Thread
	sem     *Semaphore
	rt      *kthread.Runtime
	waiters []*kthread.Thread
}

// NewLock creates an unheld lock bound to rt.
func NewLock(rt *kthread.Runtime) *Lock {
	return &Lock{sem: NewSemaphore(rt, 1), rt: rt}
}

// Holder implements kthread.Donor.
func (l *Lock) Holder() *kthread.Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Waiters implements kthread.Donor.
func (l *Lock) Waiters() []*kthread.Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*kthread.Thread, len(l.waiters))
	copy(out, l.waiters)
	return out
}

// Acquire blocks self until the lock is free, then claims it. If the
// lock is already held, self's effective priority is donated up the
// ownership chain (transitively, in case the current owner is itself
// blocked waiting on another lock) so priority inversion is bounded.
func (l *Lock) Acquire(self *kthread.Thread) {
	l.mu.Lock()
	holder := l.owner
	if holder != nil {
		l.waiters = append(l.waiters, self)
		self.WaitingOn = l
		l.mu.Unlock()
		donate(l.rt, self.EffectivePriority, holder)
	} else {
		l.mu.Unlock()
	}

	l.sem.Down(self)

	l.mu.Lock()
	l.owner = self
	self.WaitingOn = nil
	for i, w := range l.waiters {
		if w == self {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	self.HeldLocks = append(self.HeldLocks, l)
	l.mu.Unlock()
}

// donate walks the ownership chain starting at holder, raising each
// link's effective priority to at least prio (through rt, so the
// scheduler re-homes a holder already in the ready set) and following
// its own WaitingOn pointer, so donation threads through nested lock
// dependencies rather than stopping at the first hop.
func donate(rt *kthread.Runtime, prio int, holder *kthread.Thread) {
	seen := make(map[*kthread.Thread]bool)
	for holder != nil && !seen[holder] {
		seen[holder] = true
		if holder.EffectivePriority >= prio {
			return
		}
		rt.DonatePriority(holder, prio)
		next, ok := holder.WaitingOn.(interface{ Holder() *kthread.Thread })
		if !ok {
			return
		}
		holder = next.Holder()
	}
}

// Release asserts self is the current owner, clears ownership,
// removes l from self's held-lock set, recomputes self's effective
// priority from whatever locks it still holds, and ups the semaphore
// to wake the next waiter (if any).
func (l *Lock) Release(self *kthread.Thread) {
	l.mu.Lock()
	if l.owner != self {
		l.mu.Unlock()
		panic(fmt.Sprintf("ksync: Release called by non-owner thread %d", self.ID))
	}
	l.owner = nil
	l.mu.Unlock()

	for i, held := range self.HeldLocks {
		if held == kthread.Donor(l) {
			self.HeldLocks = append(self.HeldLocks[:i], self.HeldLocks[i+1:]...)
			break
		}
	}
	donated := self.BasePriority
	for _, held := range self.HeldLocks {
		for _, w := range held.Waiters() {
			if w.EffectivePriority > donated {
				donated = w.EffectivePriority
			}
		}
	}
	l.rt.RecomputePriority(self, donated)

	l.sem.Up()
}

// Held reports whether the lock is currently owned by anyone.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != nil
}
