// Package ksync implements the kernel's blocking synchronization
// primitives: a counting semaphore with FIFO waiters, an owner-tracked
// lock with priority donation, and a condition variable. All are safe
// to call from thread context; only Up may be called from interrupt
// context. They are built on kthread.Runtime's block/unblock rather
// than the host scheduler because donation and wake ordering are
// properties of these primitives, not of sync.Mutex.
package ksync

import (
	"sync"

	"github.com/hienqn/maverick-os-sub002/kthread"
)

// Semaphore is a counting semaphore with a FIFO waiter list, the
// primitive Lock is built out of.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters []*kthread.Thread
	rt      *kthread.Runtime
}

// NewSemaphore creates a semaphore with the given initial value,
// bound to rt for blocking/unblocking waiters.
func NewSemaphore(rt *kthread.Runtime, value int) *Semaphore {
	return &Semaphore{value: value, rt: rt}
}

// Down decrements the semaphore, blocking the calling thread if the
// value would go negative, and waking in FIFO order as Up calls
// arrive. self must be the calling thread's own kthread.Thread (the
// thread whose goroutine is making this call).
func (s *Semaphore) Down(self *kthread.Thread) {
	for {
		s.mu.Lock()
		if s.value > 0 {
			s.value--
			s.mu.Unlock()
			return
		}
		s.waiters = append(s.waiters, self)
		s.mu.Unlock()
		s.rt.ThreadBlock(self)
	}
}

// Up increments the semaphore and, if a thread is waiting, unblocks
// the oldest one. Safe to call from interrupt context: it never
// reaches a suspension point.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.value++
	var woken *kthread.Thread
	if len(s.waiters) > 0 {
		woken = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()
	if woken != nil {
		s.rt.ThreadUnblock(woken)
	}
}

// Value reports the current semaphore value.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
