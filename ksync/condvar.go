package ksync

import "github.com/hienqn/maverick-os-sub002/kthread"

// CondVar is a condition variable associated with a Lock, the monitor
// pattern a process's exit synchronization is built on. Each waiter
// parks on its own one-shot semaphore so
// Signal wakes exactly one and Broadcast wakes all, in FIFO order.
type CondVar struct {
	waiters []*Semaphore
	rt      *kthread.Runtime
}

// NewCondVar creates a condition variable bound to rt.
func NewCondVar(rt *kthread.Runtime) *CondVar {
	return &CondVar{rt: rt}
}

// Wait releases l, blocks self until signaled, then reacquires l —
// the standard monitor-wait sequence. Callers must hold l before
// calling Wait.
func (c *CondVar) Wait(self *kthread.Thread, l *Lock) {
	sem := NewSemaphore(c.rt, 0)
	c.waiters = append(c.waiters, sem)
	l.Release(self)
	sem.Down(self)
	l.Acquire(self)
}

// Signal wakes the oldest waiter, if any. Callers must hold the
// associated lock.
func (c *CondVar) Signal() {
	if len(c.waiters) == 0 {
		return
	}
	sem := c.waiters[0]
	c.waiters = c.waiters[1:]
	sem.Up()
}

// Broadcast wakes every current waiter.
func (c *CondVar) Broadcast() {
	for len(c.waiters) > 0 {
		c.Signal()
	}
}
