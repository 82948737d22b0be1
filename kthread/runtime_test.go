package kthread_test

import (
	"testing"
	"time"

	. "github.com/hienqn/maverick-os-sub002/kthread"
	_ "github.com/hienqn/maverick-os-sub002/kthread/fifo"
)

func newFifoRuntime(t *testing.T) *Runtime {
	t.Helper()
	sched, err := NewScheduler("fifo")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return NewRuntime(sched)
}

func TestThreadCreateRunsFunction(t *testing.T) {
	rt := newFifoRuntime(t)
	done := make(chan struct{})
	_, err := rt.ThreadCreate("worker", 1, func(t *Thread) { close(done) })
	if err != nil {
		t.Fatalf("ThreadCreate: %v", err)
	}
	rt.ThreadYield(rt.Current())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread body never ran")
	}
}

func TestThreadCreateRejectsLongName(t *testing.T) {
	rt := newFifoRuntime(t)
	_, err := rt.ThreadCreate("this-name-is-way-too-long", 1, func(t *Thread) {})
	if err == nil {
		t.Fatal("expected an error for a name over 15 bytes")
	}
}

func TestBlockAndUnblockRoundTrip(t *testing.T) {
	rt := newFifoRuntime(t)
	blocked := make(chan *Thread, 1)
	resumed := make(chan struct{})

	rt.ThreadCreate("sleeper", 1, func(self *Thread) {
		blocked <- self
		rt.ThreadBlock(self)
		close(resumed)
	})
	rt.ThreadYield(rt.Current())

	var self *Thread
	select {
	case self = <-blocked:
	case <-time.After(time.Second):
		t.Fatal("sleeper thread never started")
	}

	if self.Status != StatusBlocked {
		t.Fatalf("Status = %v, want blocked", self.Status)
	}
	rt.ThreadUnblock(self)
	rt.ThreadYield(rt.Current())

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("blocked thread never resumed after unblock")
	}
}

func TestInitialCurrentThreadIsBoot(t *testing.T) {
	rt := newFifoRuntime(t)
	if rt.Current().Name != "boot" {
		t.Fatalf("initial current thread = %q, want boot", rt.Current().Name)
	}
}

func TestIdleRunsWhenReadyQueueEmpty(t *testing.T) {
	rt := newFifoRuntime(t)
	boot := rt.Current()
	seen := make(chan string, 1)
	// Stands in for an interrupt: once boot has blocked and nothing else
	// is ready, record which thread is running, then wake boot.
	go func() {
		deadline := time.Now().Add(time.Second)
		for rt.Current() == boot && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		seen <- rt.Current().Name
		rt.ThreadUnblock(boot)
	}()
	rt.ThreadBlock(boot)
	if name := <-seen; name != "idle" {
		t.Fatalf("current thread while the ready queue was empty = %q, want idle", name)
	}
}

func TestStackOverflowGuardFires(t *testing.T) {
	rt := newFifoRuntime(t)
	caught := make(chan *Thread, 1)
	rt.OnStackOverflow = func(t *Thread) { caught <- t }

	rt.ThreadCreate("corrupt", 1, func(self *Thread) {
		self.ClobberCanary()
	})
	rt.ThreadYield(rt.Current())

	select {
	case overflowed := <-caught:
		if overflowed.Name != "corrupt" {
			t.Fatalf("overflowed thread = %q, want corrupt", overflowed.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStackOverflow was never invoked for a clobbered canary")
	}
}
