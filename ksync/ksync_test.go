package ksync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hienqn/maverick-os-sub002/kthread"
	_ "github.com/hienqn/maverick-os-sub002/kthread/fifo"
	"github.com/hienqn/maverick-os-sub002/kthread/priority"
)

func newPriorityRuntime(t *testing.T) *kthread.Runtime {
	t.Helper()
	return kthread.NewRuntime(priority.New())
}

// waitFor yields the calling (current) thread in a loop until ch is
// closed, giving other threads a chance to run between each yield:
// under the single-hart cooperative handoff, a plain channel receive
// would park this goroutine without ever returning control to the
// scheduler, so progress on ch requires actually yielding, not just
// blocking.
func waitFor(t *testing.T, rt *kthread.Runtime, ch <-chan struct{}, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		select {
		case <-ch:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		rt.ThreadYield(rt.Current())
	}
}

func TestSemaphoreDownUpUncontestedValueInvariant(t *testing.T) {
	rt := newPriorityRuntime(t)
	sem := NewSemaphore(rt, 1)
	sem.Down(rt.Current())
	if sem.Value() != 0 {
		t.Fatalf("Value() = %d after Down, want 0", sem.Value())
	}
	sem.Up()
	if sem.Value() != 1 {
		t.Fatalf("Value() = %d after Up, want 1", sem.Value())
	}
}

func TestLockAcquireReleaseRoundTrip(t *testing.T) {
	rt := newPriorityRuntime(t)
	l := NewLock(rt)
	l.Acquire(rt.Current())
	if !l.Held() {
		t.Fatal("Held() = false after Acquire")
	}
	l.Release(rt.Current())
	if l.Held() {
		t.Fatal("Held() = true after Release")
	}
}

func TestReleaseByNonOwnerPanics(t *testing.T) {
	rt := newPriorityRuntime(t)
	l := NewLock(rt)
	other := &kthread.Thread{ID: 999}
	l.Acquire(rt.Current())

	defer func() {
		if recover() == nil {
			t.Fatal("expected Release by a non-owner to panic")
		}
	}()
	l.Release(other)
}

func TestPriorityDonationAcrossLockContention(t *testing.T) {
	rt := newPriorityRuntime(t)
	l := NewLock(rt)

	lowDone := make(chan struct{})
	acquired := make(chan struct{})
	var release int32
	var low *kthread.Thread

	rt.ThreadCreate("low", 10, func(self *kthread.Thread) {
		low = self
		l.Acquire(self)
		close(acquired)
		for atomic.LoadInt32(&release) == 0 {
			rt.ThreadYield(self)
		}
		l.Release(self)
		close(lowDone)
	})
	rt.ThreadYield(rt.Current())
	waitFor(t, rt, acquired, "low-priority thread never acquired the lock")

	highDone := make(chan struct{})
	rt.ThreadCreate("high", 30, func(self *kthread.Thread) {
		l.Acquire(self)
		l.Release(self)
		close(highDone)
	})
	rt.ThreadYield(rt.Current())

	deadline := time.Now().Add(time.Second)
	for low.EffectivePriority != 30 {
		if time.Now().After(deadline) {
			t.Fatalf("low.EffectivePriority never rose to 30, stuck at %d", low.EffectivePriority)
		}
		rt.ThreadYield(rt.Current())
	}

	atomic.StoreInt32(&release, 1)
	waitFor(t, rt, lowDone, "low-priority thread never finished releasing")
	waitFor(t, rt, highDone, "high-priority thread never finished after donation released")
}

func TestCondVarSignalWakesOneWaiter(t *testing.T) {
	rt := newPriorityRuntime(t)
	l := NewLock(rt)
	cv := NewCondVar(rt)
	woke := make(chan struct{})

	rt.ThreadCreate("waiter", 1, func(self *kthread.Thread) {
		l.Acquire(self)
		cv.Wait(self, l)
		l.Release(self)
		close(woke)
	})
	rt.ThreadYield(rt.Current())
	rt.ThreadYield(rt.Current())

	main := rt.Current()
	l.Acquire(main)
	cv.Signal()
	l.Release(main)
	rt.ThreadYield(rt.Current())

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was never signaled")
	}
}
