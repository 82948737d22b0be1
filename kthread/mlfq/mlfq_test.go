package mlfq

import (
	"testing"

	"github.com/hienqn/maverick-os-sub002/kthread"
)

func thread(id, base int) *kthread.Thread {
	return &kthread.Thread{ID: id, BasePriority: base, EffectivePriority: base}
}

func TestHigherBasePriorityPickedFirstWhenFresh(t *testing.T) {
	p := New()
	low := thread(1, 10)
	high := thread(2, 30)
	p.Enqueue(low)
	p.Enqueue(high)

	next := p.PickNext()
	if next != high {
		t.Fatalf("PickNext returned thread %d, want the higher-priority thread %d", next.ID, high.ID)
	}
}

func TestRecentCPUDecaysAndLowersPriority(t *testing.T) {
	p := New()
	hog := thread(1, 20)
	p.Enqueue(hog)
	p.PickNext()

	for i := 0; i < recomputeEvery; i++ {
		p.OnTick(hog)
	}
	if hog.RecentCPU == 0 {
		t.Fatal("RecentCPU never accrued ticks")
	}
	if hog.EffectivePriority >= hog.BasePriority {
		t.Fatalf("EffectivePriority = %d, want it reduced below BasePriority %d after CPU use", hog.EffectivePriority, hog.BasePriority)
	}
}

func TestOnTickRequestsPreemptionForHigherBucket(t *testing.T) {
	p := New()
	running := thread(1, 5)
	waiting := thread(2, 50)
	p.Enqueue(waiting)

	if !p.OnTick(running) {
		t.Fatal("OnTick should request preemption when a higher-priority thread is ready")
	}
}
