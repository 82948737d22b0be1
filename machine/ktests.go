package machine

import (
	"fmt"
	"sync"
	"time"

	"github.com/hienqn/maverick-os-sub002/ksync"
	"github.com/hienqn/maverick-os-sub002/kthread"
)

// runKernelTest dispatches an rtkt action to the named kernel-thread
// test. Unknown names are diagnosed and skipped.
func (m *Machine) runKernelTest(name string) {
	m.StartTicker(time.Millisecond)
	switch name {
	case "alarm-single":
		m.testAlarm(1)
	case "alarm-multiple":
		m.testAlarm(7)
	case "priority-donate-one":
		m.testPriorityDonateOne()
	default:
		fmt.Fprintf(m.Console, "unknown kernel test %q (skipped)\n", name)
	}
}

// testAlarm starts five threads that each sleep to staggered absolute
// deadlines, iters times over. Thread t's i-th wake-up lands at tick
// start + (i+1)*(t+1)*10, so a correct sleep queue produces the
// products in ascending order.
func (m *Machine) testAlarm(iters int) {
	const numThreads = 5
	fmt.Fprintf(m.Console, "(alarm) begin\n")

	start := m.Timer.Ticks()
	var mu sync.Mutex
	var products []int

	done := ksync.NewSemaphore(m.RT, 0)
	for t := 0; t < numThreads; t++ {
		t := t
		dur := (t + 1) * 10
		name := fmt.Sprintf("alarm-%d", t)
		m.RT.ThreadCreate(name, defaultTestPriority, func(th *kthread.Thread) {
			for i := 0; i < iters; i++ {
				wake := start + uint64((i+1)*dur)
				now := m.Timer.Ticks()
				m.Timer.Sleep(m.RT, th, int64(wake)-int64(now))
				product := (i + 1) * dur
				mu.Lock()
				products = append(products, product)
				mu.Unlock()
				fmt.Fprintf(m.Console, "(alarm) thread %d woke at product %d\n", t, product)
			}
			done.Up()
		})
	}

	self := m.RT.Current()
	for t := 0; t < numThreads; t++ {
		done.Down(self)
	}

	outOfOrder := 0
	for i := 1; i < len(products); i++ {
		if products[i-1] > products[i] {
			outOfOrder++
		}
	}
	if outOfOrder == 0 {
		fmt.Fprintf(m.Console, "(alarm) PASS\n")
	} else {
		fmt.Fprintf(m.Console, "(alarm) FAIL: %d out of order\n", outOfOrder)
	}
	fmt.Fprintf(m.Console, "(alarm) end\n")
}

const defaultTestPriority = 31

// testPriorityDonateOne exercises the donation path: a low-priority
// holder's effective priority must rise to a high-priority waiter's
// while the lock is contended, and fall back on release.
func (m *Machine) testPriorityDonateOne() {
	fmt.Fprintf(m.Console, "(donate) begin\n")

	l := ksync.NewLock(m.RT)
	acquired := ksync.NewSemaphore(m.RT, 0)
	release := ksync.NewSemaphore(m.RT, 0)
	finished := ksync.NewSemaphore(m.RT, 0)

	holder, err := m.RT.ThreadCreate("holder", 10, func(th *kthread.Thread) {
		l.Acquire(th)
		acquired.Up()
		release.Down(th)
		l.Release(th)
		finished.Up()
	})
	if err != nil {
		fmt.Fprintf(m.Console, "(donate) FAIL: %v\n", err)
		return
	}

	self := m.RT.Current()
	acquired.Down(self)

	contender, err := m.RT.ThreadCreate("contender", 30, func(th *kthread.Thread) {
		l.Acquire(th)
		l.Release(th)
		finished.Up()
	})
	if err != nil {
		fmt.Fprintf(m.Console, "(donate) FAIL: %v\n", err)
		return
	}

	// Let the contender run until it is parked on the lock.
	for i := 0; i < 1000 && contender.Status != kthread.StatusBlocked; i++ {
		m.RT.Yield(self)
	}

	if got := holder.EffectivePriority; got == 30 {
		fmt.Fprintf(m.Console, "(donate) holder elevated to %d\n", got)
	} else {
		fmt.Fprintf(m.Console, "(donate) FAIL: holder priority %d, want 30\n", got)
	}

	release.Up()
	finished.Down(self)
	finished.Down(self)

	if got := holder.EffectivePriority; got == 10 {
		fmt.Fprintf(m.Console, "(donate) holder restored to %d\n", got)
		fmt.Fprintf(m.Console, "(donate) PASS\n")
	} else {
		fmt.Fprintf(m.Console, "(donate) FAIL: holder priority %d after release, want 10\n", got)
	}
	fmt.Fprintf(m.Console, "(donate) end\n")
}
