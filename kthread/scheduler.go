package kthread

import "fmt"

// Scheduler is the pluggable ready-queue policy selected at boot;
// every policy sits behind the same API.
type Scheduler interface {
	// Enqueue inserts a READY thread into the policy's ready set.
	Enqueue(t *Thread)
	// PickNext removes and returns the thread that should run next,
	// or nil if the ready set is empty.
	PickNext() *Thread
	// OnTick accounts a timer tick to the running thread and reports
	// whether a preemption should be requested.
	OnTick(current *Thread) bool
	// OnUnblock notifies the policy that t just became READY via
	// thread_unblock (as opposed to thread_create or thread_yield),
	// for policies that treat wake-up differently from self-yield.
	OnUnblock(t *Thread)
	// OnPriorityChange notifies the policy that t's effective
	// priority changed (donation or thread_set_priority) while it may
	// already be enqueued.
	OnPriorityChange(t *Thread)
}

// factories holds each policy package's constructor, populated by
// Register calls in policy package init() functions — the same
// register-yourself-at-import idiom database/sql drivers use, chosen
// so kthread never needs to import fifo/priority/mlfq/fairshare
// directly (which would cycle back into kthread).
var factories = make(map[string]func() Scheduler)

// Register installs a named scheduler constructor. Policy packages
// call this from init().
func Register(name string, factory func() Scheduler) {
	factories[name] = factory
}

// NewScheduler builds the named scheduler. The caller must blank-import
// the corresponding policy package (kthread/fifo, kthread/priority,
// kthread/mlfq, kthread/fairshare) so its init() has registered.
func NewScheduler(name string) (Scheduler, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("kthread: no scheduler registered under %q", name)
	}
	return factory(), nil
}
