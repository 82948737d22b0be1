// Package sleepqueue implements the doubly linked, wake-tick-ordered
// list of sleeping threads: sleepers call Insert on their own way
// down, the timer interrupt calls PopDue every tick.
package sleepqueue

import "github.com/hienqn/maverick-os-sub002/kthread"

type node struct {
	thread   *kthread.Thread
	wakeTick uint64
	prev     *node
	next     *node
}

// List is a doubly linked list of sleeping threads ordered by
// ascending wake tick, stable for equal keys (insertion order among
// threads sharing a wake tick is preserved).
type List struct {
	head *node
	tail *node
	len  int
}

// New creates an empty sleep list.
func New() *List { return &List{} }

// Len reports how many threads are currently sleeping.
func (l *List) Len() int { return l.len }

// Insert adds t to the list at the position that keeps wakeTick
// ascending, scanning from the head. Ties keep FIFO order: t is
// placed after any existing entry with an equal wakeTick.
func (l *List) Insert(t *kthread.Thread, wakeTick uint64) {
	n := &node{thread: t, wakeTick: wakeTick}
	t.WakeTick = wakeTick
	t.HasWake = true

	cur := l.head
	for cur != nil && cur.wakeTick <= wakeTick {
		cur = cur.next
	}
	if cur == nil {
		// Append at the tail.
		n.prev = l.tail
		if l.tail != nil {
			l.tail.next = n
		} else {
			l.head = n
		}
		l.tail = n
	} else {
		n.next = cur
		n.prev = cur.prev
		if cur.prev != nil {
			cur.prev.next = n
		} else {
			l.head = n
		}
		cur.prev = n
	}
	l.len++
}

// PopDue removes and returns every thread whose wakeTick is <= now,
// in ascending wakeTick order.
func (l *List) PopDue(now uint64) []*kthread.Thread {
	var due []*kthread.Thread
	for l.head != nil && l.head.wakeTick <= now {
		n := l.head
		l.head = n.next
		if l.head != nil {
			l.head.prev = nil
		} else {
			l.tail = nil
		}
		n.thread.HasWake = false
		due = append(due, n.thread)
		l.len--
	}
	return due
}

// Remove takes t out of the list before its wake tick arrives (used
// when a sleeping thread is being torn down, e.g. process exit). It
// is a no-op if t is not present.
func (l *List) Remove(t *kthread.Thread) {
	for n := l.head; n != nil; n = n.next {
		if n.thread != t {
			continue
		}
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			l.head = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			l.tail = n.prev
		}
		t.HasWake = false
		l.len--
		return
	}
}
