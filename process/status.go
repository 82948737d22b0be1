// Package process implements the user-program subsystem: process
// control blocks, the ELF64 loader, argument-stack construction, the
// user-mode entry frame, syscall dispatch, the wait/exit protocol, and
// the page-fault handler.
package process

import (
	"sync"

	"github.com/hienqn/maverick-os-sub002/ksync"
)

// Status is the exit-status record shared between a parent and one
// child: the parent holds one reference for wait, the child holds one
// for exit, and the record is freed when both have dropped theirs.
type Status struct {
	ChildID int
	Wait    *ksync.Semaphore

	mu       sync.Mutex
	exitCode int
	refs     int
	waited   bool
	freed    bool
}

func newStatus(k *Kernel, childID int) *Status {
	k.mu.Lock()
	k.liveStatuses++
	k.mu.Unlock()
	return &Status{
		ChildID: childID,
		Wait:    ksync.NewSemaphore(k.RT, 0),
		refs:    2,
	}
}

// SetExit records the child's exit code. Called exactly once, by the
// exiting child, before it ups the wait semaphore.
func (s *Status) SetExit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = code
}

// ExitCode reads the recorded exit code.
func (s *Status) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// TryClaimWait marks the record waited-on, refusing a second claim.
func (s *Status) TryClaimWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		return false
	}
	s.waited = true
	return true
}

// unref drops one reference; the holder must not touch s afterwards.
// The record is freed when the count reaches zero, and reaching zero
// twice (or going negative) is a kernel bug.
func (s *Status) unref(k *Kernel) {
	s.mu.Lock()
	s.refs--
	r := s.refs
	if r == 0 {
		if s.freed {
			s.mu.Unlock()
			panic("process: status freed twice")
		}
		s.freed = true
	}
	s.mu.Unlock()
	if r < 0 {
		panic("process: status refcount went negative")
	}
	if r == 0 {
		k.mu.Lock()
		k.liveStatuses--
		k.mu.Unlock()
	}
}

// removeChild unlinks st from the given children slice.
func removeChild(children []*Status, st *Status) []*Status {
	for i, c := range children {
		if c == st {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}

// findChild locates the status record for pid, or nil.
func findChild(children []*Status, pid int) *Status {
	for _, c := range children {
		if c.ChildID == pid {
			return c
		}
	}
	return nil
}
