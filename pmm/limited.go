package pmm

import (
	"fmt"
	"sync"
)

// ErrLimitExceeded is returned by a Limited source whose budget is
// spent. Callers treat it the same way as ErrOutOfMemory: a failure
// code, fatal only if the caller decides it is.
var ErrLimitExceeded = fmt.Errorf("pmm: user page limit exceeded")

// Limited wraps a PageSource with a page budget, backing the -ul
// boot option: all user processes draw their frames through one shared
// instance, so a runaway program exhausts the user-page allowance rather
// than the machine.
type Limited struct {
	mu        sync.Mutex
	src       PageSource
	remaining int
}

// NewLimited grants budget pages from src.
func NewLimited(src PageSource, budget int) *Limited {
	return &Limited{src: src, remaining: budget}
}

// Alloc draws a page from the budget, then from the underlying
// source.
func (l *Limited) Alloc() (uint64, error) {
	l.mu.Lock()
	if l.remaining == 0 {
		l.mu.Unlock()
		return 0, ErrLimitExceeded
	}
	l.remaining--
	l.mu.Unlock()

	pa, err := l.src.Alloc()
	if err != nil {
		l.mu.Lock()
		l.remaining++
		l.mu.Unlock()
		return 0, err
	}
	return pa, nil
}

// Free returns a page to the underlying source and the budget.
func (l *Limited) Free(pa uint64) {
	l.src.Free(pa)
	l.mu.Lock()
	l.remaining++
	l.mu.Unlock()
}
