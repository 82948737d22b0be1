package mmu

import (
	"sync"

	"github.com/hienqn/maverick-os-sub002/pmm"
)

// kernelHalfStart is the first L2 index (VPN[2]) that belongs to the
// kernel half of the address space; indices 0..255 are user, 256..511
// are kernel, matching Sv39's canonical split at bit 38.
const kernelHalfStart = 256

// NewUserPageTable builds a fresh root table for a process: a new
// root page whose upper-half entries (256..511) are copied from the
// kernel's root table, so every process can execute kernel code and
// reach the direct-mapped window while servicing a trap.
func NewUserPageTable(pages pmm.PageSource, bytesAt func(pa, n uint64) []byte, kernel *PageTable) (*PageTable, error) {
	pt, err := New(pages, bytesAt)
	if err != nil {
		return nil, err
	}
	pt.TLB = kernel.TLB
	for idx := uint64(kernelHalfStart); idx < entriesPerTable; idx++ {
		e := kernel.entry(kernel.RootPA, idx)
		pt.setEntry(pt.RootPA, idx, e)
	}
	return pt, nil
}

// DestroyUserPageTable walks only the user half of the tree (L2
// indices 0..255), freeing every leaf page, every L0/L1 intermediate
// table, and finally the root. It never touches entries at or above
// kernelHalfStart, since those are shared with the kernel's own root
// table and freeing them would corrupt every other process.
func DestroyUserPageTable(pt *PageTable) {
	for l2 := uint64(0); l2 < kernelHalfStart; l2++ {
		e2 := pt.entry(pt.RootPA, l2)
		if !e2.Valid() {
			continue
		}
		if e2.IsLeaf() {
			pt.Pages.Free(e2.PhysAddr())
			continue
		}
		l1Table := e2.PhysAddr()
		for l1 := uint64(0); l1 < entriesPerTable; l1++ {
			e1 := pt.entry(l1Table, l1)
			if !e1.Valid() {
				continue
			}
			if e1.IsLeaf() {
				pt.Pages.Free(e1.PhysAddr())
				continue
			}
			l0Table := e1.PhysAddr()
			for l0 := uint64(0); l0 < entriesPerTable; l0++ {
				e0 := pt.entry(l0Table, l0)
				if e0.Valid() {
					pt.Pages.Free(e0.PhysAddr())
				}
			}
			pt.Pages.Free(l0Table)
		}
		pt.Pages.Free(l1Table)
	}
	pt.Pages.Free(pt.RootPA)
}

// ASIDAllocator hands out 16-bit address-space ids from a monotone
// counter that wraps past 0xFFFF back to 1; 0 is reserved for the
// kernel page directory.
type ASIDAllocator struct {
	mu   sync.Mutex
	next uint16
}

// NewASIDAllocator creates an allocator starting at ASID 1.
func NewASIDAllocator() *ASIDAllocator {
	return &ASIDAllocator{next: 1}
}

// Alloc returns the next ASID, wrapping past 0xFFFF back to 1.
func (a *ASIDAllocator) Alloc() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	if a.next == 0xFFFF {
		a.next = 1
	} else {
		a.next++
	}
	return id
}
