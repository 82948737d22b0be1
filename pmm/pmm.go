// Package pmm implements the page-grained physical page allocator: a
// free list over the RAM detected above the kernel image.
package pmm

import (
	"fmt"
	"sync"

	"github.com/hienqn/maverick-os-sub002/klibc"
	"github.com/hienqn/maverick-os-sub002/memlayout"
)

// PageSource is the interface process and mmu allocate frames
// through. It is an interface (rather than a concrete *Allocator) so
// a bounded per-process pool can be substituted without touching
// callers; see Limited.
type PageSource interface {
	Alloc() (pa uint64, err error)
	Free(pa uint64)
}

// ErrOutOfMemory is returned by Alloc when the free list is empty.
var ErrOutOfMemory = fmt.Errorf("pmm: out of physical memory")

// Allocator is a page-grained free list over a contiguous RAM window.
// RAM is the backing byte slice (see machine.Machine.RAM); base is the
// physical address RAM[0] corresponds to (memlayout.PhysBase); pages
// below kernelEnd, where the kernel image sits, are never handed out.
type Allocator struct {
	mu    sync.Mutex
	ram   []byte
	base  uint64 // physical address corresponding to ram[0]
	free  []uint64
	total int
	inUse int
}

// New creates an allocator managing every whole page in
// ram[kernelEnd-physBase:] — i.e. everything at or above kernelEnd.
func New(ram []byte, physBase, kernelEnd uint64) *Allocator {
	start := memlayout.PageRoundUp(kernelEnd)
	a := &Allocator{ram: ram, base: physBase}
	for pa := start; pa+memlayout.PageSize <= physBase+uint64(len(ram)); pa += memlayout.PageSize {
		a.free = append(a.free, pa)
	}
	a.total = len(a.free)
	return a
}

// Alloc removes a page from the free list and zeroes it, per the ELF
// loader's BSS-handling requirement ("zero-initialized allocation").
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}
	n := len(a.free) - 1
	pa := a.free[n]
	a.free = a.free[:n]
	a.inUse++
	off := pa - a.base
	klibc.Memset(a.ram[off:off+memlayout.PageSize], 0)
	return pa, nil
}

// Free returns a page to the free list. Double-free is a caller bug
// and is not detected here.
func (a *Allocator) Free(pa uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, pa)
	a.inUse--
}

// Stats reports total managed pages and pages currently allocated,
// for leak accounting.
func (a *Allocator) Stats() (total, inUse int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.inUse
}

// Bytes returns the writable window of physical memory at [pa, pa+n),
// used by callers (the ELF loader, the VirtIO ring) that need to
// access a frame's contents directly rather than through mmu.
func (a *Allocator) Bytes(pa uint64, n uint64) []byte {
	off := pa - a.base
	return a.ram[off : off+n]
}
