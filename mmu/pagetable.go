// Package mmu implements the Sv39 three-level page-table engine:
// mapping and unmapping 4 KiB pages, walking huge-page leaves at L2
// (1 GiB) and L1 (2 MiB), building the kernel's boot-time identity map
// and direct map, and constructing/destroying user page directories.
package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/pmm"
)

const entriesPerTable = 512

// ErrConflict is returned by Map when an intermediate entry is
// already a leaf (a huge page already covers the region).
var ErrConflict = fmt.Errorf("mmu: mapping conflicts with an existing huge-page leaf")

// PageTable is a Sv39 three-level table rooted at RootPA, backed by
// physical frames drawn from Pages.
type PageTable struct {
	Pages  pmm.PageSource
	bytes  func(pa, n uint64) []byte // physical-address accessor into the RAM arena
	RootPA uint64

	// TLB, when set, receives the single-address shoot-down every
	// unmap must be followed by. ASID tags the flush.
	TLB  *csr.Barrier
	ASID uint16
}

// New creates a PageTable with a freshly allocated, zeroed root table.
// bytesAt must return a byte window over physical memory starting at
// the given physical address (normally pmm.Allocator.Bytes).
func New(pages pmm.PageSource, bytesAt func(pa, n uint64) []byte) (*PageTable, error) {
	root, err := pages.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTable{Pages: pages, bytes: bytesAt, RootPA: root}, nil
}

func vpn(va uint64, level int) uint64 {
	return (va >> (12 + 9*level)) & 0x1FF
}

func (pt *PageTable) entry(tablePA uint64, idx uint64) PTE {
	b := pt.bytes(tablePA+idx*8, 8)
	return PTE(binary.LittleEndian.Uint64(b))
}

func (pt *PageTable) setEntry(tablePA uint64, idx uint64, e PTE) {
	b := pt.bytes(tablePA+idx*8, 8)
	binary.LittleEndian.PutUint64(b, uint64(e))
}

// walk returns the physical address of the L0 table covering va,
// allocating L2/L1 intermediate tables along the way when create is
// true. It fails with ErrConflict if an intermediate entry is already
// a leaf (a huge page already covers the address).
func (pt *PageTable) walk(va uint64, create bool) (uint64, error) {
	tablePA := pt.RootPA
	for level := 2; level >= 1; level-- {
		idx := vpn(va, level)
		e := pt.entry(tablePA, idx)
		if e.Valid() {
			if e.IsLeaf() {
				return 0, ErrConflict
			}
			tablePA = e.PhysAddr()
			continue
		}
		if !create {
			return 0, fmt.Errorf("mmu: no mapping for 0x%x", va)
		}
		next, err := pt.Pages.Alloc()
		if err != nil {
			return 0, err
		}
		pt.setEntry(tablePA, idx, NewTablePTE(next>>12))
		tablePA = next
	}
	return tablePA, nil
}

// Map maps a single 4 KiB page at va to physical frame pa with the
// given permission flags (PTERead/PTEWrite/PTEExecute/PTEUser). It
// returns ErrConflict if a huge page already covers va, or an
// allocator error if a new intermediate table can't be created.
func (pt *PageTable) Map(va, pa uint64, flags PTE) error {
	l0, err := pt.walk(va, true)
	if err != nil {
		return err
	}
	idx := vpn(va, 0)
	if pt.entry(l0, idx).Valid() {
		return fmt.Errorf("mmu: 0x%x already mapped", va)
	}
	pt.setEntry(l0, idx, NewLeafPTE(pa>>12, flags))
	return nil
}

// Unmap clears the L0 entry for va, if present, and reports whether a
// mapping existed. It does not walk or clear huge-page leaves at
// L1/L2 — those are only created at boot for the kernel's own window
// and are never unmapped over the kernel's lifetime.
func (pt *PageTable) Unmap(va uint64) bool {
	l0, err := pt.walk(va, false)
	if err != nil {
		return false
	}
	idx := vpn(va, 0)
	e := pt.entry(l0, idx)
	if !e.Valid() {
		return false
	}
	pt.setEntry(l0, idx, 0)
	if pt.TLB != nil {
		pt.TLB.SfenceVMA(va, pt.ASID)
	}
	return true
}

// Lookup translates va to a physical address, honoring huge-page
// leaves at L2 (1 GiB) and L1 (2 MiB) as well as ordinary 4 KiB leaves
// at L0. It returns the PTE found (for its flags) alongside the
// physical address.
func (pt *PageTable) Lookup(va uint64) (pa uint64, pte PTE, ok bool) {
	tablePA := pt.RootPA
	for level := 2; level >= 0; level-- {
		idx := vpn(va, level)
		e := pt.entry(tablePA, idx)
		if !e.Valid() {
			return 0, 0, false
		}
		if e.IsLeaf() {
			pageSize := uint64(memlayout.PageSize) << (9 * level)
			base := e.PhysAddr() &^ (pageSize - 1)
			offset := va & (pageSize - 1)
			return base + offset, e, true
		}
		tablePA = e.PhysAddr()
	}
	return 0, 0, false
}

// MapHuge installs a leaf at the given level (2 = 1 GiB, 1 = 2 MiB)
// directly into the appropriate table, creating intermediate tables
// as needed. Used only for the kernel's boot-time identity map and
// direct map.
func (pt *PageTable) MapHuge(va, pa uint64, level int, flags PTE) error {
	tablePA := pt.RootPA
	for l := 2; l > level; l-- {
		idx := vpn(va, l)
		e := pt.entry(tablePA, idx)
		if e.Valid() {
			if e.IsLeaf() {
				return ErrConflict
			}
			tablePA = e.PhysAddr()
			continue
		}
		next, err := pt.Pages.Alloc()
		if err != nil {
			return err
		}
		pt.setEntry(tablePA, idx, NewTablePTE(next>>12))
		tablePA = next
	}
	idx := vpn(va, level)
	pt.setEntry(tablePA, idx, NewLeafPTE(pa>>12, flags))
	return nil
}
