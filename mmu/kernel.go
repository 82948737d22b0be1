package mmu

import (
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/pmm"
)

// BuildKernelPageTable constructs the kernel's root table at boot:
// an identity-mapped gigapage window over the lower physical window
// used to keep executing across the satp switch, plus a gigapage
// direct map of all of physical memory at memlayout.KernelBase. Both
// coexist; the identity map is left in place after the switch, which
// simplifies tail-of-boot.
//
// ramBytes is the number of bytes of physical RAM present, used to
// decide how many gigapages the direct map needs to cover.
func BuildKernelPageTable(pages pmm.PageSource, bytesAt func(pa, n uint64) []byte, ramBytes uint64) (*PageTable, error) {
	pt, err := New(pages, bytesAt)
	if err != nil {
		return nil, err
	}

	flags := PTERead | PTEWrite | PTEExecute
	top := memlayout.PhysBase + ramBytes
	for pa := uint64(0); pa < top; pa += memlayout.GigaPageSize {
		if err := pt.MapHuge(pa, pa, 2, flags); err != nil {
			return nil, err
		}
	}
	for pa := uint64(memlayout.PhysBase); pa < top; pa += memlayout.GigaPageSize {
		va := memlayout.PhysToKV(pa)
		if err := pt.MapHuge(va, pa, 2, flags); err != nil {
			return nil, err
		}
	}
	return pt, nil
}
