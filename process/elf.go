package process

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/hienqn/maverick-os-sub002/klibc"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/mmu"
	"github.com/hienqn/maverick-os-sub002/pmm"
)

// Load maps the LOAD segments of an ELF64 RISC-V executable into pt,
// drawing frames from pages and copying file-backed bytes through the
// direct map. On any failure every frame allocated so far is freed
// and the partial mappings removed; the page directory itself is left
// for the caller to destroy.
func Load(pt *mmu.PageTable, pages pmm.PageSource, bytesAt func(pa, n uint64) []byte, r io.ReaderAt) (entry uint64, err error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("process: not an ELF image: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return 0, fmt.Errorf("process: not a 64-bit image")
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, fmt.Errorf("process: not little-endian")
	}
	if f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("process: not a RISC-V image (machine %v)", f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return 0, fmt.Errorf("process: not an executable (type %v)", f.Type)
	}

	var mapped []uint64 // virtual pages, for unwinding
	var frames []uint64 // physical frames, for unwinding
	staging := make([]byte, memlayout.PageSize)
	fail := func(cause error) (uint64, error) {
		for _, va := range mapped {
			pt.Unmap(va)
		}
		for _, pa := range frames {
			pages.Free(pa)
		}
		return 0, cause
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		segStart := prog.Vaddr
		segEnd := prog.Vaddr + prog.Memsz
		if segEnd < segStart || segEnd > memlayout.UserTop {
			return fail(fmt.Errorf("process: segment [0x%x, 0x%x) outside user space", segStart, segEnd))
		}

		flags := mmu.PTEUser | mmu.PTERead
		if prog.Flags&elf.PF_W != 0 {
			flags |= mmu.PTEWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			flags |= mmu.PTEExecute
		}

		fileEnd := prog.Vaddr + prog.Filesz
		for va := memlayout.PageRoundDown(segStart); va < segEnd; va += memlayout.PageSize {
			pa, aerr := pages.Alloc()
			if aerr != nil {
				return fail(aerr)
			}
			frames = append(frames, pa)

			// Copy the intersection of this page with the file-backed
			// portion of the segment; the rest of the frame stays
			// zero, which is exactly what BSS needs.
			lo := va
			if lo < segStart {
				lo = segStart
			}
			hi := va + memlayout.PageSize
			if hi > fileEnd {
				hi = fileEnd
			}
			if lo < hi {
				buf := staging[:hi-lo]
				if _, rerr := prog.ReadAt(buf, int64(lo-segStart)); rerr != nil && rerr != io.EOF {
					return fail(fmt.Errorf("process: reading segment: %w", rerr))
				}
				klibc.Memcpy(bytesAt(pa+(lo-va), hi-lo), buf)
			}

			if merr := pt.Map(va, pa, flags); merr != nil {
				return fail(merr)
			}
			mapped = append(mapped, va)
		}
	}
	return f.Entry, nil
}
