// Package elfimage assembles minimal RV64 executable images: the
// simulator-side counterpart of the host utility that packages user
// programs onto disks. The loader in package process consumes these
// the same way it would consume output from a real toolchain; boot
// actions and tests use this package to provision program images
// without shipping prebuilt binaries.
package elfimage

import "encoding/binary"

// Segment is one loadable region of an image.
type Segment struct {
	Vaddr uint64
	Data  []byte // file-backed bytes
	Memsz uint64 // >= len(Data); the excess is BSS
	Flags uint32 // PF_X|PF_W|PF_R combination
}

// Program-header flag bits.
const (
	PFX uint32 = 1
	PFW uint32 = 2
	PFR uint32 = 4
)

const (
	ehsize    = 64
	phentsize = 56
)

// Build assembles an ELF64 little-endian RISC-V EXEC image with the
// given entry point and segments.
func Build(entry uint64, segs []Segment) []byte {
	le := binary.LittleEndian
	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(segs))*phentsize

	hdr := make([]byte, ehsize)
	copy(hdr, []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2                  // ELFCLASS64
	hdr[5] = 1                  // ELFDATA2LSB
	hdr[6] = 1                  // EV_CURRENT
	le.PutUint16(hdr[16:], 2)   // ET_EXEC
	le.PutUint16(hdr[18:], 243) // EM_RISCV
	le.PutUint32(hdr[20:], 1)   // EV_CURRENT
	le.PutUint64(hdr[24:], entry)
	le.PutUint64(hdr[32:], phoff)
	le.PutUint16(hdr[52:], ehsize)
	le.PutUint16(hdr[54:], phentsize)
	le.PutUint16(hdr[56:], uint16(len(segs)))

	out := hdr
	off := dataOff
	var phdrs []byte
	for _, s := range segs {
		memsz := s.Memsz
		if memsz < uint64(len(s.Data)) {
			memsz = uint64(len(s.Data))
		}
		ph := make([]byte, phentsize)
		le.PutUint32(ph[0:], 1) // PT_LOAD
		le.PutUint32(ph[4:], s.Flags)
		le.PutUint64(ph[8:], off)
		le.PutUint64(ph[16:], s.Vaddr)
		le.PutUint64(ph[24:], s.Vaddr)
		le.PutUint64(ph[32:], uint64(len(s.Data)))
		le.PutUint64(ph[40:], memsz)
		le.PutUint64(ph[48:], 0x1000)
		phdrs = append(phdrs, ph...)
		off += uint64(len(s.Data))
	}
	out = append(out, phdrs...)
	for _, s := range segs {
		out = append(out, s.Data...)
	}
	return out
}
