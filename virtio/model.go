package virtio

import (
	"encoding/binary"
	"fmt"
	"log"
)

// BlockModel is the device side of the protocol: the role QEMU's
// virtio-blk device plays on real hardware. It owns one MMIO register
// window, reads descriptor chains out of simulated physical memory
// exactly as a DMA-capable device would, performs the I/O against its
// Backend, and produces used-ring entries. Keeping the device half in
// this package (rather than only the driver half) is what lets the
// ring protocol be exercised end to end: the driver's barriers,
// indices, and descriptor bookkeeping are all observed by a real
// counterparty.
type BlockModel struct {
	regs    MMIORegs
	bytesAt func(pa, n uint64) []byte
	backend Backend

	lastAvail uint16
	Debug     bool
}

// NewBlockSlot builds an MMIO register window advertising a VirtIO
// block device backed by backend, plus the model that will service
// its queue. The returned MMIORegs belongs in the machine's slot
// array for Probe to find.
func NewBlockSlot(backend Backend, bytesAt func(pa, n uint64) []byte) (MMIORegs, *BlockModel) {
	regs := make(MMIORegs, regConfig+8)
	regs.writeU32(regMagic, magicValue)
	regs.writeU32(regVersion, 2)
	regs.writeU32(regDeviceID, deviceIDBlock)
	regs.writeU32(regQueueNumMax, 128)
	binary.LittleEndian.PutUint64(regs[regConfig:], backend.Capacity())
	return regs, &BlockModel{regs: regs, bytesAt: bytesAt, backend: backend}
}

func (m *BlockModel) readU64(off int) uint64 {
	lo := m.regs.readU32(off)
	hi := m.regs.readU32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Service drains every request published on the avail ring since the
// last call, performing the I/O and appending used-ring entries. The
// driver arranges for this to run on every QUEUE_NOTIFY write.
func (m *BlockModel) Service() {
	if m.regs.readU32(regStatus)&statusDriverOK == 0 {
		return
	}
	size := uint16(m.regs.readU32(regQueueNum))
	if size == 0 {
		return
	}
	descPA := m.readU64(regQueueDescLow)
	availPA := m.readU64(regQueueAvailLow)
	usedPA := m.readU64(regQueueUsedLow)

	avail := m.bytesAt(availPA, uint64(4+2*int(size)))
	used := m.bytesAt(usedPA, uint64(4+usedEntrySize*int(size)))

	availIdx := binary.LittleEndian.Uint16(avail[2:4])
	usedIdx := binary.LittleEndian.Uint16(used[2:4])

	for m.lastAvail != availIdx {
		slot := m.lastAvail % size
		head := binary.LittleEndian.Uint16(avail[4+2*int(slot):])
		written := m.serviceChain(descPA, head)

		uslot := usedIdx % size
		entry := used[4+usedEntrySize*int(uslot):]
		binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
		binary.LittleEndian.PutUint32(entry[4:8], written)
		usedIdx++
		binary.LittleEndian.PutUint16(used[2:4], usedIdx)

		m.lastAvail++
	}
}

// serviceChain walks one descriptor chain (header, data, status) and
// returns the number of bytes the device wrote into driver-visible
// buffers.
func (m *BlockModel) serviceChain(descPA uint64, head uint16) uint32 {
	readDesc := func(i uint16) (addr uint64, length uint32, flags, next uint16) {
		d := m.bytesAt(descPA+uint64(i)*descSize, descSize)
		return binary.LittleEndian.Uint64(d[0:8]),
			binary.LittleEndian.Uint32(d[8:12]),
			binary.LittleEndian.Uint16(d[12:14]),
			binary.LittleEndian.Uint16(d[14:16])
	}

	hdrAddr, hdrLen, _, dataIdx := readDesc(head)
	hdr := m.bytesAt(hdrAddr, uint64(hdrLen))
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	dataAddr, dataLen, _, statusIdx := readDesc(dataIdx)
	statusAddr, _, _, _ := readDesc(statusIdx)
	statusByte := m.bytesAt(statusAddr, 1)

	data := m.bytesAt(dataAddr, uint64(dataLen))
	sectors := dataLen / sectorSize

	var ioErr error
	for s := uint32(0); s < sectors && ioErr == nil; s++ {
		buf := data[s*sectorSize : (s+1)*sectorSize]
		if reqType == reqTypeIn {
			ioErr = m.backend.ReadSector(sector+uint64(s), buf)
		} else {
			ioErr = m.backend.WriteSector(sector+uint64(s), buf)
		}
	}
	if ioErr != nil {
		if m.Debug {
			log.Printf("virtio: block model I/O error: %v", ioErr)
		}
		statusByte[0] = 1
		return 1
	}
	statusByte[0] = 0
	if reqType == reqTypeIn {
		return dataLen + 1
	}
	return 1
}

// Attach chains the model's Service call onto the device's notify
// path, so every QUEUE_NOTIFY write the driver issues is serviced
// synchronously — the polling driver then finds the completion on its
// next used-ring read.
func (d *Device) Attach(m *BlockModel) error {
	if d.Queue == nil {
		return fmt.Errorf("virtio: device has no initialized queue")
	}
	prev := d.Queue.notify
	d.Queue.notify = func() {
		if prev != nil {
			prev()
		}
		m.Service()
	}
	return nil
}
