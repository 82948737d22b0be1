// Package virtio implements a VirtIO MMIO block device: register-level
// probe and feature negotiation, a descriptor/avail/used virtqueue, and
// a file-backed sector store.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/hienqn/maverick-os-sub002/memlayout"
)

// MMIO register offsets from the VirtIO MMIO spec, the subset this
// driver touches.
const (
	regMagic          = 0x000
	regVersion        = 0x004
	regDeviceID       = 0x008
	regDeviceFeature  = 0x010
	regDriverFeature  = 0x020
	regQueueSel       = 0x030
	regQueueNumMax    = 0x034
	regQueueNum       = 0x038
	regQueueReady     = 0x044
	regQueueNotify    = 0x050
	regStatus         = 0x070
	regQueueDescLow   = 0x080
	regQueueDescHigh  = 0x084
	regQueueAvailLow  = 0x090
	regQueueAvailHigh = 0x094
	regQueueUsedLow   = 0x0a0
	regQueueUsedHigh  = 0x0a4
	regConfig         = 0x100
)

const (
	magicValue    = 0x74726976 // "virt" little-endian
	deviceIDBlock = 2
)

// Status bits, written to regStatus over the negotiation sequence.
const (
	statusAcknowledge uint32 = 1
	statusDriver      uint32 = 2
	statusFeaturesOK  uint32 = 8
	statusDriverOK    uint32 = 4
)

// ErrNoDevice is returned by Probe when no well-known slot holds a
// live VirtIO block device. Non-fatal: the kernel simply runs without
// a disk.
var ErrNoDevice = fmt.Errorf("virtio: no block device found")

// MMIORegs is one well-known MMIO slot's register window: a
// regConfig+8-byte (0x108) region of the simulated physical address space, the direct analogue
// of the real QEMU virt machine's virtio-mmio windows. Index 0 is
// regMagic.
type MMIORegs []byte

func (r MMIORegs) readU32(off int) uint32     { return binary.LittleEndian.Uint32(r[off:]) }
func (r MMIORegs) writeU32(off int, v uint32) { binary.LittleEndian.PutUint32(r[off:], v) }
func (r MMIORegs) readU64(off int) uint64     { return binary.LittleEndian.Uint64(r[off:]) }

// Device is a probed, initialized VirtIO block device: its MMIO
// register window, its single request queue, and the negotiated
// sector capacity.
type Device struct {
	regs     MMIORegs
	Queue    *VirtQueue
	Capacity uint64 // sectors
	Debug    bool
}

// Probe scans the given well-known MMIO slots for a live VirtIO block
// device (magic + device id match) and returns the first one found.
func Probe(slots []MMIORegs) (MMIORegs, error) {
	for _, r := range slots {
		if len(r) < regConfig+8 {
			continue
		}
		if r.readU32(regMagic) != magicValue {
			continue
		}
		if r.readU32(regDeviceID) != deviceIDBlock {
			continue
		}
		return r, nil
	}
	return nil, ErrNoDevice
}

// Init runs the reset/ACKNOWLEDGE/DRIVER/features/queue-programming/
// DRIVER_OK negotiation sequence against regs, allocating
// the queue's descriptor/avail/used rings from allocPages and returning a
// ready Device. A queueSize above the device's QueueNumMax is clamped to it.
func Init(regs MMIORegs, queueSize uint16, bytesAt func(pa, n uint64) []byte, allocPages func(n int) (uint64, error)) (*Device, error) {
	regs.writeU32(regStatus, 0)
	regs.writeU32(regStatus, statusAcknowledge)
	regs.writeU32(regStatus, statusAcknowledge|statusDriver)

	features := regs.readU32(regDeviceFeature)
	regs.writeU32(regDriverFeature, features&0) // no optional features accepted

	if regs.readU32(regVersion) >= 2 {
		regs.writeU32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
		if regs.readU32(regStatus)&statusFeaturesOK == 0 {
			return nil, fmt.Errorf("virtio: device rejected FEATURES_OK")
		}
	}

	regs.writeU32(regQueueSel, 0)
	if regs.readU32(regQueueReady) != 0 {
		return nil, fmt.Errorf("virtio: queue 0 already marked ready")
	}
	maxSize := regs.readU32(regQueueNumMax)
	if maxSize == 0 {
		return nil, fmt.Errorf("virtio: device exposes no queue 0")
	}
	if uint32(queueSize) > maxSize {
		queueSize = uint16(maxSize)
	}
	regs.writeU32(regQueueNum, uint32(queueSize))

	vq, err := newVirtQueue(queueSize, bytesAt, allocPages)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocating queue rings: %w", err)
	}

	descPA := memlayout.KVToPhys(vq.descKV)
	availPA := memlayout.KVToPhys(vq.availKV)
	usedPA := memlayout.KVToPhys(vq.usedKV)
	regs.writeU32(regQueueDescLow, uint32(descPA))
	regs.writeU32(regQueueDescHigh, uint32(descPA>>32))
	regs.writeU32(regQueueAvailLow, uint32(availPA))
	regs.writeU32(regQueueAvailHigh, uint32(availPA>>32))
	regs.writeU32(regQueueUsedLow, uint32(usedPA))
	regs.writeU32(regQueueUsedHigh, uint32(usedPA>>32))
	regs.writeU32(regQueueReady, 1)

	status := regs.readU32(regStatus)
	regs.writeU32(regStatus, status|statusDriverOK)

	cap := regs.readU64(regConfig)

	vq.notify = func() { regs.writeU32(regQueueNotify, 0) }

	return &Device{regs: regs, Queue: vq, Capacity: cap}, nil
}
