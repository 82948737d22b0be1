package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hienqn/maverick-os-sub002/memlayout"
)

// Descriptor flag bits.
const (
	descFlagNext  uint16 = 1
	descFlagWrite uint16 = 2 // device writes this buffer (driver reads it back)
)

// Request types for the virtio-blk header, per the VirtIO spec.
const (
	reqTypeIn  uint32 = 0 // read from device
	reqTypeOut uint32 = 1 // write to device
)

const sectorSize = 512

// descSize and usedEntrySize are the fixed per-entry sizes of the
// descriptor table and used ring (avail entries are 2 bytes, written
// inline), per the VirtIO MMIO spec's packed layout; headerSize is the
// virtio-blk request header.
const (
	descSize      = 16
	usedEntrySize = 8
	headerSize    = 16 // type(4) + reserved(4) + sector(8)
)

// VirtQueue is a single VirtIO request queue: the descriptor table,
// the available ring (driver-written), the used ring (device-written),
// and the free-descriptor list, all backed by the direct-mapped
// physical memory slice so the simulated device can read/write them
// the same way a real DMA-capable device would.
//
// Physical addresses into the ring are produced via
// memlayout.KVToPhys explicitly: this driver never hands the device a
// bare kernel-virtual pointer without translating it first, even
// though the direct map makes the two numerically related.
type VirtQueue struct {
	mu sync.Mutex

	size uint16

	descKV, availKV, usedKV          uint64
	descBytes, availBytes, usedBytes []byte

	headerKV, statusKV       uint64
	headerBytes, statusBytes []byte

	free []uint16 // stack of free descriptor indices

	lastUsedIdx uint16
	availIdx    uint16

	// dataOf and statusOf record, for each in-flight chain, the
	// non-head descriptor indices submit() assigned it: allocChain
	// pops arbitrary (not necessarily contiguous) free-list entries,
	// so Poll cannot assume head+1/head+2 and must look them up here.
	dataOf   []uint16
	statusOf []uint16

	notify func()
}

func pagesFor(n uint64) int {
	return int((n + memlayout.PageSize - 1) / memlayout.PageSize)
}

// newVirtQueue allocates and zeroes the backing pages for a queue of
// the given size (must fit in one hart's worth of notify traffic;
// this simulator does not shard queues across harts).
func newVirtQueue(size uint16, bytesAt func(pa, n uint64) []byte, allocPages func(n int) (uint64, error)) (*VirtQueue, error) {
	descLen := uint64(size) * descSize
	availLen := uint64(4 + 2*int(size))
	usedLen := uint64(4 + usedEntrySize*int(size))
	headerLen := uint64(size) * headerSize
	statusLen := uint64(size)

	descPA, err := allocPages(pagesFor(descLen))
	if err != nil {
		return nil, fmt.Errorf("descriptor table: %w", err)
	}
	availPA, err := allocPages(pagesFor(availLen))
	if err != nil {
		return nil, fmt.Errorf("avail ring: %w", err)
	}
	usedPA, err := allocPages(pagesFor(usedLen))
	if err != nil {
		return nil, fmt.Errorf("used ring: %w", err)
	}
	headerPA, err := allocPages(pagesFor(headerLen))
	if err != nil {
		return nil, fmt.Errorf("request headers: %w", err)
	}
	statusPA, err := allocPages(pagesFor(statusLen))
	if err != nil {
		return nil, fmt.Errorf("status bytes: %w", err)
	}

	vq := &VirtQueue{
		size:        size,
		descKV:      memlayout.PhysToKV(descPA),
		availKV:     memlayout.PhysToKV(availPA),
		usedKV:      memlayout.PhysToKV(usedPA),
		headerKV:    memlayout.PhysToKV(headerPA),
		statusKV:    memlayout.PhysToKV(statusPA),
		descBytes:   bytesAt(descPA, descLen),
		availBytes:  bytesAt(availPA, availLen),
		usedBytes:   bytesAt(usedPA, usedLen),
		headerBytes: bytesAt(headerPA, headerLen),
		statusBytes: bytesAt(statusPA, statusLen),
		dataOf:      make([]uint16, size),
		statusOf:    make([]uint16, size),
	}
	for i := int(size) - 1; i >= 0; i-- {
		vq.free = append(vq.free, uint16(i))
	}
	return vq, nil
}

// FreeCount reports how many descriptors are currently unused. It
// never exceeds the ring size.
func (q *VirtQueue) FreeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.free)
}

func (q *VirtQueue) descAt(i uint16) []byte { return q.descBytes[int(i)*descSize:] }

func (q *VirtQueue) writeDesc(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	d := q.descAt(i)
	binary.LittleEndian.PutUint64(d[0:8], addr)
	binary.LittleEndian.PutUint32(d[8:12], length)
	binary.LittleEndian.PutUint16(d[12:14], flags)
	binary.LittleEndian.PutUint16(d[14:16], next)
}

// allocChain pops n free descriptor indices. Callers must hold q.mu.
func (q *VirtQueue) allocChain(n int) ([]uint16, error) {
	if len(q.free) < n {
		return nil, fmt.Errorf("virtio: descriptor free list exhausted (need %d, have %d)", n, len(q.free))
	}
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		last := len(q.free) - 1
		out[i] = q.free[last]
		q.free = q.free[:last]
	}
	return out, nil
}

// submit builds a 3-descriptor request chain (header, data, status)
// and publishes it on the avail ring: write descriptor 0's index into
// avail.ring[avail.idx % N], increment avail.idx, notify. The barriers
// the real protocol requires around every ring-index read/write are
// provided here by q.mu rather than explicit fences: Go has no bare
// volatile access, and a held mutex already gives the happens-before
// ordering a fence would (the device-side "observer" is Poll, which
// takes the same mutex).
func (q *VirtQueue) submit(reqType uint32, sector uint64, dataPA uint64, dataLen uint32, dataDeviceWrite bool) (head uint16, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.allocChain(3)
	if err != nil {
		return 0, err
	}
	hdrIdx, dataIdx, statusIdx := ids[0], ids[1], ids[2]

	hdr := q.headerBytes[int(hdrIdx)*headerSize:]
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	hdrPA := memlayout.KVToPhys(q.headerKV) + uint64(hdrIdx)*headerSize

	dataFlags := descFlagNext
	if dataDeviceWrite {
		dataFlags |= descFlagWrite
	}

	statusPA := memlayout.KVToPhys(q.statusKV) + uint64(statusIdx)
	q.statusBytes[statusIdx] = 0xFF // sentinel until the device overwrites it

	q.writeDesc(hdrIdx, hdrPA, headerSize, descFlagNext, dataIdx)
	q.writeDesc(dataIdx, dataPA, dataLen, dataFlags, statusIdx)
	q.writeDesc(statusIdx, statusPA, 1, descFlagWrite, 0)
	q.dataOf[hdrIdx] = dataIdx
	q.statusOf[hdrIdx] = statusIdx

	slot := q.availIdx % q.size
	binary.LittleEndian.PutUint16(q.availBytes[4+2*int(slot):], hdrIdx)
	q.availIdx++
	binary.LittleEndian.PutUint16(q.availBytes[2:4], q.availIdx)

	if q.notify != nil {
		q.notify()
	}
	return hdrIdx, nil
}

// SubmitRead issues a single-sector read request: the device writes
// sectorSize bytes into the physical buffer at dataPA.
func (q *VirtQueue) SubmitRead(sector uint64, dataPA uint64) (uint16, error) {
	return q.submit(reqTypeIn, sector, dataPA, sectorSize, true)
}

// SubmitWrite issues a single-sector write request: the device reads
// sectorSize bytes from the physical buffer at dataPA.
func (q *VirtQueue) SubmitWrite(sector uint64, dataPA uint64) (uint16, error) {
	return q.submit(reqTypeOut, sector, dataPA, sectorSize, false)
}

// SubmitReadN and SubmitWriteN request a contiguous run of n sectors
// in one descriptor chain; the ring protocol supports arbitrary-length
// transfers, not just single sectors.
func (q *VirtQueue) SubmitReadN(sector uint64, n uint32, dataPA uint64) (uint16, error) {
	return q.submit(reqTypeIn, sector, dataPA, n*sectorSize, true)
}

func (q *VirtQueue) SubmitWriteN(sector uint64, n uint32, dataPA uint64) (uint16, error) {
	return q.submit(reqTypeOut, sector, dataPA, n*sectorSize, false)
}

// Completion reports one used-ring entry: the head descriptor index of
// the chain that finished and the status byte the device wrote.
type Completion struct {
	Head   uint16
	Status byte
	Err    error
}

// Poll drains every completion currently available on the used ring
// without blocking, freeing each chain's three descriptors back to the
// free list. A status byte other than 0 is reported as an I/O
// error, not retried.
func (q *VirtQueue) Poll() []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()

	devIdx := binary.LittleEndian.Uint16(q.usedBytes[2:4])
	var out []Completion
	for q.lastUsedIdx != devIdx {
		slot := q.lastUsedIdx % q.size
		entry := q.usedBytes[4+usedEntrySize*int(slot):]
		head := uint16(binary.LittleEndian.Uint32(entry[0:4]))
		dataIdx, statusIdx := q.dataOf[head], q.statusOf[head]

		status := q.statusBytes[statusIdx]
		var err error
		if status != 0 {
			err = fmt.Errorf("virtio: I/O error, status=%d", status)
		}
		out = append(out, Completion{Head: head, Status: status, Err: err})

		q.free = append(q.free, head, dataIdx, statusIdx)
		q.lastUsedIdx++
	}
	return out
}

// PollBlocking spins calling Poll until at least one completion is
// available, yielding is the caller's responsibility (this simulator
// has no hardware wfi to park on); it exists so callers that need a
// single synchronous request/response don't have to hand-roll the
// retry loop.
func (q *VirtQueue) PollBlocking() []Completion {
	for {
		if c := q.Poll(); len(c) > 0 {
			return c
		}
	}
}
