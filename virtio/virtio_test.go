package virtio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hienqn/maverick-os-sub002/memlayout"
)

// testArena is a slice of simulated physical memory plus a bump
// allocator for ring pages, standing in for the machine's RAM.
type testArena struct {
	ram  []byte
	next uint64
}

func newTestArena(t *testing.T, pages int) *testArena {
	t.Helper()
	return &testArena{
		ram:  make([]byte, pages*memlayout.PageSize),
		next: memlayout.PhysBase,
	}
}

func (a *testArena) bytesAt(pa, n uint64) []byte {
	off := pa - memlayout.PhysBase
	return a.ram[off : off+n]
}

func (a *testArena) allocPages(n int) (uint64, error) {
	pa := a.next
	a.next += uint64(n) * memlayout.PageSize
	return pa, nil
}

func newTestDisk(t *testing.T, sectors uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(sectors) * sectorSize); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func setupDevice(t *testing.T, sectors uint64, queueSize uint16) (*Device, *testArena, *FileBackend) {
	t.Helper()
	arena := newTestArena(t, 64)
	backend, err := OpenFileBackend(newTestDisk(t, sectors))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	regs, model := NewBlockSlot(backend, arena.bytesAt)
	found, err := Probe([]MMIORegs{make(MMIORegs, regConfig+8), regs})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	dev, err := Init(found, queueSize, arena.bytesAt, arena.allocPages)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := dev.Attach(model); err != nil {
		t.Fatal(err)
	}
	return dev, arena, backend
}

func TestProbeFindsNothing(t *testing.T) {
	_, err := Probe([]MMIORegs{make(MMIORegs, regConfig+8)})
	if err != ErrNoDevice {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
}

func TestCapacityFromConfig(t *testing.T) {
	// 128 MiB disk.
	dev, _, _ := setupDevice(t, 128*1024*1024/sectorSize, 8)
	if dev.Capacity != 128*1024*1024/sectorSize {
		t.Fatalf("capacity: got %d", dev.Capacity)
	}
}

func TestSectorZeroReadRoundTrip(t *testing.T) {
	dev, arena, backend := setupDevice(t, 128*1024*1024/sectorSize, 8)

	want := bytes.Repeat([]byte{0x5A}, sectorSize)
	if err := backend.WriteSector(0, want); err != nil {
		t.Fatal(err)
	}

	dataPA, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitRead(0, dataPA); err != nil {
		t.Fatal(err)
	}
	comps := dev.Queue.PollBlocking()
	if len(comps) != 1 || comps[0].Err != nil {
		t.Fatalf("completions: %+v", comps)
	}
	if got := arena.bytesAt(dataPA, sectorSize); !bytes.Equal(got, want) {
		t.Fatalf("read data mismatch")
	}
	if free := dev.Queue.FreeCount(); free != 8 {
		t.Fatalf("free descriptors after completion: got %d, want 8", free)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	dev, arena, _ := setupDevice(t, 64, 8)

	dataPA, _ := arena.allocPages(1)
	buf := arena.bytesAt(dataPA, sectorSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	if _, err := dev.Queue.SubmitWrite(7, dataPA); err != nil {
		t.Fatal(err)
	}
	if comps := dev.Queue.PollBlocking(); comps[0].Err != nil {
		t.Fatalf("write failed: %v", comps[0].Err)
	}

	readPA, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitRead(7, readPA); err != nil {
		t.Fatal(err)
	}
	if comps := dev.Queue.PollBlocking(); comps[0].Err != nil {
		t.Fatalf("read failed: %v", comps[0].Err)
	}
	if !bytes.Equal(arena.bytesAt(readPA, sectorSize), buf) {
		t.Fatal("sector contents did not round-trip")
	}
}

func TestMultiSectorChain(t *testing.T) {
	dev, arena, backend := setupDevice(t, 64, 8)

	for s := uint64(0); s < 4; s++ {
		sec := bytes.Repeat([]byte{byte(s + 1)}, sectorSize)
		if err := backend.WriteSector(10+s, sec); err != nil {
			t.Fatal(err)
		}
	}
	dataPA, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitReadN(10, 4, dataPA); err != nil {
		t.Fatal(err)
	}
	if comps := dev.Queue.PollBlocking(); comps[0].Err != nil {
		t.Fatalf("read failed: %v", comps[0].Err)
	}
	data := arena.bytesAt(dataPA, 4*sectorSize)
	for s := 0; s < 4; s++ {
		if data[s*sectorSize] != byte(s+1) {
			t.Fatalf("sector %d contents wrong: %#x", s, data[s*sectorSize])
		}
	}
}

func TestIOErrorReported(t *testing.T) {
	dev, arena, _ := setupDevice(t, 16, 8)

	dataPA, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitRead(9999, dataPA); err != nil {
		t.Fatal(err)
	}
	comps := dev.Queue.PollBlocking()
	if comps[0].Err == nil || comps[0].Status == 0 {
		t.Fatalf("expected I/O error, got %+v", comps[0])
	}
	if free := dev.Queue.FreeCount(); free != 8 {
		t.Fatalf("descriptors leaked on error path: free=%d", free)
	}
}

func TestDescriptorExhaustion(t *testing.T) {
	dev, arena, _ := setupDevice(t, 64, 8)

	// Two 3-descriptor chains fit in an 8-entry ring; a third must be
	// refused until completions are consumed.
	paA, _ := arena.allocPages(1)
	paB, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitRead(0, paA); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Queue.SubmitRead(1, paB); err != nil {
		t.Fatal(err)
	}
	paC, _ := arena.allocPages(1)
	if _, err := dev.Queue.SubmitRead(2, paC); err == nil {
		t.Fatal("expected free-list exhaustion")
	}
	dev.Queue.PollBlocking()
	if _, err := dev.Queue.SubmitRead(2, paC); err != nil {
		t.Fatalf("submit after draining completions: %v", err)
	}
}

func TestFileBackendRejectsPartialSector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.img")
	if err := os.WriteFile(path, make([]byte, sectorSize+17), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileBackend(path); err == nil {
		t.Fatal("expected size validation failure")
	}
}
