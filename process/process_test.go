package process

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/elfimage"
	"github.com/hienqn/maverick-os-sub002/kthread"
	_ "github.com/hienqn/maverick-os-sub002/kthread/fifo"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/mmu"
	"github.com/hienqn/maverick-os-sub002/pmm"
	"github.com/hienqn/maverick-os-sub002/trap"
	"github.com/hienqn/maverick-os-sub002/vfs"
)

// harness is the minimal machine a process needs: RAM, an allocator,
// the kernel page table, a runtime, a dispatcher, and a file system.
type harness struct {
	k       *Kernel
	alloc   *pmm.Allocator
	console *bytes.Buffer
	fs      *vfs.FileSystem
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ram := make([]byte, 16*1024*1024)
	alloc := pmm.New(ram, memlayout.PhysBase, memlayout.PhysBase+256*1024)
	kpt, err := mmu.BuildKernelPageTable(alloc, alloc.Bytes, uint64(len(ram)))
	if err != nil {
		t.Fatal(err)
	}

	sched, err := kthread.NewScheduler("fifo")
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		k:       NewKernel(),
		alloc:   alloc,
		console: &bytes.Buffer{},
		fs:      vfs.New(t.TempDir()),
	}
	h.k.RT = kthread.NewRuntime(sched)
	h.k.Trap = trap.NewDispatcher(func(format string, args ...any) {
		panic(fmt.Sprintf("kernel panic: "+format, args...))
	})
	h.k.Trap.OnUserECall = h.k.Syscall
	h.k.Trap.OnPageFault = h.k.PageFault
	h.k.Pages = alloc
	h.k.BytesAt = alloc.Bytes
	h.k.KernelPT = kpt
	h.k.ASIDs = mmu.NewASIDAllocator()
	h.k.FS = h.fs
	h.k.Console = h.console
	h.k.Barrier = &csr.Barrier{}
	return h
}

const testImageBase = 0x10000

// provision writes a loadable image for name into the file system.
func (h *harness) provision(t *testing.T, name string) {
	t.Helper()
	image := elfimage.Build(testImageBase, []elfimage.Segment{
		{Vaddr: testImageBase, Data: []byte{0x73, 0x00, 0x00, 0x00}, Flags: elfimage.PFR | elfimage.PFX},
		{Vaddr: testImageBase + 0x1000, Data: []byte("data"), Memsz: 0x2000, Flags: elfimage.PFR | elfimage.PFW},
	})
	if err := h.fs.Create(name, int64(len(image))); err != nil {
		t.Fatal(err)
	}
	f, err := h.fs.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(image); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) self() *kthread.Thread { return h.k.RT.Current() }

func TestExecuteWaitExitCode(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "child")
	h.k.Programs["child"] = func(u *UserContext) int {
		u.Syscall(SysExit, 42)
		t.Error("control returned after exit")
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "child")
	if err != nil {
		t.Fatal(err)
	}
	code, ok := h.k.Wait(h.self(), nil, pid)
	if !ok || code != 42 {
		t.Fatalf("wait: got (%d, %v), want (42, true)", code, ok)
	}
	if !strings.Contains(h.console.String(), "child: exit(42)") {
		t.Errorf("console missing exit banner: %q", h.console.String())
	}
	if n := h.k.LiveStatuses(); n != 0 {
		t.Errorf("status records leaked: %d", n)
	}
	if h.k.Barrier.FenceCount == 0 {
		t.Error("no instruction fence issued after loading executable pages")
	}
}

func TestWaitTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "child")
	h.k.Programs["child"] = func(u *UserContext) int { return 0 }

	pid, err := h.k.Execute(h.self(), nil, "child")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.k.Wait(h.self(), nil, pid); !ok {
		t.Fatal("first wait failed")
	}
	if _, ok := h.k.Wait(h.self(), nil, pid); ok {
		t.Fatal("second wait succeeded")
	}
}

func TestExecMissingImageFails(t *testing.T) {
	h := newHarness(t)
	if _, err := h.k.Execute(h.self(), nil, "no-such-program"); err == nil {
		t.Fatal("expected load failure")
	}
	if n := h.k.LiveStatuses(); n != 0 {
		t.Errorf("status records leaked after failed load: %d", n)
	}
}

func TestExitPropagatesThroughExecSyscall(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "parent")
	h.provision(t, "child42")
	h.k.Programs["child42"] = func(u *UserContext) int {
		u.Syscall(SysExit, 42)
		return 0
	}
	h.k.Programs["parent"] = func(u *UserContext) int {
		name := u.StackAlloc([]byte("child42\x00"))
		pid := u.Syscall(SysExec, name)
		if int64(pid) < 0 {
			return 1
		}
		code := u.Syscall(SysWait, pid)
		return int(int64(code))
	}

	pid, err := h.k.Execute(h.self(), nil, "parent")
	if err != nil {
		t.Fatal(err)
	}
	code, ok := h.k.Wait(h.self(), nil, pid)
	if !ok || code != 42 {
		t.Fatalf("parent exit: got (%d, %v), want (42, true)", code, ok)
	}
	if n := h.k.LiveStatuses(); n != 0 {
		t.Errorf("status records leaked: %d", n)
	}
}

func TestBadPointerKillsProcess(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "badptr")
	h.k.Programs["badptr"] = func(u *UserContext) int {
		// Kernel address: validation must kill, not dereference.
		u.Syscall(SysWrite, 1, 0x80000000, 1)
		t.Error("control returned after kill")
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "badptr")
	if err != nil {
		t.Fatal(err)
	}
	code, ok := h.k.Wait(h.self(), nil, pid)
	if !ok || code != -1 {
		t.Fatalf("wait: got (%d, %v), want (-1, true)", code, ok)
	}
	if !strings.Contains(h.console.String(), "badptr: exit(-1)") {
		t.Errorf("console missing kill banner: %q", h.console.String())
	}
}

func TestWriteToConsole(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "greeter")
	h.k.Programs["greeter"] = func(u *UserContext) int {
		msg := u.StackAlloc([]byte("hello from user\n"))
		n := u.Syscall(SysWrite, 1, msg, 16)
		if n != 16 {
			return 1
		}
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "greeter")
	if err != nil {
		t.Fatal(err)
	}
	if code, _ := h.k.Wait(h.self(), nil, pid); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(h.console.String(), "hello from user") {
		t.Errorf("console: %q", h.console.String())
	}
}

func TestFileSyscalls(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "filer")
	h.k.Programs["filer"] = func(u *UserContext) int {
		path := u.StackAlloc([]byte("notes.txt\x00"))
		if u.Syscall(SysCreate, path, 64) != 1 {
			return 1
		}
		fd := u.Syscall(SysOpen, path)
		if int64(fd) < 0 {
			return 2
		}
		data := u.StackAlloc([]byte("abcdefgh"))
		if u.Syscall(SysWrite, fd, data, 8) != 8 {
			return 3
		}
		u.Syscall(SysSeek, fd, 2)
		if u.Syscall(SysTell, fd) != 2 {
			return 4
		}
		buf := u.StackAlloc(make([]byte, 4))
		if u.Syscall(SysRead, fd, buf, 4) != 4 {
			return 5
		}
		var back [4]byte
		if u.p.copyIn(back[:], buf) != nil || string(back[:]) != "cdef" {
			return 6
		}
		u.Syscall(SysClose, fd)
		if u.Syscall(SysRemove, path) != 1 {
			return 7
		}
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "filer")
	if err != nil {
		t.Fatal(err)
	}
	if code, _ := h.k.Wait(h.self(), nil, pid); code != 0 {
		t.Fatalf("filer failed at step %d", code)
	}
}

func TestRunningExecutableIsWriteDenied(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "selfwriter")
	h.k.Programs["selfwriter"] = func(u *UserContext) int {
		path := u.StackAlloc([]byte("selfwriter\x00"))
		fd := u.Syscall(SysOpen, path)
		if int64(fd) < 0 {
			return 1
		}
		data := u.StackAlloc([]byte("x"))
		// Writing to the running image must fail.
		if u.Syscall(SysWrite, fd, data, 1) != ^uint64(0) {
			return 2
		}
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "selfwriter")
	if err != nil {
		t.Fatal(err)
	}
	if code, _ := h.k.Wait(h.self(), nil, pid); code != 0 {
		t.Fatalf("selfwriter failed at step %d", code)
	}
}

func TestArgvLayout(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "argv")
	var got []string
	var gotSP uint64
	h.k.Programs["argv"] = func(u *UserContext) int {
		got = u.Args()
		gotSP = u.p.Frame.GPRs[trap.RegSP]
		return 0
	}

	pid, err := h.k.Execute(h.self(), nil, "argv one two three")
	if err != nil {
		t.Fatal(err)
	}
	h.k.Wait(h.self(), nil, pid)

	want := []string{"argv", "one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("argv: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("argv[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
	if gotSP%16 != 0 {
		t.Errorf("stack pointer 0x%x not 16-byte aligned", gotSP)
	}
}

func TestNoFramesLeakedAcrossProcessLifetime(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "child")
	h.k.Programs["child"] = func(u *UserContext) int { return 0 }

	_, before := h.alloc.Stats()
	pid, err := h.k.Execute(h.self(), nil, "child")
	if err != nil {
		t.Fatal(err)
	}
	h.k.Wait(h.self(), nil, pid)
	_, after := h.alloc.Stats()
	if before != after {
		t.Fatalf("frames leaked: %d in use before, %d after", before, after)
	}
}

func TestLoadRejectsBadImages(t *testing.T) {
	h := newHarness(t)
	pt, err := mmu.NewUserPageTable(h.alloc, h.alloc.Bytes, h.k.KernelPT)
	if err != nil {
		t.Fatal(err)
	}

	// Wrong machine type.
	img := elfimage.Build(testImageBase, []elfimage.Segment{
		{Vaddr: testImageBase, Data: []byte{1, 2, 3, 4}, Flags: elfimage.PFR | elfimage.PFX},
	})
	binary.LittleEndian.PutUint16(img[18:], 62) // EM_X86_64
	if _, err := Load(pt, h.alloc, h.alloc.Bytes, bytes.NewReader(img)); err == nil {
		t.Error("x86-64 image accepted")
	}

	// Not an ELF at all.
	if _, err := Load(pt, h.alloc, h.alloc.Bytes, bytes.NewReader([]byte("plain text"))); err == nil {
		t.Error("non-ELF accepted")
	}

	// Segment reaching outside user space.
	img = elfimage.Build(testImageBase, []elfimage.Segment{
		{Vaddr: memlayout.UserTop - 0x1000, Data: []byte{1}, Memsz: 0x3000, Flags: elfimage.PFR},
	})
	if _, err := Load(pt, h.alloc, h.alloc.Bytes, bytes.NewReader(img)); err == nil {
		t.Error("out-of-range segment accepted")
	}
}

func TestValidateUserPtr(t *testing.T) {
	h := newHarness(t)
	h.provision(t, "probe")
	var p *PCB
	h.k.Programs["probe"] = func(u *UserContext) int {
		p = u.p
		// Mapped, user-accessible stack memory.
		sp := u.p.Frame.GPRs[trap.RegSP]
		if u.p.ValidateUserPtr(sp-64, 64, true) != nil {
			return 1
		}
		// The null page is never mapped.
		if u.p.ValidateUserPtr(0, 1, false) == nil {
			return 2
		}
		// Kernel addresses are out of bounds outright.
		if u.p.ValidateUserPtr(memlayout.KernelBase, 8, false) == nil {
			return 3
		}
		// A range straddling the user top is rejected.
		if u.p.ValidateUserPtr(memlayout.UserTop-4, 8, false) == nil {
			return 4
		}
		return 0
	}
	pid, err := h.k.Execute(h.self(), nil, "probe")
	if err != nil {
		t.Fatal(err)
	}
	if code, _ := h.k.Wait(h.self(), nil, pid); code != 0 {
		t.Fatalf("probe failed at step %d", code)
	}
	_ = p
}
