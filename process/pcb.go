package process

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/ksync"
	"github.com/hienqn/maverick-os-sub002/kthread"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/mmu"
	"github.com/hienqn/maverick-os-sub002/pmm"
	"github.com/hienqn/maverick-os-sub002/trap"
	"github.com/hienqn/maverick-os-sub002/vfs"
)

// User stack geometry: the stack grows down from just under the top
// of the user half, a fixed number of pages mapped eagerly at load.
const (
	UserStackTop   = memlayout.UserTop
	userStackPages = 8
)

const defaultPriority = 31

// Program is the executable behavior bound to a loaded image. The
// simulator has no RV64 instruction interpreter, so a user binary's
// instruction stream is supplied as a Go function that issues ecalls
// through UserContext the way compiled code would; the image itself
// still goes through the real loader, page tables, and stack builder.
// The return value is the process exit code, unless the body already
// exited through the exit syscall.
type Program func(u *UserContext) int

// Kernel owns the process table and everything a process needs from
// the rest of the kernel. All cross-process mutation (children lists,
// the thread-to-process map) happens under its mutex.
type Kernel struct {
	RT        *kthread.Runtime
	Trap      *trap.Dispatcher
	Pages     pmm.PageSource
	BytesAt   func(pa, n uint64) []byte
	KernelPT  *mmu.PageTable
	ASIDs     *mmu.ASIDAllocator
	FS        *vfs.FileSystem
	CSR       *csr.Snapshot
	Barrier   *csr.Barrier
	Console   io.Writer
	ConsoleIn io.Reader
	Halt      func()
	Panic     func(format string, args ...any)

	Programs map[string]Program

	mu           sync.Mutex
	procs        map[int]*PCB
	byThread     map[*kthread.Thread]*PCB
	nextPID      int
	rootChildren []*Status
	liveStatuses int
}

// NewKernel wires up an empty process table. The caller fills in the
// exported collaborator fields before the first Execute.
func NewKernel() *Kernel {
	return &Kernel{
		Programs: make(map[string]Program),
		procs:    make(map[int]*PCB),
		byThread: make(map[*kthread.Thread]*PCB),
	}
}

// LiveStatuses reports how many status records are currently
// allocated, for leak accounting.
func (k *Kernel) LiveStatuses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.liveStatuses
}

// PCB is the per-process control block.
type PCB struct {
	PID  int
	Name string

	PT         *mmu.PageTable
	ASID       uint16
	Pages      pmm.PageSource
	MainThread *kthread.Thread
	Frame      *trap.Frame
	KStackKV   uint64

	MyStatus *Status

	kernel *Kernel

	mu       sync.Mutex
	children []*Status
	fds      map[int]*vfs.File
	nextFD   int
	exe      *vfs.File

	exitLock    *ksync.Lock
	exitCond    *ksync.CondVar
	liveThreads int
	exitCode    int
	exiting     bool

	loaded     bool
	terminated bool // exit code recorded; unwind at next syscall boundary
	inSyscall  bool
}

// Current returns the PCB whose main thread is presently running, or
// nil if the running thread is a pure kernel thread.
func (k *Kernel) Current() *PCB {
	t := k.RT.Current()
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byThread[t]
}

// Lookup finds a live process by pid.
func (k *Kernel) Lookup(pid int) (*PCB, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Execute spawns a new process running the program named by the first
// token of cmd, with the remaining tokens as its arguments. self is
// the calling thread; parent is the calling process, or nil when the
// kernel itself launches a program (a boot action). Execute blocks
// until the child has finished loading and returns its pid, or an
// error if the load failed.
func (k *Kernel) Execute(self *kthread.Thread, parent *PCB, cmd string) (int, error) {
	tokens := strings.Fields(cmd)
	if len(tokens) == 0 {
		return -1, fmt.Errorf("process: empty command")
	}
	name := tokens[0]

	pt, err := mmu.NewUserPageTable(k.Pages, k.BytesAt, k.KernelPT)
	if err != nil {
		return -1, fmt.Errorf("process: allocating page directory: %w", err)
	}

	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.mu.Unlock()

	asid := k.ASIDs.Alloc()
	pt.ASID = asid
	p := &PCB{
		PID:      pid,
		Name:     name,
		PT:       pt,
		ASID:     asid,
		Pages:    k.Pages,
		kernel:   k,
		fds:      make(map[int]*vfs.File),
		nextFD:   2, // 0 and 1 are the console
		exitLock: ksync.NewLock(k.RT),
		exitCond: ksync.NewCondVar(k.RT),
	}
	st := newStatus(k, pid)
	p.MyStatus = st

	k.mu.Lock()
	k.procs[pid] = p
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, st)
		parent.mu.Unlock()
	} else {
		k.rootChildren = append(k.rootChildren, st)
	}
	k.mu.Unlock()

	loadDone := ksync.NewSemaphore(k.RT, 0)
	threadName := name
	if len(threadName) > 15 {
		threadName = threadName[:15]
	}
	t, err := k.RT.ThreadCreate(threadName, defaultPriority, func(t *kthread.Thread) {
		k.startProcess(p, t, tokens, loadDone)
	})
	if err != nil {
		k.teardownUnstarted(p, parent, st)
		return -1, err
	}
	p.MainThread = t
	t.Parent = p

	loadDone.Down(self)
	if !p.loaded {
		// The child already ran its exit path with code -1; drop the
		// parent-side reference since there is nothing to wait for.
		k.mu.Lock()
		if parent != nil {
			parent.mu.Lock()
			parent.children = removeChild(parent.children, st)
			parent.mu.Unlock()
		} else {
			k.rootChildren = removeChild(k.rootChildren, st)
		}
		k.mu.Unlock()
		st.unref(k)
		return -1, fmt.Errorf("process: loading %s failed", name)
	}
	return pid, nil
}

// teardownUnstarted unwinds Execute's bookkeeping when the main
// thread could not even be created.
func (k *Kernel) teardownUnstarted(p *PCB, parent *PCB, st *Status) {
	k.mu.Lock()
	delete(k.procs, p.PID)
	if parent != nil {
		parent.mu.Lock()
		parent.children = removeChild(parent.children, st)
		parent.mu.Unlock()
	} else {
		k.rootChildren = removeChild(k.rootChildren, st)
	}
	k.mu.Unlock()
	st.unref(k)
	st.unref(k)
	mmu.DestroyUserPageTable(p.PT)
}

// startProcess runs on the child's main thread: load the image, build
// the stack, compose the entry frame, signal the parent, then hand
// control to the program body.
func (k *Kernel) startProcess(p *PCB, t *kthread.Thread, argv []string, loadDone *ksync.Semaphore) {
	k.mu.Lock()
	k.byThread[t] = p
	k.mu.Unlock()

	p.liveThreads = 1
	err := k.loadInto(p, argv)
	p.loaded = err == nil
	loadDone.Up()

	if err != nil {
		p.exitCode = -1
		k.finalize(p)
		return
	}

	body := k.Programs[p.Name]
	code := -1
	if body == nil {
		fmt.Fprintf(k.Console, "%s: no behavior bound to image\n", p.Name)
	} else {
		code = k.runUser(p, body)
	}
	if p.terminated {
		code = p.exitCode
	}
	p.exitCode = code
	k.finalize(p)
}

// loadInto opens the executable write-denied, loads its segments,
// maps the stack, builds the argument layout, and composes the entry
// frame.
func (k *Kernel) loadInto(p *PCB, argv []string) error {
	k.FS.DenyWrite(p.Name)
	exe, err := k.FS.Open(p.Name)
	if err != nil {
		k.FS.AllowWrite(p.Name)
		return fmt.Errorf("process: opening %s: %w", p.Name, err)
	}
	p.exe = exe

	entry, err := Load(p.PT, p.Pages, k.BytesAt, exe)
	if err != nil {
		return err
	}
	// The image's text was just written through the data side; fence
	// before anything fetches from those pages.
	if k.Barrier != nil {
		k.Barrier.FenceIDataInstr()
	}

	for i := 0; i < userStackPages; i++ {
		va := UserStackTop - uint64(i+1)*memlayout.PageSize
		pa, aerr := p.Pages.Alloc()
		if aerr != nil {
			return aerr
		}
		if merr := p.PT.Map(va, pa, mmu.PTEUser|mmu.PTERead|mmu.PTEWrite); merr != nil {
			p.Pages.Free(pa)
			return merr
		}
	}

	sp, err := p.BuildStack(UserStackTop, argv)
	if err != nil {
		return err
	}

	kstackPA, err := p.Pages.Alloc()
	if err != nil {
		return err
	}
	p.KStackKV = memlayout.PhysToKV(kstackPA)

	p.Frame = k.EnterUser(p, entry, sp)
	return nil
}

// errUnwind is the sentinel runUser recovers: a syscall decided the
// process is done (exit or kill) and the program body must not
// continue.
var errUnwind = fmt.Errorf("process: unwinding terminated user program")

// runUser executes the program body, converting the terminated
// sentinel back into normal control flow.
func (k *Kernel) runUser(p *PCB, body Program) (code int) {
	defer func() {
		if r := recover(); r != nil {
			if r == errUnwind {
				code = p.exitCode
				return
			}
			panic(r)
		}
	}()
	return body(&UserContext{p: p, k: k})
}

// finalize is the single exit path: it prints the exit banner,
// publishes the exit code to the parent, drops references, and
// releases every resource the process holds.
func (k *Kernel) finalize(p *PCB) {
	self := p.MainThread

	p.exitLock.Acquire(self)
	p.exiting = true
	p.liveThreads--
	p.exitCond.Broadcast()
	p.exitLock.Release(self)

	fmt.Fprintf(k.Console, "%s: exit(%d)\n", p.Name, p.exitCode)

	p.MyStatus.SetExit(p.exitCode)
	p.MyStatus.Wait.Up()

	p.mu.Lock()
	children := p.children
	p.children = nil
	fds := p.fds
	p.fds = nil
	exe := p.exe
	p.exe = nil
	p.mu.Unlock()

	// Orphan cleanup: drop the parent-side reference this process
	// holds on each child it never waited for.
	for _, c := range children {
		c.unref(k)
	}
	for _, f := range fds {
		f.Close()
	}
	if exe != nil {
		exe.Close()
		k.FS.AllowWrite(p.Name)
	}

	if p.KStackKV != 0 {
		p.Pages.Free(memlayout.KVToPhys(p.KStackKV))
	}
	mmu.DestroyUserPageTable(p.PT)

	k.mu.Lock()
	delete(k.procs, p.PID)
	delete(k.byThread, self)
	k.mu.Unlock()

	p.MyStatus.unref(k)
}

// Wait blocks until the child with the given pid exits and returns
// its exit code. It fails with ok=false if pid is not a child of the
// caller or has already been waited for. A nil parent waits on the
// kernel's own (boot-action) children.
func (k *Kernel) Wait(self *kthread.Thread, parent *PCB, pid int) (code int, ok bool) {
	var st *Status
	k.mu.Lock()
	if parent != nil {
		parent.mu.Lock()
		st = findChild(parent.children, pid)
		parent.mu.Unlock()
	} else {
		st = findChild(k.rootChildren, pid)
	}
	k.mu.Unlock()
	if st == nil || !st.TryClaimWait() {
		return -1, false
	}

	st.Wait.Down(self)
	code = st.ExitCode()

	k.mu.Lock()
	if parent != nil {
		parent.mu.Lock()
		parent.children = removeChild(parent.children, st)
		parent.mu.Unlock()
	} else {
		k.rootChildren = removeChild(k.rootChildren, st)
	}
	k.mu.Unlock()
	st.unref(k)
	return code, true
}

// kill marks the process terminated with exit code -1. The actual
// teardown happens when control unwinds out of the program body at
// the next syscall boundary.
func (k *Kernel) kill(p *PCB) {
	p.exitCode = -1
	p.terminated = true
}
