// Package machine is the top-level orchestrator: it owns the
// simulated physical RAM arena and every kernel subsystem, runs the
// boot sequence, drives the command-line actions, and tears the
// machine down on shutdown.
package machine

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hienqn/maverick-os-sub002/cmdline"
	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/fdt"
	"github.com/hienqn/maverick-os-sub002/kthread"
	_ "github.com/hienqn/maverick-os-sub002/kthread/fairshare"
	_ "github.com/hienqn/maverick-os-sub002/kthread/fifo"
	_ "github.com/hienqn/maverick-os-sub002/kthread/mlfq"
	_ "github.com/hienqn/maverick-os-sub002/kthread/priority"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/mmu"
	"github.com/hienqn/maverick-os-sub002/plic"
	"github.com/hienqn/maverick-os-sub002/pmm"
	"github.com/hienqn/maverick-os-sub002/process"
	"github.com/hienqn/maverick-os-sub002/sbi"
	"github.com/hienqn/maverick-os-sub002/sleepqueue"
	"github.com/hienqn/maverick-os-sub002/timer"
	"github.com/hienqn/maverick-os-sub002/trap"
	"github.com/hienqn/maverick-os-sub002/vfs"
	"github.com/hienqn/maverick-os-sub002/virtio"
)

// kernelImageSize is the slice of RAM reserved for the (notional)
// kernel image at the base of physical memory; the page allocator
// manages everything above it.
const kernelImageSize = 4 * 1024 * 1024

// timebaseHz is the platform time counter frequency of the modeled
// board (QEMU virt uses a 10 MHz CLINT timebase).
const timebaseHz = 10_000_000

// Config selects construction-time parameters.
type Config struct {
	RAMBytes   uint64
	Debug      bool
	ConsoleOut io.Writer
	ConsoleIn  io.Reader
	DiskImage  string // path to a raw disk image; "" means no disk
	ScratchDir string // host directory backing the file-system stand-in
}

// Machine owns the arena and every subsystem instance.
type Machine struct {
	RAM []byte

	fw      *sbi.Firmware
	fwState *firmwareState
	Console *sbi.Console
	CSRs    csr.Snapshot
	Barrier csr.Barrier

	Alloc    *pmm.Allocator
	KernelPT *mmu.PageTable
	ASIDs    *mmu.ASIDAllocator

	Trap     *trap.Dispatcher
	Timer    *timer.Device
	Sleepers *sleepqueue.List
	PLIC     *plic.Controller
	RT       *kthread.Runtime

	Disk        *virtio.Device
	diskBackend *virtio.FileBackend

	FS     *vfs.FileSystem
	Kernel *process.Kernel

	Opts    cmdline.Options
	actions []cmdline.Action

	Debug bool

	mu         sync.Mutex
	consoleOut io.Writer
	consoleIn  io.Reader
	mmapped    bool
	tickerStop chan struct{}
	tickerDone chan struct{}
}

// New allocates the RAM arena and constructs the machine. Boot must
// be called before any action runs.
func New(cfg Config) (*Machine, error) {
	if cfg.RAMBytes == 0 {
		cfg.RAMBytes = 128 * 1024 * 1024
	}
	if cfg.ConsoleOut == nil {
		cfg.ConsoleOut = io.Discard
	}

	ram, err := unix.Mmap(-1, 0, int(cfg.RAMBytes),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("machine: mmap of %d-byte RAM arena: %w", cfg.RAMBytes, err)
	}

	m := &Machine{
		RAM:        ram,
		mmapped:    true,
		Debug:      cfg.Debug,
		consoleOut: cfg.ConsoleOut,
		consoleIn:  cfg.ConsoleIn,
	}
	m.fwState = &firmwareState{m: m}
	m.fw = sbi.New(m.fwState.ecall)
	m.Console = sbi.NewConsole(m.fw)
	m.FS = vfs.New(cfg.ScratchDir)

	if cfg.DiskImage != "" {
		backend, err := virtio.OpenFileBackend(cfg.DiskImage)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.diskBackend = backend
	}
	return m, nil
}

func (m *Machine) consoleByte(b byte) {
	m.consoleOut.Write([]byte{b})
}

func (m *Machine) consoleReadByte() (byte, bool) {
	if m.consoleIn == nil {
		return 0, false
	}
	var buf [1]byte
	n, err := m.consoleIn.Read(buf[:])
	if err != nil || n == 0 {
		return 0, false
	}
	return buf[0], true
}

// bytesAt is the direct-map accessor every subsystem shares: a
// writable window over physical memory at [pa, pa+n).
func (m *Machine) bytesAt(pa, n uint64) []byte {
	off := pa - memlayout.PhysBase
	return m.RAM[off : off+n]
}

// Boot runs the initialization sequence: console banner, the
// device-tree command line (parsed early because it selects the
// scheduler and the user-page limit), allocator, MMU, threads, traps,
// interrupt controller, timer, VirtIO probe, and finally the process
// kernel. hartID and dtb are what the firmware passed the kernel entry
// point.
func (m *Machine) Boot(hartID uint64, dtb []byte) error {
	fmt.Fprintf(m.Console, "Pintos booting with %d kB RAM...\n", len(m.RAM)/1024)

	opts, actions := cmdline.Parse(fdt.BootArgs(dtb), m.Console)
	m.Opts = opts
	m.actions = actions

	m.Alloc = pmm.New(m.RAM, memlayout.PhysBase, memlayout.PhysBase+kernelImageSize)

	kpt, err := mmu.BuildKernelPageTable(m.Alloc, m.bytesAt, uint64(len(m.RAM)))
	if err != nil {
		return fmt.Errorf("machine: building kernel page table: %w", err)
	}
	kpt.TLB = &m.Barrier
	m.KernelPT = kpt
	m.ASIDs = mmu.NewASIDAllocator()
	// Switch to the kernel page directory: ASID 0, full TLB flush.
	m.CSRs.Satp = csr.MakeSatp(0, kpt.RootPA>>12)
	m.Barrier.SfenceVMAAll()

	sched, err := kthread.NewScheduler(opts.Scheduler)
	if err != nil {
		fmt.Fprintf(m.Console, "unknown scheduler %q, using fifo\n", opts.Scheduler)
		sched, _ = kthread.NewScheduler("fifo")
	}
	m.RT = kthread.NewRuntime(sched)

	m.Trap = trap.NewDispatcher(m.panicf)
	m.PLIC = plic.New()
	m.Sleepers = sleepqueue.New()
	m.Timer = timer.New(timebaseHz, m.Sleepers, m.RT.ThreadTick)

	m.Trap.Register(csr.CauseSupervisorTimerIntr, func(f *trap.Frame) {
		m.Timer.OnTick(m.fw, m.RT)
	})
	m.Trap.Register(csr.CauseSupervisorExtIntr, func(f *trap.Frame) {
		m.PLIC.Dispatch()
	})

	m.CSRs.Sie |= csr.InterruptSTI | csr.InterruptSEI
	if err := m.Timer.Init(m.fw, 0); err != nil {
		return fmt.Errorf("machine: arming first timer deadline: %w", err)
	}
	// Global supervisor interrupt enable, the last step of interrupt
	// bring-up: sources were unmasked in sie above, this opens the gate.
	m.CSRs.SetBits(csr.SstatusSIE)

	if err := m.probeDisk(); err != nil {
		return err
	}

	m.Kernel = process.NewKernel()
	m.Kernel.RT = m.RT
	m.Kernel.Trap = m.Trap
	m.Kernel.Pages = m.userPages()
	m.Kernel.BytesAt = m.bytesAt
	m.Kernel.KernelPT = m.KernelPT
	m.Kernel.ASIDs = m.ASIDs
	m.Kernel.FS = m.FS
	m.Kernel.CSR = &m.CSRs
	m.Kernel.Barrier = &m.Barrier
	m.Kernel.Console = m.Console
	m.Kernel.ConsoleIn = m.consoleIn
	m.Kernel.Halt = func() { m.fw.Shutdown() }
	m.Kernel.Panic = m.panicf
	registerBuiltinPrograms(m.Kernel)

	m.Trap.OnUserECall = m.Kernel.Syscall
	m.Trap.OnPageFault = m.Kernel.PageFault

	fmt.Fprintf(m.Console, "Boot complete.\n")
	if m.Debug {
		log.Printf("machine: boot hart %d, %d actions queued", hartID, len(m.actions))
	}
	return nil
}

// userPages returns the source user processes draw frames from: the
// global allocator, or a budget-limited wrapper when -ul was given.
func (m *Machine) userPages() pmm.PageSource {
	if m.Opts.HasPageLimit {
		return pmm.NewLimited(m.Alloc, m.Opts.UserPageLimit)
	}
	return m.Alloc
}

// probeDisk scans the well-known MMIO slots and initializes the first
// block device found. A machine without a disk boots fine.
func (m *Machine) probeDisk() error {
	slots := make([]virtio.MMIORegs, 8)
	for i := range slots {
		slots[i] = make(virtio.MMIORegs, 0x108)
	}
	var model *virtio.BlockModel
	if m.diskBackend != nil {
		slots[0], model = virtio.NewBlockSlot(m.diskBackend, m.bytesAt)
	}

	regs, err := virtio.Probe(slots)
	if err == virtio.ErrNoDevice {
		if m.Debug {
			log.Printf("machine: no block device")
		}
		return nil
	}
	dev, err := virtio.Init(regs, 128, m.bytesAt, m.allocPages)
	if err != nil {
		// Device protocol errors abandon the device, they do not
		// stop the boot.
		fmt.Fprintf(m.Console, "virtio: device abandoned: %v\n", err)
		return nil
	}
	if err := dev.Attach(model); err != nil {
		return err
	}
	m.Disk = dev
	return nil
}

// allocPages draws n contiguous pages for the virtqueue rings. The
// global allocator hands out single pages, so contiguity comes from
// allocating in a burst right after boot; ring sizes here fit in one
// page each.
func (m *Machine) allocPages(n int) (uint64, error) {
	first, err := m.Alloc.Alloc()
	if err != nil {
		return 0, err
	}
	prev := first
	for i := 1; i < n; i++ {
		pa, err := m.Alloc.Alloc()
		if err != nil {
			return 0, err
		}
		if pa != prev-memlayout.PageSize && pa != prev+memlayout.PageSize {
			return 0, fmt.Errorf("machine: non-contiguous ring pages")
		}
		if pa < first {
			first = pa
		}
		prev = pa
	}
	return first, nil
}

// StartTicker begins delivering simulated timer interrupts at the
// given real-time interval until StopTicker or Shutdown.
func (m *Machine) StartTicker(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.tickerStop = stop
	m.tickerDone = done
	go func() {
		defer close(done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				m.Tick()
			}
		}
	}()
}

// StopTicker halts simulated timer delivery.
func (m *Machine) StopTicker() {
	m.mu.Lock()
	stop, done := m.tickerStop, m.tickerDone
	m.tickerStop, m.tickerDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Tick synthesizes one timer interrupt, the way the hart would take a
// trap when the platform counter passes the armed deadline. Masked
// when either the global sstatus.SIE gate or the timer's sie bit is
// clear.
func (m *Machine) Tick() {
	if m.CSRs.Sstatus&csr.SstatusSIE == 0 || m.CSRs.Sie&csr.InterruptSTI == 0 {
		return
	}
	f := &trap.Frame{Scause: csr.CauseSupervisorTimerIntr}
	m.Trap.Dispatch(f)
}

// RunActions executes the parsed boot actions in order.
func (m *Machine) RunActions() {
	self := m.RT.Current()
	for _, a := range m.actions {
		switch act := a.(type) {
		case cmdline.RunKernelTest:
			m.runKernelTest(act.Name)
		case cmdline.RunProgram:
			cmd := act.Prog
			for _, arg := range act.Args {
				cmd += " " + arg
			}
			pid, err := m.Kernel.Execute(self, nil, cmd)
			if err != nil {
				fmt.Fprintf(m.Console, "run: %v\n", err)
				continue
			}
			m.Kernel.Wait(self, nil, pid)
		}
	}
}

// Shutdown prints the tick count and powers off through the firmware.
func (m *Machine) Shutdown() {
	m.StopTicker()
	// No more interrupts past this point; the shutdown banner and the
	// power-off ecall run with the gate closed.
	m.CSRs.ClearBits(csr.SstatusSIE)
	var ticks uint64
	if m.Timer != nil {
		ticks = m.Timer.Ticks()
	}
	fmt.Fprintf(m.Console, "Timer: %d ticks\n", ticks)
	fmt.Fprintf(m.Console, "Powering off...\n")
	if err := m.fw.Shutdown(); err != nil {
		// The spin-on-wfi fallback; in this simulator there is
		// nothing left to spin for, so log and fall through.
		log.Printf("machine: shutdown ecall failed: %v", err)
	}
}

// Halted reports whether the firmware has serviced a shutdown.
func (m *Machine) Halted() bool { return m.fwState.Halted() }

// Close releases the RAM arena and the disk backend.
func (m *Machine) Close() error {
	m.StopTicker()
	if m.diskBackend != nil {
		m.diskBackend.Close()
		m.diskBackend = nil
	}
	if m.mmapped {
		m.mmapped = false
		return unix.Munmap(m.RAM)
	}
	return nil
}

func (m *Machine) panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(m.Console, "PANIC: %s\n", msg)
	panic("machine: " + msg)
}
