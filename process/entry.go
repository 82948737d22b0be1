package process

import (
	"encoding/binary"

	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/trap"
)

// EnterUser composes the trap frame a process first leaves the kernel
// through: epc at the entry point, sp at the built stack, sstatus set
// to return to user mode with interrupts enabled and supervisor
// access to user pages permitted, every other GPR zero. The process
// page directory is installed in satp and sscratch is pointed at the
// kernel stack, so the next trap from this process lands on it.
func (k *Kernel) EnterUser(p *PCB, entry, sp uint64) *trap.Frame {
	f := &trap.Frame{}
	f.Sepc = entry
	f.GPRs[trap.RegSP] = sp
	f.Sstatus = csr.SstatusSPIE | csr.SstatusSUM // SPP = 0: return to user

	if k.CSR != nil {
		k.CSR.Satp = csr.MakeSatp(p.ASID, p.PT.RootPA>>12)
		k.CSR.Sscratch = p.KStackKV
	}
	return f
}

// UserContext is the register file a simulated user program computes
// against: its Syscall method plays the role of the `ecall`
// instruction, routing a synthesized trap through the dispatcher the
// same way hardware would.
type UserContext struct {
	p *PCB
	k *Kernel
}

// PID reports the calling process's id.
func (u *UserContext) PID() int { return u.p.PID }

// Args reconstructs the argument vector the loader pushed, by reading
// it back off the user stack through the page table — the same walk a
// compiled program's startup code performs.
func (u *UserContext) Args() []string {
	f := u.p.Frame
	sp := f.GPRs[trap.RegSP]
	// Layout upward from sp: ret slot, argc, argv pointer.
	var word [8]byte
	if u.p.copyIn(word[:], sp+8) != nil {
		return nil
	}
	argc := int(binary.LittleEndian.Uint64(word[:]))
	if argc < 0 || argc > 1024 {
		return nil
	}
	if u.p.copyIn(word[:], sp+16) != nil {
		return nil
	}
	argvAddr := binary.LittleEndian.Uint64(word[:])

	out := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		if u.p.copyIn(word[:], argvAddr+uint64(i)*8) != nil {
			return nil
		}
		s, err := u.p.readUserString(binary.LittleEndian.Uint64(word[:]), 4096)
		if err != nil {
			return nil
		}
		out = append(out, s)
	}
	return out
}

// StackAlloc copies data onto the user stack below the current stack
// pointer and returns its user address — the way a compiled program's
// locals come into existence. Returns 0 if the stack page is
// exhausted.
func (u *UserContext) StackAlloc(data []byte) uint64 {
	f := u.p.Frame
	sp := f.GPRs[trap.RegSP]
	if uint64(len(data)) > sp {
		return 0
	}
	sp -= uint64(len(data))
	sp &^= 7
	if u.p.copyOut(sp, data) != nil {
		return 0
	}
	f.GPRs[trap.RegSP] = sp
	return sp
}

// Syscall issues one system call: number in a7, arguments in a0-a5,
// result read back from a0, exactly the user ABI. If the call
// terminated the process (exit, or a kill for invalid input), control
// does not return to the program body.
func (u *UserContext) Syscall(num uint64, args ...uint64) uint64 {
	f := u.p.Frame
	f.GPRs[trap.RegA7] = num
	for i := 0; i < 6; i++ {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		f.GPRs[trap.RegA0+i] = v
	}
	f.Scause = csr.CauseUserECall
	f.Stval = 0
	u.k.Trap.Dispatch(f)

	if u.p.terminated {
		panic(errUnwind)
	}
	return f.A0()
}
