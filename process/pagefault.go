package process

import (
	"github.com/hienqn/maverick-os-sub002/csr"
	"github.com/hienqn/maverick-os-sub002/memlayout"
	"github.com/hienqn/maverick-os-sub002/trap"
)

// PageFault handles instruction/load/store page faults. A fault taken
// in user mode kills the process. A fault taken in supervisor mode
// while a syscall is dereferencing a user pointer (faulting address
// below the user-virtual top) also kills the offending process; any
// other supervisor fault is a kernel bug and panics.
func (k *Kernel) PageFault(f *trap.Frame) {
	p := k.Current()
	fromUser := f.Sstatus&csr.SstatusSPP == 0

	if fromUser {
		if p == nil {
			k.fatal(f, "user page fault with no process")
			return
		}
		k.kill(p)
		return
	}

	if p != nil && p.inSyscall && f.Stval < memlayout.UserTop {
		k.kill(p)
		return
	}
	k.fatal(f, "kernel page fault")
}

func (k *Kernel) fatal(f *trap.Frame, reason string) {
	if k.Panic != nil {
		k.Panic("%s: cause=0x%x epc=0x%x tval=0x%x", reason, f.Scause, f.Sepc, f.Stval)
		return
	}
	panic(reason)
}
