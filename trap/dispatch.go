package trap

import (
	"fmt"
	"sync/atomic"

	"github.com/hienqn/maverick-os-sub002/csr"
)

// Handler is a registered cause handler. It must not block:
// interrupt-context code that reaches a suspension point is expected
// to panic.
type Handler func(f *Frame)

// PanicFunc is invoked on an unrecoverable condition (architectural
// fault, unknown cause). It is swappable so tests can capture the
// panic message instead of actually halting the process.
type PanicFunc func(format string, args ...any)

// Dispatcher routes traps by cause code, tracks interrupt nesting,
// and owns the panic path. Exception causes route through a fixed
// switch; interrupt causes route through the registration table.
type Dispatcher struct {
	handlers map[uint64]Handler
	nesting  int32
	panicFn  PanicFunc

	OnUserECall  func(f *Frame)
	OnPageFault  func(f *Frame)
	OnBreakpoint func(f *Frame)
}

// NewDispatcher creates a Dispatcher whose fatal path calls panicFn.
func NewDispatcher(panicFn PanicFunc) *Dispatcher {
	return &Dispatcher{handlers: make(map[uint64]Handler), panicFn: panicFn}
}

// Register installs a handler for the given interrupt cause (high bit
// set). Exception causes are routed by the fixed table in Dispatch,
// not through Register.
func (d *Dispatcher) Register(cause uint64, h Handler) {
	d.handlers[cause] = h
}

// InInterruptContext reports whether a trap is currently being
// serviced. Registered handlers must not reach a suspension point
// while this is true.
func (d *Dispatcher) InInterruptContext() bool {
	return atomic.LoadInt32(&d.nesting) > 0
}

// Dispatch reads Scause from the frame and routes interrupts to the
// registered handler table, and exceptions by the fixed cause-code
// table.
func (d *Dispatcher) Dispatch(f *Frame) {
	atomic.AddInt32(&d.nesting, 1)
	defer atomic.AddInt32(&d.nesting, -1)

	if f.IsInterrupt() {
		h, ok := d.handlers[f.Scause]
		if !ok {
			// Spurious; silently ignored.
			return
		}
		h(f)
		return
	}

	switch f.Scause {
	case csr.CauseUserECall:
		f.Sepc += 4
		if d.OnUserECall != nil {
			d.OnUserECall(f)
		}
	case csr.CauseInstructionPageFault, csr.CauseLoadPageFault, csr.CauseStorePageFault:
		if d.OnPageFault != nil {
			d.OnPageFault(f)
		} else {
			d.fatal(f, "unhandled page fault")
		}
	case csr.CauseIllegalInstruction, csr.CauseInstructionMisaligned,
		csr.CauseLoadMisaligned, csr.CauseStoreMisaligned,
		csr.CauseInstructionAccessFault, csr.CauseLoadAccessFault,
		csr.CauseStoreAccessFault:
		d.fatal(f, "architectural fault")
	case csr.CauseBreakpoint:
		f.Sepc += 2
		if d.OnBreakpoint != nil {
			d.OnBreakpoint(f)
		}
	default:
		d.fatal(f, "unknown trap cause")
	}
}

func (d *Dispatcher) fatal(f *Frame, reason string) {
	msg := fmt.Sprintf("%s: cause=0x%x epc=0x%x tval=0x%x", reason, f.Scause, f.Sepc, f.Stval)
	if d.panicFn != nil {
		d.panicFn("%s", msg)
		return
	}
	panic(msg)
}
