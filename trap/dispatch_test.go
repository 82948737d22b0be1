package trap

import (
	"strings"
	"testing"

	"github.com/hienqn/maverick-os-sub002/csr"
)

func TestDispatchUserECallAdvancesEpc(t *testing.T) {
	d := NewDispatcher(nil)
	var seen uint64
	d.OnUserECall = func(f *Frame) { seen = f.SyscallNumber() }

	f := &Frame{Sepc: 0x1000, Scause: csr.CauseUserECall}
	f.GPRs[RegA7] = 42
	d.Dispatch(f)

	if f.Sepc != 0x1004 {
		t.Fatalf("Sepc = 0x%x, want 0x1004", f.Sepc)
	}
	if seen != 42 {
		t.Fatalf("syscall number = %d, want 42", seen)
	}
}

func TestDispatchBreakpointAdvancesEpcBy2(t *testing.T) {
	d := NewDispatcher(nil)
	f := &Frame{Sepc: 0x2000, Scause: csr.CauseBreakpoint}
	d.Dispatch(f)
	if f.Sepc != 0x2002 {
		t.Fatalf("Sepc = 0x%x, want 0x2002", f.Sepc)
	}
}

func TestDispatchPageFaultDelegates(t *testing.T) {
	d := NewDispatcher(nil)
	var called bool
	d.OnPageFault = func(f *Frame) { called = true }

	f := &Frame{Scause: csr.CauseLoadPageFault}
	d.Dispatch(f)
	if !called {
		t.Fatal("OnPageFault was not invoked for a load page fault")
	}
}

func TestDispatchUnhandledPageFaultIsFatal(t *testing.T) {
	d := NewDispatcher(nil)
	f := &Frame{Scause: csr.CauseStorePageFault}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for unhandled page fault")
		}
		if !strings.Contains(r.(string), "page fault") {
			t.Fatalf("panic message = %q, want it to mention page fault", r)
		}
	}()
	d.Dispatch(f)
}

func TestDispatchArchitecturalFaultIsFatal(t *testing.T) {
	var captured string
	d := NewDispatcher(func(format string, args ...any) {
		captured = format
		if len(args) > 0 {
			captured = args[0].(string)
		}
	})
	f := &Frame{Scause: csr.CauseIllegalInstruction}
	d.Dispatch(f)
	if !strings.Contains(captured, "architectural fault") {
		t.Fatalf("panicFn message = %q, want it to mention architectural fault", captured)
	}
}

func TestDispatchInterruptRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher(nil)
	var fired bool
	d.Register(csr.CauseSupervisorTimerIntr, func(f *Frame) { fired = true })

	f := &Frame{Scause: csr.CauseSupervisorTimerIntr}
	d.Dispatch(f)
	if !fired {
		t.Fatal("timer interrupt was not routed to its registered handler")
	}
}

func TestDispatchUnregisteredInterruptIsIgnored(t *testing.T) {
	d := NewDispatcher(nil)
	f := &Frame{Scause: csr.CauseSupervisorSoftIntr}
	d.Dispatch(f) // must not panic
}

func TestInInterruptContextDuringDispatch(t *testing.T) {
	d := NewDispatcher(nil)
	var nested bool
	d.Register(csr.CauseSupervisorTimerIntr, func(f *Frame) {
		nested = d.InInterruptContext()
	})
	d.Dispatch(&Frame{Scause: csr.CauseSupervisorTimerIntr})
	if !nested {
		t.Fatal("InInterruptContext returned false while a handler was running")
	}
	if d.InInterruptContext() {
		t.Fatal("InInterruptContext returned true after Dispatch returned")
	}
}
