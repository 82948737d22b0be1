// Package sbi models the supervisor-firmware ecall interface: the thin
// boundary between the supervisor-mode kernel and the M-mode firmware
// that backs console I/O, the platform timer, shutdown, and TLB/icache
// shoot-down across harts.
//
// There is no real M-mode firmware under this simulator, so the raw
// ecall primitive is injected through New: production code wires it to the
// Machine's emulated firmware state, tests wire it to a fake that
// records calls and returns canned values.
package sbi

import "fmt"

// Extension and function ids for the calls this kernel actually uses.
// Values follow the legacy SBI console/timer/shutdown extension ids;
// ExtBase is the modern "base" extension used to probe for the rest.
const (
	ExtBase    int64 = 0x10
	ExtTimer   int64 = 0x54494D45 // "TIME"
	ExtConsole int64 = 0x4442434E // "DBCN" (debug console)
	ExtRFence  int64 = 0x52464E43 // "RFNC"
	ExtSystem  int64 = 0x53525354 // "SRST"

	// Legacy (pre-extension) call numbers, used when the modern
	// extension does not probe present.
	legacyPutChar  int64 = 1
	legacyGetChar  int64 = 2
	legacyShutdown int64 = 8
	legacySetTimer int64 = 0

	fnBaseProbeExt int64 = 3

	fnTimerSetTimer int64 = 0

	fnConsoleWrite    int64 = 0
	fnConsoleReadByte int64 = 2

	fnRFenceFenceI    int64 = 0
	fnRFenceSFenceVMA int64 = 1

	fnSystemReset int64 = 0
)

// ecallFunc is the raw primitive: invoke the firmware with an
// extension id, a function id, and up to six argument words, and
// receive back an (error, value) pair the way every real SBI call
// does. Production wiring and test fakes both implement this shape.
type ecallFunc func(ext, fid int64, args [6]uint64) (errorCode int64, value int64)

// Firmware is the kernel-facing wrapper around the raw ecall
// primitive. It remembers which modern extensions have probed
// present so repeat calls skip the probe.
type Firmware struct {
	ecall   ecallFunc
	probed  map[int64]bool
	present map[int64]bool
}

// New wraps the given raw ecall primitive.
func New(ecall ecallFunc) *Firmware {
	return &Firmware{
		ecall:   ecall,
		probed:  make(map[int64]bool),
		present: make(map[int64]bool),
	}
}

// Error is returned when the firmware reports a non-zero error code.
// Most callers other than Shutdown treat this as fatal to the calling
// operation, not to the kernel.
type Error struct {
	Ext, Fn int64
	Code    int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("sbi: ext=0x%x fn=%d returned error %d", e.Ext, e.Fn, e.Code)
}

func (fw *Firmware) call(ext, fid int64, args ...uint64) (int64, error) {
	var a [6]uint64
	copy(a[:], args)
	errCode, value := fw.ecall(ext, fid, a)
	if errCode != 0 {
		return 0, &Error{Ext: ext, Fn: fid, Code: errCode}
	}
	return value, nil
}

// ProbeExtension reports whether the firmware implements the given
// extension id, caching the result so repeat probes are free.
func (fw *Firmware) ProbeExtension(ext int64) bool {
	if fw.probed[ext] {
		return fw.present[ext]
	}
	val, err := fw.call(ExtBase, fnBaseProbeExt, uint64(ext))
	present := err == nil && val != 0
	fw.probed[ext] = true
	fw.present[ext] = present
	return present
}

// ConsolePutChar writes a single byte to the firmware console,
// preferring the modern debug-console extension and falling back to
// the legacy single-byte putchar call.
func (fw *Firmware) ConsolePutChar(b byte) error {
	if fw.ProbeExtension(ExtConsole) {
		_, err := fw.call(ExtConsole, fnConsoleWrite, 1, uint64(b), 0)
		return err
	}
	_, err := fw.call(0, legacyPutChar, uint64(b))
	return err
}

// ConsoleGetChar reads a single byte from the firmware console,
// non-blocking: it returns (-1, nil) when no byte is available.
func (fw *Firmware) ConsoleGetChar() (int, error) {
	if fw.ProbeExtension(ExtConsole) {
		val, err := fw.call(ExtConsole, fnConsoleReadByte, 1, 0, 0)
		if err != nil {
			return -1, err
		}
		if val == 0 {
			return -1, nil
		}
		return int(val), nil
	}
	val, err := fw.call(0, legacyGetChar)
	if err != nil {
		return -1, err
	}
	if val < 0 || val > 255 {
		return -1, nil
	}
	return int(val), nil
}

// SetTimer arms the next timer interrupt to fire when the platform
// time counter reaches the given absolute value.
func (fw *Firmware) SetTimer(deadline uint64) error {
	if fw.ProbeExtension(ExtTimer) {
		_, err := fw.call(ExtTimer, fnTimerSetTimer, deadline)
		return err
	}
	_, err := fw.call(0, legacySetTimer, deadline)
	return err
}

// Shutdown powers the machine off. Callers that treat shutdown as
// unconditional must not rely on this function returning; per
// spec, a failed shutdown falls back to a spin on wfi, which this
// simulator models by returning the error for the caller to act on.
func (fw *Firmware) Shutdown() error {
	_, err := fw.call(ExtSystem, fnSystemReset, 0, 0)
	if err != nil {
		// Legacy extension has no reason/type arguments.
		_, legacyErr := fw.call(0, legacyShutdown)
		return legacyErr
	}
	return nil
}

// RemoteFenceI requests an instruction-cache fence on every hart in
// hartMask. Single-hart deployments still issue the call so the
// kernel's own fence logic doesn't special-case hart count.
func (fw *Firmware) RemoteFenceI(hartMask uint64) error {
	_, err := fw.call(ExtRFence, fnRFenceFenceI, hartMask, 0)
	return err
}

// RemoteSFenceVMA requests a TLB shoot-down over [start, start+size)
// on every hart in hartMask.
func (fw *Firmware) RemoteSFenceVMA(hartMask, start, size uint64) error {
	_, err := fw.call(ExtRFence, fnRFenceSFenceVMA, hartMask, 0, start, size)
	return err
}
