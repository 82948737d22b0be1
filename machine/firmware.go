package machine

import (
	"sync"

	"github.com/hienqn/maverick-os-sub002/sbi"
)

// firmwareState emulates the M-mode side of the ecall boundary:
// console bytes, the timer compare register, shutdown, and remote
// fence bookkeeping. It implements the raw {extension, function,
// args} -> {error, value} primitive sbi.Firmware wraps.
type firmwareState struct {
	mu sync.Mutex

	m *Machine

	timerDeadline uint64
	timerArmed    bool
	halted        bool
	fenceICount   uint64
	sfenceCount   uint64
}

const sbiErrNotSupported = -2

func (fs *firmwareState) ecall(ext, fid int64, args [6]uint64) (int64, int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch ext {
	case sbi.ExtBase:
		// Probe: every modern extension this firmware implements.
		switch int64(args[0]) {
		case sbi.ExtTimer, sbi.ExtConsole, sbi.ExtRFence, sbi.ExtSystem:
			return 0, 1
		}
		return 0, 0

	case sbi.ExtConsole:
		switch fid {
		case 0: // write: our wrapper passes the byte in args[1]
			fs.m.consoleByte(byte(args[1]))
			return 0, 0
		case 2: // read one byte; 0 means none available
			b, ok := fs.m.consoleReadByte()
			if !ok {
				return 0, 0
			}
			return 0, int64(b)
		}
		return sbiErrNotSupported, 0

	case sbi.ExtTimer:
		if fid == 0 {
			fs.timerDeadline = args[0]
			fs.timerArmed = true
			return 0, 0
		}
		return sbiErrNotSupported, 0

	case sbi.ExtRFence:
		switch fid {
		case 0:
			fs.fenceICount++
			return 0, 0
		case 1:
			fs.sfenceCount++
			return 0, 0
		}
		return sbiErrNotSupported, 0

	case sbi.ExtSystem:
		if fid == 0 {
			fs.halted = true
			return 0, 0
		}
		return sbiErrNotSupported, 0
	}
	return sbiErrNotSupported, 0
}

// Halted reports whether a shutdown ecall has been serviced.
func (fs *firmwareState) Halted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.halted
}
