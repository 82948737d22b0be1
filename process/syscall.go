package process

import (
	"github.com/hienqn/maverick-os-sub002/trap"
	"github.com/hienqn/maverick-os-sub002/vfs"
)

// System-call numbers, the a7 values user programs load before ecall.
const (
	SysHalt uint64 = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
)

const retError = ^uint64(0) // -1 in the a0 register

// maxStringArg bounds path and command-line strings read from user
// memory.
const maxStringArg = 512

// Console file descriptors.
const (
	fdStdin  = 0
	fdStdout = 1
)

// Syscall is the trap dispatcher's ECALL target: it resolves the
// calling process, routes on the number in a7, and places the result
// in a0. Every user pointer is validated against the process page
// directory before it is dereferenced; a failure kills the process
// with exit code -1.
func (k *Kernel) Syscall(f *trap.Frame) {
	p := k.Current()
	if p == nil {
		if k.Panic != nil {
			k.Panic("ecall from a thread with no process")
		}
		return
	}
	p.inSyscall = true
	defer func() { p.inSyscall = false }()

	num := f.SyscallNumber()
	arg := f.SyscallArg

	switch num {
	case SysHalt:
		if k.Halt != nil {
			k.Halt()
		}

	case SysExit:
		p.exitCode = int(int64(arg(0)))
		p.terminated = true

	case SysExec:
		cmd, err := p.readUserString(arg(0), maxStringArg)
		if err != nil {
			k.kill(p)
			return
		}
		pid, err := k.Execute(p.MainThread, p, cmd)
		if err != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(pid))

	case SysWait:
		code, ok := k.Wait(p.MainThread, p, int(int64(arg(0))))
		if !ok {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(int64(code)))

	case SysCreate:
		path, err := p.readUserString(arg(0), maxStringArg)
		if err != nil {
			k.kill(p)
			return
		}
		if k.FS.Create(path, int64(arg(1))) != nil {
			f.SetA0(0)
			return
		}
		f.SetA0(1)

	case SysRemove:
		path, err := p.readUserString(arg(0), maxStringArg)
		if err != nil {
			k.kill(p)
			return
		}
		if k.FS.Remove(path) != nil {
			f.SetA0(0)
			return
		}
		f.SetA0(1)

	case SysOpen:
		path, err := p.readUserString(arg(0), maxStringArg)
		if err != nil {
			k.kill(p)
			return
		}
		file, err := k.FS.Open(path)
		if err != nil {
			f.SetA0(retError)
			return
		}
		p.mu.Lock()
		fd := p.nextFD
		p.nextFD++
		p.fds[fd] = file
		p.mu.Unlock()
		f.SetA0(uint64(fd))

	case SysFilesize:
		file := p.fileFor(int(arg(0)))
		if file == nil {
			f.SetA0(retError)
			return
		}
		size, err := file.Size()
		if err != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(size))

	case SysRead:
		k.sysRead(f, p, int(arg(0)), arg(1), arg(2))

	case SysWrite:
		k.sysWrite(f, p, int(arg(0)), arg(1), arg(2))

	case SysSeek:
		if file := p.fileFor(int(arg(0))); file != nil {
			file.Seek(int64(arg(1)))
		}

	case SysTell:
		file := p.fileFor(int(arg(0)))
		if file == nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(file.Tell()))

	case SysClose:
		fd := int(arg(0))
		p.mu.Lock()
		file := p.fds[fd]
		delete(p.fds, fd)
		p.mu.Unlock()
		if file != nil {
			file.Close()
		}

	default:
		f.SetA0(retError)
	}
}

func (p *PCB) fileFor(fd int) *vfs.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fds[fd]
}

func (k *Kernel) sysRead(f *trap.Frame, p *PCB, fd int, buf, n uint64) {
	if err := p.ValidateUserPtr(buf, n, true); err != nil {
		k.kill(p)
		return
	}
	tmp := make([]byte, n)
	switch {
	case fd == fdStdin:
		if k.ConsoleIn == nil {
			f.SetA0(retError)
			return
		}
		got, err := k.ConsoleIn.Read(tmp)
		if err != nil || p.copyOut(buf, tmp[:got]) != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(got))
	case fd == fdStdout:
		f.SetA0(retError)
	default:
		file := p.fileFor(fd)
		if file == nil {
			f.SetA0(retError)
			return
		}
		got, err := file.Read(tmp)
		if err != nil || p.copyOut(buf, tmp[:got]) != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(got))
	}
}

func (k *Kernel) sysWrite(f *trap.Frame, p *PCB, fd int, buf, n uint64) {
	if err := p.ValidateUserPtr(buf, n, false); err != nil {
		k.kill(p)
		return
	}
	tmp := make([]byte, n)
	if err := p.copyIn(tmp, buf); err != nil {
		k.kill(p)
		return
	}
	switch {
	case fd == fdStdout:
		wrote, err := k.Console.Write(tmp)
		if err != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(wrote))
	case fd == fdStdin:
		f.SetA0(retError)
	default:
		file := p.fileFor(fd)
		if file == nil {
			f.SetA0(retError)
			return
		}
		wrote, err := file.Write(tmp)
		if err != nil {
			f.SetA0(retError)
			return
		}
		f.SetA0(uint64(wrote))
	}
}
