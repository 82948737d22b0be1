package machine

import (
	"fmt"
	"strings"

	"github.com/hienqn/maverick-os-sub002/elfimage"
	"github.com/hienqn/maverick-os-sub002/process"
)

// Built-in user program behaviors. Every one still goes through the
// real loader against a provisioned image; the behavior is the
// instruction stream the simulator cannot execute natively.
func registerBuiltinPrograms(k *process.Kernel) {
	k.Programs["echo"] = func(u *process.UserContext) int {
		args := u.Args()
		line := strings.Join(args[1:], " ") + "\n"
		addr := u.StackAlloc([]byte(line))
		if addr == 0 {
			return 1
		}
		u.Syscall(process.SysWrite, 1, addr, uint64(len(line)))
		return 0
	}

	k.Programs["halt"] = func(u *process.UserContext) int {
		u.Syscall(process.SysHalt)
		return 0
	}
}

// userImageBase is where provisioned program images link their text
// segment; well above the unmapped first page.
const userImageBase = 0x10000

// Provision writes a minimal executable image for each named program
// into the file system, so exec can load it. The text bytes are a
// plausible RV64 prologue ending in ecall; their content only matters
// to the loader's segment accounting.
func (m *Machine) Provision(names ...string) error {
	text := []byte{
		0x13, 0x01, 0x01, 0xFF, // addi sp, sp, -16
		0x93, 0x08, 0x10, 0x00, // li a7, 1
		0x73, 0x00, 0x00, 0x00, // ecall
	}
	image := elfimage.Build(userImageBase, []elfimage.Segment{
		{Vaddr: userImageBase, Data: text, Flags: elfimage.PFR | elfimage.PFX},
		{Vaddr: userImageBase + 0x1000, Data: []byte{0}, Memsz: 0x100, Flags: elfimage.PFR | elfimage.PFW},
	})
	for _, name := range names {
		if err := m.FS.Create(name, int64(len(image))); err != nil {
			return fmt.Errorf("machine: provisioning %s: %w", name, err)
		}
		f, err := m.FS.Open(name)
		if err != nil {
			return err
		}
		_, werr := f.Write(image)
		f.Close()
		if werr != nil {
			return werr
		}
	}
	return nil
}
