package main

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/hienqn/maverick-os-sub002/machine"
)

func newMachine(memMB uint64, disk, scratch string, debug bool) (*machine.Machine, error) {
	return machine.New(machine.Config{
		RAMBytes:   memMB * 1024 * 1024,
		Debug:      debug,
		ConsoleOut: os.Stdout,
		ConsoleIn:  os.Stdin,
		DiskImage:  disk,
		ScratchDir: scratch,
	})
}

// buildDTB assembles the minimal flattened device tree the firmware
// would hand the kernel: a root node with /chosen/bootargs. The kernel
// walks this for real; passing the command line through any other
// channel would bypass the boot contract.
func buildDTB(bootargs string) []byte {
	be := binary.BigEndian

	var strBlock bytes.Buffer
	bootargsOff := uint32(strBlock.Len())
	strBlock.WriteString("bootargs")
	strBlock.WriteByte(0)

	var structBlock bytes.Buffer
	u32 := func(v uint32) { binary.Write(&structBlock, be, v) }
	name := func(s string) {
		structBlock.WriteString(s)
		structBlock.WriteByte(0)
		for structBlock.Len()%4 != 0 {
			structBlock.WriteByte(0)
		}
	}

	u32(1) // BEGIN_NODE
	name("")
	u32(1)
	name("chosen")
	u32(3) // PROP
	u32(uint32(len(bootargs) + 1))
	u32(bootargsOff)
	structBlock.WriteString(bootargs)
	structBlock.WriteByte(0)
	for structBlock.Len()%4 != 0 {
		structBlock.WriteByte(0)
	}
	u32(2) // END_NODE chosen
	u32(2) // END_NODE root
	u32(9) // END

	const headerLen = 40
	blob := make([]byte, headerLen)
	be.PutUint32(blob[0:], 0xd00dfeed)
	be.PutUint32(blob[8:], headerLen)
	be.PutUint32(blob[12:], uint32(headerLen+structBlock.Len()))
	blob = append(blob, structBlock.Bytes()...)
	blob = append(blob, strBlock.Bytes()...)
	return blob
}
