package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildBlob assembles a minimal flattened tree: a root node containing
// a /chosen node with the given properties.
func buildBlob(t *testing.T, chosenProps map[string]string) []byte {
	t.Helper()
	be := binary.BigEndian

	var strBlock bytes.Buffer
	nameOffsets := make(map[string]uint32)
	for name := range chosenProps {
		nameOffsets[name] = uint32(strBlock.Len())
		strBlock.WriteString(name)
		strBlock.WriteByte(0)
	}

	var structBlock bytes.Buffer
	writeU32 := func(v uint32) { binary.Write(&structBlock, be, v) }
	writeName := func(s string) {
		structBlock.WriteString(s)
		structBlock.WriteByte(0)
		for structBlock.Len()%4 != 0 {
			structBlock.WriteByte(0)
		}
	}

	writeU32(1) // BEGIN_NODE (root)
	writeName("")
	writeU32(1) // BEGIN_NODE chosen
	writeName("chosen")
	for name, val := range chosenProps {
		writeU32(3) // PROP
		writeU32(uint32(len(val) + 1))
		writeU32(nameOffsets[name])
		structBlock.WriteString(val)
		structBlock.WriteByte(0)
		for structBlock.Len()%4 != 0 {
			structBlock.WriteByte(0)
		}
	}
	writeU32(4) // NOP
	writeU32(2) // END_NODE chosen
	writeU32(2) // END_NODE root
	writeU32(9) // END

	headerLen := 40
	structOff := headerLen
	stringsOff := structOff + structBlock.Len()

	blob := make([]byte, headerLen)
	be.PutUint32(blob[0:], 0xd00dfeed)
	be.PutUint32(blob[8:], uint32(structOff))
	be.PutUint32(blob[12:], uint32(stringsOff))
	blob = append(blob, structBlock.Bytes()...)
	blob = append(blob, strBlock.Bytes()...)
	return blob
}

func TestBootArgsFound(t *testing.T) {
	blob := buildBlob(t, map[string]string{"bootargs": "-q rtkt alarm-single"})
	if got := BootArgs(blob); got != "-q rtkt alarm-single" {
		t.Fatalf("got %q", got)
	}
}

func TestBootArgsAbsentProperty(t *testing.T) {
	blob := buildBlob(t, map[string]string{"stdout-path": "/soc/uart@10000000"})
	if got := BootArgs(blob); got != DefaultBootArgs {
		t.Fatalf("got %q, want default", got)
	}
}

func TestBootArgsNilAndGarbage(t *testing.T) {
	if got := BootArgs(nil); got != DefaultBootArgs {
		t.Fatalf("nil blob: got %q", got)
	}
	if got := BootArgs([]byte("definitely not a device tree blob")); got != DefaultBootArgs {
		t.Fatalf("garbage blob: got %q", got)
	}
}
