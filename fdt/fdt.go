// Package fdt walks a flattened device-tree blob to extract the boot
// arguments the firmware passed the kernel. Only the token grammar
// needed to find /chosen/bootargs is implemented: BEGIN_NODE,
// END_NODE, PROP, NOP, and END over big-endian 32-bit words, with the
// structure and string block offsets read from the header.
package fdt

import (
	"encoding/binary"

	"github.com/hienqn/maverick-os-sub002/klibc"
)

const (
	magic uint32 = 0xd00dfeed

	tokenBeginNode uint32 = 1
	tokenEndNode   uint32 = 2
	tokenProp      uint32 = 3
	tokenNop       uint32 = 4
	tokenEnd       uint32 = 9
)

// Header field byte offsets.
const (
	offMagic     = 0
	offDTStruct  = 8
	offDTStrings = 12
)

// DefaultBootArgs is used when the blob is absent, malformed, or
// carries no /chosen/bootargs property.
const DefaultBootArgs = "-q"

// Node and property names are matched in place against the blob's
// NUL-terminated bytes, no string conversion.
var (
	nodeChosen   = []byte("chosen")
	propBootargs = []byte("bootargs")
)

// BootArgs returns the value of /chosen/bootargs from the blob, or
// DefaultBootArgs if the blob is nil, not a device tree, or has no
// such property.
func BootArgs(blob []byte) string {
	if len(blob) < 16 {
		return DefaultBootArgs
	}
	be := binary.BigEndian
	if be.Uint32(blob[offMagic:]) != magic {
		return DefaultBootArgs
	}
	structOff := be.Uint32(blob[offDTStruct:])
	stringsOff := be.Uint32(blob[offDTStrings:])
	if int(structOff) >= len(blob) || int(stringsOff) >= len(blob) {
		return DefaultBootArgs
	}

	pos := int(structOff)
	depth := 0
	inChosen := false
	for pos+4 <= len(blob) {
		tok := be.Uint32(blob[pos:])
		pos += 4
		switch tok {
		case tokenBeginNode:
			name := blob[pos:]
			_, n := cString(name)
			pos += align4(n + 1)
			depth++
			// /chosen is a direct child of the root node.
			if depth == 2 && klibc.Strcmp(name, nodeChosen) == 0 {
				inChosen = true
			}
		case tokenEndNode:
			depth--
			if inChosen && depth < 2 {
				inChosen = false
			}
		case tokenProp:
			if pos+8 > len(blob) {
				return DefaultBootArgs
			}
			valLen := int(be.Uint32(blob[pos:]))
			nameOff := int(be.Uint32(blob[pos+4:]))
			pos += 8
			if pos+valLen > len(blob) {
				return DefaultBootArgs
			}
			if inChosen {
				if klibc.Strcmp(blob[int(stringsOff)+nameOff:], propBootargs) == 0 {
					val := blob[pos : pos+valLen]
					// Value is NUL-terminated.
					if valLen > 0 && val[valLen-1] == 0 {
						val = val[:valLen-1]
					}
					return string(val)
				}
			}
			pos += align4(valLen)
		case tokenNop:
		case tokenEnd:
			return DefaultBootArgs
		default:
			return DefaultBootArgs
		}
	}
	return DefaultBootArgs
}

func cString(b []byte) (string, int) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i
		}
	}
	return string(b), len(b)
}

func align4(n int) int { return (n + 3) &^ 3 }
