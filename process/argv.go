package process

import (
	"encoding/binary"
	"fmt"
)

// BuildStack lays the argument vector out at the top of the user
// stack: argument strings pushed in reverse order, a NULL sentinel,
// the argv pointers in forward order (so argv indexes like a C
// array), a pointer to argv[0], argc, and a zero return-address slot.
// The returned stack pointer is 16-byte aligned.
func (p *PCB) BuildStack(stackTop uint64, args []string) (sp uint64, err error) {
	sp = stackTop

	// Strings, last argument first, each NUL-terminated.
	ptrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		data := append([]byte(args[i]), 0)
		sp -= uint64(len(data))
		if err := p.copyOut(sp, data); err != nil {
			return 0, fmt.Errorf("process: pushing argument %d: %w", i, err)
		}
		ptrs[i] = sp
	}

	// Word-align, then pad so the final sp lands on a 16-byte
	// boundary: below here come (argc+1) argv slots, the argv
	// pointer, argc, and the return-address slot.
	sp &^= 7
	words := uint64(len(args)+1) + 3
	if (sp-8*words)%16 != 0 {
		sp -= 8
	}

	push := func(v uint64) error {
		sp -= 8
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return p.copyOut(sp, buf[:])
	}

	if err := push(0); err != nil { // argv[argc] sentinel
		return 0, err
	}
	for i := len(args) - 1; i >= 0; i-- {
		if err := push(ptrs[i]); err != nil {
			return 0, err
		}
	}
	argvAddr := sp
	if err := push(argvAddr); err != nil {
		return 0, err
	}
	if err := push(uint64(len(args))); err != nil {
		return 0, err
	}
	if err := push(0); err != nil { // fake return address
		return 0, err
	}
	if sp%16 != 0 {
		return 0, fmt.Errorf("process: stack pointer 0x%x not 16-byte aligned", sp)
	}
	return sp, nil
}
