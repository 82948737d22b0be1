package process

import (
	"fmt"

	"github.com/hienqn/maverick-os-sub002/klibc"
	"github.com/hienqn/maverick-os-sub002/memlayout"
)

// ErrBadPointer is returned when a user-supplied address fails
// validation; the syscall layer turns it into a kill.
var ErrBadPointer = fmt.Errorf("process: bad user pointer")

// ValidateUserPtr checks that [addr, addr+n) lies entirely in user
// space and that every page it touches is mapped with the U and R
// bits (plus W when write is true). Page-table walking, not trial
// dereference: the check happens before any access.
func (p *PCB) ValidateUserPtr(addr, n uint64, write bool) error {
	if n == 0 {
		n = 1
	}
	if addr >= memlayout.UserTop || addr+n > memlayout.UserTop || addr+n < addr {
		return ErrBadPointer
	}
	for va := memlayout.PageRoundDown(addr); va < addr+n; va += memlayout.PageSize {
		_, pte, ok := p.PT.Lookup(va)
		if !ok || !pte.User() || !pte.Readable() {
			return ErrBadPointer
		}
		if write && !pte.Writable() {
			return ErrBadPointer
		}
	}
	return nil
}

// copyIn copies len(dst) bytes from user address ua into dst,
// translating page by page. The caller has already validated the
// range.
func (p *PCB) copyIn(dst []byte, ua uint64) error {
	done := uint64(0)
	for done < uint64(len(dst)) {
		va := ua + done
		pa, _, ok := p.PT.Lookup(va)
		if !ok {
			return ErrBadPointer
		}
		chunk := memlayout.PageSize - memlayout.PageOffset(va)
		if rem := uint64(len(dst)) - done; chunk > rem {
			chunk = rem
		}
		klibc.Memcpy(dst[done:done+chunk], p.kernel.BytesAt(pa, chunk))
		done += chunk
	}
	return nil
}

// copyOut copies src to user address ua, translating page by page.
func (p *PCB) copyOut(ua uint64, src []byte) error {
	done := uint64(0)
	for done < uint64(len(src)) {
		va := ua + done
		pa, _, ok := p.PT.Lookup(va)
		if !ok {
			return ErrBadPointer
		}
		chunk := memlayout.PageSize - memlayout.PageOffset(va)
		if rem := uint64(len(src)) - done; chunk > rem {
			chunk = rem
		}
		klibc.Memcpy(p.kernel.BytesAt(pa, chunk), src[done:done+chunk])
		done += chunk
	}
	return nil
}

// readUserString reads a NUL-terminated string of at most max bytes
// from user memory, validating each page as it crosses into it.
func (p *PCB) readUserString(ua uint64, max int) (string, error) {
	var out []byte
	for len(out) < max {
		if err := p.ValidateUserPtr(ua, 1, false); err != nil {
			return "", err
		}
		pa, _, ok := p.PT.Lookup(ua)
		if !ok {
			return "", ErrBadPointer
		}
		b := p.kernel.BytesAt(pa, 1)[0]
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
		ua++
	}
	return "", fmt.Errorf("process: unterminated user string")
}
