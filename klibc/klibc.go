// Package klibc provides the byte-oriented primitives the kernel uses
// when it manipulates the guest's raw memory: copy, fill, compare, and
// tokenize over []byte windows. Go's builtins cover the same ground
// for ordinary slices, but the loader, the argv builder, and the
// command-line parser all work over windows into physical memory where
// an explicit, bounds-honest primitive reads better than ad-hoc
// copy/clear calls scattered through callers.
package klibc

// Memcpy copies min(len(dst), len(src)) bytes from src to dst and
// returns the number copied.
func Memcpy(dst, src []byte) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	copy(dst[:n], src[:n])
	return n
}

// Memset fills dst with b.
func Memset(dst []byte, b byte) {
	for i := range dst {
		dst[i] = b
	}
}

// Strcmp compares two NUL-terminated byte strings the C way: the
// result is negative, zero, or positive as a sorts before, equal to,
// or after b. Comparison stops at the first NUL or the end of the
// shorter slice.
func Strcmp(a, b []byte) int {
	i := 0
	for {
		var ca, cb byte
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		if ca != cb {
			return int(ca) - int(cb)
		}
		if ca == 0 {
			return 0
		}
		i++
	}
}

// Strtok splits s on any of the bytes in delims, returning the next
// token and the remainder to pass back in. Unlike C's strtok it keeps
// no hidden state; the caller threads the remainder through. A nil
// token means s held no more tokens.
func Strtok(s, delims []byte) (token, rest []byte) {
	isDelim := func(b byte) bool {
		for _, d := range delims {
			if b == d {
				return true
			}
		}
		return false
	}
	i := 0
	for i < len(s) && isDelim(s[i]) {
		i++
	}
	if i == len(s) {
		return nil, nil
	}
	start := i
	for i < len(s) && !isDelim(s[i]) {
		i++
	}
	return s[start:i], s[i:]
}
