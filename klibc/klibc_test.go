package klibc

import (
	"bytes"
	"testing"
)

func TestMemcpyTruncatesToShorterSlice(t *testing.T) {
	dst := make([]byte, 3)
	n := Memcpy(dst, []byte("hello"))
	if n != 3 || !bytes.Equal(dst, []byte("hel")) {
		t.Fatalf("got n=%d dst=%q", n, dst)
	}
}

func TestMemset(t *testing.T) {
	b := []byte{1, 2, 3}
	Memset(b, 0xAA)
	if !bytes.Equal(b, []byte{0xAA, 0xAA, 0xAA}) {
		t.Fatalf("got %v", b)
	}
}

func TestStrcmp(t *testing.T) {
	cases := []struct {
		a, b string
		want int // sign only
	}{
		{"abc\x00xyz", "abc\x00def", 0},
		{"abc", "abd", -1},
		{"b", "a", 1},
		{"", "", 0},
		{"a", "", 1},
	}
	for _, c := range cases {
		got := Strcmp([]byte(c.a), []byte(c.b))
		switch {
		case c.want == 0 && got != 0,
			c.want < 0 && got >= 0,
			c.want > 0 && got <= 0:
			t.Errorf("Strcmp(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func TestStrtok(t *testing.T) {
	var tokens []string
	rest := []byte("  run echo  hello ")
	for {
		var tok []byte
		tok, rest = Strtok(rest, []byte(" "))
		if tok == nil {
			break
		}
		tokens = append(tokens, string(tok))
	}
	want := []string{"run", "echo", "hello"}
	if len(tokens) != len(want) {
		t.Fatalf("got %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d: got %q, want %q", i, tokens[i], want[i])
		}
	}
}
