package cmdline

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestParseOptionsAndActions(t *testing.T) {
	opts, actions := Parse("-q -rs 42 -sched priority run echo a b rtkt alarm-single", io.Discard)
	if !opts.Quiet {
		t.Error("expected Quiet")
	}
	if !opts.HasSeed || opts.RandomSeed != 42 {
		t.Errorf("seed: got %v/%v", opts.HasSeed, opts.RandomSeed)
	}
	if opts.Scheduler != "priority" {
		t.Errorf("scheduler: got %q", opts.Scheduler)
	}
	if len(actions) != 2 {
		t.Fatalf("actions: got %d, want 2", len(actions))
	}
	run, ok := actions[0].(RunProgram)
	if !ok || run.Prog != "echo" || len(run.Args) != 2 || run.Args[0] != "a" || run.Args[1] != "b" {
		t.Errorf("action 0: got %#v", actions[0])
	}
	tst, ok := actions[1].(RunKernelTest)
	if !ok || tst.Name != "alarm-single" {
		t.Errorf("action 1: got %#v", actions[1])
	}
}

func TestParseDefaults(t *testing.T) {
	opts, actions := Parse("", io.Discard)
	if opts.Quiet || opts.Scheduler != "fifo" || len(actions) != 0 {
		t.Fatalf("got %#v, %v", opts, actions)
	}
}

func TestUnknownTokensDiagnosedAndSkipped(t *testing.T) {
	var diag bytes.Buffer
	opts, actions := Parse("-zz -q bogus rtkt alarm-single", &diag)
	if !opts.Quiet {
		t.Error("known option after unknown one was lost")
	}
	if len(actions) != 1 {
		t.Fatalf("actions: got %v", actions)
	}
	out := diag.String()
	if !strings.Contains(out, "-zz") || !strings.Contains(out, "bogus") {
		t.Errorf("diagnostics missing: %q", out)
	}
}

func TestOverlongLineTruncated(t *testing.T) {
	line := "-q " + strings.Repeat("x", 2*MaxLen)
	opts, _ := Parse(line, io.Discard)
	if !opts.Quiet {
		t.Error("option before truncation point was lost")
	}
}

func TestDiskNames(t *testing.T) {
	opts, _ := Parse("-f -filesys fs.dsk -scratch sc.dsk -swap sw.dsk", io.Discard)
	if !opts.Format || opts.Filesys != "fs.dsk" || opts.Scratch != "sc.dsk" || opts.Swap != "sw.dsk" {
		t.Fatalf("got %#v", opts)
	}
}
