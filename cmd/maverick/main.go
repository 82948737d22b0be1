// Command maverick boots the simulated machine: it assembles a RAM
// arena, runs the kernel boot sequence with the given bootargs, runs
// the requested actions, and powers off.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	var (
		memMB    = flag.Uint64("mem", 128, "RAM size in MiB")
		disk     = flag.String("disk", "", "path to a raw disk image (512-byte sectors)")
		scratch  = flag.String("scratch-dir", "", "host directory backing the file system (default: temp dir)")
		bootargs = flag.String("bootargs", "-q", "kernel command line")
		debug    = flag.Bool("debug", false, "verbose machine logging")
	)
	flag.Parse()

	if err := run(*memMB, *disk, *scratch, *bootargs, *debug); err != nil {
		log.Fatal(err)
	}
}

func run(memMB uint64, disk, scratch, bootargs string, debug bool) error {
	if scratch == "" {
		dir, err := os.MkdirTemp("", "maverick-scratch-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		scratch = dir
	}

	m, err := newMachine(memMB, disk, scratch, debug)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Provision("echo", "halt"); err != nil {
		return fmt.Errorf("provisioning built-in programs: %w", err)
	}
	if err := m.Boot(0, buildDTB(bootargs)); err != nil {
		return err
	}
	m.RunActions()
	m.Shutdown()
	return nil
}
