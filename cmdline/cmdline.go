// Package cmdline parses the kernel command line: leading "-" options
// followed by a sequence of actions. Unknown options and actions are
// diagnosed and skipped rather than treated as fatal, so a typo in
// bootargs still boots the machine.
package cmdline

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hienqn/maverick-os-sub002/klibc"
)

// MaxLen bounds the accepted command-line length in bytes; anything
// longer is truncated before parsing.
const MaxLen = 128

// Options holds the parsed leading options.
type Options struct {
	Quiet         bool
	RandomSeed    int64
	HasSeed       bool
	UserPageLimit int
	HasPageLimit  bool
	Scheduler     string
	Format        bool
	Filesys       string
	Scratch       string
	Swap          string
}

// Action is one of the run-something verbs following the options.
type Action interface{ isAction() }

// RunProgram runs a user program with arguments.
type RunProgram struct {
	Prog string
	Args []string
}

// RunKernelTest runs a named kernel-thread test.
type RunKernelTest struct {
	Name string
}

func (RunProgram) isAction()    {}
func (RunKernelTest) isAction() {}

// tokenize splits the raw command line on whitespace.
func tokenize(line string) []string {
	var tokens []string
	rest := []byte(line)
	for {
		var tok []byte
		tok, rest = klibc.Strtok(rest, []byte(" \t"))
		if tok == nil {
			return tokens
		}
		tokens = append(tokens, string(tok))
	}
}

// Parse splits line into options and actions. diag receives one line
// per skipped token; pass io.Discard to suppress.
func Parse(line string, diag io.Writer) (Options, []Action) {
	if diag == nil {
		diag = io.Discard
	}
	if len(line) > MaxLen {
		line = line[:MaxLen]
	}
	opts := Options{Scheduler: "fifo"}
	tokens := tokenize(line)

	i := 0
	for i < len(tokens) && strings.HasPrefix(tokens[i], "-") {
		tok := tokens[i]
		i++
		arg := func() (string, bool) {
			if i < len(tokens) {
				a := tokens[i]
				i++
				return a, true
			}
			fmt.Fprintf(diag, "option %s requires an argument\n", tok)
			return "", false
		}
		switch tok {
		case "-q":
			opts.Quiet = true
		case "-rs":
			if a, ok := arg(); ok {
				seed, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					fmt.Fprintf(diag, "bad seed %q\n", a)
					continue
				}
				opts.RandomSeed = seed
				opts.HasSeed = true
			}
		case "-ul":
			if a, ok := arg(); ok {
				n, err := strconv.Atoi(a)
				if err != nil || n < 0 {
					fmt.Fprintf(diag, "bad user-page limit %q\n", a)
					continue
				}
				opts.UserPageLimit = n
				opts.HasPageLimit = true
			}
		case "-sched":
			if a, ok := arg(); ok {
				opts.Scheduler = a
			}
		case "-f":
			opts.Format = true
		case "-filesys":
			if a, ok := arg(); ok {
				opts.Filesys = a
			}
		case "-scratch":
			if a, ok := arg(); ok {
				opts.Scratch = a
			}
		case "-swap":
			if a, ok := arg(); ok {
				opts.Swap = a
			}
		default:
			fmt.Fprintf(diag, "unknown option %s (skipped)\n", tok)
		}
	}

	var actions []Action
	for i < len(tokens) {
		switch tokens[i] {
		case "run":
			i++
			if i >= len(tokens) {
				fmt.Fprintf(diag, "run requires a program name\n")
				break
			}
			prog := tokens[i]
			i++
			var args []string
			for i < len(tokens) && tokens[i] != "run" && tokens[i] != "rtkt" {
				args = append(args, tokens[i])
				i++
			}
			actions = append(actions, RunProgram{Prog: prog, Args: args})
		case "rtkt":
			i++
			if i >= len(tokens) {
				fmt.Fprintf(diag, "rtkt requires a test name\n")
				break
			}
			actions = append(actions, RunKernelTest{Name: tokens[i]})
			i++
		default:
			fmt.Fprintf(diag, "unknown action %q (skipped)\n", tokens[i])
			i++
		}
	}
	return opts, actions
}
