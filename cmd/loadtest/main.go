// Command loadtest drives simulated participants against a live session
// server.
//
//   - saturate:  open N idle connections spread over sessions and hold them
//   - classroom: fill sessions with chatting members and measure fan-out
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"io"
	"os"
)

type scenario struct {
	name    string
	summary string
	run     func(args []string)
}

var scenarios = []scenario{
	{"saturate", "Open N idle connections spread over sessions", runSaturate},
	{"classroom", "Members chat, type and raise hands; measures fan-out latency", runClassroom},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	for _, s := range scenarios {
		if s.name == name {
			s.run(os.Args[2:])
			return
		}
	}
	fmt.Fprintf(os.Stderr, "loadtest: unknown scenario %q\n\n", name)
	usage(os.Stderr)
	os.Exit(1)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: loadtest <scenario> [flags]")
	fmt.Fprintln(w, "\nscenarios:")
	for _, s := range scenarios {
		fmt.Fprintf(w, "  %-10s  %s\n", s.name, s.summary)
	}
	fmt.Fprintln(w, "\nTokens are signed with -secret, which must match LIVESESSION_JWT_SECRET.")
	fmt.Fprintln(w, "Run 'loadtest <scenario> -h' for scenario flags.")
}
