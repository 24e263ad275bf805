// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags calls f.Parse(args) and prints appropriate error/help
// messages to stderr.
//
// positional describes the accepted positional arguments and is
// printed with the usage message, "Usage: {prog} [options]
// {positional}". Each space-separated word accepts one argument; a
// final word ending in "..." accepts any number. Required arguments
// are not enforced here, since some flags (like -help) make them
// unnecessary.
//
// The first return value, ok, is true if the program should continue
// running normally, or false if it should exit now. If ok is false,
// exitCode is 0 if "-help" was given, 2 if there was a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch err {
	case nil:
		if max := maxPositional(positional); max >= 0 && f.NArg() > max {
			if max == 0 {
				fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
			} else {
				fmt.Fprintf(stderr, "too many arguments: %v (try -help)\n", f.Args()[max:])
			}
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		if f, ok := f.(*flag.FlagSet); ok && f.Usage != nil {
			f.SetOutput(stderr)
			f.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.SetOutput(stderr)
			f.PrintDefaults()
		}
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}

// maxPositional returns the number of positional arguments described
// by a usage string, or -1 if there is no limit.
func maxPositional(positional string) int {
	words := strings.Fields(positional)
	if n := len(words); n > 0 && strings.HasSuffix(strings.TrimSuffix(words[n-1], "]"), "...") {
		return -1
	}
	return len(words)
}
