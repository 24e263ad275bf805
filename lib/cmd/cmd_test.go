// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"go": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, "go "+strings.Join(args, " "))
		return 0
	}),
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestAliasPrefix(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/bin/zocalo.go", []string{"-r", "archive-nexus", "1234"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "go -r archive-nexus 1234\n")
}

func (s *CmdSuite) TestUnknownCommand(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nope"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*unrecognized command "nope".*    echo\n    go\n`)
}

func (s *CmdSuite) TestSubcommandToFront(c *check.C) {
	defaultFlags := flag.NewFlagSet("", flag.ContinueOnError)
	defaultFlags.String("format", "json", "")
	defaultFlags.Bool("n", false, "")
	args := SubcommandToFront([]string{"--format=yaml", "-n", "-format", "beep", "echo", "hi"}, defaultFlags)
	c.Check(args, check.DeepEquals, []string{"echo", "--format=yaml", "-n", "-format", "beep", "hi"})
}

func (s *CmdSuite) TestParseFlagsHelp(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Int("dcid", 0, "data collection id")
	ok, code := ParseFlags(flags, "prog", []string{"-help"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)

	ok, code = ParseFlags(flags, "prog", []string{"extra"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
}

func (s *CmdSuite) TestParseFlagsPositional(c *check.C) {
	for _, trial := range []struct {
		positional string
		args       []string
		ok         bool
	}{
		{"[dcid]", nil, true},
		{"[dcid]", []string{"1"}, true},
		{"[dcid]", []string{"1", "2"}, false},
		{"src dst", []string{"a", "b"}, true},
		{"src dst", []string{"a", "b", "c"}, false},
		{"file...", []string{"a", "b", "c"}, true},
		{"[file...]", []string{"a", "b", "c"}, true},
	} {
		stderr := bytes.NewBuffer(nil)
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		ok, code := ParseFlags(flags, "prog", trial.args, trial.positional, stderr)
		c.Check(ok, check.Equals, trial.ok, check.Commentf("%q %q", trial.positional, trial.args))
		if !trial.ok {
			c.Check(code, check.Equals, 2)
			c.Check(stderr.String(), check.Matches, `too many arguments: .* \(try -help\)\n`)
		}
	}
}
