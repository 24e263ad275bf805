// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing subcommands.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr instead of the streams passed to a cmd.Handler.
//
// It redirects os.Stdout and os.Stderr to unlinked temporary files
// and returns a func, which the caller is expected to defer, that
// restores them and checks that nothing was written.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		code := Go.RunCommand("zocalo go", args, stdin, &stdout, &stderr)
//	}
func LeakCheck(c *check.C) func() {
	captured := map[string]*os.File{}
	for _, name := range []string{"stdout", "stderr"} {
		f, err := os.CreateTemp("", "leakcheck-"+name+"-")
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(f.Name()), check.IsNil)
		captured[name] = f
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = captured["stdout"], captured["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for name, f := range captured {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
		}
	}
}
