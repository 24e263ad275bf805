// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// cli runs scheduler command line programs.
type cli struct {
	logger logrus.FieldLogger
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running scheduler command line
	// programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func (c cli) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := c.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// bash runs script with /bin/bash and returns its stdout.
func (c cli) bash(ctx context.Context, dir string, script []byte) ([]byte, error) {
	cmd := c.command(ctx, "/bin/bash")
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(script)
	out, err := cmd.Output()
	return out, errWithStderr(err)
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
