// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/mimas"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Job registers a processing job with the experiment-tracking
// service, using the same arguments as the command lines printed by
// mimas-eval -c:
//
//	zocalo job --new --dcid=N --recipe=R [--add-sweep=dcid:start:end] [--add-param=key:value] [--trigger]
var Job cmd.Handler = jobCommand{}

type jobCommand struct{}

// jobArg is a flag.Value that records each occurrence in the
// "--name=value" form understood by mimas.ParseJobArgs.
type jobArg struct {
	name   string
	args   *[]string
	isBool bool
}

func (ja jobArg) String() string   { return "" }
func (ja jobArg) IsBoolFlag() bool { return ja.isBool }

func (ja jobArg) Set(s string) error {
	if ja.isBool {
		if s == "true" {
			*ja.args = append(*ja.args, "--"+ja.name)
		}
		return nil
	}
	*ja.args = append(*ja.args, "--"+ja.name+"="+s)
	return nil
}

func (jobCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	var jobArgs []string
	for _, f := range []struct {
		name, usage string
		isBool      bool
	}{
		{"new", "Create a new processing job", true},
		{"trigger", "Start the job once it is registered", true},
		{"dcid", "Data collection `ID`", false},
		{"source", "Job `source`, e.g. \"user\" or \"automatic\"", false},
		{"recipe", "`recipe` to run", false},
		{"display", "Display `name`", false},
		{"comment", "Job `comment`", false},
		{"add-param", "Job parameter, `key:value` (may be repeated)", false},
		{"add-sweep", "Image range, `dcid:start:end` (may be repeated)", false},
		{"trigger-variable", "Trigger variable, `key:value` (may be repeated)", false},
	} {
		flags.Var(jobArg{name: f.name, args: &jobArgs, isBool: f.isBool}, f.name, f.usage)
	}
	dryRun := flags.Bool("dry-run", false, "Print the job instead of sending it")
	printCommand := flags.Bool("c", false, "With -dry-run, print the equivalent command line instead of the message")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	var hasSource bool
	for _, a := range jobArgs {
		if strings.HasPrefix(a, "--source=") {
			hasSource = true
		}
	}
	if !hasSource {
		jobArgs = append(jobArgs, "--source=user")
	}
	inv, err := mimas.ParseJobArgs(jobArgs)
	if err != nil {
		return 2
	}
	msg, err := mimas.Message(inv)
	if err != nil {
		return 1
	}

	if *dryRun {
		if *printCommand {
			var line string
			line, err = mimas.CommandLine(inv)
			if err != nil {
				return 1
			}
			fmt.Fprintln(stdout, line)
			return 0
		}
		err = writeFormatted(stdout, "json", msg)
		if err != nil {
			return 1
		}
		return 0
	}
	cfg, logger, err := loadConfig(loader, stderr)
	if err != nil {
		return 1
	}
	err = send(cfg, logger, zocalo.QueueISPyB, msg)
	if err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "submitted %s job for data collection %d\n", inv.Recipe, inv.DCID)
	return 0
}
