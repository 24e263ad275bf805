// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/mimas"
	"github.com/zocalo-go/zocalo/lib/mimas/rules"
)

// MimasEval shows what the decision engine would do for a scenario
// read from a JSON or YAML file ("-" for stdin).
var MimasEval cmd.Handler = evalCommand{}

type evalCommand struct{}

func (evalCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	commandLines := flags.Bool("c", false, "Print command lines instead of messages")
	format := flags.String("format", "json", "Message output `format` (json or yaml)")
	listRules := flags.Bool("rules", false, "List the rules in evaluation order and exit")
	if ok, code := cmd.ParseFlags(flags, prog, args, "scenario-file", stderr); !ok {
		return code
	}
	reg := rules.Default()
	if *listRules {
		for _, name := range reg.Rules() {
			fmt.Fprintln(stdout, name)
		}
		return 0
	}
	if flags.NArg() != 1 {
		err = fmt.Errorf("usage: %s [options] scenario-file", prog)
		return 2
	}

	var buf []byte
	if fnm := flags.Arg(0); fnm == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(fnm)
	}
	if err != nil {
		return 1
	}
	var sc mimas.Scenario
	if err = yaml.Unmarshal(buf, &sc); err != nil {
		err = fmt.Errorf("decoding scenario: %w", err)
		return 1
	}
	invs, err := reg.Handle(sc)
	if err != nil {
		return 1
	}

	if *commandLines {
		var lines []string
		lines, err = mimas.CommandLines(invs)
		if err != nil {
			return 1
		}
		for _, line := range lines {
			fmt.Fprintln(stdout, line)
		}
		return 0
	}
	msgs := make([]interface{}, 0, len(invs))
	for _, inv := range invs {
		var msg interface{}
		msg, err = mimas.Message(inv)
		if err != nil {
			return 1
		}
		msgs = append(msgs, msg)
	}
	err = writeFormatted(stdout, *format, msgs)
	if err != nil {
		return 1
	}
	return 0
}
