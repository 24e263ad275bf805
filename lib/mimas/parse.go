// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import (
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/zocalo-go/zocalo/lib/zerr"
)

// ParseCommandLine is the inverse of CommandLine.
func ParseCommandLine(line string) (Invocation, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, zerr.Validationf("cannot split command line: %w", err)
	}
	if len(args) == 0 {
		return nil, zerr.Validationf("empty command line")
	}
	switch args[0] {
	case "zocalo.go":
		return parseRecipeCommand(args[1:])
	case "ispyb.job":
		return parseJobCommand(args[1:])
	default:
		return nil, zerr.Validationf("unrecognized command %q", args[0])
	}
}

func parseRecipeCommand(args []string) (Invocation, error) {
	if len(args) != 3 || args[0] != "-r" {
		return nil, zerr.Validationf("usage: zocalo.go -r recipe dcid")
	}
	dcid, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, zerr.Validationf("invalid DCID %q", args[2])
	}
	inv := RecipeInvocation{DCID: dcid, Recipe: args[1]}
	return inv, Validate(inv)
}

func parseJobCommand(args []string) (Invocation, error) {
	inv, err := ParseJobArgs(args)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ParseJobArgs parses the arguments of an "ispyb.job --new" command
// line, in "--name=value" form, and validates the result.
func ParseJobArgs(args []string) (JobInvocation, error) {
	var inv JobInvocation
	isNew := false
	for _, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		var err error
		switch name {
		case "--new":
			isNew = true
		case "--trigger":
			inv.Autostart = true
		case "--dcid":
			inv.DCID, err = strconv.Atoi(value)
		case "--source":
			inv.Source = value
		case "--recipe":
			inv.Recipe = value
		case "--display":
			inv.DisplayName = value
		case "--comment":
			inv.Comment = value
		case "--add-param":
			var p Parameter
			p.Key, p.Value, hasValue = strings.Cut(value, ":")
			inv.Parameters = append(inv.Parameters, p)
		case "--trigger-variable":
			var tv TriggerVariable
			tv.Key, tv.Value, hasValue = strings.Cut(value, ":")
			inv.TriggerVariables = append(inv.TriggerVariables, tv)
		case "--add-sweep":
			var sw Sweep
			sw, err = parseSweep(value)
			inv.Sweeps = append(inv.Sweeps, sw)
		default:
			return inv, zerr.Validationf("unrecognized argument %q", arg)
		}
		if err != nil {
			return inv, zerr.Validationf("invalid argument %q: %w", arg, err)
		}
		if !hasValue && name != "--new" && name != "--trigger" {
			return inv, zerr.Validationf("argument %q needs a value", arg)
		}
	}
	if !isNew {
		return inv, zerr.Validationf("only --new jobs are supported")
	}
	return inv, Validate(inv)
}

func parseSweep(s string) (Sweep, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return Sweep{}, zerr.Validationf("sweep must be dcid:start:end")
	}
	var n [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Sweep{}, err
		}
		n[i] = v
	}
	return Sweep{DCID: n[0], Start: n[1], End: n[2]}, nil
}
