// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import (
	"fmt"
	"strings"
)

// An Invocation is an action decided by a rule. It is either a
// RecipeInvocation or a JobInvocation.
type Invocation interface {
	// DataCollection returns the data collection the action
	// applies to.
	DataCollection() int
	isInvocation()
}

// RecipeInvocation runs a recipe for a data collection immediately.
type RecipeInvocation struct {
	DCID   int
	Recipe string
}

func (ri RecipeInvocation) DataCollection() int { return ri.DCID }
func (RecipeInvocation) isInvocation()          {}

// JobInvocation registers a processing job with the
// experiment-tracking service, optionally starting it.
type JobInvocation struct {
	DCID             int               `json:"DCID"`
	Autostart        bool              `json:"autostart"`
	Recipe           string            `json:"recipe"`
	Source           string            `json:"source"`
	Comment          string            `json:"comment"`
	DisplayName      string            `json:"displayname"`
	Parameters       []Parameter       `json:"parameters"`
	Sweeps           []Sweep           `json:"sweeps"`
	TriggerVariables []TriggerVariable `json:"triggervariables"`
}

func (ji JobInvocation) DataCollection() int { return ji.DCID }
func (JobInvocation) isInvocation()          {}

// RecipeMessage is the bus form of a RecipeInvocation.
type RecipeMessage struct {
	Recipes    []string               `json:"recipes"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Message returns the message that carries inv over the bus: a
// RecipeMessage for a RecipeInvocation, or the JobInvocation itself
// (with empty lists rather than nulls).
func Message(inv Invocation) (interface{}, error) {
	switch inv := inv.(type) {
	case RecipeInvocation:
		return RecipeMessage{
			Recipes:    []string{inv.Recipe},
			Parameters: map[string]interface{}{"ispyb_dcid": inv.DCID},
		}, nil
	case JobInvocation:
		if inv.Parameters == nil {
			inv.Parameters = []Parameter{}
		}
		if inv.Sweeps == nil {
			inv.Sweeps = []Sweep{}
		}
		if inv.TriggerVariables == nil {
			inv.TriggerVariables = []TriggerVariable{}
		}
		return inv, nil
	default:
		return nil, errUnknown(inv)
	}
}

// CommandLine returns the shell command that performs inv by hand.
func CommandLine(inv Invocation) (string, error) {
	switch inv := inv.(type) {
	case RecipeInvocation:
		return fmt.Sprintf("zocalo.go -r %s %d", shellWord(inv.Recipe), inv.DCID), nil
	case JobInvocation:
		args := []string{
			"ispyb.job",
			"--new",
			fmt.Sprintf("--dcid=%d", inv.DCID),
			"--source=" + shellWord(inv.Source),
			"--recipe=" + shellWord(inv.Recipe),
		}
		for _, sw := range inv.Sweeps {
			args = append(args, fmt.Sprintf("--add-sweep=%d:%d:%d", sw.DCID, sw.Start, sw.End))
		}
		for _, p := range inv.Parameters {
			args = append(args, "--add-param="+shellWord(p.Key+":"+p.Value))
		}
		if inv.DisplayName != "" {
			args = append(args, "--display="+shellQuote(inv.DisplayName))
		}
		if inv.Comment != "" {
			args = append(args, "--comment="+shellQuote(inv.Comment))
		}
		if inv.Autostart {
			args = append(args, "--trigger")
		}
		for _, tv := range inv.TriggerVariables {
			args = append(args, "--trigger-variable="+shellWord(tv.Key+":"+tv.Value))
		}
		return strings.Join(args, " "), nil
	default:
		return "", errUnknown(inv)
	}
}

// shellQuote wraps s in single quotes, escaping embedded single
// quotes POSIX-style.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-.,:/=+@%"

// shellWord returns s unchanged if the shell would read it as a
// single literal word, otherwise shellQuote(s).
func shellWord(s string) string {
	if s != "" && strings.Trim(s, shellSafe) == "" {
		return s
	}
	return shellQuote(s)
}
