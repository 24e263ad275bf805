// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/zocalo-go/zocalo/lib/cli"
	"github.com/zocalo-go/zocalo/lib/cluster"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/dispatcher"
	"github.com/zocalo-go/zocalo/lib/mimasd"
	"github.com/zocalo-go/zocalo/lib/monitor"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"dispatcher":         dispatcher.Command,
		"mimas":              mimasd.Command,
		"cluster-submission": cluster.Command,
		"cluster-monitor":    monitor.Command,

		"go":         cli.Go,
		"job":        cli.Job,
		"mimas-eval": cli.MimasEval,
		"recipes":    cli.Recipes,

		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
