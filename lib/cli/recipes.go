// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
)

// Recipes lists the recipes in the configured store, optionally
// validating each one, or prints a single recipe.
var Recipes cmd.Handler = recipesCommand{}

type recipesCommand struct{}

func (recipesCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	validate := flags.Bool("validate", false, "Check that every recipe is valid")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[recipe]", stderr); !ok {
		return code
	}
	cfg, _, err := loadConfig(loader, stderr)
	if err != nil {
		return 1
	}
	store, err := recipe.NewStore(cfg.Recipes)
	if err != nil {
		return 1
	}

	if flags.NArg() == 1 {
		var r *recipe.Recipe
		r, err = store.Load(flags.Arg(0))
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, r.Pretty())
		return 0
	}

	names, err := store.List()
	if err != nil {
		return 1
	}
	invalid := 0
	for _, name := range names {
		if !*validate {
			fmt.Fprintln(stdout, name)
			continue
		}
		r, lerr := store.Load(name)
		if lerr == nil {
			lerr = r.Validate()
		}
		if lerr != nil {
			invalid++
			fmt.Fprintf(stdout, "%s: %s\n", name, lerr)
		} else {
			fmt.Fprintf(stdout, "%s: OK\n", name)
		}
	}
	if invalid > 0 {
		err = fmt.Errorf("%d of %d recipes are invalid", invalid, len(names))
		return 1
	}
	return 0
}
